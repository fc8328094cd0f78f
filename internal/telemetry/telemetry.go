// Package telemetry wires optional OpenTelemetry export for calrelay. Traces,
// metrics and logs go to one OTLP gRPC collector over a shared connection.
//
// Without a call to [Setup] the global providers stay no-ops.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultServiceName is the service.name resource attribute when none is
// configured.
const DefaultServiceName = "calrelay"

// Config mirrors the telemetry block of the YAML configuration.
type Config struct {
	// OTLPEndpoint is the collector's gRPC host:port.
	OTLPEndpoint string

	// Insecure dials the collector without TLS.
	Insecure bool

	ServiceName string

	// Headers is sent as gRPC metadata on every export.
	Headers map[string]string
}

// ShutdownFunc flushes and closes the providers. Call it with a context that
// is still live; the run context is usually cancelled by then.
type ShutdownFunc func(context.Context) error

// Setup installs global trace, metric and log providers exporting to
// cfg.OTLPEndpoint. The returned ShutdownFunc is never nil.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	// Schemaless so the SDK default resource and our semconv version merge
	// without a schema URL conflict.
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(semconv.ServiceName(name)))
	if err != nil {
		return noopShutdown, fmt.Errorf("building OTel resource: %w", err)
	}

	conn, err := dial(cfg)
	if err != nil {
		return noopShutdown, err
	}

	var closers []func(context.Context) error
	fail := func(err error) (ShutdownFunc, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i](ctx)
		}
		_ = conn.Close()
		return noopShutdown, err
	}

	traceExp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn), otlptracegrpc.WithHeaders(cfg.Headers))
	if err != nil {
		return fail(fmt.Errorf("creating OTLP trace exporter: %w", err))
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp), sdktrace.WithResource(res))
	closers = append(closers, tp.Shutdown)

	metricExp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn), otlpmetricgrpc.WithHeaders(cfg.Headers))
	if err != nil {
		return fail(fmt.Errorf("creating OTLP metric exporter: %w", err))
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	closers = append(closers, mp.Shutdown)

	logExp, err := otlploggrpc.New(ctx, otlploggrpc.WithGRPCConn(conn), otlploggrpc.WithHeaders(cfg.Headers))
	if err != nil {
		return fail(fmt.Errorf("creating OTLP log exporter: %w", err))
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	global.SetLoggerProvider(lp)

	return func(ctx context.Context) error {
		var errs []error
		if err := tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
		if err := mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric provider shutdown: %w", err))
		}
		if err := lp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("log provider shutdown: %w", err))
		}
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing OTLP connection: %w", err))
		}
		return errors.Join(errs...)
	}, nil
}

func dial(cfg Config) (*grpc.ClientConn, error) {
	creds := credentials.NewTLS(nil)
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(cfg.OTLPEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dialling OTLP collector at %q: %w", cfg.OTLPEndpoint, err)
	}
	return conn, nil
}

func noopShutdown(context.Context) error { return nil }
