package telemetry

import (
	"context"
	"log/slog"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

// Handler is a slog.Handler that passes every record to an inner handler and
// also emits it through the global OTel logger provider. Before [Setup] the
// provider is a no-op and only the inner handler sees records.
type Handler struct {
	inner  slog.Handler
	scope  string
	attrs  []otellog.KeyValue
	groups []string
}

// NewHandler wraps inner. scope names the OTel instrumentation scope.
func NewHandler(inner slog.Handler, scope string) *Handler {
	return &Handler{inner: inner, scope: scope}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	var rec otellog.Record
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	rec.SetTimestamp(ts)
	rec.SetObservedTimestamp(time.Now())
	rec.SetBody(otellog.StringValue(r.Message))
	rec.SetSeverity(severity(r.Level))
	rec.SetSeverityText(r.Level.String())
	rec.AddAttributes(h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		rec.AddAttributes(h.keyValue(a))
		return true
	})
	global.GetLoggerProvider().Logger(h.scope).Emit(ctx, rec)

	return h.inner.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.clone()
	next.inner = h.inner.WithAttrs(attrs)
	for _, a := range attrs {
		next.attrs = append(next.attrs, h.keyValue(a))
	}
	return next
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.clone()
	next.inner = h.inner.WithGroup(name)
	next.groups = append(next.groups, name)
	return next
}

func (h *Handler) clone() *Handler {
	return &Handler{
		inner:  h.inner,
		scope:  h.scope,
		attrs:  append([]otellog.KeyValue(nil), h.attrs...),
		groups: append([]string(nil), h.groups...),
	}
}

// keyValue converts a slog attribute, prefixing open groups as dotted keys.
func (h *Handler) keyValue(a slog.Attr) otellog.KeyValue {
	key := a.Key
	for i := len(h.groups) - 1; i >= 0; i-- {
		key = h.groups[i] + "." + key
	}
	return otellog.KeyValue{Key: key, Value: value(a.Value.Resolve())}
}

func value(v slog.Value) otellog.Value {
	switch v.Kind() {
	case slog.KindString:
		return otellog.StringValue(v.String())
	case slog.KindInt64:
		return otellog.Int64Value(v.Int64())
	case slog.KindUint64:
		return otellog.Int64Value(int64(v.Uint64()))
	case slog.KindFloat64:
		return otellog.Float64Value(v.Float64())
	case slog.KindBool:
		return otellog.BoolValue(v.Bool())
	case slog.KindDuration:
		return otellog.StringValue(v.Duration().String())
	case slog.KindTime:
		return otellog.StringValue(v.Time().Format(time.RFC3339Nano))
	case slog.KindGroup:
		var kvs []otellog.KeyValue
		for _, a := range v.Group() {
			kvs = append(kvs, otellog.KeyValue{Key: a.Key, Value: value(a.Value.Resolve())})
		}
		return otellog.MapValue(kvs...)
	default:
		return otellog.StringValue(v.String())
	}
}

func severity(l slog.Level) otellog.Severity {
	switch {
	case l >= slog.LevelError:
		return otellog.SeverityError
	case l >= slog.LevelWarn:
		return otellog.SeverityWarn
	case l >= slog.LevelInfo:
		return otellog.SeverityInfo
	default:
		return otellog.SeverityDebug
	}
}
