package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/calrelay/internal/model"
)

const (
	otelScope     = "calrelay/sync"
	spanRun       = "calrelay.sync.run"
	metricCreated = "calrelay.sync.events.created"
	metricUpdated = "calrelay.sync.events.updated"
	metricDeleted = "calrelay.sync.events.deleted"
	metricSkipped = "calrelay.sync.events.skipped"
	metricErrors  = "calrelay.sync.events.errors"
	metricRuns    = "calrelay.sync.runs"
)

// ConfigRunner runs one inbound sync of a config. Implemented by
// [Orchestrator].
type ConfigRunner interface {
	Run(ctx context.Context, configID string) (model.SyncResult, error)
}

// ConfigLister lists the configs the engine should run. Implemented by
// [state.Store].
type ConfigLister interface {
	ListEnabledConfigs(ctx context.Context) ([]*model.SyncConfig, error)
}

// Stats aggregates the results of one pass over all enabled configs.
type Stats struct {
	Runs    int
	Failed  int
	Created int
	Updated int
	Deleted int
	Skipped int
	Errors  int
}

func (s *Stats) add(r model.SyncResult) {
	s.Runs++
	if r.Status == model.RunError {
		s.Failed++
	}
	s.Created += r.Created
	s.Updated += r.Updated
	s.Deleted += r.Deleted
	s.Skipped += r.Skipped
	s.Errors += len(r.Errors)
}

// Engine runs the orchestrator for every enabled config, once or on a timer.
// Create one with [NewEngine] and start it with [Engine.Run].
type Engine struct {
	runner       ConfigRunner
	configs      ConfigLister
	pollInterval time.Duration
	log          *slog.Logger

	// OTel instruments, no-op when telemetry is disabled.
	tracer     trace.Tracer
	cntCreated metric.Int64Counter
	cntUpdated metric.Int64Counter
	cntDeleted metric.Int64Counter
	cntSkipped metric.Int64Counter
	cntErrors  metric.Int64Counter
	cntRuns    metric.Int64Counter
}

// NewEngine creates an Engine.
func NewEngine(runner ConfigRunner, configs ConfigLister, pollInterval time.Duration, logger *slog.Logger) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		runner:       runner,
		configs:      configs,
		pollInterval: pollInterval,
		log:          logger,

		tracer:     tracer,
		cntCreated: mustCounter(metricCreated, "Number of Store rows created from Provider events"),
		cntUpdated: mustCounter(metricUpdated, "Number of Store rows updated from Provider events"),
		cntDeleted: mustCounter(metricDeleted, "Number of Store rows deleted for cancelled events"),
		cntSkipped: mustCounter(metricSkipped, "Number of events skipped after a concurrent mapping"),
		cntErrors:  mustCounter(metricErrors, "Number of events that failed during sync"),
		cntRuns:    mustCounter(metricRuns, "Number of sync runs by status"),
	}
}

// RunConfig runs one config, recording a trace span and metrics.
func (e *Engine) RunConfig(ctx context.Context, configID string) (model.SyncResult, error) {
	ctx, span := e.tracer.Start(ctx, spanRun, trace.WithAttributes(attribute.String("sync.config", configID)))
	defer span.End()

	res, err := e.runner.Run(ctx, configID)

	// Counters are no-ops without telemetry.
	if res.Created > 0 {
		e.cntCreated.Add(ctx, int64(res.Created))
	}
	if res.Updated > 0 {
		e.cntUpdated.Add(ctx, int64(res.Updated))
	}
	if res.Deleted > 0 {
		e.cntDeleted.Add(ctx, int64(res.Deleted))
	}
	if res.Skipped > 0 {
		e.cntSkipped.Add(ctx, int64(res.Skipped))
	}
	if n := len(res.Errors); n > 0 {
		e.cntErrors.Add(ctx, int64(n))
	}
	e.cntRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(res.Status))))

	span.SetAttributes(
		attribute.String("sync.status", string(res.Status)),
		attribute.Int("sync.created", res.Created),
		attribute.Int("sync.updated", res.Updated),
		attribute.Int("sync.deleted", res.Deleted),
		attribute.Int("sync.skipped", res.Skipped),
		attribute.Int("sync.errors", len(res.Errors)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// RunOnce runs every enabled config sequentially. A failing config does not
// stop the pass; all failures are returned joined.
func (e *Engine) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	configs, err := e.configs.ListEnabledConfigs(ctx)
	if err != nil {
		return stats, fmt.Errorf("listing sync configs: %w", err)
	}

	var errs []error
	for _, cfg := range configs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := e.RunConfig(ctx, cfg.ID)
		stats.add(res)
		if err != nil {
			e.log.Error("sync run failed", "sync_config", cfg.ID, "calendar", cfg.ProviderCalendarName, "error", err)
			errs = append(errs, fmt.Errorf("config %s: %w", cfg.ID, err))
		}
	}
	return stats, errors.Join(errs...)
}

// Run starts the polling loop. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	pass := func() {
		stats, err := e.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			e.log.Error("sync pass had failures", "error", err)
		}
		e.log.Info("sync pass complete",
			"runs", stats.Runs,
			"failed", stats.Failed,
			"created", stats.Created,
			"updated", stats.Updated,
			"deleted", stats.Deleted,
			"skipped", stats.Skipped,
			"errors", stats.Errors,
		)
	}

	// Run an immediate first pass.
	pass()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			return ctx.Err()
		case <-ticker.C:
			pass()
		}
	}
}
