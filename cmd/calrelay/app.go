package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/njoerd114/calrelay/internal/auth"
	"github.com/njoerd114/calrelay/internal/config"
	"github.com/njoerd114/calrelay/internal/google"
	"github.com/njoerd114/calrelay/internal/provision"
	"github.com/njoerd114/calrelay/internal/rowstore"
	"github.com/njoerd114/calrelay/internal/state"
	syncp "github.com/njoerd114/calrelay/internal/sync"
	"github.com/njoerd114/calrelay/internal/telemetry"
)

// app holds the components a command works with. Close releases them.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	state    *state.Store
	rows     *rowstore.Store
	provider *google.Client

	closers []func()
}

// openApp loads the config, opens both databases and, when withProvider is
// set, connects the Google client.
func openApp(ctx context.Context, opts *rootOptions, withProvider bool) (*app, error) {
	// --- Logger --------------------------------------------------------------

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	text := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(telemetry.NewHandler(text, "calrelay"))
	slog.SetDefault(logger)

	a := &app{log: logger}

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", opts.configPath, err)
	}
	a.cfg = cfg
	logger.Debug("config loaded", "state_db", cfg.StateDB, "store_db", cfg.StoreDB, "poll_interval", cfg.Sync.PollInterval)

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		shutdown, err := telemetry.Setup(ctx, telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		})
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			a.closers = append(a.closers, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}

	// --- Databases -----------------------------------------------------------

	st, err := state.Open(cfg.StateDB)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening state DB at %q: %w", cfg.StateDB, err)
	}
	a.state = st
	a.closers = append(a.closers, func() {
		if err := st.Close(); err != nil {
			logger.Error("closing state DB", "error", err)
		}
	})

	rows, err := rowstore.Open(cfg.StoreDB, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening store DB at %q: %w", cfg.StoreDB, err)
	}
	a.rows = rows
	a.closers = append(a.closers, func() {
		if err := rows.Close(); err != nil {
			logger.Error("closing store DB", "error", err)
		}
	})

	if !withProvider {
		return a, nil
	}

	// --- Google Calendar -----------------------------------------------------

	ts, err := auth.TokenSource(ctx, cfg.Google.CredentialsFile, auth.FileTokenStore{Path: cfg.Google.TokenFile})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("loading Google credentials: %w", err)
	}
	client, err := google.New(ctx, ts, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("initialising Google Calendar client: %w", err)
	}
	a.provider = client
	return a, nil
}

// Close releases everything openApp acquired, in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) orchestrator() *syncp.Orchestrator {
	prov := provision.New(a.rows, a.state, *a.cfg.Sync.SchemaSettle, a.log)
	return syncp.NewOrchestrator(a.provider, a.state, a.rows, prov, syncp.Options{
		WindowPast:   a.cfg.Sync.WindowPast,
		WindowFuture: a.cfg.Sync.WindowFuture,
		LeaseTTL:     a.cfg.Sync.LeaseTTL,
	}, a.log)
}

func (a *app) engine() *syncp.Engine {
	return syncp.NewEngine(a.orchestrator(), a.state, a.cfg.Sync.PollInterval, a.log)
}
