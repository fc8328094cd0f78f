// calrelay keeps Google Calendar calendars in sync with tables of the row
// Store. Each sync config binds one calendar to one Store schema.
//
// Usage:
//
//	calrelay sync-once [--sync-config ID]   # one inbound pass then exit
//	calrelay daemon                         # poll every enabled config
//	calrelay enable --connection C --owner O [--calendar ID] [--direction D]
//	calrelay disable <sync-config-id>
//	calrelay push --schema S --row R [--sync-config ID]
//	calrelay retract --schema S --row R [--sync-config ID]
//	calrelay status
//	calrelay version
//
// Every command accepts --config <path> and --verbose.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}
