package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/njoerd114/calrelay/internal/config"
	"github.com/njoerd114/calrelay/internal/model"
	syncp "github.com/njoerd114/calrelay/internal/sync"
)

// rootOptions holds the flags shared by every command.
type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	defaultCfg, _ := config.DefaultPath()

	cmd := &cobra.Command{
		Use:           "calrelay",
		Short:         "calrelay - sync Google Calendar with the row Store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultCfg, "path to config.yaml")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(
		newSyncOnceCommand(opts),
		newDaemonCommand(opts),
		newEnableCommand(opts),
		newDisableCommand(opts),
		newPushCommand(opts, false),
		newPushCommand(opts, true),
		newStatusCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

// --- sync --------------------------------------------------------------------

func newSyncOnceCommand(opts *rootOptions) *cobra.Command {
	var configID string
	cmd := &cobra.Command{
		Use:   "sync-once",
		Short: "Run one inbound sync pass then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			engine := a.engine()
			if configID != "" {
				res, err := engine.RunConfig(ctx, configID)
				printResult(cmd, configID, res)
				return err
			}

			stats, err := engine.RunOnce(ctx)
			a.log.Info("sync complete",
				"runs", stats.Runs,
				"failed", stats.Failed,
				"created", stats.Created,
				"updated", stats.Updated,
				"deleted", stats.Deleted,
				"skipped", stats.Skipped,
				"errors", stats.Errors,
			)
			return err
		},
	}
	cmd.Flags().StringVar(&configID, "sync-config", "", "run only this sync config")
	return cmd
}

func newDaemonCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Sync every enabled config on the poll interval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			a.log.Info("daemon starting", "poll_interval", a.cfg.Sync.PollInterval)
			if err := a.engine().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("sync engine: %w", err)
			}
			a.log.Info("shutdown complete")
			return nil
		},
	}
}

func printResult(cmd *cobra.Command, configID string, res model.SyncResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %s (created %d, updated %d, deleted %d, skipped %d, errors %d)\n",
		configID, res.Status, res.Created, res.Updated, res.Deleted, res.Skipped, len(res.Errors))
	for _, e := range res.Errors {
		fmt.Fprintf(out, "  %s: %s\n", e.EventID, e.Message)
	}
}

// --- configs -----------------------------------------------------------------

func newEnableCommand(opts *rootOptions) *cobra.Command {
	var (
		connectionID string
		ownerID      string
		calendarID   string
		direction    string
		color        string
	)
	cmd := &cobra.Command{
		Use:   "enable",
		Short: "Create or update the sync config of a calendar",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := model.ParseDirection(direction)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			info, err := a.provider.GetCalendar(ctx, calendarID)
			if err != nil {
				return err
			}
			if color == "" {
				color = info.BackgroundColor
			}

			cfg := &model.SyncConfig{
				ConnectionID:         connectionID,
				OwnerID:              ownerID,
				ProviderCalendarID:   info.ID,
				ProviderCalendarName: info.Summary,
				Direction:            dir,
				DisplayColor:         color,
				Enabled:              true,
			}
			if err := a.state.UpsertConfig(ctx, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sync config %s: %q (%s, %s)\n", cfg.ID, info.Summary, dir, info.AccessRole)
			return nil
		},
	}
	cmd.Flags().StringVar(&connectionID, "connection", "", "connection ID (required)")
	cmd.Flags().StringVar(&ownerID, "owner", "", "owner of the target schema (required)")
	cmd.Flags().StringVar(&calendarID, "calendar", "primary", "Google calendar ID")
	cmd.Flags().StringVar(&direction, "direction", string(model.DirectionFromProvider), "to_provider, from_provider or bidirectional")
	cmd.Flags().StringVar(&color, "color", "", "fallback row color (defaults to the calendar color)")
	_ = cmd.MarkFlagRequired("connection")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newDisableCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <sync-config-id>",
		Short: "Stop syncing a config; its mappings and cursor are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.state.SetEnabled(cmd.Context(), args[0], false)
		},
	}
}

// --- outbound ----------------------------------------------------------------

// newPushCommand builds "push" or, with retract set, "retract".
func newPushCommand(opts *rootOptions, retract bool) *cobra.Command {
	var schemaID, rowID, configID string

	use, short := "push", "Send a Store row to Google Calendar"
	if retract {
		use, short = "retract", "Delete the Google Calendar event of a Store row"
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			var target *model.SyncConfig
			if configID != "" {
				if target, err = a.state.GetConfig(ctx, configID); err != nil {
					return err
				}
				if target == nil {
					return fmt.Errorf("sync config %s does not exist", configID)
				}
			}

			sc, err := a.rows.GetSchema(ctx, schemaID)
			if err != nil {
				return err
			}
			if sc == nil {
				return fmt.Errorf("schema %s does not exist", schemaID)
			}

			pusher := syncp.NewPusher(a.provider, a.state, a.log)
			if retract {
				// The row may already be gone from the Store.
				return pusher.Retract(ctx, target, &model.Row{ID: rowID, SchemaID: sc.ID})
			}

			row, err := a.rows.GetRow(ctx, sc, rowID)
			if err != nil {
				return err
			}
			if row == nil {
				return fmt.Errorf("row %s does not exist in schema %s", rowID, schemaID)
			}
			eventID, err := pusher.Push(ctx, target, row)
			if err != nil {
				return err
			}
			if eventID == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "no writable calendar for this row")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), eventID)
			return nil
		},
	}
	cmd.Flags().StringVar(&schemaID, "schema", "", "Store schema ID (required)")
	cmd.Flags().StringVar(&rowID, "row", "", "row ID (required)")
	cmd.Flags().StringVar(&configID, "sync-config", "", "preferred sync config")
	_ = cmd.MarkFlagRequired("schema")
	_ = cmd.MarkFlagRequired("row")
	return cmd
}

// --- status ------------------------------------------------------------------

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync configs with cursor state and last run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			configs, err := a.state.ListConfigs(ctx)
			if err != nil {
				return err
			}
			if len(configs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sync configs. Run 'calrelay enable' to add one.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CONFIG\tCALENDAR\tDIRECTION\tENABLED\tCURSOR\tROWS\tLAST RUN")
			for _, cfg := range configs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\t%s\n",
					cfg.ID,
					cfg.ProviderCalendarName,
					cfg.Direction,
					cfg.Enabled,
					cursorState(cfg),
					a.rowCount(ctx, cfg),
					a.lastRun(ctx, cfg),
				)
			}
			return w.Flush()
		},
	}
}

func cursorState(cfg *model.SyncConfig) string {
	if cfg.CursorToken == "" {
		return "full fetch"
	}
	return "incremental"
}

func (a *app) rowCount(ctx context.Context, cfg *model.SyncConfig) string {
	if cfg.TargetSchemaID == "" {
		return "-"
	}
	sc, err := a.rows.GetSchema(ctx, cfg.TargetSchemaID)
	if err != nil || sc == nil {
		return "?"
	}
	n, err := a.rows.CountRows(ctx, sc)
	if err != nil {
		return "?"
	}
	return fmt.Sprint(n)
}

func (a *app) lastRun(ctx context.Context, cfg *model.SyncConfig) string {
	logs, err := a.state.RecentSyncLogs(ctx, cfg.ID, 1)
	if err != nil || len(logs) == 0 {
		return "never"
	}
	l := logs[0]
	s := fmt.Sprintf("%s %s (+%d ~%d -%d)", l.CompletedAt.Local().Format(time.DateTime), l.Status, l.Created, l.Updated, l.Deleted)
	if len(l.Errors) > 0 {
		s += fmt.Sprintf(" %d error(s): %s", len(l.Errors), strings.TrimSpace(l.Errors[0].Message))
	}
	return s
}

// --- version -----------------------------------------------------------------

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "calrelay", version)
		},
	}
}
