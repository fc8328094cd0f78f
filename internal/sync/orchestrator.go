package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/njoerd114/calrelay/internal/google"
	"github.com/njoerd114/calrelay/internal/mapper"
	"github.com/njoerd114/calrelay/internal/model"
	"github.com/njoerd114/calrelay/internal/provision"
)

var (
	// ErrCursorInvalid is returned when the Provider rejected the stored
	// cursor. The cursor has been cleared; the next run performs a full
	// fetch.
	ErrCursorInvalid = errors.New("sync cursor invalid")

	// ErrRunInProgress is returned when another run holds the config's lease.
	ErrRunInProgress = errors.New("sync run already in progress")
)

// Options tunes an Orchestrator.
type Options struct {
	// WindowPast and WindowFuture bound a full fetch around the current time.
	WindowPast   time.Duration
	WindowFuture time.Duration

	// LeaseTTL is how long a run may hold its config's lease.
	LeaseTTL time.Duration
}

// Orchestrator performs inbound runs: Provider events into Store rows. It is
// stateless between calls; all persistent state lives in the [StateStore]
// and the row Store.
type Orchestrator struct {
	state    StateStore
	rows     RowStore
	schemas  SchemaProvisioner
	fetcher  *PageFetcher
	leaseTTL time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// NewOrchestrator creates an Orchestrator wired to the given collaborators.
func NewOrchestrator(provider Provider, st StateStore, rows RowStore, schemas SchemaProvisioner, opts Options, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		state:    st,
		rows:     rows,
		schemas:  schemas,
		fetcher:  NewPageFetcher(provider, opts.WindowPast, opts.WindowFuture),
		leaseTTL: opts.LeaseTTL,
		now:      time.Now,
		log:      logger,
	}
}

// run carries the state of one in-flight run.
type run struct {
	cfg     *model.SyncConfig
	lease   string
	holder  string
	schema  *model.TargetSchema
	schemas map[string]*model.TargetSchema
	result  model.SyncResult
}

// Run performs one inbound sync of the config. Per-event failures are
// collected in the result (status partial); the returned error is non-nil
// only for failures that stop the run, in which case the status is error.
func (o *Orchestrator) Run(ctx context.Context, configID string) (model.SyncResult, error) {
	failed := model.SyncResult{Status: model.RunError}

	cfg, err := o.state.GetConfig(ctx, configID)
	if err != nil {
		return failed, fmt.Errorf("loading sync config %s: %w", configID, err)
	}
	if cfg == nil {
		return failed, fmt.Errorf("sync config %s does not exist", configID)
	}

	key := "sync_config:" + cfg.ID
	holder := uuid.NewString()
	ok, err := o.state.AcquireLease(ctx, key, holder, o.leaseTTL)
	if err != nil {
		return failed, fmt.Errorf("acquiring lease for config %s: %w", cfg.ID, err)
	}
	if !ok {
		return failed, fmt.Errorf("config %s: %w", cfg.ID, ErrRunInProgress)
	}
	defer func() {
		if err := o.state.ReleaseLease(context.WithoutCancel(ctx), key, holder); err != nil {
			o.log.Warn("releasing lease", "sync_config", cfg.ID, "error", err)
		}
	}()

	if !cfg.Direction.Pulls() {
		o.log.Debug("config does not pull, nothing to do", "sync_config", cfg.ID, "direction", cfg.Direction)
		return model.SyncResult{Status: model.RunSuccess, CursorToken: cfg.CursorToken}, nil
	}

	r := &run{cfg: cfg, lease: key, holder: holder, schemas: make(map[string]*model.TargetSchema)}
	if err := o.pull(ctx, r); err != nil {
		r.result.Status = model.RunError
		o.appendLog(ctx, r)
		return r.result, err
	}
	return r.result, nil
}

func (o *Orchestrator) pull(ctx context.Context, r *run) error {
	sc, err := o.schemas.Resolve(ctx, r.cfg)
	if err != nil {
		return fmt.Errorf("resolving target schema: %w", err)
	}
	sc, err = o.ensureOptional(ctx, sc)
	if err != nil {
		return fmt.Errorf("migrating target schema: %w", err)
	}
	r.schema = sc
	r.schemas[sc.ID] = sc

	pager := o.fetcher.Pages(r.cfg)
	o.log.Info("sync run started",
		"sync_config", r.cfg.ID,
		"calendar", r.cfg.ProviderCalendarID,
		"incremental", pager.Incremental(),
	)

	for pager.Next(ctx) {
		for _, e := range pager.Page().Events {
			if err := ctx.Err(); err != nil {
				return err
			}
			o.processEvent(ctx, r, e)
		}
		if err := o.renewLease(ctx, r); err != nil {
			return err
		}
	}
	if err := pager.Err(); err != nil {
		if errors.Is(err, google.ErrSyncTokenExpired) {
			if cerr := o.state.ClearCursor(context.WithoutCancel(ctx), r.cfg.ID); cerr != nil {
				return fmt.Errorf("clearing cursor of config %s: %w", r.cfg.ID, cerr)
			}
			o.log.Warn("cursor rejected by provider, cleared", "sync_config", r.cfg.ID)
			return fmt.Errorf("config %s: %w: %w", r.cfg.ID, ErrCursorInvalid, err)
		}
		return fmt.Errorf("fetching events: %w", err)
	}

	return o.finalize(ctx, r, pager.SyncToken())
}

func (o *Orchestrator) finalize(ctx context.Context, r *run, cursor string) error {
	r.result.CursorToken = cursor
	r.result.Status = model.RunSuccess
	if len(r.result.Errors) > 0 {
		r.result.Status = model.RunPartial
	}

	if err := o.state.SaveCursor(ctx, r.cfg.ID, cursor, o.now()); err != nil {
		return fmt.Errorf("saving cursor: %w", err)
	}
	o.appendLog(ctx, r)

	o.log.Info("sync run finished",
		"sync_config", r.cfg.ID,
		"status", r.result.Status,
		"created", r.result.Created,
		"updated", r.result.Updated,
		"deleted", r.result.Deleted,
		"skipped", r.result.Skipped,
		"errors", len(r.result.Errors),
	)
	return nil
}

func (o *Orchestrator) appendLog(ctx context.Context, r *run) {
	l := &model.SyncLog{
		SyncConfigID: r.cfg.ID,
		Direction:    model.DirectionFromProvider,
		Status:       r.result.Status,
		Created:      r.result.Created,
		Updated:      r.result.Updated,
		Deleted:      r.result.Deleted,
		Skipped:      r.result.Skipped,
		Errors:       r.result.Errors,
		CompletedAt:  o.now(),
	}
	o.bestEffort(context.WithoutCancel(ctx), "append sync log", func(ctx context.Context) error {
		return o.state.AppendSyncLog(ctx, l)
	})
}

// renewLease extends the run's lease so a long fetch keeps the config.
func (o *Orchestrator) renewLease(ctx context.Context, r *run) error {
	ok, err := o.state.AcquireLease(ctx, r.lease, r.holder, o.leaseTTL)
	if err != nil {
		return fmt.Errorf("renewing lease for config %s: %w", r.cfg.ID, err)
	}
	if !ok {
		return fmt.Errorf("config %s: lease lost: %w", r.cfg.ID, ErrRunInProgress)
	}
	return nil
}

// --- per event ---------------------------------------------------------------

func (o *Orchestrator) processEvent(ctx context.Context, r *run, e *model.Event) {
	if err := o.applyEvent(ctx, r, e); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.result.AddError(e.ID, err, o.now())
		o.log.Warn("event failed", "sync_config", r.cfg.ID, "event_id", e.ID, "error", err)
	}
}

func (o *Orchestrator) applyEvent(ctx context.Context, r *run, e *model.Event) error {
	m, err := o.state.FindMapping(ctx, e.ID, r.cfg.ProviderCalendarID)
	if err != nil {
		return err
	}

	if m == nil {
		if e.Cancelled() {
			return nil
		}
		return o.createRow(ctx, r, e)
	}

	if m.SyncConfigID != r.cfg.ID {
		if err := o.state.ReassignMapping(ctx, m.ID, r.cfg.ID); err != nil {
			return err
		}
		o.log.Info("mapping moved to this config", "event_id", e.ID, "from", m.SyncConfigID, "sync_config", r.cfg.ID)
		m.SyncConfigID = r.cfg.ID
	}

	if e.Cancelled() {
		err = o.deleteRow(ctx, r, m)
	} else {
		err = o.updateRow(ctx, r, m, e)
	}
	if err != nil && ctx.Err() == nil {
		msg := err.Error()
		o.bestEffort(ctx, "mark mapping error", func(ctx context.Context) error {
			return o.state.MarkMappingError(ctx, m.ID, msg)
		})
	}
	return err
}

func (o *Orchestrator) createRow(ctx context.Context, r *run, e *model.Event) error {
	sc := r.schema
	fields := mapper.ToStoreFields(e, sc, r.cfg.DisplayColor)

	pos, err := o.rows.NextPosition(ctx, sc)
	if err != nil {
		return err
	}
	rowID, err := o.rows.InsertRow(ctx, sc, fields, pos)
	if err != nil {
		return err
	}
	o.bestEffort(ctx, "create note", func(ctx context.Context) error {
		_, err := o.rows.CreateNote(ctx, sc.ID, rowID, noteTitle(e))
		return err
	})

	stored, err := o.state.UpsertCreatedMapping(ctx, &model.EventMapping{
		SyncConfigID:       r.cfg.ID,
		TargetSchemaID:     sc.ID,
		StoreRowID:         rowID,
		ProviderEventID:    e.ID,
		ProviderCalendarID: r.cfg.ProviderCalendarID,
		SyncStatus:         model.SyncStatusSynced,
		ProviderUpdatedAt:  e.Updated,
	})
	if err != nil {
		o.discardRow(ctx, sc, rowID)
		return fmt.Errorf("recording mapping: %w", err)
	}

	if stored.StoreRowID != rowID || stored.TargetSchemaID != sc.ID {
		// Another run mapped the event first; its row wins.
		o.discardRow(ctx, sc, rowID)
		o.log.Info("event mapped concurrently, dropped duplicate row", "event_id", e.ID, "row", rowID)
		r.result.Skipped++
		return nil
	}
	r.result.Created++
	return nil
}

func (o *Orchestrator) updateRow(ctx context.Context, r *run, m *model.EventMapping, e *model.Event) error {
	sc, err := o.schemaFor(ctx, r, m.TargetSchemaID)
	if err != nil {
		return err
	}
	fields := mapper.ToStoreFields(e, sc, r.cfg.DisplayColor)
	if err := o.rows.UpdateRow(ctx, sc, m.StoreRowID, fields); err != nil {
		return err
	}
	o.bestEffort(ctx, "update note", func(ctx context.Context) error {
		return o.rows.UpdateNoteTitle(ctx, sc.ID, m.StoreRowID, noteTitle(e))
	})
	if err := o.state.MarkMappingSynced(ctx, m.ID, e.Updated); err != nil {
		return err
	}
	r.result.Updated++
	return nil
}

func (o *Orchestrator) deleteRow(ctx context.Context, r *run, m *model.EventMapping) error {
	sc, err := o.schemaFor(ctx, r, m.TargetSchemaID)
	switch {
	case errors.Is(err, provision.ErrSchemaNotFound):
		// The schema and its rows are gone already.
	case err != nil:
		return err
	default:
		if err := o.rows.DeleteRow(ctx, sc, m.StoreRowID); err != nil {
			return err
		}
		o.bestEffort(ctx, "delete note", func(ctx context.Context) error {
			return o.rows.DeleteNote(ctx, sc.ID, m.StoreRowID)
		})
	}
	if err := o.state.DeleteMapping(ctx, m.ID); err != nil {
		return err
	}
	r.result.Deleted++
	return nil
}

// discardRow removes a row this run inserted but could not keep.
func (o *Orchestrator) discardRow(ctx context.Context, sc *model.TargetSchema, rowID string) {
	o.bestEffort(ctx, "discard row", func(ctx context.Context) error {
		return o.rows.DeleteRow(ctx, sc, rowID)
	})
	o.bestEffort(ctx, "discard note", func(ctx context.Context) error {
		return o.rows.DeleteNote(ctx, sc.ID, rowID)
	})
}

// schemaFor returns the schema a mapping writes into, migrated with the
// optional columns. Schemas are loaded once per run.
func (o *Orchestrator) schemaFor(ctx context.Context, r *run, schemaID string) (*model.TargetSchema, error) {
	if sc, ok := r.schemas[schemaID]; ok {
		return sc, nil
	}
	sc, err := o.schemas.Load(ctx, schemaID)
	if err != nil {
		return nil, err
	}
	sc, err = o.ensureOptional(ctx, sc)
	if err != nil {
		return nil, err
	}
	r.schemas[schemaID] = sc
	return sc, nil
}

func (o *Orchestrator) ensureOptional(ctx context.Context, sc *model.TargetSchema) (*model.TargetSchema, error) {
	for _, spec := range model.OptionalColumns {
		next, err := o.schemas.EnsureColumn(ctx, sc, spec.Name, spec.Type)
		if err != nil {
			return nil, err
		}
		sc = next
	}
	return sc, nil
}

// bestEffort runs fn and logs a failure without propagating it.
func (o *Orchestrator) bestEffort(ctx context.Context, op string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		o.log.Warn("best-effort operation failed", "op", op, "error", err)
	}
}

func noteTitle(e *model.Event) string {
	if e.Summary == "" {
		return "(untitled)"
	}
	return e.Summary
}
