// Package provision resolves the Store schema a sync config writes into,
// creating it on first use, and evolves it additively when optional columns
// are missing.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/njoerd114/calrelay/internal/model"
)

// ErrSchemaNotFound is returned when a config is bound to a schema that no
// longer exists. It is not retried.
var ErrSchemaNotFound = errors.New("target schema not found")

// SchemaStore is the part of the row Store the provisioner needs.
// Implemented by [rowstore.Store].
type SchemaStore interface {
	GetSchema(ctx context.Context, id string) (*model.TargetSchema, error)
	ListSchemas(ctx context.Context, ownerID string) ([]*model.TargetSchema, error)
	CreateSchema(ctx context.Context, ownerID, name string) (*model.TargetSchema, error)
	CreateTable(ctx context.Context, sc *model.TargetSchema, cols []model.Column) (*model.TargetSchema, error)
	DeleteSchema(ctx context.Context, sc *model.TargetSchema) error
	AddColumn(ctx context.Context, sc *model.TargetSchema, c model.Column) error
	SaveColumns(ctx context.Context, schemaID string, cols []model.Column) error
	ReloadSchemaCache(ctx context.Context) error
}

// ConfigStore reads and binds sync configs. Implemented by [state.Store].
type ConfigStore interface {
	GetConfig(ctx context.Context, id string) (*model.SyncConfig, error)
	BindTargetSchema(ctx context.Context, configID, schemaID string) error
}

// Provisioner resolves and migrates target schemas.
type Provisioner struct {
	schemas SchemaStore
	configs ConfigStore
	settle  time.Duration
	log     *slog.Logger
}

// New creates a Provisioner. settle is how long EnsureColumn waits after a
// schema-cache reload before reading the schema back.
func New(schemas SchemaStore, configs ConfigStore, settle time.Duration, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		schemas: schemas,
		configs: configs,
		settle:  settle,
		log:     logger,
	}
}

// Load returns the schema with the given ID, or an error wrapping
// ErrSchemaNotFound.
func (p *Provisioner) Load(ctx context.Context, schemaID string) (*model.TargetSchema, error) {
	sc, err := p.schemas.GetSchema(ctx, schemaID)
	if err != nil {
		return nil, err
	}
	if sc == nil {
		return nil, fmt.Errorf("schema %s: %w", schemaID, ErrSchemaNotFound)
	}
	return sc, nil
}

// Resolve returns the schema cfg writes into. A bound schema is loaded and
// completed with any missing required columns; an unbound config is handed
// to AutoCreate.
func (p *Provisioner) Resolve(ctx context.Context, cfg *model.SyncConfig) (*model.TargetSchema, error) {
	if cfg.TargetSchemaID == "" {
		return p.AutoCreate(ctx, cfg)
	}
	sc, err := p.Load(ctx, cfg.TargetSchemaID)
	if err != nil {
		return nil, fmt.Errorf("resolving schema of config %s: %w", cfg.ID, err)
	}
	return p.ensureRequired(ctx, sc)
}

// AutoCreate binds cfg to a schema, reusing one of the owner's schemas with
// the same display name, or one bound concurrently by another run, before
// creating a new one. A half-created schema is removed again on failure.
func (p *Provisioner) AutoCreate(ctx context.Context, cfg *model.SyncConfig) (*model.TargetSchema, error) {
	if cfg.TargetSchemaID != "" {
		return p.Resolve(ctx, cfg)
	}
	name := schemaName(cfg)

	existing, err := p.schemas.ListSchemas(ctx, cfg.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("listing schemas: %w", err)
	}
	want := foldName(name)
	for _, sc := range existing {
		if foldName(sc.Name) != want {
			continue
		}
		p.log.Info("reusing schema with matching name", "sync_config", cfg.ID, "schema", sc.ID, "name", sc.Name)
		if err := p.bind(ctx, cfg, sc.ID); err != nil {
			return nil, err
		}
		return p.ensureRequired(ctx, sc)
	}

	fresh, err := p.configs.GetConfig(ctx, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("re-reading config %s: %w", cfg.ID, err)
	}
	if fresh != nil && fresh.TargetSchemaID != "" {
		p.log.Info("schema bound by a concurrent run", "sync_config", cfg.ID, "schema", fresh.TargetSchemaID)
		cfg.TargetSchemaID = fresh.TargetSchemaID
		return p.Resolve(ctx, cfg)
	}

	return p.create(ctx, cfg, name)
}

func (p *Provisioner) create(ctx context.Context, cfg *model.SyncConfig, name string) (*model.TargetSchema, error) {
	sc, err := p.schemas.CreateSchema(ctx, cfg.OwnerID, name)
	if err != nil {
		return nil, fmt.Errorf("creating schema %q: %w", name, err)
	}

	cols := make([]model.Column, 0, len(model.RequiredColumns))
	for _, spec := range model.RequiredColumns {
		cols = append(cols, newColumn(sc.ID, spec))
	}
	withTable, err := p.schemas.CreateTable(ctx, sc, cols)
	if err != nil {
		p.rollback(ctx, sc)
		return nil, fmt.Errorf("creating table for schema %q: %w", name, err)
	}
	if err := p.bind(ctx, cfg, sc.ID); err != nil {
		p.rollback(ctx, sc)
		return nil, err
	}

	p.log.Info("created schema", "sync_config", cfg.ID, "schema", sc.ID, "name", name)
	return withTable, nil
}

func (p *Provisioner) rollback(ctx context.Context, sc *model.TargetSchema) {
	// The run's context may already be cancelled; the cleanup must still run.
	ctx = context.WithoutCancel(ctx)
	if err := p.schemas.DeleteSchema(ctx, sc); err != nil {
		p.log.Error("rolling back half-created schema", "schema", sc.ID, "error", err)
	}
}

func (p *Provisioner) bind(ctx context.Context, cfg *model.SyncConfig, schemaID string) error {
	if err := p.configs.BindTargetSchema(ctx, cfg.ID, schemaID); err != nil {
		return fmt.Errorf("binding schema %s to config %s: %w", schemaID, cfg.ID, err)
	}
	cfg.TargetSchemaID = schemaID
	return nil
}

func (p *Provisioner) ensureRequired(ctx context.Context, sc *model.TargetSchema) (*model.TargetSchema, error) {
	for _, spec := range model.RequiredColumns {
		if sc.HasColumn(spec.Name) {
			continue
		}
		next, err := p.addColumn(ctx, sc, spec)
		if err != nil {
			return nil, fmt.Errorf("adding required column %q: %w", spec.Name, err)
		}
		sc = next
	}
	return sc, nil
}

// EnsureColumn makes sure sc has a column named name. The physical column is
// added before the logical column list is updated. If either step fails the
// unchanged schema is returned with a warning logged; callers skip the field
// and the column is added on a later run.
func (p *Provisioner) EnsureColumn(ctx context.Context, sc *model.TargetSchema, name string, typ model.ColumnType) (*model.TargetSchema, error) {
	if sc.HasColumn(name) {
		return sc, nil
	}
	next, err := p.addColumn(ctx, sc, model.ColumnSpec{Name: name, Type: typ})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.log.Warn("column not added, skipping field this run", "schema", sc.ID, "column", name, "error", err)
		return sc, nil
	}
	return next, nil
}

func (p *Provisioner) addColumn(ctx context.Context, sc *model.TargetSchema, spec model.ColumnSpec) (*model.TargetSchema, error) {
	col := newColumn(sc.ID, spec)
	if err := p.schemas.AddColumn(ctx, sc, col); err != nil {
		return nil, err
	}

	cols := make([]model.Column, 0, len(sc.Columns)+1)
	cols = append(cols, sc.Columns...)
	cols = append(cols, col)
	if err := p.schemas.SaveColumns(ctx, sc.ID, cols); err != nil {
		return nil, err
	}

	if err := p.schemas.ReloadSchemaCache(ctx); err != nil {
		p.log.Warn("schema cache reload failed", "schema", sc.ID, "error", err)
	}
	if err := sleep(ctx, p.settle); err != nil {
		return nil, err
	}

	fresh, err := p.Load(ctx, sc.ID)
	if err != nil {
		return nil, err
	}
	p.log.Info("added column", "schema", sc.ID, "column", spec.Name, "type", spec.Type)
	return fresh, nil
}

// newColumn derives the column ID from the schema and the column name, so a
// retried add after a partial failure hits the same physical column.
func newColumn(schemaID string, spec model.ColumnSpec) model.Column {
	ns, err := uuid.Parse(schemaID)
	if err != nil {
		ns = uuid.NameSpaceOID
	}
	return model.Column{
		ID:   uuid.NewSHA1(ns, []byte(spec.Name)).String(),
		Name: spec.Name,
		Type: spec.Type,
	}
}

func schemaName(cfg *model.SyncConfig) string {
	if n := strings.TrimSpace(cfg.ProviderCalendarName); n != "" {
		return n
	}
	return cfg.ProviderCalendarID
}

// foldName normalises a display name for comparison.
func foldName(s string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
