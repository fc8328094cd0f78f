package provision

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/njoerd114/calrelay/internal/model"
	"github.com/njoerd114/calrelay/internal/rowstore"
	"github.com/njoerd114/calrelay/internal/state"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	rows  *rowstore.Store
	state *state.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	rs, err := rowstore.Open(filepath.Join(dir, "store.db"), discardLogger())
	if err != nil {
		t.Fatalf("rowstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })
	st, err := state.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return &fixture{rows: rs, state: st}
}

func (f *fixture) config(t *testing.T, calendarID, name string) *model.SyncConfig {
	t.Helper()
	cfg := &model.SyncConfig{
		ConnectionID:         "conn-1",
		OwnerID:              "user-1",
		ProviderCalendarID:   calendarID,
		ProviderCalendarName: name,
		Direction:            model.DirectionFromProvider,
		Enabled:              true,
	}
	if err := f.state.UpsertConfig(context.Background(), cfg); err != nil {
		t.Fatalf("UpsertConfig: %v", err)
	}
	return cfg
}

// failingSchemas wraps the real store and fails selected operations.
type failingSchemas struct {
	*rowstore.Store
	addColumnFailures int
	failCreateTable   bool
}

func (f *failingSchemas) AddColumn(ctx context.Context, sc *model.TargetSchema, c model.Column) error {
	if f.addColumnFailures > 0 {
		f.addColumnFailures--
		return errors.New("ddl unavailable")
	}
	return f.Store.AddColumn(ctx, sc, c)
}

func (f *failingSchemas) CreateTable(ctx context.Context, sc *model.TargetSchema, cols []model.Column) (*model.TargetSchema, error) {
	if f.failCreateTable {
		return nil, errors.New("ddl unavailable")
	}
	return f.Store.CreateTable(ctx, sc, cols)
}

type failingBind struct {
	*state.Store
}

func (failingBind) BindTargetSchema(context.Context, string, string) error {
	return errors.New("config store down")
}

// ---------------------------------------------------------------------------
// Resolve / AutoCreate
// ---------------------------------------------------------------------------

func TestResolve_AutoCreatesAndBinds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.config(t, "primary", "Work")
	p := New(f.rows, f.state, 0, discardLogger())

	sc, err := p.Resolve(ctx, cfg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if sc.Name != "Work" {
		t.Errorf("Name = %q, want %q", sc.Name, "Work")
	}
	for _, spec := range model.RequiredColumns {
		if !sc.HasColumn(spec.Name) {
			t.Errorf("required column %q missing", spec.Name)
		}
	}
	if cfg.TargetSchemaID != sc.ID {
		t.Errorf("cfg.TargetSchemaID = %q, want %q", cfg.TargetSchemaID, sc.ID)
	}
	stored, _ := f.state.GetConfig(ctx, cfg.ID)
	if stored.TargetSchemaID != sc.ID {
		t.Errorf("stored TargetSchemaID = %q, want %q", stored.TargetSchemaID, sc.ID)
	}

	// Second resolve loads the bound schema instead of creating another.
	again, err := p.Resolve(ctx, cfg)
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if again.ID != sc.ID {
		t.Errorf("second Resolve ID = %q, want %q", again.ID, sc.ID)
	}
	all, _ := f.rows.ListSchemas(ctx, "user-1")
	if len(all) != 1 {
		t.Errorf("schemas = %d, want 1", len(all))
	}
}

func TestAutoCreate_ReusesSchemaByFoldedName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	existing, err := f.rows.CreateSchema(ctx, "user-1", "Straße Termine")
	if err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}
	if _, err := f.rows.CreateTable(ctx, existing, nil); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	cfg := f.config(t, "primary", "STRASSE termine")
	p := New(f.rows, f.state, 0, discardLogger())

	sc, err := p.AutoCreate(ctx, cfg)
	if err != nil {
		t.Fatalf("AutoCreate: %v", err)
	}
	if sc.ID != existing.ID {
		t.Errorf("schema = %q, want reused %q", sc.ID, existing.ID)
	}
	// The reused schema is completed with the required columns.
	for _, spec := range model.RequiredColumns {
		if !sc.HasColumn(spec.Name) {
			t.Errorf("required column %q missing on reused schema", spec.Name)
		}
	}
	stored, _ := f.state.GetConfig(ctx, cfg.ID)
	if stored.TargetSchemaID != existing.ID {
		t.Errorf("bound schema = %q, want %q", stored.TargetSchemaID, existing.ID)
	}
}

func TestAutoCreate_OtherOwnerNotReused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other, _ := f.rows.CreateSchema(ctx, "user-2", "Work")

	cfg := f.config(t, "primary", "Work")
	p := New(f.rows, f.state, 0, discardLogger())
	sc, err := p.AutoCreate(ctx, cfg)
	if err != nil {
		t.Fatalf("AutoCreate: %v", err)
	}
	if sc.ID == other.ID {
		t.Error("schema of another owner was reused")
	}
}

func TestAutoCreate_UsesSchemaBoundConcurrently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.config(t, "primary", "Work")

	// Another run bound a schema with a different name after cfg was read.
	bound, _ := f.rows.CreateSchema(ctx, "user-1", "Renamed")
	bound, _ = f.rows.CreateTable(ctx, bound, nil)
	if err := f.state.BindTargetSchema(ctx, cfg.ID, bound.ID); err != nil {
		t.Fatalf("BindTargetSchema: %v", err)
	}

	p := New(f.rows, f.state, 0, discardLogger())
	sc, err := p.AutoCreate(ctx, cfg)
	if err != nil {
		t.Fatalf("AutoCreate: %v", err)
	}
	if sc.ID != bound.ID {
		t.Errorf("schema = %q, want concurrently bound %q", sc.ID, bound.ID)
	}
	all, _ := f.rows.ListSchemas(ctx, "user-1")
	if len(all) != 1 {
		t.Errorf("schemas = %d, want 1", len(all))
	}
}

func TestAutoCreate_RollsBackOnTableFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.config(t, "primary", "Work")
	schemas := &failingSchemas{Store: f.rows, failCreateTable: true}
	p := New(schemas, f.state, 0, discardLogger())

	if _, err := p.AutoCreate(ctx, cfg); err == nil {
		t.Fatal("expected error")
	}
	all, _ := f.rows.ListSchemas(ctx, "user-1")
	if len(all) != 0 {
		t.Errorf("orphaned schemas = %d, want 0", len(all))
	}
	stored, _ := f.state.GetConfig(ctx, cfg.ID)
	if stored.TargetSchemaID != "" {
		t.Errorf("TargetSchemaID = %q, want empty", stored.TargetSchemaID)
	}
}

func TestAutoCreate_RollsBackOnBindFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.config(t, "primary", "Work")
	p := New(f.rows, failingBind{f.state}, 0, discardLogger())

	if _, err := p.AutoCreate(ctx, cfg); err == nil {
		t.Fatal("expected error")
	}
	all, _ := f.rows.ListSchemas(ctx, "user-1")
	if len(all) != 0 {
		t.Errorf("orphaned schemas = %d, want 0", len(all))
	}
}

func TestResolve_MissingBoundSchema(t *testing.T) {
	f := newFixture(t)
	cfg := f.config(t, "primary", "Work")
	cfg.TargetSchemaID = "deleted-schema"
	p := New(f.rows, f.state, 0, discardLogger())

	_, err := p.Resolve(context.Background(), cfg)
	if !errors.Is(err, ErrSchemaNotFound) {
		t.Errorf("err = %v, want ErrSchemaNotFound", err)
	}
}

// ---------------------------------------------------------------------------
// EnsureColumn
// ---------------------------------------------------------------------------

func TestEnsureColumn_ExistingIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := New(f.rows, f.state, 0, discardLogger())
	sc, _ := p.Resolve(ctx, f.config(t, "primary", "Work"))

	got, err := p.EnsureColumn(ctx, sc, model.ColTitle, model.ColumnText)
	if err != nil {
		t.Fatalf("EnsureColumn: %v", err)
	}
	if len(got.Columns) != len(sc.Columns) {
		t.Errorf("columns = %d, want %d", len(got.Columns), len(sc.Columns))
	}
}

func TestEnsureColumn_AutoHealsAfterFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.config(t, "primary", "Work")
	schemas := &failingSchemas{Store: f.rows, addColumnFailures: 1}
	p := New(schemas, f.state, 0, discardLogger())

	sc, err := p.Resolve(ctx, cfg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// First run: the physical add fails, the schema comes back unchanged.
	got, err := p.EnsureColumn(ctx, sc, model.ColMeetLink, model.ColumnURL)
	if err != nil {
		t.Fatalf("EnsureColumn (failing): %v", err)
	}
	if got.HasColumn(model.ColMeetLink) {
		t.Fatal("column reported present after failed add")
	}

	// Second run: the add succeeds.
	got, err = p.EnsureColumn(ctx, got, model.ColMeetLink, model.ColumnURL)
	if err != nil {
		t.Fatalf("EnsureColumn (healing): %v", err)
	}
	if !got.HasColumn(model.ColMeetLink) {
		t.Fatal("column missing after healing run")
	}

	// Third call is a no-op and leaves exactly one such column.
	got, err = p.EnsureColumn(ctx, got, model.ColMeetLink, model.ColumnURL)
	if err != nil {
		t.Fatalf("EnsureColumn (noop): %v", err)
	}
	stored, _ := f.rows.GetSchema(ctx, sc.ID)
	n := 0
	for _, c := range stored.Columns {
		if c.Name == model.ColMeetLink {
			n++
		}
	}
	if n != 1 {
		t.Errorf("Meet Link columns = %d, want 1", n)
	}
}

func TestEnsureColumn_CancelledContext(t *testing.T) {
	f := newFixture(t)
	p := New(f.rows, f.state, 0, discardLogger())
	sc, _ := p.Resolve(context.Background(), f.config(t, "primary", "Work"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.EnsureColumn(ctx, sc, model.ColColor, model.ColumnColor); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestFoldName(t *testing.T) {
	tests := []struct {
		a, b string
		same bool
	}{
		{"Work", "work", true},
		{"  Work ", "WORK", true},
		{"Straße", "STRASSE", true},
		{"Caf\u00e9", "Cafe\u0301", true},
		{"Work", "Home", false},
	}
	for _, tt := range tests {
		if got := foldName(tt.a) == foldName(tt.b); got != tt.same {
			t.Errorf("foldName(%q) == foldName(%q) = %v, want %v", tt.a, tt.b, got, tt.same)
		}
	}
}
