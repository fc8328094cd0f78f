package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/njoerd114/calrelay/internal/model"
	"github.com/njoerd114/calrelay/internal/provision"
	"github.com/njoerd114/calrelay/internal/rowstore"
	"github.com/njoerd114/calrelay/internal/state"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// --- Mock Provider -----------------------------------------------------------

type mockProvider struct {
	mu sync.Mutex

	// pages maps "syncToken|pageToken" to a scripted page. A full fetch uses
	// an empty sync token.
	pages map[string]*model.Page

	// listErr, when set, is returned for requests with this sync token.
	listErr map[string]error

	// onList runs after every list call.
	onList func(req model.ListRequest)

	requests []model.ListRequest
	inserted []*model.Event
	patched  []string
	deleted  []string

	deleteErr error
	patchErr  error
	nextID    int
}

func newMockProvider() *mockProvider {
	return &mockProvider{
		pages:   make(map[string]*model.Page),
		listErr: make(map[string]error),
	}
}

func (m *mockProvider) setPage(syncToken, pageToken string, page *model.Page) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[syncToken+"|"+pageToken] = page
}

func (m *mockProvider) ListEvents(_ context.Context, req model.ListRequest) (*model.Page, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	err := m.listErr[req.SyncToken]
	page, ok := m.pages[req.SyncToken+"|"+req.PageToken]
	onList := m.onList
	m.mu.Unlock()

	if onList != nil {
		onList(req)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no page scripted for sync=%q page=%q", req.SyncToken, req.PageToken)
	}
	return page, nil
}

func (m *mockProvider) InsertEvent(_ context.Context, calendarID string, e *model.Event) (*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	cp := *e
	cp.ID = fmt.Sprintf("gcal-%d", m.nextID)
	cp.CalendarID = calendarID
	cp.Updated = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m.inserted = append(m.inserted, &cp)
	return &cp, nil
}

func (m *mockProvider) PatchEvent(_ context.Context, calendarID, eventID string, e *model.Event) (*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.patchErr != nil {
		return nil, m.patchErr
	}
	m.patched = append(m.patched, eventID)
	cp := *e
	cp.ID = eventID
	cp.CalendarID = calendarID
	return &cp, nil
}

func (m *mockProvider) DeleteEvent(_ context.Context, _, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deleted = append(m.deleted, eventID)
	return nil
}

func (m *mockProvider) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockProvider) lastRequest() model.ListRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

// --- Failing wrappers --------------------------------------------------------

// failingRows wraps the real row store and fails writes for selected titles.
type failingRows struct {
	*rowstore.Store
	failInsert map[string]bool
	failUpdate map[string]bool
}

func (f *failingRows) InsertRow(ctx context.Context, sc *model.TargetSchema, fields model.FieldMap, pos int64) (string, error) {
	if f.failInsert[fields.String(model.ColTitle)] {
		return "", errors.New("store rejected insert")
	}
	return f.Store.InsertRow(ctx, sc, fields, pos)
}

func (f *failingRows) UpdateRow(ctx context.Context, sc *model.TargetSchema, rowID string, fields model.FieldMap) error {
	if f.failUpdate[fields.String(model.ColTitle)] {
		return errors.New("store rejected update")
	}
	return f.Store.UpdateRow(ctx, sc, rowID, fields)
}

// flakySchemas fails the first n physical column adds.
type flakySchemas struct {
	*rowstore.Store
	failAdds int
}

func (f *flakySchemas) AddColumn(ctx context.Context, sc *model.TargetSchema, c model.Column) error {
	if f.failAdds > 0 {
		f.failAdds--
		return errors.New("ddl unavailable")
	}
	return f.Store.AddColumn(ctx, sc, c)
}

// staleState hides existing mappings from FindMapping, as a run that read
// before a concurrent writer committed would see.
type staleState struct {
	*state.Store
}

func (staleState) FindMapping(context.Context, string, string) (*model.EventMapping, error) {
	return nil, nil //nolint:nilnil // simulated stale read
}

// leaseState counts lease calls and refuses every call after the first
// loseAfter ones, as if another run had taken the lease over.
type leaseState struct {
	*state.Store
	calls     int
	loseAfter int
}

func (l *leaseState) AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	l.calls++
	if l.loseAfter > 0 && l.calls > l.loseAfter {
		return false, nil
	}
	return l.Store.AcquireLease(ctx, key, holder, ttl)
}

// --- Fixture -----------------------------------------------------------------

type fixture struct {
	state    *state.Store
	rows     *rowstore.Store
	provider *mockProvider
	schemas  provision.SchemaStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := state.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	rs, err := rowstore.Open(filepath.Join(dir, "store.db"), testLogger)
	if err != nil {
		t.Fatalf("rowstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })
	return &fixture{state: st, rows: rs, provider: newMockProvider(), schemas: rs}
}

var testOptions = Options{
	WindowPast:   30 * 24 * time.Hour,
	WindowFuture: 90 * 24 * time.Hour,
	LeaseTTL:     time.Minute,
}

// orchestrator wires an Orchestrator over the fixture; rows and st override
// the real stores when non-nil.
func (f *fixture) orchestrator(rows RowStore, st StateStore) *Orchestrator {
	if rows == nil {
		rows = f.rows
	}
	if st == nil {
		st = f.state
	}
	prov := provision.New(f.schemas, f.state, 0, testLogger)
	return NewOrchestrator(f.provider, st, rows, prov, testOptions, testLogger)
}

func (f *fixture) config(t *testing.T, connectionID, calendarID, name string, dir model.Direction) *model.SyncConfig {
	t.Helper()
	cfg := &model.SyncConfig{
		ConnectionID:         connectionID,
		OwnerID:              "user-1",
		ProviderCalendarID:   calendarID,
		ProviderCalendarName: name,
		Direction:            dir,
		DisplayColor:         "#039be5",
		Enabled:              true,
	}
	if err := f.state.UpsertConfig(context.Background(), cfg); err != nil {
		t.Fatalf("UpsertConfig: %v", err)
	}
	return cfg
}

func (f *fixture) reload(t *testing.T, id string) *model.SyncConfig {
	t.Helper()
	cfg, err := f.state.GetConfig(context.Background(), id)
	if err != nil || cfg == nil {
		t.Fatalf("GetConfig(%s) = %v, %v", id, cfg, err)
	}
	return cfg
}

func (f *fixture) schemaOf(t *testing.T, cfg *model.SyncConfig) *model.TargetSchema {
	t.Helper()
	sc, err := f.rows.GetSchema(context.Background(), f.reload(t, cfg.ID).TargetSchemaID)
	if err != nil || sc == nil {
		t.Fatalf("GetSchema = %v, %v", sc, err)
	}
	return sc
}

func (f *fixture) rowOf(t *testing.T, cfg *model.SyncConfig, eventID string) *model.Row {
	t.Helper()
	ctx := context.Background()
	m, err := f.state.FindMapping(ctx, eventID, cfg.ProviderCalendarID)
	if err != nil || m == nil {
		t.Fatalf("FindMapping(%s) = %v, %v", eventID, m, err)
	}
	sc, err := f.rows.GetSchema(ctx, m.TargetSchemaID)
	if err != nil || sc == nil {
		t.Fatalf("GetSchema = %v, %v", sc, err)
	}
	row, err := f.rows.GetRow(ctx, sc, m.StoreRowID)
	if err != nil || row == nil {
		t.Fatalf("GetRow = %v, %v", row, err)
	}
	return row
}

func (f *fixture) rowCount(t *testing.T, sc *model.TargetSchema) int64 {
	t.Helper()
	n, err := f.rows.CountRows(context.Background(), sc)
	if err != nil {
		t.Fatalf("CountRows: %v", err)
	}
	return n
}

func timedEvent(id, summary string, updated time.Time) *model.Event {
	return &model.Event{
		ID:      id,
		Status:  model.StatusConfirmed,
		Summary: summary,
		Start:   model.EventTime{DateTime: "2026-05-01T09:00:00Z"},
		End:     model.EventTime{DateTime: "2026-05-01T10:00:00Z"},
		Updated: updated,
	}
}

func cancelledEvent(id string) *model.Event {
	return &model.Event{ID: id, Status: model.StatusCancelled}
}
