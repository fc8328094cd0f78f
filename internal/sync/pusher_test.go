package sync

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/njoerd114/calrelay/internal/model"
)

func pushRow(id string) *model.Row {
	return &model.Row{
		ID:       id,
		SchemaID: "schema-1",
		Fields: model.FieldMap{
			model.ColTitle:    "Dentist",
			model.ColStart:    "2026-05-04T09:00:00Z",
			model.ColEnd:      "2026-05-04T10:00:00Z",
			model.ColAllDay:   false,
			model.ColCategory: "Blue",
		},
	}
}

func (f *fixture) boundConfig(t *testing.T, connectionID, calendarID string, dir model.Direction) *model.SyncConfig {
	t.Helper()
	cfg := f.config(t, connectionID, calendarID, calendarID, dir)
	if err := f.state.BindTargetSchema(context.Background(), cfg.ID, "schema-1"); err != nil {
		t.Fatalf("BindTargetSchema: %v", err)
	}
	return f.reload(t, cfg.ID)
}

// ---------------------------------------------------------------------------
// Push
// ---------------------------------------------------------------------------

func TestPush_InsertsThenPatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.boundConfig(t, "conn-1", "primary", model.DirectionBidirectional)
	p := NewPusher(f.provider, f.state, testLogger)
	row := pushRow("row-1")

	id, err := p.Push(ctx, cfg, row)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if id != "gcal-1" {
		t.Errorf("event ID = %q, want %q", id, "gcal-1")
	}
	if len(f.provider.inserted) != 1 || f.provider.inserted[0].Summary != "Dentist" {
		t.Fatalf("inserted = %+v, want one Dentist event", f.provider.inserted)
	}

	m, err := f.state.FindMappingByRow(ctx, "schema-1", "row-1")
	if err != nil || m == nil {
		t.Fatalf("FindMappingByRow = %v, %v", m, err)
	}
	if m.ProviderEventID != "gcal-1" || m.ProviderCalendarID != "primary" || m.SyncConfigID != cfg.ID {
		t.Errorf("mapping = %+v", m)
	}

	row.Fields[model.ColTitle] = "Dentist (moved)"
	id, err = p.Push(ctx, cfg, row)
	if err != nil {
		t.Fatalf("second Push: %v", err)
	}
	if id != "gcal-1" {
		t.Errorf("second event ID = %q, want %q", id, "gcal-1")
	}
	if len(f.provider.inserted) != 1 {
		t.Errorf("inserted = %d, want 1 (second push patches)", len(f.provider.inserted))
	}
	if len(f.provider.patched) != 1 || f.provider.patched[0] != "gcal-1" {
		t.Errorf("patched = %v, want [gcal-1]", f.provider.patched)
	}
}

func TestPush_NoDestination(t *testing.T) {
	f := newFixture(t)
	cfg := f.boundConfig(t, "conn-1", "primary", model.DirectionFromProvider)
	p := NewPusher(f.provider, f.state, testLogger)

	id, err := p.Push(context.Background(), cfg, pushRow("row-1"))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if id != "" {
		t.Errorf("event ID = %q, want empty", id)
	}
	if len(f.provider.inserted) != 0 {
		t.Errorf("inserted = %d, want 0", len(f.provider.inserted))
	}
}

func TestPush_ReadOnlyTargetFallsBack(t *testing.T) {
	f := newFixture(t)
	holidays := f.boundConfig(t, "conn-1", "en.german#holiday@group.v.calendar.google.com", model.DirectionBidirectional)
	work := f.boundConfig(t, "conn-2", "work@example.com", model.DirectionToProvider)
	p := NewPusher(f.provider, f.state, testLogger)

	if _, err := p.Push(context.Background(), holidays, pushRow("row-1")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(f.provider.inserted) != 1 {
		t.Fatalf("inserted = %d, want 1", len(f.provider.inserted))
	}
	if got := f.provider.inserted[0].CalendarID; got != work.ProviderCalendarID {
		t.Errorf("calendar = %q, want %q", got, work.ProviderCalendarID)
	}
}

func TestPush_PatchFailureMarksMapping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.boundConfig(t, "conn-1", "primary", model.DirectionToProvider)
	p := NewPusher(f.provider, f.state, testLogger)

	if _, err := p.Push(ctx, cfg, pushRow("row-1")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	f.provider.patchErr = errors.New("backend unavailable")
	if _, err := p.Push(ctx, cfg, pushRow("row-1")); err == nil {
		t.Fatal("expected error")
	}
	m, _ := f.state.FindMappingByRow(ctx, "schema-1", "row-1")
	if m.SyncStatus != model.SyncStatusError || !strings.Contains(m.LastError, "backend unavailable") {
		t.Errorf("mapping = status %q error %q", m.SyncStatus, m.LastError)
	}
}

func TestPush_MappedConfigNoLongerPushes(t *testing.T) {
	tests := []struct {
		name   string
		change func(t *testing.T, f *fixture, cfg *model.SyncConfig)
	}{
		{"disabled", func(t *testing.T, f *fixture, cfg *model.SyncConfig) {
			if err := f.state.SetEnabled(context.Background(), cfg.ID, false); err != nil {
				t.Fatalf("SetEnabled: %v", err)
			}
		}},
		{"pull only", func(t *testing.T, f *fixture, cfg *model.SyncConfig) {
			cfg.Direction = model.DirectionFromProvider
			if err := f.state.UpsertConfig(context.Background(), cfg); err != nil {
				t.Fatalf("UpsertConfig: %v", err)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			cfg := f.boundConfig(t, "conn-1", "primary", model.DirectionBidirectional)
			p := NewPusher(f.provider, f.state, testLogger)

			if _, err := p.Push(ctx, cfg, pushRow("row-1")); err != nil {
				t.Fatalf("Push: %v", err)
			}
			tt.change(t, f, cfg)

			id, err := p.Push(ctx, cfg, pushRow("row-1"))
			if err != nil {
				t.Fatalf("second Push: %v", err)
			}
			if id != "" {
				t.Errorf("event ID = %q, want empty", id)
			}
			if len(f.provider.patched) != 0 {
				t.Errorf("patched = %v, want none", f.provider.patched)
			}
		})
	}
}

func TestReadOnlyCalendar(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"primary", false},
		{"team@example.com", false},
		{"en.usa#holiday@group.v.calendar.google.com", true},
		{"addressbook#contacts@group.v.calendar.google.com", true},
		{"e_2_en#weeknum@group.v.calendar.google.com", true},
	}
	for _, tt := range tests {
		if got := readOnlyCalendar(tt.id); got != tt.want {
			t.Errorf("readOnlyCalendar(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Retract
// ---------------------------------------------------------------------------

func TestRetract_DeletesEventAndMapping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.boundConfig(t, "conn-1", "primary", model.DirectionBidirectional)
	p := NewPusher(f.provider, f.state, testLogger)
	row := pushRow("row-1")

	if _, err := p.Push(ctx, cfg, row); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := p.Retract(ctx, cfg, row); err != nil {
		t.Fatalf("Retract: %v", err)
	}
	if len(f.provider.deleted) != 1 || f.provider.deleted[0] != "gcal-1" {
		t.Errorf("deleted = %v, want [gcal-1]", f.provider.deleted)
	}
	if m, _ := f.state.FindMappingByRow(ctx, "schema-1", "row-1"); m != nil {
		t.Error("mapping still present")
	}
}

func TestRetract_ProviderFailureStillDropsMapping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.boundConfig(t, "conn-1", "primary", model.DirectionBidirectional)
	p := NewPusher(f.provider, f.state, testLogger)
	row := pushRow("row-1")

	if _, err := p.Push(ctx, cfg, row); err != nil {
		t.Fatalf("Push: %v", err)
	}
	boom := errors.New("permission denied")
	f.provider.deleteErr = boom

	err := p.Retract(ctx, cfg, row)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want provider error", err)
	}
	if m, _ := f.state.FindMappingByRow(ctx, "schema-1", "row-1"); m != nil {
		t.Error("mapping still present after failed provider delete")
	}
}

func TestRetract_UnmappedRow(t *testing.T) {
	f := newFixture(t)
	p := NewPusher(f.provider, f.state, testLogger)

	if err := p.Retract(context.Background(), nil, pushRow("never-pushed")); err != nil {
		t.Fatalf("Retract: %v", err)
	}
	if len(f.provider.deleted) != 0 {
		t.Errorf("deleted = %v, want none", f.provider.deleted)
	}
}
