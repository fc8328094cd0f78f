package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/njoerd114/calrelay/internal/mapper"
	"github.com/njoerd114/calrelay/internal/model"
)

// readOnlyCalendarMarkers identify Provider calendars that reject writes:
// public holidays, contact birthdays and week numbers.
var readOnlyCalendarMarkers = []string{
	"#holiday@",
	"#contacts@",
	"addressbook#contacts",
	"#weeknum@",
}

// Pusher writes Store rows to the Provider and removes them again.
type Pusher struct {
	provider Provider
	state    StateStore
	log      *slog.Logger
}

// NewPusher creates a Pusher.
func NewPusher(provider Provider, st StateStore, logger *slog.Logger) *Pusher {
	return &Pusher{provider: provider, state: st, log: logger}
}

// Push sends row to the Provider and returns the Provider event ID. A row
// that is already mapped patches its existing event, as long as the mapping's
// config is still enabled and pushing; otherwise a new event is
// inserted into the first writable config: target, then any config bound to
// the row's schema. If no config can take the row, Push returns ("", nil).
func (p *Pusher) Push(ctx context.Context, target *model.SyncConfig, row *model.Row) (string, error) {
	m, err := p.state.FindMappingByRow(ctx, row.SchemaID, row.ID)
	if err != nil {
		return "", fmt.Errorf("looking up mapping of row %s: %w", row.ID, err)
	}
	if m != nil {
		owner, err := p.state.GetConfig(ctx, m.SyncConfigID)
		if err != nil {
			return "", fmt.Errorf("loading sync config %s: %w", m.SyncConfigID, err)
		}
		if owner == nil || !writable(owner) {
			p.log.Info("mapped config no longer pushes, row not pushed", "sync_config", m.SyncConfigID, "row", row.ID)
			return "", nil
		}
		return p.patch(ctx, m, row)
	}

	cfg, err := p.writableConfig(ctx, target, row.SchemaID)
	if err != nil {
		return "", err
	}
	if cfg == nil {
		p.log.Info("no writable calendar for row, not pushed", "schema", row.SchemaID, "row", row.ID)
		return "", nil
	}

	ev := mapper.ToProviderEvent(row.Fields, cfg.ProviderCalendarID)
	out, err := p.provider.InsertEvent(ctx, cfg.ProviderCalendarID, ev)
	if err != nil {
		return "", fmt.Errorf("pushing row %s: %w", row.ID, err)
	}

	_, err = p.state.UpsertCreatedMapping(ctx, &model.EventMapping{
		SyncConfigID:       cfg.ID,
		TargetSchemaID:     row.SchemaID,
		StoreRowID:         row.ID,
		ProviderEventID:    out.ID,
		ProviderCalendarID: cfg.ProviderCalendarID,
		SyncStatus:         model.SyncStatusSynced,
		ProviderUpdatedAt:  out.Updated,
	})
	if err != nil {
		return out.ID, fmt.Errorf("recording mapping of row %s: %w", row.ID, err)
	}
	p.log.Info("pushed row", "sync_config", cfg.ID, "row", row.ID, "event_id", out.ID)
	return out.ID, nil
}

func (p *Pusher) patch(ctx context.Context, m *model.EventMapping, row *model.Row) (string, error) {
	ev := mapper.ToProviderEvent(row.Fields, m.ProviderCalendarID)
	out, err := p.provider.PatchEvent(ctx, m.ProviderCalendarID, m.ProviderEventID, ev)
	if err != nil {
		if merr := p.state.MarkMappingError(ctx, m.ID, err.Error()); merr != nil {
			p.log.Warn("best-effort operation failed", "op", "mark mapping error", "error", merr)
		}
		return "", fmt.Errorf("updating event %s: %w", m.ProviderEventID, err)
	}
	if err := p.state.MarkMappingSynced(ctx, m.ID, out.Updated); err != nil {
		return m.ProviderEventID, err
	}
	p.log.Info("pushed row update", "sync_config", m.SyncConfigID, "row", row.ID, "event_id", m.ProviderEventID)
	return m.ProviderEventID, nil
}

// writableConfig picks the config a new row is pushed to, or nil.
func (p *Pusher) writableConfig(ctx context.Context, target *model.SyncConfig, schemaID string) (*model.SyncConfig, error) {
	if target != nil && writable(target) {
		return target, nil
	}
	configs, err := p.state.ListConfigsForSchema(ctx, schemaID)
	if err != nil {
		return nil, fmt.Errorf("listing configs of schema %s: %w", schemaID, err)
	}
	for _, cfg := range configs {
		if writable(cfg) {
			return cfg, nil
		}
	}
	return nil, nil //nolint:nilnil // no destination
}

// Retract deletes the Provider event of a mapped row and drops the mapping.
// Unmapped rows are ignored. The mapping is removed even when the Provider
// delete fails; that error is returned afterwards.
func (p *Pusher) Retract(ctx context.Context, target *model.SyncConfig, row *model.Row) error {
	m, err := p.state.FindMappingByRow(ctx, row.SchemaID, row.ID)
	if err != nil {
		return fmt.Errorf("looking up mapping of row %s: %w", row.ID, err)
	}
	if m == nil {
		return nil
	}

	delErr := p.provider.DeleteEvent(ctx, m.ProviderCalendarID, m.ProviderEventID)
	if delErr != nil {
		delErr = fmt.Errorf("deleting event %s: %w", m.ProviderEventID, delErr)
	}
	if err := p.state.DeleteMapping(ctx, m.ID); err != nil {
		return errors.Join(delErr, fmt.Errorf("deleting mapping of row %s: %w", row.ID, err))
	}

	attrs := []any{"row", row.ID, "event_id", m.ProviderEventID}
	if target != nil {
		attrs = append(attrs, "sync_config", target.ID)
	}
	if delErr != nil {
		p.log.Warn("retracted row, provider delete failed", append(attrs, "error", delErr)...)
		return delErr
	}
	p.log.Info("retracted row", attrs...)
	return nil
}

func writable(cfg *model.SyncConfig) bool {
	return cfg.Enabled && cfg.Direction.Pushes() && !readOnlyCalendar(cfg.ProviderCalendarID)
}

func readOnlyCalendar(calendarID string) bool {
	for _, marker := range readOnlyCalendarMarkers {
		if strings.Contains(calendarID, marker) {
			return true
		}
	}
	return false
}
