package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/njoerd114/calrelay/internal/model"
)

type mappingRow struct {
	ID                 string `db:"id"`
	SyncConfigID       string `db:"sync_config_id"`
	TargetSchemaID     string `db:"target_schema_id"`
	StoreRowID         string `db:"store_row_id"`
	ProviderEventID    string `db:"provider_event_id"`
	ProviderCalendarID string `db:"provider_calendar_id"`
	SyncStatus         string `db:"sync_status"`
	ProviderUpdatedAt  string `db:"provider_updated_at"`
	LastError          string `db:"last_error"`
}

func (r mappingRow) convert() *model.EventMapping {
	return &model.EventMapping{
		ID:                 r.ID,
		SyncConfigID:       r.SyncConfigID,
		TargetSchemaID:     r.TargetSchemaID,
		StoreRowID:         r.StoreRowID,
		ProviderEventID:    r.ProviderEventID,
		ProviderCalendarID: r.ProviderCalendarID,
		SyncStatus:         model.SyncStatus(r.SyncStatus),
		ProviderUpdatedAt:  parseTime(r.ProviderUpdatedAt),
		LastError:          r.LastError,
	}
}

const mappingColumns = `
	id, sync_config_id, target_schema_id, store_row_id, provider_event_id,
	provider_calendar_id, sync_status, provider_updated_at, last_error`

// FindMapping returns the mapping for a Provider event, or (nil, nil) if the
// event has not been seen.
func (s *Store) FindMapping(ctx context.Context, eventID, calendarID string) (*model.EventMapping, error) {
	return s.getMapping(ctx,
		`SELECT`+mappingColumns+` FROM event_mappings WHERE provider_event_id = ? AND provider_calendar_id = ?`,
		eventID, calendarID)
}

// FindMappingByRow returns the mapping for a Store row, or (nil, nil).
func (s *Store) FindMappingByRow(ctx context.Context, schemaID, rowID string) (*model.EventMapping, error) {
	return s.getMapping(ctx,
		`SELECT`+mappingColumns+` FROM event_mappings WHERE target_schema_id = ? AND store_row_id = ?`,
		schemaID, rowID)
}

func (s *Store) getMapping(ctx context.Context, q string, args ...any) (*model.EventMapping, error) {
	var r mappingRow
	err := s.db.GetContext(ctx, &r, q, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("loading event mapping: %w", err)
	}
	return r.convert(), nil
}

// ListMappings returns every mapping owned by a sync config.
func (s *Store) ListMappings(ctx context.Context, configID string) ([]*model.EventMapping, error) {
	var rows []mappingRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT`+mappingColumns+` FROM event_mappings WHERE sync_config_id = ? ORDER BY provider_event_id`, configID)
	if err != nil {
		return nil, fmt.Errorf("listing mappings of config %s: %w", configID, err)
	}
	out := make([]*model.EventMapping, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.convert())
	}
	return out, nil
}

// UpsertCreatedMapping records the mapping of a newly created row. If a
// mapping for the same (ProviderEventID, ProviderCalendarID) already exists,
// its sync metadata is refreshed but the first writer's target schema and
// row are kept. The stored mapping is returned; callers compare its
// StoreRowID with the row they wrote to detect a lost race.
func (s *Store) UpsertCreatedMapping(ctx context.Context, m *model.EventMapping) (*model.EventMapping, error) {
	id := m.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := m.SyncStatus
	if status == "" {
		status = model.SyncStatusSynced
	}
	const q = `
		INSERT INTO event_mappings
		    (id, sync_config_id, target_schema_id, store_row_id, provider_event_id,
		     provider_calendar_id, sync_status, provider_updated_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '')
		ON CONFLICT (provider_event_id, provider_calendar_id) DO UPDATE SET
		    sync_config_id      = excluded.sync_config_id,
		    sync_status         = excluded.sync_status,
		    provider_updated_at = excluded.provider_updated_at,
		    last_error          = ''
		RETURNING` + mappingColumns

	var r mappingRow
	err := s.db.GetContext(ctx, &r, q,
		id,
		m.SyncConfigID,
		m.TargetSchemaID,
		m.StoreRowID,
		m.ProviderEventID,
		m.ProviderCalendarID,
		string(status),
		formatTime(m.ProviderUpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("upserting mapping for event %q: %w", m.ProviderEventID, err)
	}
	return r.convert(), nil
}

// MarkMappingSynced records a successful sync of the mapped event.
func (s *Store) MarkMappingSynced(ctx context.Context, id string, providerUpdatedAt time.Time) error {
	return s.execMapping(ctx, id,
		`UPDATE event_mappings SET sync_status = ?, provider_updated_at = ?, last_error = '' WHERE id = ?`,
		string(model.SyncStatusSynced), formatTime(providerUpdatedAt), id)
}

// MarkMappingError records a failed sync of the mapped event.
func (s *Store) MarkMappingError(ctx context.Context, id, message string) error {
	return s.execMapping(ctx, id,
		`UPDATE event_mappings SET sync_status = ?, last_error = ? WHERE id = ?`,
		string(model.SyncStatusError), message, id)
}

// ReassignMapping moves a mapping to another sync config. Its target schema is
// not changed.
func (s *Store) ReassignMapping(ctx context.Context, id, configID string) error {
	return s.execMapping(ctx, id, `UPDATE event_mappings SET sync_config_id = ? WHERE id = ?`, configID, id)
}

// DeleteMapping removes a mapping. Deleting a missing mapping is not an error.
func (s *Store) DeleteMapping(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM event_mappings WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting mapping %s: %w", id, err)
	}
	return nil
}

func (s *Store) execMapping(ctx context.Context, id, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("updating mapping %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("updating mapping %s: no such mapping", id)
	}
	return nil
}
