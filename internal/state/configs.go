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

type configRow struct {
	ID                   string `db:"id"`
	ConnectionID         string `db:"connection_id"`
	OwnerID              string `db:"owner_id"`
	ProviderCalendarID   string `db:"provider_calendar_id"`
	ProviderCalendarName string `db:"provider_calendar_name"`
	TargetSchemaID       string `db:"target_schema_id"`
	Direction            string `db:"direction"`
	CursorToken          string `db:"cursor_token"`
	LastRunAt            string `db:"last_run_at"`
	DisplayColor         string `db:"display_color"`
	Enabled              bool   `db:"enabled"`
}

func (r configRow) convert() *model.SyncConfig {
	return &model.SyncConfig{
		ID:                   r.ID,
		ConnectionID:         r.ConnectionID,
		OwnerID:              r.OwnerID,
		ProviderCalendarID:   r.ProviderCalendarID,
		ProviderCalendarName: r.ProviderCalendarName,
		TargetSchemaID:       r.TargetSchemaID,
		Direction:            model.Direction(r.Direction),
		CursorToken:          r.CursorToken,
		LastRunAt:            parseTime(r.LastRunAt),
		DisplayColor:         r.DisplayColor,
		Enabled:              r.Enabled,
	}
}

const selectConfig = `
	SELECT id, connection_id, owner_id, provider_calendar_id, provider_calendar_name,
	       target_schema_id, direction, cursor_token, last_run_at, display_color, enabled
	FROM sync_configs`

// UpsertConfig creates a sync config or updates the existing one for the same
// (ConnectionID, ProviderCalendarID). Cursor, last run and schema binding are
// preserved on update. cfg.ID is set to the stored ID.
func (s *Store) UpsertConfig(ctx context.Context, cfg *model.SyncConfig) error {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Direction == "" {
		cfg.Direction = model.DirectionFromProvider
	}
	const q = `
		INSERT INTO sync_configs
		    (id, connection_id, owner_id, provider_calendar_id, provider_calendar_name,
		     target_schema_id, direction, display_color, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (connection_id, provider_calendar_id) DO UPDATE SET
		    owner_id               = excluded.owner_id,
		    provider_calendar_name = excluded.provider_calendar_name,
		    direction              = excluded.direction,
		    display_color          = excluded.display_color,
		    enabled                = excluded.enabled
		RETURNING id`

	var id string
	err := s.db.GetContext(ctx, &id, q,
		cfg.ID,
		cfg.ConnectionID,
		cfg.OwnerID,
		cfg.ProviderCalendarID,
		cfg.ProviderCalendarName,
		cfg.TargetSchemaID,
		string(cfg.Direction),
		cfg.DisplayColor,
		cfg.Enabled,
	)
	if err != nil {
		return fmt.Errorf("upserting sync config for calendar %q: %w", cfg.ProviderCalendarID, err)
	}
	cfg.ID = id
	return nil
}

// GetConfig returns the sync config with the given ID, or (nil, nil) if no
// such config exists.
func (s *Store) GetConfig(ctx context.Context, id string) (*model.SyncConfig, error) {
	var r configRow
	err := s.db.GetContext(ctx, &r, selectConfig+` WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("loading sync config %s: %w", id, err)
	}
	return r.convert(), nil
}

// ListConfigs returns every sync config.
func (s *Store) ListConfigs(ctx context.Context) ([]*model.SyncConfig, error) {
	return s.selectConfigs(ctx, selectConfig+` ORDER BY provider_calendar_name, id`)
}

// ListEnabledConfigs returns the configs the engine should run.
func (s *Store) ListEnabledConfigs(ctx context.Context) ([]*model.SyncConfig, error) {
	return s.selectConfigs(ctx, selectConfig+` WHERE enabled = 1 ORDER BY provider_calendar_name, id`)
}

// ListConfigsForSchema returns the enabled configs bound to schemaID.
func (s *Store) ListConfigsForSchema(ctx context.Context, schemaID string) ([]*model.SyncConfig, error) {
	return s.selectConfigs(ctx,
		selectConfig+` WHERE enabled = 1 AND target_schema_id = ? ORDER BY provider_calendar_name, id`, schemaID)
}

func (s *Store) selectConfigs(ctx context.Context, q string, args ...any) ([]*model.SyncConfig, error) {
	var rows []configRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("querying sync configs: %w", err)
	}
	out := make([]*model.SyncConfig, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.convert())
	}
	return out, nil
}

// BindTargetSchema records the schema a config writes into.
func (s *Store) BindTargetSchema(ctx context.Context, configID, schemaID string) error {
	return s.updateConfig(ctx, configID, `UPDATE sync_configs SET target_schema_id = ? WHERE id = ?`, schemaID, configID)
}

// SaveCursor stores the sync token reached by a run and the run's time.
func (s *Store) SaveCursor(ctx context.Context, configID, token string, lastRunAt time.Time) error {
	return s.updateConfig(ctx, configID,
		`UPDATE sync_configs SET cursor_token = ?, last_run_at = ? WHERE id = ?`,
		token, formatTime(lastRunAt), configID)
}

// ClearCursor forces the next run of the config to perform a full fetch.
func (s *Store) ClearCursor(ctx context.Context, configID string) error {
	return s.updateConfig(ctx, configID, `UPDATE sync_configs SET cursor_token = '' WHERE id = ?`, configID)
}

// SetEnabled turns a config on or off.
func (s *Store) SetEnabled(ctx context.Context, configID string, enabled bool) error {
	return s.updateConfig(ctx, configID, `UPDATE sync_configs SET enabled = ? WHERE id = ?`, enabled, configID)
}

func (s *Store) updateConfig(ctx context.Context, configID, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("updating sync config %s: %w", configID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating sync config %s: %w", configID, err)
	}
	if n == 0 {
		return fmt.Errorf("updating sync config %s: no such config", configID)
	}
	return nil
}
