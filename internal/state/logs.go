package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/njoerd114/calrelay/internal/model"
)

type syncLogRow struct {
	ID           int64  `db:"id"`
	SyncConfigID string `db:"sync_config_id"`
	Direction    string `db:"direction"`
	Status       string `db:"status"`
	Created      int    `db:"created"`
	Updated      int    `db:"updated"`
	Deleted      int    `db:"deleted"`
	Skipped      int    `db:"skipped"`
	Errors       string `db:"errors"`
	CompletedAt  string `db:"completed_at"`
}

// AppendSyncLog writes one audit row. l.ID is set to the new row ID.
func (s *Store) AppendSyncLog(ctx context.Context, l *model.SyncLog) error {
	errs := l.Errors
	if errs == nil {
		errs = []model.EventError{}
	}
	data, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("encoding sync errors: %w", err)
	}

	const q = `
		INSERT INTO sync_logs
		    (sync_config_id, direction, status, created, updated, deleted, skipped, errors, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q,
		l.SyncConfigID,
		string(l.Direction),
		string(l.Status),
		l.Created,
		l.Updated,
		l.Deleted,
		l.Skipped,
		string(data),
		formatTime(l.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("appending sync log for config %s: %w", l.SyncConfigID, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		l.ID = id
	}
	return nil
}

// RecentSyncLogs returns up to limit audit rows of a config, newest first.
func (s *Store) RecentSyncLogs(ctx context.Context, configID string, limit int) ([]*model.SyncLog, error) {
	var rows []syncLogRow
	const q = `
		SELECT id, sync_config_id, direction, status, created, updated, deleted, skipped, errors, completed_at
		FROM sync_logs WHERE sync_config_id = ? ORDER BY id DESC LIMIT ?`
	if err := s.db.SelectContext(ctx, &rows, q, configID, limit); err != nil {
		return nil, fmt.Errorf("listing sync logs of config %s: %w", configID, err)
	}

	out := make([]*model.SyncLog, 0, len(rows))
	for _, r := range rows {
		l := &model.SyncLog{
			ID:           r.ID,
			SyncConfigID: r.SyncConfigID,
			Direction:    model.Direction(r.Direction),
			Status:       model.RunStatus(r.Status),
			Created:      r.Created,
			Updated:      r.Updated,
			Deleted:      r.Deleted,
			Skipped:      r.Skipped,
			CompletedAt:  parseTime(r.CompletedAt),
		}
		if err := json.Unmarshal([]byte(r.Errors), &l.Errors); err != nil {
			return nil, fmt.Errorf("decoding errors of sync log %d: %w", r.ID, err)
		}
		out = append(out, l)
	}
	return out, nil
}
