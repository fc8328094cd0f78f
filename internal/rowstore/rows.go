package rowstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/njoerd114/calrelay/internal/model"
)

// NextPosition returns the position a newly appended row should take.
func (s *Store) NextPosition(ctx context.Context, sc *model.TargetSchema) (int64, error) {
	var pos int64
	q := fmt.Sprintf("SELECT COALESCE(MAX(position), 0) + 1 FROM %s", quote(sc.TableName))
	if err := s.db.GetContext(ctx, &pos, q); err != nil {
		return 0, fmt.Errorf("reading next position of schema %s: %w", sc.ID, err)
	}
	return pos, nil
}

// CountRows returns the number of rows in the schema's table.
func (s *Store) CountRows(ctx context.Context, sc *model.TargetSchema) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+quote(sc.TableName)); err != nil {
		return 0, fmt.Errorf("counting rows of schema %s: %w", sc.ID, err)
	}
	return n, nil
}

// InsertRow validates fields against sc and inserts a new row, returning its ID.
func (s *Store) InsertRow(ctx context.Context, sc *model.TargetSchema, fields model.FieldMap, position int64) (string, error) {
	if err := fields.Validate(sc); err != nil {
		return "", err
	}
	id := uuid.NewString()
	ts := now()

	cols := []string{"id", "position", "created_at", "updated_at"}
	args := []any{id, position, ts, ts}
	for name, v := range fields {
		c := sc.Column(name)
		cols = append(cols, quote(physicalName(*c)))
		args = append(args, encodeValue(v))
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(sc.TableName), strings.Join(cols, ", "), placeholders(len(cols)))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return "", fmt.Errorf("inserting row into schema %s: %w", sc.ID, err)
	}
	return id, nil
}

// UpdateRow validates fields against sc and writes them to the row. Columns
// absent from fields are left unchanged. It returns ErrRowNotFound if the row
// does not exist.
func (s *Store) UpdateRow(ctx context.Context, sc *model.TargetSchema, rowID string, fields model.FieldMap) error {
	if err := fields.Validate(sc); err != nil {
		return err
	}
	sets := []string{"updated_at = ?"}
	args := []any{now()}
	for name, v := range fields {
		c := sc.Column(name)
		sets = append(sets, quote(physicalName(*c))+" = ?")
		args = append(args, encodeValue(v))
	}
	args = append(args, rowID)

	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", quote(sc.TableName), strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("updating row %s in schema %s: %w", rowID, sc.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating row %s: %w", rowID, err)
	}
	if n == 0 {
		return fmt.Errorf("updating row %s in schema %s: %w", rowID, sc.ID, ErrRowNotFound)
	}
	return nil
}

// DeleteRow removes a row. Deleting a row that does not exist is not an error.
func (s *Store) DeleteRow(ctx context.Context, sc *model.TargetSchema, rowID string) error {
	q := fmt.Sprintf("DELETE FROM %s WHERE id = ?", quote(sc.TableName))
	if _, err := s.db.ExecContext(ctx, q, rowID); err != nil {
		return fmt.Errorf("deleting row %s from schema %s: %w", rowID, sc.ID, err)
	}
	return nil
}

// GetRow returns the row with the given ID, or (nil, nil) if it does not exist.
// Only columns present in sc are decoded; null cells are omitted.
func (s *Store) GetRow(ctx context.Context, sc *model.TargetSchema, rowID string) (*model.Row, error) {
	cols := []string{"id", "position"}
	for _, c := range sc.Columns {
		cols = append(cols, quote(physicalName(c)))
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", strings.Join(cols, ", "), quote(sc.TableName))

	raw := make(map[string]any)
	err := s.db.QueryRowxContext(ctx, q, rowID).MapScan(raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // not found
	}
	if err != nil {
		return nil, fmt.Errorf("loading row %s from schema %s: %w", rowID, sc.ID, err)
	}

	row := &model.Row{
		ID:       rowID,
		SchemaID: sc.ID,
		Fields:   make(model.FieldMap, len(sc.Columns)),
	}
	if p, ok := raw["position"].(int64); ok {
		row.Position = p
	}
	for _, c := range sc.Columns {
		v := raw[physicalName(c)]
		if v == nil {
			continue
		}
		row.Fields[c.Name] = decodeValue(c.Type, v)
	}
	return row, nil
}

// --- notes -------------------------------------------------------------------

// CreateNote creates the linked note of a row and returns its ID. A row has at
// most one note; creating it again replaces the title.
func (s *Store) CreateNote(ctx context.Context, schemaID, rowID, title string) (string, error) {
	ts := now()
	var id string
	err := s.db.GetContext(ctx, &id, `
		INSERT INTO notes (id, schema_id, row_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (schema_id, row_id) DO UPDATE SET
			title      = excluded.title,
			updated_at = excluded.updated_at
		RETURNING id`,
		uuid.NewString(), schemaID, rowID, title, ts, ts)
	if err != nil {
		return "", fmt.Errorf("creating note for row %s: %w", rowID, err)
	}
	return id, nil
}

// UpdateNoteTitle sets the title of a row's note. Rows without a note are
// ignored.
func (s *Store) UpdateNoteTitle(ctx context.Context, schemaID, rowID, title string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notes SET title = ?, updated_at = ? WHERE schema_id = ? AND row_id = ?`,
		title, now(), schemaID, rowID)
	if err != nil {
		return fmt.Errorf("updating note of row %s: %w", rowID, err)
	}
	return nil
}

// DeleteNote removes the note of a row, if any.
func (s *Store) DeleteNote(ctx context.Context, schemaID, rowID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE schema_id = ? AND row_id = ?`, schemaID, rowID)
	if err != nil {
		return fmt.Errorf("deleting note of row %s: %w", rowID, err)
	}
	return nil
}

// NoteTitle returns the title of a row's note, or "" if it has none.
func (s *Store) NoteTitle(ctx context.Context, schemaID, rowID string) (string, error) {
	var title string
	err := s.db.GetContext(ctx, &title, `SELECT title FROM notes WHERE schema_id = ? AND row_id = ?`, schemaID, rowID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading note of row %s: %w", rowID, err)
	}
	return title, nil
}

// --- values ------------------------------------------------------------------

func encodeValue(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}

func decodeValue(t model.ColumnType, v any) any {
	if t == model.ColumnBool {
		switch n := v.(type) {
		case int64:
			return n != 0
		case bool:
			return n
		}
		return false
	}
	switch s := v.(type) {
	case []byte:
		return string(s)
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
