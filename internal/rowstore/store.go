// Package rowstore is the dynamically-schemed row Store that mirrors Provider
// events. Each target schema owns one physical SQLite table whose user columns
// are described by a JSON column list on the schema's container record.
//
// Column identity is resolved by name through that list; physical column
// names are derived from column IDs and never shown to callers.
package rowstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/calrelay/internal/model"
)

// DriverName is the database/sql driver used by the Store.
const DriverName = "sqlite3"

// ErrRowNotFound is returned when updating a row that does not exist.
var ErrRowNotFound = errors.New("rowstore: row not found")

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schemas (
    id         TEXT PRIMARY KEY,
    owner_id   TEXT NOT NULL,
    name       TEXT NOT NULL,
    table_name TEXT NOT NULL UNIQUE,
    columns    TEXT NOT NULL DEFAULT '[]',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_schemas_owner ON schemas (owner_id);

CREATE TABLE IF NOT EXISTS notes (
    id         TEXT PRIMARY KEY,
    schema_id  TEXT NOT NULL,
    row_id     TEXT NOT NULL,
    title      TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_notes_row ON notes (schema_id, row_id);
`

// Store is the SQLite-backed row store.
type Store struct {
	db  *sqlx.DB
	log *slog.Logger
}

// schemaRecord is the container record of a target schema.
type schemaRecord struct {
	ID        string `db:"id"`
	OwnerID   string `db:"owner_id"`
	Name      string `db:"name"`
	TableName string `db:"table_name"`
	Columns   string `db:"columns"`
	CreatedAt string `db:"created_at"`
}

func (r schemaRecord) convert() (*model.TargetSchema, error) {
	s := &model.TargetSchema{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		Name:      r.Name,
		TableName: r.TableName,
	}
	if err := json.Unmarshal([]byte(r.Columns), &s.Columns); err != nil {
		return nil, fmt.Errorf("decoding columns of schema %s: %w", r.ID, err)
	}
	return s, nil
}

// Open opens (or creates) the Store database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	db, err := sqlx.Open(DriverName, path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening store %q: %w", path, err)
	}
	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying store schema: %w", err)
	}
	return &Store{db: db, log: logger}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- schemas -----------------------------------------------------------------

const selectSchema = `SELECT id, owner_id, name, table_name, columns, created_at FROM schemas`

// GetSchema returns the schema with the given ID, or (nil, nil) if it does not
// exist.
func (s *Store) GetSchema(ctx context.Context, id string) (*model.TargetSchema, error) {
	var rec schemaRecord
	err := s.db.GetContext(ctx, &rec, selectSchema+` WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // not found
	}
	if err != nil {
		return nil, fmt.Errorf("loading schema %s: %w", id, err)
	}
	return rec.convert()
}

// ListSchemas returns every schema owned by ownerID, oldest first.
func (s *Store) ListSchemas(ctx context.Context, ownerID string) ([]*model.TargetSchema, error) {
	var recs []schemaRecord
	err := s.db.SelectContext(ctx, &recs, selectSchema+` WHERE owner_id = ? ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing schemas for owner %q: %w", ownerID, err)
	}
	out := make([]*model.TargetSchema, 0, len(recs))
	for _, r := range recs {
		sc, err := r.convert()
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

// CreateSchema writes the container record of a new schema. The physical
// table does not exist until CreateTable is called.
func (s *Store) CreateSchema(ctx context.Context, ownerID, name string) (*model.TargetSchema, error) {
	id := uuid.NewString()
	sc := &model.TargetSchema{
		ID:        id,
		OwnerID:   ownerID,
		Name:      name,
		TableName: "rows_" + strings.ReplaceAll(id, "-", ""),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schemas (id, owner_id, name, table_name, columns, created_at)
		VALUES (?, ?, ?, ?, '[]', ?)`,
		sc.ID, sc.OwnerID, sc.Name, sc.TableName, now())
	if err != nil {
		return nil, fmt.Errorf("creating schema %q: %w", name, err)
	}
	return sc, nil
}

// CreateTable creates the physical table of sc with the given columns and
// records them in the schema's column list. It returns the updated schema.
func (s *Store) CreateTable(ctx context.Context, sc *model.TargetSchema, cols []model.Column) (*model.TargetSchema, error) {
	defs := []string{
		`id TEXT PRIMARY KEY`,
		`position INTEGER NOT NULL DEFAULT 0`,
		`created_at TEXT NOT NULL`,
		`updated_at TEXT NOT NULL`,
	}
	for _, c := range cols {
		if !c.Type.Valid() {
			return nil, fmt.Errorf("column %q has unknown type %q", c.Name, c.Type)
		}
		defs = append(defs, quote(physicalName(c))+" "+sqlType(c.Type))
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", quote(sc.TableName), strings.Join(defs, ", "))
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("creating table for schema %s: %w", sc.ID, err)
	}
	if err := saveColumns(ctx, tx, sc.ID, cols); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing table for schema %s: %w", sc.ID, err)
	}

	out := *sc
	out.Columns = append([]model.Column(nil), cols...)
	return &out, nil
}

// DeleteSchema drops the physical table, the schema's notes and its container
// record. It is safe to call on a schema whose table was never created.
func (s *Store) DeleteSchema(ctx context.Context, sc *model.TargetSchema) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quote(sc.TableName)); err != nil {
		return fmt.Errorf("dropping table of schema %s: %w", sc.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM notes WHERE schema_id = ?`, sc.ID); err != nil {
		return fmt.Errorf("deleting notes of schema %s: %w", sc.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schemas WHERE id = ?`, sc.ID); err != nil {
		return fmt.Errorf("deleting schema %s: %w", sc.ID, err)
	}
	return tx.Commit()
}

// AddColumn adds the physical column for c to the schema's table. The logical
// column list is not touched; callers record it with SaveColumns. Adding a
// column that already exists physically is a no-op.
func (s *Store) AddColumn(ctx context.Context, sc *model.TargetSchema, c model.Column) error {
	if !c.Type.Valid() {
		return fmt.Errorf("column %q has unknown type %q", c.Name, c.Type)
	}
	exists, err := s.physicalColumnExists(ctx, sc.TableName, physicalName(c))
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quote(sc.TableName), quote(physicalName(c)), sqlType(c.Type))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("adding column %q to schema %s: %w", c.Name, sc.ID, err)
	}
	return nil
}

// SaveColumns replaces the logical column list of a schema.
func (s *Store) SaveColumns(ctx context.Context, schemaID string, cols []model.Column) error {
	return saveColumns(ctx, s.db, schemaID, cols)
}

// ReloadSchemaCache makes the connection observe the latest table shapes
// after DDL. SQLite re-reads its schema when the schema cookie changes, so
// reading the cookie is sufficient.
func (s *Store) ReloadSchemaCache(ctx context.Context) error {
	var version int64
	if err := s.db.GetContext(ctx, &version, `PRAGMA schema_version`); err != nil {
		return fmt.Errorf("reloading schema cache: %w", err)
	}
	s.log.Debug("schema cache reloaded", "schema_version", version)
	return nil
}

func (s *Store) physicalColumnExists(ctx context.Context, table, column string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column)
	if err != nil {
		return false, fmt.Errorf("inspecting table %s: %w", table, err)
	}
	return n > 0, nil
}

func saveColumns(ctx context.Context, ex sqlx.ExecerContext, schemaID string, cols []model.Column) error {
	if cols == nil {
		cols = []model.Column{}
	}
	data, err := json.Marshal(cols)
	if err != nil {
		return fmt.Errorf("encoding columns: %w", err)
	}
	res, err := ex.ExecContext(ctx, `UPDATE schemas SET columns = ? WHERE id = ?`, string(data), schemaID)
	if err != nil {
		return fmt.Errorf("saving columns of schema %s: %w", schemaID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("saving columns: schema %s does not exist", schemaID)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

// physicalName is the SQL column name backing a logical column.
func physicalName(c model.Column) string {
	return "c_" + strings.ReplaceAll(c.ID, "-", "")
}

func sqlType(t model.ColumnType) string {
	if t == model.ColumnBool {
		return "INTEGER"
	}
	return "TEXT"
}

// quote quotes an SQL identifier.
func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
