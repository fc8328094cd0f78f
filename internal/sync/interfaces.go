// Package sync implements the calendar sync engine. It pulls events from the
// Provider (Google Calendar) into the row Store, correlates them through
// event mappings in the state database, and pushes Store rows back out.
//
// The package contains four main components:
//
//   - [Orchestrator] drives one inbound run for a sync config.
//   - [PageFetcher] walks the Provider's paginated event list.
//   - [Pusher] writes a single Store row to the Provider, or retracts it.
//   - [Engine] runs the orchestrator for every enabled config, once or on
//     a timer, with tracing and metrics.
package sync

import (
	"context"
	"time"

	"github.com/njoerd114/calrelay/internal/model"
)

// Provider is the calendar API. Implemented by [google.Client].
type Provider interface {
	ListEvents(ctx context.Context, req model.ListRequest) (*model.Page, error)
	InsertEvent(ctx context.Context, calendarID string, e *model.Event) (*model.Event, error)
	PatchEvent(ctx context.Context, calendarID, eventID string, e *model.Event) (*model.Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}

// StateStore provides access to the sync state database.
// Implemented by [state.Store].
type StateStore interface {
	GetConfig(ctx context.Context, id string) (*model.SyncConfig, error)
	ListEnabledConfigs(ctx context.Context) ([]*model.SyncConfig, error)
	ListConfigsForSchema(ctx context.Context, schemaID string) ([]*model.SyncConfig, error)
	SaveCursor(ctx context.Context, configID, token string, lastRunAt time.Time) error
	ClearCursor(ctx context.Context, configID string) error

	FindMapping(ctx context.Context, eventID, calendarID string) (*model.EventMapping, error)
	FindMappingByRow(ctx context.Context, schemaID, rowID string) (*model.EventMapping, error)
	UpsertCreatedMapping(ctx context.Context, m *model.EventMapping) (*model.EventMapping, error)
	MarkMappingSynced(ctx context.Context, id string, providerUpdatedAt time.Time) error
	MarkMappingError(ctx context.Context, id, message string) error
	ReassignMapping(ctx context.Context, id, configID string) error
	DeleteMapping(ctx context.Context, id string) error

	AppendSyncLog(ctx context.Context, l *model.SyncLog) error
	AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, holder string) error
}

// RowStore reads and writes Store rows and their linked notes.
// Implemented by [rowstore.Store].
type RowStore interface {
	NextPosition(ctx context.Context, sc *model.TargetSchema) (int64, error)
	InsertRow(ctx context.Context, sc *model.TargetSchema, fields model.FieldMap, position int64) (string, error)
	UpdateRow(ctx context.Context, sc *model.TargetSchema, rowID string, fields model.FieldMap) error
	DeleteRow(ctx context.Context, sc *model.TargetSchema, rowID string) error

	CreateNote(ctx context.Context, schemaID, rowID, title string) (string, error)
	UpdateNoteTitle(ctx context.Context, schemaID, rowID, title string) error
	DeleteNote(ctx context.Context, schemaID, rowID string) error
}

// SchemaProvisioner resolves and migrates target schemas.
// Implemented by [provision.Provisioner].
type SchemaProvisioner interface {
	Resolve(ctx context.Context, cfg *model.SyncConfig) (*model.TargetSchema, error)
	Load(ctx context.Context, schemaID string) (*model.TargetSchema, error)
	EnsureColumn(ctx context.Context, sc *model.TargetSchema, name string, typ model.ColumnType) (*model.TargetSchema, error)
}
