package model

import (
	"fmt"
	"time"
)

// Direction controls which way a SyncConfig moves data.
type Direction string

const (
	DirectionToProvider    Direction = "to_provider"
	DirectionFromProvider  Direction = "from_provider"
	DirectionBidirectional Direction = "bidirectional"
)

// ParseDirection validates a direction string.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case DirectionToProvider, DirectionFromProvider, DirectionBidirectional:
		return d, nil
	}
	return "", fmt.Errorf("unknown direction %q (want to_provider, from_provider or bidirectional)", s)
}

// Pulls reports whether Provider changes flow into the Store.
func (d Direction) Pulls() bool {
	return d == DirectionFromProvider || d == DirectionBidirectional
}

// Pushes reports whether Store changes flow out to the Provider.
func (d Direction) Pushes() bool {
	return d == DirectionToProvider || d == DirectionBidirectional
}

// SyncConfig binds one Provider calendar of a connection to a Store schema.
type SyncConfig struct {
	ID                   string
	ConnectionID         string
	OwnerID              string
	ProviderCalendarID   string
	ProviderCalendarName string

	// TargetSchemaID is empty until the first run provisions or adopts a
	// schema.
	TargetSchemaID string

	Direction Direction

	// CursorToken is the Provider sync token. Empty forces a full fetch.
	CursorToken string

	LastRunAt    time.Time
	DisplayColor string
	Enabled      bool
}

// SyncStatus is the state recorded on an EventMapping.
type SyncStatus string

const (
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusConflict SyncStatus = "conflict"
	SyncStatusError    SyncStatus = "error"
)

// EventMapping correlates one Provider event with one Store row. It is unique
// on (ProviderEventID, ProviderCalendarID).
type EventMapping struct {
	ID                 string
	SyncConfigID       string
	TargetSchemaID     string
	StoreRowID         string
	ProviderEventID    string
	ProviderCalendarID string
	SyncStatus         SyncStatus
	ProviderUpdatedAt  time.Time
	LastError          string
}

// RunStatus is the overall outcome of a sync run.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunError   RunStatus = "error"
)

// EventError records a single event that failed during a run.
type EventError struct {
	EventID string    `json:"event_id"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// SyncResult summarises one run.
type SyncResult struct {
	Created     int
	Updated     int
	Deleted     int
	Skipped     int
	Errors      []EventError
	Status      RunStatus
	CursorToken string
}

// AddError appends a per-event failure.
func (r *SyncResult) AddError(eventID string, err error, at time.Time) {
	r.Errors = append(r.Errors, EventError{EventID: eventID, Message: err.Error(), At: at})
}

// SyncLog is one append-only audit record per run.
type SyncLog struct {
	ID           int64
	SyncConfigID string
	Direction    Direction
	Status       RunStatus
	Created      int
	Updated      int
	Deleted      int
	Skipped      int
	Errors       []EventError
	CompletedAt  time.Time
}
