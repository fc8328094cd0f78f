// Package model defines the types shared by the sync engine, the Provider
// client, the Store and the state database.
package model

import "time"

// Provider event statuses.
const (
	StatusConfirmed = "confirmed"
	StatusTentative = "tentative"
	StatusCancelled = "cancelled"
)

// EntryPointVideo is the conference entry point type carrying a meeting URL.
const EntryPointVideo = "video"

// DateLayout is the layout of date-only values (all-day events).
const DateLayout = "2006-01-02"

// EventTime is a Provider start or end value. Exactly one of Date (all-day,
// "YYYY-MM-DD") or DateTime (RFC 3339) is normally set.
type EventTime struct {
	Date     string
	DateTime string
	TimeZone string
}

// IsZero reports whether neither a date nor a timestamp is present.
func (t EventTime) IsZero() bool {
	return t.Date == "" && t.DateTime == ""
}

// EntryPoint is a single conferencing entry (video link, phone dial-in, ...).
type EntryPoint struct {
	Type string
	URI  string
}

// Event is the normalised representation of a Provider calendar event.
type Event struct {
	// ID is the Provider's event identifier.
	ID string

	// CalendarID is the Provider calendar the event belongs to.
	CalendarID string

	// Status is one of confirmed, tentative or cancelled. Cancelled events
	// arrive during incremental fetches and carry only the ID.
	Status string

	Summary     string
	Description string
	Location    string

	Start EventTime
	End   EventTime

	// ColorID is the Provider's numeric color code ("1".."11"), empty when
	// the event inherits the calendar color.
	ColorID string

	// EntryPoints holds structured conference data.
	EntryPoints []EntryPoint

	// HangoutLink is the legacy single meeting link field.
	HangoutLink string

	// Updated is the Provider's last-modification time.
	Updated time.Time
}

// Cancelled reports whether the Provider reported the event as deleted.
func (e *Event) Cancelled() bool {
	return e.Status == StatusCancelled
}

// ListRequest describes one call to the Provider's paginated list endpoint.
// SyncToken and the TimeMin/TimeMax window are mutually exclusive.
type ListRequest struct {
	CalendarID string
	SyncToken  string
	TimeMin    time.Time
	TimeMax    time.Time
	PageToken  string
}

// Incremental reports whether the request continues from a sync token.
func (r ListRequest) Incremental() bool {
	return r.SyncToken != ""
}

// Page is one page of Provider events. NextPageToken is set while more pages
// remain; NextSyncToken is set only on the last page.
type Page struct {
	Events        []*Event
	NextPageToken string
	NextSyncToken string
}
