// Package google is the Provider client: a thin wrapper over the Google
// Calendar v3 API that speaks [model.Event], follows the sync-token protocol
// and retries rate-limited calls with the [Retry] helper.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/njoerd114/calrelay/internal/model"
)

// ErrSyncTokenExpired is returned by ListEvents when the Provider rejects the
// sync token (HTTP 410). The caller must fall back to a full fetch.
var ErrSyncTokenExpired = errors.New("google: sync token expired")

// pageSize is the maximum number of events requested per page.
const pageSize = 250

// CalendarInfo describes a calendar from the user's calendar list.
type CalendarInfo struct {
	ID              string
	Summary         string
	BackgroundColor string
	AccessRole      string
}

// Client talks to the Google Calendar API.
type Client struct {
	svc         *calendar.Service
	maxAttempts int
	log         *slog.Logger
}

// New creates a Client. ts supplies bearer tokens; it may be nil when opts
// carry their own HTTP client.
func New(ctx context.Context, ts oauth2.TokenSource, logger *slog.Logger, opts ...option.ClientOption) (*Client, error) {
	if ts != nil {
		opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating calendar service: %w", err)
	}
	return &Client{svc: svc, maxAttempts: defaultMaxAttempts, log: logger}, nil
}

// ListEvents fetches one page of events. With a sync token only changes since
// that token are returned; otherwise the request's time window applies.
// Deleted events are included and recurring events are expanded.
func (c *Client) ListEvents(ctx context.Context, req model.ListRequest) (*model.Page, error) {
	call := c.svc.Events.List(req.CalendarID).
		Context(ctx).
		ShowDeleted(true).
		SingleEvents(true).
		MaxResults(pageSize)
	if req.Incremental() {
		call = call.SyncToken(req.SyncToken)
	} else {
		if !req.TimeMin.IsZero() {
			call = call.TimeMin(req.TimeMin.Format(time.RFC3339))
		}
		if !req.TimeMax.IsZero() {
			call = call.TimeMax(req.TimeMax.Format(time.RFC3339))
		}
	}
	if req.PageToken != "" {
		call = call.PageToken(req.PageToken)
	}

	var resp *calendar.Events
	err := Retry(ctx, c.maxAttempts, func() error {
		var err error
		resp, err = call.Do()
		return err
	})
	if err != nil {
		if req.Incremental() && hasCode(err, http.StatusGone) {
			return nil, fmt.Errorf("listing events of %s: %w", req.CalendarID, ErrSyncTokenExpired)
		}
		return nil, fmt.Errorf("listing events of %s: %w", req.CalendarID, err)
	}

	page := &model.Page{
		Events:        make([]*model.Event, 0, len(resp.Items)),
		NextPageToken: resp.NextPageToken,
		NextSyncToken: resp.NextSyncToken,
	}
	for _, item := range resp.Items {
		page.Events = append(page.Events, fromAPI(req.CalendarID, item))
	}
	c.log.Debug("fetched events page",
		"calendar", req.CalendarID,
		"events", len(page.Events),
		"incremental", req.Incremental(),
		"more", page.NextPageToken != "",
	)
	return page, nil
}

// InsertEvent creates e in calendarID and returns the stored event.
func (c *Client) InsertEvent(ctx context.Context, calendarID string, e *model.Event) (*model.Event, error) {
	var out *calendar.Event
	err := Retry(ctx, c.maxAttempts, func() error {
		var err error
		out, err = c.svc.Events.Insert(calendarID, toAPI(e)).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("inserting event into %s: %w", calendarID, err)
	}
	return fromAPI(calendarID, out), nil
}

// PatchEvent updates the non-empty fields of e on an existing event. The
// color is always sent.
func (c *Client) PatchEvent(ctx context.Context, calendarID, eventID string, e *model.Event) (*model.Event, error) {
	body := toAPI(e)
	// An empty color resets the event to the calendar default.
	body.ForceSendFields = append(body.ForceSendFields, "ColorId")

	var out *calendar.Event
	err := Retry(ctx, c.maxAttempts, func() error {
		var err error
		out, err = c.svc.Events.Patch(calendarID, eventID, body).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("patching event %s in %s: %w", eventID, calendarID, err)
	}
	return fromAPI(calendarID, out), nil
}

// DeleteEvent removes an event. An event that is already gone (404, 410) is
// treated as deleted.
func (c *Client) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	err := Retry(ctx, c.maxAttempts, func() error {
		return c.svc.Events.Delete(calendarID, eventID).Context(ctx).Do()
	})
	if err == nil || alreadyDeleted(err) {
		return nil
	}
	return fmt.Errorf("deleting event %s from %s: %w", eventID, calendarID, err)
}

// GetCalendar returns the calendar-list entry of calendarID.
func (c *Client) GetCalendar(ctx context.Context, calendarID string) (*CalendarInfo, error) {
	var entry *calendar.CalendarListEntry
	err := Retry(ctx, c.maxAttempts, func() error {
		var err error
		entry, err = c.svc.CalendarList.Get(calendarID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("loading calendar %s: %w", calendarID, err)
	}
	return &CalendarInfo{
		ID:              entry.Id,
		Summary:         entry.Summary,
		BackgroundColor: entry.BackgroundColor,
		AccessRole:      entry.AccessRole,
	}, nil
}

func alreadyDeleted(err error) bool {
	if hasCode(err, http.StatusNotFound) || hasCode(err, http.StatusGone) {
		return true
	}
	var gErr *googleapi.Error
	return errors.As(err, &gErr) && hasReason(gErr, "deleted")
}

func hasCode(err error, code int) bool {
	var gErr *googleapi.Error
	return errors.As(err, &gErr) && gErr.Code == code
}
