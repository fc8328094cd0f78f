package google

import (
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/njoerd114/calrelay/internal/model"
)

// fromAPI converts a Calendar API event into a model.Event.
func fromAPI(calendarID string, e *calendar.Event) *model.Event {
	out := &model.Event{
		ID:          e.Id,
		CalendarID:  calendarID,
		Status:      e.Status,
		Summary:     e.Summary,
		Description: e.Description,
		Location:    e.Location,
		Start:       fromAPITime(e.Start),
		End:         fromAPITime(e.End),
		ColorID:     e.ColorId,
		HangoutLink: e.HangoutLink,
	}
	if e.ConferenceData != nil {
		for _, ep := range e.ConferenceData.EntryPoints {
			if ep == nil {
				continue
			}
			out.EntryPoints = append(out.EntryPoints, model.EntryPoint{Type: ep.EntryPointType, URI: ep.Uri})
		}
	}
	if e.Updated != "" {
		if t, err := time.Parse(time.RFC3339, e.Updated); err == nil {
			out.Updated = t
		}
	}
	return out
}

func fromAPITime(t *calendar.EventDateTime) model.EventTime {
	if t == nil {
		return model.EventTime{}
	}
	return model.EventTime{Date: t.Date, DateTime: t.DateTime, TimeZone: t.TimeZone}
}

// toAPI converts the writable fields of a model.Event. Conference data and
// status are left to the Provider.
func toAPI(e *model.Event) *calendar.Event {
	out := &calendar.Event{
		Summary:     e.Summary,
		Description: e.Description,
		Location:    e.Location,
		ColorId:     e.ColorID,
	}
	if !e.Start.IsZero() {
		out.Start = toAPITime(e.Start)
	}
	if !e.End.IsZero() {
		out.End = toAPITime(e.End)
	}
	return out
}

func toAPITime(t model.EventTime) *calendar.EventDateTime {
	return &calendar.EventDateTime{Date: t.Date, DateTime: t.DateTime, TimeZone: t.TimeZone}
}
