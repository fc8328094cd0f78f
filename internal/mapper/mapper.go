// Package mapper translates between Provider events and Store field maps.
//
// Every function is pure. Writes are sparse: a field is only emitted when the
// target schema has a column of that name, so a missing optional column
// silently drops the value instead of failing the event.
package mapper

import (
	"strconv"
	"strings"
	"time"

	"github.com/njoerd114/calrelay/internal/model"
)

// CategoryOther is used for events without a known color code.
const CategoryOther = "other"

// eventColor is one entry of the Provider's fixed event palette.
type eventColor struct {
	Category string
	Hex      string
}

// eventColors maps the Provider's event color codes to a category and hex
// color. The Provider defines exactly these eleven codes.
var eventColors = map[string]eventColor{
	"1":  {Category: "personal", Hex: "#7986cb"},
	"2":  {Category: "health", Hex: "#33b679"},
	"3":  {Category: "social", Hex: "#8e24aa"},
	"4":  {Category: "family", Hex: "#e67c73"},
	"5":  {Category: "reminder", Hex: "#f6bf26"},
	"6":  {Category: "travel", Hex: "#f4511e"},
	"7":  {Category: "meeting", Hex: "#039be5"},
	"8":  {Category: "admin", Hex: "#616161"},
	"9":  {Category: "work", Hex: "#3f51b5"},
	"10": {Category: "focus", Hex: "#0b8043"},
	"11": {Category: "deadline", Hex: "#d50000"},
}

// Categories returns every category the mapper can emit, in color-code order,
// followed by CategoryOther. Used as the option list of the Category column.
func Categories() []string {
	out := make([]string, 0, len(eventColors)+1)
	for i := 1; i <= len(eventColors); i++ {
		out = append(out, eventColors[strconv.Itoa(i)].Category)
	}
	return append(out, CategoryOther)
}

// IsAllDay reports whether the event's start is a date without a
// time-of-day component and no explicit start timestamp is present.
func IsAllDay(e *model.Event) bool {
	return e.Start.Date != "" && e.Start.DateTime == ""
}

// ResolveColor returns the category and hex color for an event.
//
//   - color code present and known: palette category and hex
//   - color code present but unknown: "other", no color
//   - no color code: "other" with the calendar's display color
func ResolveColor(e *model.Event, fallbackColor string) (category, hex string) {
	if e.ColorID != "" {
		c, ok := eventColors[e.ColorID]
		if !ok {
			return CategoryOther, ""
		}
		return c.Category, c.Hex
	}
	return CategoryOther, fallbackColor
}

// MeetingLink returns the event's video conference URL, preferring structured
// conference data over the legacy single-link field.
func MeetingLink(e *model.Event) string {
	for _, ep := range e.EntryPoints {
		if ep.Type == model.EntryPointVideo && ep.URI != "" {
			return ep.URI
		}
	}
	return e.HangoutLink
}

// ToStoreFields maps a Provider event onto the columns of schema.
// fallbackColor is the calendar's display color, used when the event has no
// color code of its own. Absent values (no meeting link, no color) are
// omitted rather than written as null so a manually entered value survives.
func ToStoreFields(e *model.Event, schema *model.TargetSchema, fallbackColor string) model.FieldMap {
	fields := make(model.FieldMap)
	put := func(name string, v any) {
		if schema.HasColumn(name) {
			fields[name] = v
		}
	}

	allDay := IsAllDay(e)
	put(model.ColTitle, e.Summary)
	put(model.ColStart, timeValue(e.Start, allDay))
	put(model.ColEnd, timeValue(e.End, allDay))
	put(model.ColAllDay, allDay)

	category, hex := ResolveColor(e, fallbackColor)
	put(model.ColCategory, category)
	if hex != "" {
		put(model.ColColor, hex)
	}

	if link := MeetingLink(e); link != "" {
		put(model.ColMeetLink, link)
	}
	return fields
}

// timeValue renders an event time for the Store: the date for all-day
// events, an RFC 3339 timestamp otherwise.
func timeValue(t model.EventTime, allDay bool) string {
	if allDay || t.DateTime == "" {
		return t.Date
	}
	if parsed, err := time.Parse(time.RFC3339, t.DateTime); err == nil {
		return parsed.Format(time.RFC3339)
	}
	return t.DateTime
}

// ToProviderEvent builds the Provider representation of a Store row. It is
// the inverse of ToStoreFields for the columns the Provider can accept.
func ToProviderEvent(fields model.FieldMap, calendarID string) *model.Event {
	allDay := fields.Bool(model.ColAllDay)
	e := &model.Event{
		CalendarID: calendarID,
		Summary:    fields.String(model.ColTitle),
		Start:      eventTime(fields.String(model.ColStart), allDay),
		End:        eventTime(fields.String(model.ColEnd), allDay),
		ColorID:    ColorIDForCategory(fields.String(model.ColCategory)),
	}
	if e.End.IsZero() {
		e.End = e.Start
	}
	return e
}

// ColorIDForCategory returns the Provider color code for a category, or ""
// for CategoryOther and unknown categories.
func ColorIDForCategory(category string) string {
	if category == "" || category == CategoryOther {
		return ""
	}
	for id, c := range eventColors {
		if strings.EqualFold(c.Category, category) {
			return id
		}
	}
	return ""
}

func eventTime(v string, allDay bool) model.EventTime {
	if v == "" {
		return model.EventTime{}
	}
	if allDay {
		if len(v) > len(model.DateLayout) {
			v = v[:len(model.DateLayout)]
		}
		return model.EventTime{Date: v}
	}
	if _, err := time.Parse(model.DateLayout, v); err == nil {
		// A date in a timed row: treat as midnight UTC.
		return model.EventTime{DateTime: v + "T00:00:00Z"}
	}
	return model.EventTime{DateTime: v}
}
