package model

import "fmt"

// ColumnType is the logical type of a Store column.
type ColumnType string

const (
	ColumnText     ColumnType = "text"
	ColumnDateTime ColumnType = "datetime"
	ColumnBool     ColumnType = "bool"
	ColumnSelect   ColumnType = "select"
	ColumnURL      ColumnType = "url"
	ColumnColor    ColumnType = "color"
)

// Valid reports whether t is a known column type.
func (t ColumnType) Valid() bool {
	switch t {
	case ColumnText, ColumnDateTime, ColumnBool, ColumnSelect, ColumnURL, ColumnColor:
		return true
	}
	return false
}

// Column names written by the mapper. The provisioner creates the required
// ones with every new schema and adds the optional ones on demand.
const (
	ColTitle    = "Title"
	ColStart    = "Start"
	ColEnd      = "End"
	ColAllDay   = "All Day"
	ColCategory = "Category"
	ColMeetLink = "Meet Link"
	ColColor    = "Color"
)

// ColumnSpec names a column and its type, before it has an identity.
type ColumnSpec struct {
	Name string
	Type ColumnType
}

// RequiredColumns must exist before any event is written.
var RequiredColumns = []ColumnSpec{
	{Name: ColTitle, Type: ColumnText},
	{Name: ColStart, Type: ColumnDateTime},
	{Name: ColEnd, Type: ColumnDateTime},
	{Name: ColAllDay, Type: ColumnBool},
	{Name: ColCategory, Type: ColumnSelect},
}

// OptionalColumns are added additively when missing. Writes to them are
// skipped while they do not exist yet.
var OptionalColumns = []ColumnSpec{
	{Name: ColMeetLink, Type: ColumnURL},
	{Name: ColColor, Type: ColumnColor},
}

// Column is one entry of a schema's logical column list.
type Column struct {
	ID   string     `json:"id"`
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// TargetSchema is the dynamic Store schema a SyncConfig writes into.
type TargetSchema struct {
	ID        string
	OwnerID   string
	Name      string
	TableName string
	Columns   []Column
}

// Column returns the column with the given name, or nil.
func (s *TargetSchema) Column(name string) *Column {
	for i := range s.Columns {
		if s.Columns[i].Name == name {
			return &s.Columns[i]
		}
	}
	return nil
}

// HasColumn reports whether the schema has a column with the given name.
func (s *TargetSchema) HasColumn(name string) bool {
	return s.Column(name) != nil
}

// FieldMap holds row values keyed by column name.
type FieldMap map[string]any

// Validate checks every field against the schema: the column must exist and
// the value must fit its type. Nil values clear a column.
func (f FieldMap) Validate(s *TargetSchema) error {
	for name, v := range f {
		col := s.Column(name)
		if col == nil {
			return fmt.Errorf("schema %s has no column %q", s.ID, name)
		}
		if v == nil {
			continue
		}
		switch col.Type {
		case ColumnBool:
			if _, ok := v.(bool); !ok {
				return fmt.Errorf("column %q wants bool, got %T", name, v)
			}
		default:
			if _, ok := v.(string); !ok {
				return fmt.Errorf("column %q wants string, got %T", name, v)
			}
		}
	}
	return nil
}

// String returns the string value of a field, or "" if it is absent or not a
// string.
func (f FieldMap) String(name string) string {
	s, _ := f[name].(string)
	return s
}

// Bool returns the bool value of a field, or false.
func (f FieldMap) Bool(name string) bool {
	b, _ := f[name].(bool)
	return b
}

// Row is one Store row as seen by the outbound pusher.
type Row struct {
	ID       string
	SchemaID string
	Position int64
	Fields   FieldMap
}
