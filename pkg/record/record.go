package record

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Record is one flat row: column name -> scalar value. Values are string,
// float64, int64, bool, or nil when produced by a connector, and plain
// strings when read back from a dataset file.
type Record map[string]any

// Schema fixes the column set and ordering of a dataset. All records from
// the same connector share one schema.
type Schema struct {
	// Columns is the ordered header row of the dataset file.
	Columns []string

	// TimeColumn orders records on disk. Required.
	TimeColumn string

	// UpdatedColumn breaks ties on conflicting dedup keys: the record with
	// the newer value wins. Optional.
	UpdatedColumn string
}

func (s Schema) Validate() error {
	if len(s.Columns) == 0 {
		return errors.New("columns are required")
	}
	if s.TimeColumn == "" {
		return errors.New("time column is required")
	}
	if !s.HasColumn(s.TimeColumn) {
		return fmt.Errorf("time column %q is not in columns", s.TimeColumn)
	}
	if s.UpdatedColumn != "" && !s.HasColumn(s.UpdatedColumn) {
		return fmt.Errorf("updated column %q is not in columns", s.UpdatedColumn)
	}
	return nil
}

func (s Schema) HasColumn(name string) bool {
	for _, c := range s.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Row renders the record as a CSV row in schema column order. Missing or nil
// values become empty fields.
func (s Schema) Row(r Record) []string {
	row := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		row[i] = FormatValue(r[c])
	}
	return row
}

// FromRow rebuilds a record from a CSV row. Empty fields become nil so that
// round-tripped records render identically.
func (s Schema) FromRow(fields []string) Record {
	r := make(Record, len(s.Columns))
	for i, c := range s.Columns {
		if i >= len(fields) || fields[i] == "" {
			r[c] = nil
			continue
		}
		r[c] = fields[i]
	}
	return r
}

// FormatValue renders a scalar as a CSV field.
func FormatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// String returns the record's value for a column as a string, empty when the
// column is absent or nil.
func String(r Record, column string) string {
	return FormatValue(r[column])
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// TimeValue parses the record's value for a column as a timestamp. Reports
// false when the value is absent or not a recognizable time.
func TimeValue(r Record, column string) (time.Time, bool) {
	switch v := r[column].(type) {
	case time.Time:
		return v, true
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
