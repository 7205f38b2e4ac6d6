package ingest

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/ehr/roster/internal/domain/assignment"
)

// Column maps one spreadsheet column onto a RawRow field. Aliases are
// alternative header spellings seen on facility rosters.
type Column struct {
	Header   string
	Aliases  []string
	Required bool
	set      func(r *assignment.RawRow, v string) error
}

// Str maps a column onto a string field.
func Str(header string, required bool, field func(*assignment.RawRow) *string, aliases ...string) Column {
	return Column{Header: header, Aliases: aliases, Required: required, set: func(r *assignment.RawRow, v string) error {
		*field(r) = v
		return nil
	}}
}

// Int maps a column onto a nullable integer field.
func Int(header string, required bool, field func(*assignment.RawRow) **int, aliases ...string) Column {
	return Column{Header: header, Aliases: aliases, Required: required, set: func(r *assignment.RawRow, v string) error {
		if v == "" {
			*field(r) = nil
			return nil
		}
		n, err := parseInt(v)
		if err != nil {
			return err
		}
		*field(r) = &n
		return nil
	}}
}

// Time maps a column onto a nullable timestamp field.
func Time(header string, required bool, field func(*assignment.RawRow) **time.Time, aliases ...string) Column {
	return Column{Header: header, Aliases: aliases, Required: required, set: func(r *assignment.RawRow, v string) error {
		if v == "" {
			*field(r) = nil
			return nil
		}
		t, err := ParseTime(v)
		if err != nil {
			return err
		}
		*field(r) = &t
		return nil
	}}
}

// Bool maps a column onto a flag. Anything outside ParseBool's vocabulary
// is false.
func Bool(header string, required bool, field func(*assignment.RawRow) *bool, aliases ...string) Column {
	return Column{Header: header, Aliases: aliases, Required: required, set: func(r *assignment.RawRow, v string) error {
		*field(r) = ParseBool(v)
		return nil
	}}
}

// Mapping is an ordered list of column mappings.
type Mapping []Column

// DefaultMapping is the provider assignment roster layout.
func DefaultMapping() Mapping {
	return Mapping{
		Str("Name", true, func(r *assignment.RawRow) *string { return &r.Name }, "Patient Name"),
		Str("Location", true, func(r *assignment.RawRow) *string { return &r.Location }, "Room"),
		Str("Hospital Number", true, func(r *assignment.RawRow) *string { return &r.HospitalNumber }, "Hospital #", "Case Number"),
		Time("Admit", true, func(r *assignment.RawRow) **time.Time { return &r.Admit }, "Admit Date", "Admission Date"),
		Str("MRN", true, func(r *assignment.RawRow) *string { return &r.MRN }),
		Int("Age", false, func(r *assignment.RawRow) **int { return &r.Age }),
		Time("DOB", false, func(r *assignment.RawRow) **time.Time { return &r.DOB }, "Date of Birth"),
		Str("Insurance", false, func(r *assignment.RawRow) *string { return &r.Insurance }),
		Str("NP", false, func(r *assignment.RawRow) *string { return &r.NursePractitioner }, "Nurse Practitioner"),
		Bool("Cleared", false, func(r *assignment.RawRow) *bool { return &r.Cleared }),
		Bool("H&P", false, func(r *assignment.RawRow) *bool { return &r.HP }, "HP", "H & P"),
		Bool("Psych Eval", false, func(r *assignment.RawRow) *bool { return &r.PsychEval }, "Psych Evaluation"),
		Str("Attending", false, func(r *assignment.RawRow) *string { return &r.AttendingPhysician }, "Attending Physician"),
	}
}

func headerKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Binding is a Mapping resolved against a concrete header row.
type Binding struct {
	columns []boundColumn
}

type boundColumn struct {
	Column
	key     string // header text as it appears in the sheet; "" if absent
	present bool
}

// Bind matches the mapping against header, ignoring case and surrounding
// whitespace. A required column with no matching header fails with
// *MissingColumnError listing every such column.
func (m Mapping) Bind(header []string) (*Binding, error) {
	index := make(map[string]string, len(header))
	for _, h := range header {
		k := headerKey(h)
		if _, dup := index[k]; !dup && k != "" {
			index[k] = h
		}
	}

	b := &Binding{columns: make([]boundColumn, 0, len(m))}
	var missing []string
	for _, col := range m {
		bc := boundColumn{Column: col}
		for _, name := range append([]string{col.Header}, col.Aliases...) {
			if h, ok := index[headerKey(name)]; ok {
				bc.key, bc.present = h, true
				break
			}
		}
		if !bc.present && col.Required {
			missing = append(missing, col.Header)
		}
		b.columns = append(b.columns, bc)
	}
	if len(missing) > 0 {
		return nil, &MissingColumnError{Columns: missing}
	}
	return b, nil
}

// Map converts one reader row. Absent optional columns leave the field at
// its zero value.
func (b *Binding) Map(row Row) (*assignment.RawRow, error) {
	raw := &assignment.RawRow{}
	for _, col := range b.columns {
		if !col.present {
			continue
		}
		v, ok := row.Cells[col.key]
		if !ok {
			if col.Required {
				return nil, &RowMappingError{Row: row.Number, Column: col.Header, Err: fmt.Errorf("column missing from row")}
			}
			continue
		}
		if err := col.set(raw, v); err != nil {
			return nil, &RowMappingError{Row: row.Number, Column: col.Header, Value: v, Err: err}
		}
	}
	return raw, nil
}

// ParseBool accepts true, 1, yes, y and x in any case.
func ParseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y", "x":
		return true
	}
	return false
}

func parseInt(v string) (int, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not an integer")
	}
	return int(f), nil
}

var timeLayouts = []string{
	CellTimeLayout,
	"2006-01-02",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
	"1/2/2006",
	"01/02/2006",
	"1/2/06",
}

// ParseTime accepts the reader's cell layout, a few common date layouts and
// bare Excel serial numbers. Times without a zone are UTC.
func ParseTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	if serial, err := strconv.ParseFloat(v, 64); err == nil && serial > 0 {
		t, err := excelize.ExcelDateToTime(serial, false)
		if err == nil {
			return t.Round(time.Second), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date")
}
