package ingest

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidationFailed aborts a fail-fast import at the first invalid row.
var ErrValidationFailed = errors.New("row failed validation")

// SheetNotFoundError is returned when the selected worksheet does not exist.
type SheetNotFoundError struct {
	Name      string
	Index     int
	Available []string
}

func (e *SheetNotFoundError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("sheet %q not found (available: %s)", e.Name, strings.Join(e.Available, ", "))
	}
	return fmt.Sprintf("sheet index %d out of range (workbook has %d sheets)", e.Index, len(e.Available))
}

// HeaderNotFoundError is returned when a sheet has no non-blank row to use
// as the header.
type HeaderNotFoundError struct {
	Sheet string
}

func (e *HeaderNotFoundError) Error() string {
	return fmt.Sprintf("no header row found in sheet %q", e.Sheet)
}

// MissingColumnError lists required columns absent from the header row.
type MissingColumnError struct {
	Columns []string
}

func (e *MissingColumnError) Error() string {
	return "missing required columns: " + strings.Join(e.Columns, ", ")
}

// RowMappingError reports a cell that could not be converted to its field
// type. The row is skipped; the import continues.
type RowMappingError struct {
	Row    int
	Column string
	Value  string
	Err    error
}

func (e *RowMappingError) Error() string {
	return fmt.Sprintf("row %d: column %q: cannot parse %q: %v", e.Row, e.Column, e.Value, e.Err)
}

func (e *RowMappingError) Unwrap() error { return e.Err }

// IsStructural reports whether err means the whole sheet is unusable, as
// opposed to a single bad row or an infrastructure failure.
func IsStructural(err error) bool {
	var sheet *SheetNotFoundError
	var header *HeaderNotFoundError
	var missing *MissingColumnError
	return errors.As(err, &sheet) || errors.As(err, &header) || errors.As(err, &missing)
}
