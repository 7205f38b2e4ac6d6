package ingest

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// CellTimeLayout is how date and time cells are rendered.
const CellTimeLayout = "2006-01-02 15:04:05"

// SheetSelector picks a worksheet by name, or by zero-based index when Name
// is empty.
type SheetSelector struct {
	Name  string
	Index int
}

// Row is one non-blank data row keyed by header text. Number is the 1-based
// row number in the sheet.
type Row struct {
	Number int
	Cells  map[string]string
}

// Reader is a forward-only cursor over the data rows of one worksheet.
// It is not safe for concurrent use.
type Reader struct {
	f         *excelize.File
	sheet     string
	rows      *excelize.Rows
	header    []string
	headerRow int
	rowNum    int
	cur       Row
	err       error
	done      bool

	dateStyles map[int]bool
}

// Open parses the workbook from src, selects a sheet and consumes its
// header row: the first row with any non-blank cell.
func Open(src io.Reader, sel SheetSelector) (*Reader, error) {
	f, err := excelize.OpenReader(src)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}

	sheet, err := selectSheet(f, sel)
	if err != nil {
		f.Close()
		return nil, err
	}

	rows, err := f.Rows(sheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}

	r := &Reader{f: f, sheet: sheet, rows: rows, dateStyles: make(map[int]bool)}
	for r.rows.Next() {
		r.rowNum++
		cells, err := r.cells()
		if err != nil {
			r.Close()
			return nil, err
		}
		if blank(cells) {
			continue
		}
		r.headerRow = r.rowNum
		r.header = make([]string, len(cells))
		for i, c := range cells {
			r.header[i] = strings.TrimSpace(c)
		}
		return r, nil
	}
	if err := r.rows.Error(); err != nil {
		r.Close()
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	r.Close()
	return nil, &HeaderNotFoundError{Sheet: sheet}
}

func selectSheet(f *excelize.File, sel SheetSelector) (string, error) {
	sheets := f.GetSheetList()
	if sel.Name != "" {
		for _, s := range sheets {
			if strings.EqualFold(s, sel.Name) {
				return s, nil
			}
		}
		return "", &SheetNotFoundError{Name: sel.Name, Available: sheets}
	}
	if sel.Index < 0 || sel.Index >= len(sheets) {
		return "", &SheetNotFoundError{Index: sel.Index, Available: sheets}
	}
	return sheets[sel.Index], nil
}

// Sheet returns the selected worksheet name.
func (r *Reader) Sheet() string { return r.sheet }

// Header returns the trimmed header cells.
func (r *Reader) Header() []string { return r.header }

// EstimatedRows counts the rows below the header with a second pass over
// the row stream. Blank rows are included, so it is an upper bound.
func (r *Reader) EstimatedRows() int {
	rows, err := r.f.Rows(r.sheet)
	if err != nil {
		return 0
	}
	defer rows.Close()
	last := 0
	for rows.Next() {
		last++
	}
	if rows.Error() != nil {
		return 0
	}
	if n := last - r.headerRow; n > 0 {
		return n
	}
	return 0
}

// Next advances to the next non-blank data row. It returns false at the end
// of the sheet, on error, or when ctx is done; check Err afterwards.
func (r *Reader) Next(ctx context.Context) bool {
	if r.done {
		return false
	}
	for {
		if err := ctx.Err(); err != nil {
			r.err = err
			r.done = true
			return false
		}
		if !r.rows.Next() {
			if err := r.rows.Error(); err != nil {
				r.err = fmt.Errorf("read sheet %q: %w", r.sheet, err)
			}
			r.done = true
			return false
		}
		r.rowNum++
		cells, err := r.cells()
		if err != nil {
			r.err = err
			r.done = true
			return false
		}
		if blank(cells) {
			continue
		}
		m := make(map[string]string, len(r.header))
		for i, h := range r.header {
			if h == "" {
				continue
			}
			if _, dup := m[h]; dup {
				continue
			}
			if i < len(cells) {
				m[h] = strings.TrimSpace(cells[i])
			} else {
				m[h] = ""
			}
		}
		r.cur = Row{Number: r.rowNum, Cells: m}
		return true
	}
}

// Row returns the row produced by the last successful Next.
func (r *Reader) Row() Row { return r.cur }

// Err returns the error that stopped iteration, if any.
func (r *Reader) Err() error { return r.err }

// Close releases the workbook.
func (r *Reader) Close() error {
	r.done = true
	if r.rows != nil {
		r.rows.Close()
	}
	return r.f.Close()
}

// cells stringifies the current row. Dates render with CellTimeLayout,
// booleans as "true"/"false" and formulas as their cached value, falling
// back to evaluation and then to "".
//
// Rows streams the cell values, but the excelize type, style and formula
// lookups behind stringify parse the whole worksheet on first use and keep
// it until Close. The stream does not carry cell styles, and date cells are
// only recognizable by style. Uploads are capped by the blob store's size
// limit, which bounds that parse.
func (r *Reader) cells() ([]string, error) {
	raw, err := r.rows.Columns(excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read row %d: %w", r.rowNum, err)
	}
	out := make([]string, len(raw))
	for i, v := range raw {
		cell, err := excelize.CoordinatesToCellName(i+1, r.rowNum)
		if err != nil {
			return nil, err
		}
		out[i] = r.stringify(cell, v)
	}
	return out, nil
}

func (r *Reader) stringify(cell, v string) string {
	if v == "" {
		formula, err := r.f.GetCellFormula(r.sheet, cell)
		if err != nil || formula == "" {
			return ""
		}
		calc, err := r.f.CalcCellValue(r.sheet, cell)
		if err != nil {
			return ""
		}
		return calc
	}

	typ, err := r.f.GetCellType(r.sheet, cell)
	if err != nil {
		return v
	}
	switch typ {
	case excelize.CellTypeBool:
		return strconv.FormatBool(v == "1" || strings.EqualFold(v, "true"))
	case excelize.CellTypeDate:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.Format(CellTimeLayout)
		}
		return v
	case excelize.CellTypeNumber, excelize.CellTypeUnset, excelize.CellTypeFormula:
		if !r.isDateCell(cell) {
			return v
		}
		serial, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return v
		}
		t, err := excelize.ExcelDateToTime(serial, false)
		if err != nil {
			return v
		}
		return t.Round(time.Second).Format(CellTimeLayout)
	}
	return v
}

func (r *Reader) isDateCell(cell string) bool {
	idx, err := r.f.GetCellStyle(r.sheet, cell)
	if err != nil {
		return false
	}
	if isDate, ok := r.dateStyles[idx]; ok {
		return isDate
	}
	isDate := false
	if style, err := r.f.GetStyle(idx); err == nil && style != nil {
		isDate = isDateFormat(style.NumFmt, style.CustomNumFmt)
	}
	r.dateStyles[idx] = isDate
	return isDate
}

// isDateFormat recognizes the built-in date/time formats and custom format
// codes containing date or time tokens outside quotes and brackets.
func isDateFormat(numFmt int, custom *string) bool {
	if (numFmt >= 14 && numFmt <= 22) || (numFmt >= 45 && numFmt <= 47) {
		return true
	}
	if custom == nil {
		return false
	}
	depth, quoted := 0, false
	for _, c := range strings.ToLower(*custom) {
		switch {
		case c == '"':
			quoted = !quoted
		case quoted:
		case c == '[':
			depth++
		case c == ']':
			depth--
		case depth > 0:
		case c == 'y' || c == 'm' || c == 'd' || c == 'h' || c == 's':
			return true
		}
	}
	return false
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
