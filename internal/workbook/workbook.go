// Package workbook loads the locations worksheet, tracks which rows still
// need geocoding, and writes merged results back in place.
package workbook

import (
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// ErrAddressColumnMissing is returned when the configured address column is
// not present in the sheet's header row.
var ErrAddressColumnMissing = errors.New("workbook: address column not found")

// Columns names the address column and the four result columns.
type Columns struct {
	Address    string
	Lat        string
	Lon        string
	Status     string
	Confidence string
}

// Table is the full worksheet held in memory. A row's ID is its index:
// IDs are assigned in insertion order at load and stay stable for the run.
// All source columns are preserved verbatim through merge and write.
type Table struct {
	Sheet   string
	Headers []string
	Rows    [][]string

	addr   int
	lat    int
	lon    int
	status int
	conf   int
}

// Load reads the named sheet, resolves the address column, and guarantees the
// four result columns exist, appending empty ones when absent.
func Load(path, sheet string, cols Columns) (*Table, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "workbook: open %s", path)
	}

	sh, ok := f.Sheet[sheet]
	if !ok {
		return nil, eris.Errorf("workbook: sheet %q not found", sheet)
	}
	if len(sh.Rows) == 0 {
		return nil, eris.Errorf("workbook: sheet %q is empty", sheet)
	}

	headers := rowToStrings(sh.Rows[0])
	rows := make([][]string, 0, len(sh.Rows)-1)
	for _, row := range sh.Rows[1:] {
		rows = append(rows, rowToStrings(row))
	}

	t := &Table{Sheet: sheet, Headers: headers, Rows: rows}
	t.addr = indexOf(headers, cols.Address)
	if t.addr < 0 {
		return nil, eris.Wrapf(ErrAddressColumnMissing, "column %q in sheet %q", cols.Address, sheet)
	}

	t.lat = t.ensureColumn(cols.Lat)
	t.lon = t.ensureColumn(cols.Lon)
	t.status = t.ensureColumn(cols.Status)
	t.conf = t.ensureColumn(cols.Confidence)

	// XLSX rows can be ragged; pad everything to the header width.
	for i, row := range t.Rows {
		for len(row) < len(t.Headers) {
			row = append(row, "")
		}
		t.Rows[i] = row
	}

	return t, nil
}

// Address returns the trimmed address of the given row.
func (t *Table) Address(id int) string {
	return strings.TrimSpace(t.Rows[id][t.addr])
}

// Eligible returns the IDs of rows with a non-empty address, in row order.
// This ordering is the only correlation key between submitted requests and
// returned results, so callers must not reorder it.
func (t *Table) Eligible() []int {
	var ids []int
	for id := range t.Rows {
		if t.Address(id) != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func (t *Table) ensureColumn(name string) int {
	if idx := indexOf(t.Headers, name); idx >= 0 {
		return idx
	}
	t.Headers = append(t.Headers, name)
	return len(t.Headers) - 1
}

func indexOf(headers []string, name string) int {
	for i, h := range headers {
		if h == name {
			return i
		}
	}
	return -1
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}
