package workbook

import (
	"strconv"
	"strings"

	"github.com/ahales-hash/locations/pkg/azuremaps"
)

// Merge writes geocode results into their rows, filling only cells that are
// still empty: values already present in the workbook always win. Rows without
// an entry in results are untouched, and row count and order never change.
func (t *Table) Merge(results map[int]azuremaps.Result) {
	for id, r := range results {
		if id < 0 || id >= len(t.Rows) {
			continue
		}
		row := t.Rows[id]
		setIfEmpty(row, t.lat, formatFloat(r.Lat))
		setIfEmpty(row, t.lon, formatFloat(r.Lon))
		setIfEmpty(row, t.status, r.Status)
		setIfEmpty(row, t.conf, formatFloat(r.Confidence))
	}
}

func setIfEmpty(row []string, idx int, val string) {
	if strings.TrimSpace(row[idx]) == "" {
		row[idx] = val
	}
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
