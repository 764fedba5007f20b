package workbook

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// Backup copies the workbook byte-for-byte before an in-place overwrite.
// The copy is named <stem>.backup_<YYYYMMDD_HHMMSS><suffix> and the backup
// path is returned.
func Backup(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", eris.Wrapf(err, "workbook: read %s", path)
	}

	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	backup := fmt.Sprintf("%s.backup_%s%s", stem, time.Now().Format("20060102_150405"), ext)

	if err := os.WriteFile(backup, data, 0o644); err != nil {
		return "", eris.Wrapf(err, "workbook: write backup %s", backup)
	}
	return backup, nil
}

// Write rebuilds the sheet from the table and overwrites the workbook in
// place. Callers are expected to Backup first.
func (t *Table) Write(path string) error {
	f := xlsx.NewFile()
	sh, err := f.AddSheet(t.Sheet)
	if err != nil {
		return eris.Wrapf(err, "workbook: add sheet %q", t.Sheet)
	}

	hdr := sh.AddRow()
	for _, h := range t.Headers {
		hdr.AddCell().SetString(h)
	}
	for _, row := range t.Rows {
		r := sh.AddRow()
		for _, val := range row {
			r.AddCell().SetString(val)
		}
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "workbook: save %s", path)
	}
	return nil
}
