// Package export writes indicator rows as CSV, for operator exports and for
// the backup taken when a year cannot be persisted.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"circularity-platform/internal/models"
)

// Header is the CSV header; it matches the indicator table columns.
func Header() []string {
	return append([]string(nil), models.IndicatorColumns...)
}

func cell(v interface{}) string {
	switch x := v.(type) {
	case models.Measure:
		if !x.Valid {
			return ""
		}
		return strconv.FormatFloat(x.V, 'g', -1, 64)
	case int:
		return strconv.Itoa(x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// WriteCSV writes a header and one line per row. Missing values are empty
// cells.
func WriteCSV(w io.Writer, rows []models.IndicatorRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header()); err != nil {
		return err
	}
	record := make([]string, len(models.IndicatorColumns))
	for i := range rows {
		for j, v := range rows[i].Args() {
			record[j] = cell(v)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes rows to path atomically, creating parent directories.
func WriteFile(path string, rows []models.IndicatorRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := WriteCSV(tmp, rows); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move export into place: %w", err)
	}
	return nil
}

// BackupPath names the backup file for a year of a run.
func BackupPath(dir, runID string, year int) string {
	return filepath.Join(dir, fmt.Sprintf("indicators_%d_%s.csv", year, runID))
}
