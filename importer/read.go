package importer

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

var ErrUnsupportedFormat = errors.New("unsupported source format")

var ErrNoHeader = errors.New("source has no header row")

// ReadXLSX reads sheet (the active sheet when empty). The first row is the
// header; fully blank rows are skipped but still counted.
func ReadXLSX(r io.Reader, sheet string) ([]Record, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if sheet == "" {
		sheet = f.GetSheetName(f.GetActiveSheetIndex())
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	return recordsFromGrid(rows)
}

// ReadCSV reads comma separated rows with a header line.
func ReadCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	grid, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(grid) > 0 && len(grid[0]) > 0 {
		grid[0][0] = strings.TrimPrefix(grid[0][0], "\ufeff")
	}
	return recordsFromGrid(grid)
}

// ReadFile picks the reader from the file extension.
func ReadFile(name string, data []byte, sheet string) ([]Record, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm":
		return ReadXLSX(bytes.NewReader(data), sheet)
	case ".csv", ".txt":
		return ReadCSV(bytes.NewReader(data))
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
}

// RecordsFromMaps numbers inline rows (e.g. from a JSON request) from 1.
func RecordsFromMaps(rows []map[string]any) []Record {
	out := make([]Record, 0, len(rows))
	for i, r := range rows {
		out = append(out, Record{Number: i + 1, Raw: RawRow(r)})
	}
	return out
}

func recordsFromGrid(grid [][]string) ([]Record, error) {
	if len(grid) == 0 {
		return nil, ErrNoHeader
	}
	header := grid[0]
	blankHeader := true
	for _, h := range header {
		if strings.TrimSpace(h) != "" {
			blankHeader = false
			break
		}
	}
	if blankHeader {
		return nil, ErrNoHeader
	}

	var out []Record
	for i, cells := range grid[1:] {
		raw := make(RawRow, len(header))
		blank := true
		for c, h := range header {
			h = strings.TrimSpace(h)
			if h == "" || c >= len(cells) {
				continue
			}
			if strings.TrimSpace(cells[c]) != "" {
				blank = false
			}
			raw[h] = cells[c]
		}
		if blank {
			continue
		}
		out = append(out, Record{Number: i + 2, Raw: raw})
	}
	return out, nil
}
