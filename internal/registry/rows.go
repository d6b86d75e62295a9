package registry

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/resilience"
)

// LoadRows reads input rows from a .csv or .xlsx file. The first row is the
// header; blank lines are skipped.
func LoadRows(ctx context.Context, path string) ([]model.Row, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return readXLSX(path)
	default:
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrap(err, "registry: open rows")
		}
		defer f.Close() //nolint:errcheck
		return ReadCSV(ctx, f)
	}
}

// ReadCSV parses CSV records from r into rows keyed by header.
func ReadCSV(ctx context.Context, r io.Reader) ([]model.Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // allow variable fields
	reader.LazyQuotes = true

	var header []string
	var rows []model.Row
	for {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "registry: read csv")
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "registry: read csv row")
		}
		if header == nil {
			header = normalizeHeader(record)
			if err := CheckHeaders(header); err != nil {
				return nil, err
			}
			continue
		}
		if row, ok := toRow(header, record, len(rows)); ok {
			rows = append(rows, row)
		}
	}
	if header == nil {
		return nil, eris.New("registry: csv has no header row")
	}
	return rows, nil
}

func readXLSX(path string) ([]model.Row, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("registry: xlsx has no sheets")
	}

	var header []string
	var rows []model.Row
	for _, xr := range f.Sheets[0].Rows {
		cells := make([]string, len(xr.Cells))
		for i, c := range xr.Cells {
			cells[i] = c.String()
		}
		if header == nil {
			header = normalizeHeader(cells)
			if err := CheckHeaders(header); err != nil {
				return nil, err
			}
			continue
		}
		if row, ok := toRow(header, cells, len(rows)); ok {
			rows = append(rows, row)
		}
	}
	if header == nil {
		return nil, eris.New("registry: xlsx has no header row")
	}
	return rows, nil
}

// CheckHeaders rejects headers that repeat a column name, ignoring case.
// Placeholder and field lookups fall back to case-insensitive matching, so
// such columns would resolve ambiguously.
func CheckHeaders(header []string) error {
	seen := make(map[string]string, len(header))
	for _, h := range header {
		if h == "" {
			continue
		}
		key := strings.ToLower(h)
		if prev, ok := seen[key]; ok {
			return resilience.NewConfigurationError("duplicate column %q (also %q)", h, prev)
		}
		seen[key] = h
	}
	return nil
}

// RowsFromRecords builds rows from already keyed records, such as a JSON
// request body. Records with colliding keys are rejected.
func RowsFromRecords(records []map[string]string) ([]model.Row, error) {
	rows := make([]model.Row, 0, len(records))
	for i, rec := range records {
		header := make([]string, 0, len(rec))
		for k := range rec {
			header = append(header, strings.TrimSpace(k))
		}
		sort.Strings(header)
		if err := CheckHeaders(header); err != nil {
			return nil, eris.Wrapf(err, "registry: record %d", i)
		}
		fields := make(map[string]string, len(rec))
		for k, v := range rec {
			fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
		rows = append(rows, model.Row{Index: i, Fields: fields})
	}
	return rows, nil
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, h := range record {
		out[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}
	return out
}

func toRow(header, record []string, index int) (model.Row, bool) {
	fields := make(map[string]string, len(header))
	blank := true
	for i, h := range header {
		if h == "" {
			continue
		}
		var v string
		if i < len(record) {
			v = strings.TrimSpace(record[i])
		}
		if v != "" {
			blank = false
		}
		fields[h] = v
	}
	if blank {
		return model.Row{}, false
	}
	return model.Row{Index: index, Fields: fields}, true
}
