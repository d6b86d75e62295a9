package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/webcheck/internal/resilience"
)

func TestReadCSV(t *testing.T) {
	data := "\ufeffid, name ,revenue\n42,Acme Corp,\"$1,200\"\n,,\n43,Globex\n"
	rows, err := ReadCSV(context.Background(), strings.NewReader(data))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, 0, rows[0].Index)
	assert.Equal(t, "Acme Corp", rows[0].Fields["name"])
	assert.Equal(t, "$1,200", rows[0].Fields["revenue"])
	assert.Equal(t, 1, rows[1].Index)
	assert.Equal(t, "", rows[1].Fields["revenue"], "short records pad with empty values")
}

func TestReadCSV_Empty(t *testing.T) {
	_, err := ReadCSV(context.Background(), strings.NewReader(""))
	assert.Error(t, err)
}

func TestReadCSV_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ReadCSV(ctx, strings.NewReader("id\n1\n"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadRows_CSVAndXLSX(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "rows.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("id,name\n1,Acme\n"), 0o644))

	rows, err := LoadRows(context.Background(), csvPath)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Acme", rows[0].Fields["name"])

	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Rows")
	require.NoError(t, err)
	for _, rec := range [][]string{{"id", "name"}, {"7", "Initech"}} {
		r := sheet.AddRow()
		for _, v := range rec {
			r.AddCell().SetString(v)
		}
	}
	xlsxPath := filepath.Join(dir, "rows.xlsx")
	require.NoError(t, f.Save(xlsxPath))

	rows, err = LoadRows(context.Background(), xlsxPath)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "7", rows[0].Fields["id"])
	assert.Equal(t, "Initech", rows[0].Fields["name"])

	_, err = LoadRows(context.Background(), filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)
}

func TestReadCSV_CaseCollidingHeaders(t *testing.T) {
	_, err := ReadCSV(context.Background(), strings.NewReader("id,Name,name\n1,Acme,acme\n"))
	require.Error(t, err)
	assert.True(t, resilience.IsConfigurationError(err))
	assert.Contains(t, err.Error(), "duplicate column")
}

func TestCheckHeaders(t *testing.T) {
	assert.NoError(t, CheckHeaders([]string{"id", "name", "", ""}))
	assert.Error(t, CheckHeaders([]string{"ID", "id"}))
	assert.Error(t, CheckHeaders([]string{"email", "email"}))
}

func TestRowsFromRecords(t *testing.T) {
	rows, err := RowsFromRecords([]map[string]string{
		{"id": "1", " name ": " Acme Corp "},
		{"id": "2", "name": "Beta Inc"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[1].Index)
	v, ok := rows[0].Lookup("name")
	assert.True(t, ok)
	assert.Equal(t, "Acme Corp", v)

	_, err = RowsFromRecords([]map[string]string{{"Email": "a@x.test", "email": "b@x.test"}})
	require.Error(t, err)
	assert.True(t, resilience.IsConfigurationError(err))
}
