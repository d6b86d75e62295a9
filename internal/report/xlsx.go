package report

import (
	"io"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/webcheck/internal/model"
)

const (
	sheetRows    = "Rows"
	sheetSummary = "Summary"
)

type xlsxWriter struct {
	w    io.Writer
	meta Meta
	file *xlsx.File
	rows *xlsx.Sheet
}

func newXLSXWriter(w io.Writer, meta Meta) (*xlsxWriter, error) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(sheetRows)
	if err != nil {
		return nil, eris.Wrap(err, "report: add rows sheet")
	}
	addStrings(sheet, columns(meta.Plan))
	return &xlsxWriter{w: w, meta: meta, file: f, rows: sheet}, nil
}

func addStrings(sheet *xlsx.Sheet, values []string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

func (x *xlsxWriter) Write(o *model.RowOutcome) error {
	row := x.rows.AddRow()
	for i, v := range record(x.meta.Plan, o) {
		cell := row.AddCell()
		// Numeric columns stay numeric so the sheet can be sorted.
		switch i {
		case 0:
			cell.SetInt(o.RowIndex)
		case 4:
			cell.SetFloat(o.OverallConfidence)
		default:
			cell.SetString(v)
		}
	}
	return nil
}

func (x *xlsxWriter) Close(summary model.RunSummary) error {
	sheet, err := x.file.AddSheet(sheetSummary)
	if err != nil {
		return eris.Wrap(err, "report: add summary sheet")
	}
	pairs := [][2]string{
		{"run_id", x.meta.RunID},
		{"plan", planName(x.meta.Plan)},
		{"source", x.meta.Source},
		{"total", strconv.Itoa(summary.Total)},
		{"matched", strconv.Itoa(summary.Matched)},
		{"mismatched", strconv.Itoa(summary.Mismatched)},
		{"failed", strconv.Itoa(summary.Failed)},
		{"above_threshold", strconv.Itoa(summary.AboveThreshold)},
		{"mean_confidence", formatConf(summary.MeanConfidence)},
		{"pass_rate", formatConf(summary.PassRate)},
		{"warnings", strconv.Itoa(summary.Warnings)},
	}
	for _, p := range pairs {
		addStrings(sheet, p[:])
	}
	if err := x.file.Write(x.w); err != nil {
		return eris.Wrap(err, "report: write xlsx")
	}
	return nil
}
