// Package report writes finalized row outcomes as JSON, CSV or XLSX.
package report

import (
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/webcheck/internal/model"
)

// Format names an output format.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatCSV, FormatXLSX:
		return f, nil
	case "":
		return FormatJSON, nil
	default:
		return "", eris.Errorf("report: unknown format %q (want json, csv or xlsx)", s)
	}
}

// Writer consumes outcomes in the order they are yielded. Close writes the
// summary and flushes; the underlying io.Writer is not closed.
type Writer interface {
	Write(o *model.RowOutcome) error
	Close(summary model.RunSummary) error
}

// Meta describes the run a report belongs to.
type Meta struct {
	RunID    string
	Source   string
	Plan     *model.Plan
	Started  time.Time
	Finished time.Time
}

// New creates a Writer for format over w.
func New(format Format, w io.Writer, meta Meta) (Writer, error) {
	switch format {
	case FormatJSON:
		return &jsonWriter{w: w, meta: meta}, nil
	case FormatCSV:
		return newCSVWriter(w, meta)
	case FormatXLSX:
		return newXLSXWriter(w, meta)
	default:
		return nil, eris.Errorf("report: unknown format %q", format)
	}
}

// document is the JSON report layout.
type document struct {
	RunID    string             `json:"run_id"`
	Source   string             `json:"source,omitempty"`
	Plan     string             `json:"plan"`
	Started  time.Time          `json:"started_at,omitzero"`
	Finished time.Time          `json:"finished_at,omitzero"`
	Summary  model.RunSummary   `json:"summary"`
	Rows     []model.RowOutcome `json:"rows"`
}

type jsonWriter struct {
	w    io.Writer
	meta Meta
	rows []model.RowOutcome
}

func (j *jsonWriter) Write(o *model.RowOutcome) error {
	j.rows = append(j.rows, *o)
	return nil
}

func (j *jsonWriter) Close(summary model.RunSummary) error {
	finished := j.meta.Finished
	if finished.IsZero() {
		finished = time.Now().UTC()
	}
	doc := document{
		RunID:    j.meta.RunID,
		Source:   j.meta.Source,
		Plan:     planName(j.meta.Plan),
		Started:  j.meta.Started,
		Finished: finished,
		Summary:  summary,
		Rows:     j.rows,
	}
	if doc.Rows == nil {
		doc.Rows = []model.RowOutcome{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return eris.Wrap(err, "report: marshal json")
	}
	if _, err := j.w.Write(append(data, '\n')); err != nil {
		return eris.Wrap(err, "report: write json")
	}
	return nil
}

func planName(p *model.Plan) string {
	if p == nil {
		return ""
	}
	return p.Name
}

// columns returns the flat column set shared by CSV and XLSX: fixed row
// columns, then four columns per field mapping in declaration order.
func columns(plan *model.Plan) []string {
	cols := []string{
		"row_index", "row_id", "state", "overall_match", "overall_confidence",
		"meets_threshold", "target_url", "evidence_ref", "errors", "warnings",
	}
	if plan == nil {
		return cols
	}
	for _, m := range plan.Fields {
		cols = append(cols,
			m.Field+"_expected",
			m.Field+"_observed",
			m.Field+"_match",
			m.Field+"_confidence",
		)
	}
	return cols
}

// record flattens an outcome into the column layout.
func record(plan *model.Plan, o *model.RowOutcome) []string {
	errs := make([]string, len(o.Errors))
	for i, e := range o.Errors {
		errs[i] = string(e.Phase) + ": " + e.Message
	}
	rec := []string{
		strconv.Itoa(o.RowIndex),
		o.RowID,
		string(o.State),
		strconv.FormatBool(o.OverallMatch),
		formatConf(o.OverallConfidence),
		strconv.FormatBool(o.MeetsThreshold),
		o.TargetURL,
		o.EvidenceRef,
		strings.Join(errs, "; "),
		strings.Join(o.Warnings, "; "),
	}
	if plan == nil {
		return rec
	}
	byField := make(map[string]model.FieldDecision, len(o.FieldDecisions))
	for _, d := range o.FieldDecisions {
		byField[d.Field] = d
	}
	for _, m := range plan.Fields {
		d, ok := byField[m.Field]
		if !ok {
			rec = append(rec, "", "", "", "")
			continue
		}
		rec = append(rec, d.Expected, d.Observed, strconv.FormatBool(d.Match), formatConf(d.Confidence))
	}
	return rec
}

func formatConf(c float64) string {
	return strconv.FormatFloat(c, 'f', 3, 64)
}
