package report

import (
	"encoding/csv"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/webcheck/internal/model"
)

// csvWriter streams one line per outcome. The summary is not part of the
// CSV layout.
type csvWriter struct {
	w    *csv.Writer
	plan *model.Plan
}

func newCSVWriter(w io.Writer, meta Meta) (*csvWriter, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(columns(meta.Plan)); err != nil {
		return nil, eris.Wrap(err, "report: write csv header")
	}
	return &csvWriter{w: cw, plan: meta.Plan}, nil
}

func (c *csvWriter) Write(o *model.RowOutcome) error {
	if err := c.w.Write(record(c.plan, o)); err != nil {
		return eris.Wrap(err, "report: write csv row")
	}
	return nil
}

func (c *csvWriter) Close(model.RunSummary) error {
	c.w.Flush()
	return eris.Wrap(c.w.Error(), "report: flush csv")
}
