package browser

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/webcheck/internal/extract"
	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/registry"
)

// StaticLoader serves pages rendered from the input rows themselves. It
// backs offline runs, where every row's target page echoes its values.
type StaticLoader struct {
	pages   map[string]string
	latency time.Duration
}

// NewStaticLoader renders one page per row at the row's resolved target
// URL. Rows whose URL does not resolve are left out and load as 404.
func NewStaticLoader(plan *model.Plan, rows []model.Row, latency time.Duration) *StaticLoader {
	l := &StaticLoader{pages: make(map[string]string, len(rows)), latency: latency}
	for _, row := range rows {
		u, err := registry.ResolveURL(plan.Target.URL, row)
		if err != nil {
			continue
		}
		l.pages[u] = RenderStatic(plan, row)
	}
	return l
}

// Name implements Loader.
func (l *StaticLoader) Name() string { return "static" }

// Supports implements Loader.
func (l *StaticLoader) Supports(string) bool { return true }

// Load implements Loader.
func (l *StaticLoader) Load(ctx context.Context, req Request) (*model.Page, error) {
	if l.latency > 0 {
		select {
		case <-time.After(l.latency):
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "browser: static load")
		}
	}

	body, ok := l.pages[req.URL]
	if !ok {
		return &model.Page{URL: req.URL, FinalURL: req.URL, StatusCode: 404, Loader: l.Name(), LoadTime: l.latency}, nil
	}
	page := &model.Page{
		URL:        req.URL,
		FinalURL:   req.URL,
		StatusCode: 200,
		HTML:       body,
		Loader:     l.Name(),
		LoadTime:   l.latency,
	}
	if err := parsePage(page); err != nil {
		return nil, err
	}
	return page, nil
}

// RenderStatic renders a row as a definition list with each value tagged
// by extract.FieldAttr.
func RenderStatic(plan *model.Plan, row model.Row) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<!doctype html><html><head><title>%s %s</title></head><body><dl>\n",
		html.EscapeString(plan.Name), html.EscapeString(plan.RowID(row)))
	for _, m := range plan.Fields {
		label := m.Label
		if label == "" {
			label = m.Field
		}
		v, _ := row.Lookup(m.Field)
		fmt.Fprintf(&b, "<dt>%s</dt><dd %s=\"%s\">%s</dd>\n",
			html.EscapeString(label), extract.FieldAttr, html.EscapeString(m.Field), html.EscapeString(v))
	}
	b.WriteString("</dl></body></html>\n")
	return b.String()
}
