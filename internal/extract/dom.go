// Package extract pulls field values out of loaded pages using CSS
// selectors, attributes, patterns and label proximity.
package extract

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/rotisserie/eris"

	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/resilience"
)

const (
	confFirstSelector = 0.95
	fallbackPenalty   = 0.1
	confSelectorFloor = 0.6
	ambiguityPenalty  = 0.05
	confLabelHTML     = 0.6
	confLabelText     = 0.5
	confPatternText   = 0.45
)

// Extractor reads one field from a page.
type Extractor interface {
	Extract(ctx context.Context, page *model.Page, m model.FieldMapping) (model.Extraction, error)
}

// DOMExtractor implements Extractor over the page HTML, falling back to the
// plain text when the page carries no markup.
type DOMExtractor struct {
	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
	docs     docCache
}

// NewDOMExtractor creates a DOM extractor.
func NewDOMExtractor() *DOMExtractor {
	return &DOMExtractor{patterns: make(map[string]*regexp.Regexp)}
}

// Extract implements Extractor. A field that cannot be found yields an
// empty value with zero confidence, not an error.
func (x *DOMExtractor) Extract(ctx context.Context, page *model.Page, m model.FieldMapping) (model.Extraction, error) {
	if err := ctx.Err(); err != nil {
		return model.Extraction{}, eris.Wrap(err, "extract: canceled")
	}
	if page == nil {
		return model.Extraction{}, resilience.NewFatalError(eris.New("extract: no page loaded"), 0)
	}
	out := model.Extraction{Field: m.Field, Method: model.MethodDOM}

	re, err := x.pattern(m.Pattern)
	if err != nil {
		return out, err
	}

	if page.HasHTML() {
		doc, err := x.docs.get(page)
		if err != nil {
			return out, eris.Wrap(err, "extract: parse html")
		}
		if v, sel, conf, ok, err := fromSelectors(doc, m); err != nil {
			return out, err
		} else if ok {
			return finish(out, v, sel, conf, re), nil
		}
		if v, ok := fromLabelHTML(doc, m.Label); ok {
			return finish(out, v, "label:"+m.Label, confLabelHTML, re), nil
		}
	}

	text := page.Text
	if text == "" && page.HasHTML() {
		if doc, err := x.docs.get(page); err == nil {
			text = doc.Text()
		}
	}
	if v, ok := fromLabelText(text, m.Label); ok {
		return finish(out, v, "text:"+m.Label, confLabelText, re), nil
	}
	if re != nil {
		if v := matchPattern(re, text); v != "" {
			out.Value = v
			out.Selector = "pattern"
			out.Confidence = confPatternText
			return out, nil
		}
	}
	return out, nil
}

func (x *DOMExtractor) pattern(p string) (*regexp.Regexp, error) {
	if p == "" {
		return nil, nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if re, ok := x.patterns[p]; ok {
		return re, nil
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, &resilience.ConfigurationError{Msg: "invalid pattern " + p, Err: err}
	}
	x.patterns[p] = re
	return re, nil
}

func fromSelectors(doc *goquery.Document, m model.FieldMapping) (value, selector string, conf float64, ok bool, err error) {
	for i, raw := range m.Selectors {
		sel, cerr := cascadia.Compile(raw)
		if cerr != nil {
			return "", "", 0, false, &resilience.ConfigurationError{Msg: "invalid selector " + raw, Err: cerr}
		}
		found := doc.FindMatcher(sel)
		if found.Length() == 0 {
			continue
		}
		v := read(found.First(), m.Attribute)
		if v == "" {
			continue
		}
		conf = confFirstSelector - fallbackPenalty*float64(i)
		if conf < confSelectorFloor {
			conf = confSelectorFloor
		}
		if found.Length() > 1 {
			conf -= ambiguityPenalty
		}
		return v, raw, conf, true, nil
	}
	return "", "", 0, false, nil
}

func read(s *goquery.Selection, attr string) string {
	if attr != "" {
		v, _ := s.Attr(attr)
		return collapse(v)
	}
	if goquery.NodeName(s) == "input" || goquery.NodeName(s) == "textarea" {
		if v, ok := s.Attr("value"); ok {
			return collapse(v)
		}
	}
	return collapse(s.Text())
}

var labelCandidates = "label, dt, th, td, span, strong, b, p, div, li, h1, h2, h3, h4, h5, h6"

// fromLabelHTML finds the innermost element whose text mentions label and
// reads the value next to it.
func fromLabelHTML(doc *goquery.Document, label string) (string, bool) {
	label = strings.TrimSpace(label)
	if label == "" {
		return "", false
	}
	needle := strings.ToLower(label)

	var hit *goquery.Selection
	doc.Find(labelCandidates).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.ToLower(collapse(s.Text()))
		if !strings.Contains(text, needle) || len(text) > len(needle)+80 {
			return true
		}
		// Prefer the innermost match.
		if s.Find(labelCandidates).FilterFunction(func(_ int, c *goquery.Selection) bool {
			return strings.Contains(strings.ToLower(c.Text()), needle)
		}).Length() > 0 {
			return true
		}
		hit = s
		return false
	})
	if hit == nil {
		return "", false
	}

	if goquery.NodeName(hit) == "label" {
		if id, ok := hit.Attr("for"); ok && id != "" {
			if v := read(doc.Find("#"+cssEscape(id)).First(), ""); v != "" {
				return v, true
			}
		}
	}
	switch goquery.NodeName(hit) {
	case "dt":
		if v := collapse(hit.NextFiltered("dd").Text()); v != "" {
			return v, true
		}
	case "th", "td":
		if v := collapse(hit.Next().Text()); v != "" {
			return v, true
		}
	}

	if v := afterLabel(collapse(hit.Text()), label); v != "" {
		return v, true
	}
	if next := hit.Next(); next.Length() > 0 {
		if v := read(next, ""); v != "" {
			return v, true
		}
	}
	return "", false
}

// fromLabelText searches plain text line by line.
func fromLabelText(text, label string) (string, bool) {
	label = strings.TrimSpace(label)
	if text == "" || label == "" {
		return "", false
	}
	needle := strings.ToLower(label)
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if !strings.Contains(strings.ToLower(line), needle) {
			continue
		}
		if v := afterLabel(collapse(line), label); v != "" {
			return v, true
		}
		for _, next := range lines[i+1:] {
			if v := collapse(next); v != "" {
				return v, true
			}
		}
	}
	return "", false
}

func afterLabel(text, label string) string {
	idx := strings.Index(strings.ToLower(text), strings.ToLower(label))
	if idx < 0 {
		return ""
	}
	rest := text[idx+len(label):]
	rest = strings.TrimLeft(rest, " :-–|\t*#")
	return strings.TrimSpace(rest)
}

func finish(out model.Extraction, value, selector string, conf float64, re *regexp.Regexp) model.Extraction {
	out.Value = value
	out.Selector = selector
	out.Confidence = conf
	if re != nil {
		if v := matchPattern(re, value); v != "" {
			out.Value = v
		} else {
			out.Confidence = conf / 2
		}
	}
	return out
}

func matchPattern(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	switch {
	case m == nil:
		return ""
	case len(m) > 1 && m[1] != "":
		return strings.TrimSpace(m[1])
	default:
		return strings.TrimSpace(m[0])
	}
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func cssEscape(id string) string {
	var b strings.Builder
	for _, r := range id {
		if r == '-' || r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('\\')
		b.WriteRune(r)
	}
	return b.String()
}

// docCache keeps the parsed document of the most recent pages so the
// per-field fan-out parses each page once.
type docCache struct {
	mu    sync.Mutex
	order []*model.Page
	docs  map[*model.Page]*goquery.Document
}

const docCacheSize = 16

func (c *docCache) get(p *model.Page) (*goquery.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.docs[p]; ok {
		return d, nil
	}
	d, err := goquery.NewDocumentFromReader(strings.NewReader(p.HTML))
	if err != nil {
		return nil, err
	}
	if c.docs == nil {
		c.docs = make(map[*model.Page]*goquery.Document, docCacheSize)
	}
	if len(c.order) >= docCacheSize {
		delete(c.docs, c.order[0])
		c.order = c.order[1:]
	}
	c.docs[p] = d
	c.order = append(c.order, p)
	return d, nil
}
