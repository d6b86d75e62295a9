package extract

import (
	"context"
	"strings"

	"github.com/sells-group/webcheck/internal/model"
)

// FieldAttr is the attribute static pages tag each field value with.
const FieldAttr = "data-field"

// FieldSelector returns the selector of a field on a static page.
func FieldSelector(field string) string {
	return "[" + FieldAttr + `="` + strings.ReplaceAll(field, `"`, `\"`) + `"]`
}

// StaticExtractor reads fields from pages rendered for offline runs, where
// every value sits under FieldAttr instead of the plan's selectors.
type StaticExtractor struct {
	dom *DOMExtractor
}

// NewStaticExtractor creates a StaticExtractor.
func NewStaticExtractor() *StaticExtractor {
	return &StaticExtractor{dom: NewDOMExtractor()}
}

// Extract implements Extractor.
func (x *StaticExtractor) Extract(ctx context.Context, page *model.Page, m model.FieldMapping) (model.Extraction, error) {
	m.Selectors = []string{FieldSelector(m.Field)}
	m.Attribute = ""
	return x.dom.Extract(ctx, page, m)
}
