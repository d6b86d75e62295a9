package extract

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/resilience"
)

const profileHTML = `<html><body>
<h1 class="company-name">Acme Corp</h1>
<div class="contact">
  <p>Email: ops@acme.test</p>
  <span class="label">Phone:</span><span>555-010-9999</span>
</div>
<dl><dt>Founded</dt><dd>1999</dd></dl>
<table><tr><th>Revenue</th><td>$1,200,000</td></tr></table>
<form><label for="ein">EIN</label><input id="ein" value="12-3456789"></form>
<a class="site" href="https://acme.test/about">About</a>
<ul><li class="tag">alpha</li><li class="tag">beta</li></ul>
</body></html>`

func page() *model.Page {
	return &model.Page{URL: "https://acme.test", HTML: profileHTML}
}

func TestExtract_Selectors(t *testing.T) {
	t.Parallel()

	x := NewDOMExtractor()
	tests := []struct {
		name    string
		mapping model.FieldMapping
		value   string
		conf    float64
	}{
		{"first selector", model.FieldMapping{Field: "name", Selectors: []string{"h1.company-name"}}, "Acme Corp", 0.95},
		{"second selector", model.FieldMapping{Field: "name", Selectors: []string{".missing", "h1"}}, "Acme Corp", 0.85},
		{"floor", model.FieldMapping{Field: "name", Selectors: []string{".a", ".b", ".c", ".d", ".e", "h1"}}, "Acme Corp", 0.6},
		{"attribute", model.FieldMapping{Field: "site", Selectors: []string{"a.site"}, Attribute: "href"}, "https://acme.test/about", 0.95},
		{"ambiguous", model.FieldMapping{Field: "tag", Selectors: []string{"li.tag"}}, "alpha", 0.9},
		{"pattern narrows", model.FieldMapping{Field: "rev", Selectors: []string{"td"}, Pattern: `\$([\d,]+)`}, "1,200,000", 0.95},
		{"pattern miss halves", model.FieldMapping{Field: "name", Selectors: []string{"h1"}, Pattern: `\d+`}, "Acme Corp", 0.475},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := x.Extract(context.Background(), page(), tt.mapping)
			require.NoError(t, err)
			assert.Equal(t, tt.value, got.Value)
			assert.InDelta(t, tt.conf, got.Confidence, 1e-9)
			assert.Equal(t, model.MethodDOM, got.Method)
			assert.Equal(t, tt.mapping.Field, got.Field)
		})
	}
}

func TestExtract_LabelProximity(t *testing.T) {
	t.Parallel()

	x := NewDOMExtractor()
	tests := []struct {
		label string
		value string
	}{
		{"Email", "ops@acme.test"},
		{"Phone", "555-010-9999"},
		{"Founded", "1999"},
		{"Revenue", "$1,200,000"},
		{"EIN", "12-3456789"},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			t.Parallel()
			got, err := x.Extract(context.Background(), page(), model.FieldMapping{Field: tt.label, Label: tt.label})
			require.NoError(t, err)
			assert.Equal(t, tt.value, got.Value)
			assert.InDelta(t, confLabelHTML, got.Confidence, 1e-9)
		})
	}
}

func TestExtract_TextOnlyPage(t *testing.T) {
	t.Parallel()

	p := &model.Page{URL: "https://acme.test", Text: "# Acme Corp\n\nHeadquarters\n\n  Austin, TX\nTax ID: 12-3456789\n"}
	x := NewDOMExtractor()

	got, err := x.Extract(context.Background(), p, model.FieldMapping{Field: "hq", Label: "Headquarters"})
	require.NoError(t, err)
	assert.Equal(t, "Austin, TX", got.Value)
	assert.InDelta(t, confLabelText, got.Confidence, 1e-9)

	got, err = x.Extract(context.Background(), p, model.FieldMapping{Field: "ein", Pattern: `\d{2}-\d{7}`})
	require.NoError(t, err)
	assert.Equal(t, "12-3456789", got.Value)
	assert.InDelta(t, confPatternText, got.Confidence, 1e-9)
}

func TestExtract_NotFoundIsZeroConfidence(t *testing.T) {
	t.Parallel()

	got, err := NewDOMExtractor().Extract(context.Background(), page(), model.FieldMapping{
		Field:     "fax",
		Label:     "Fax",
		Selectors: []string{".fax"},
	})
	require.NoError(t, err)
	assert.Empty(t, got.Value)
	assert.Zero(t, got.Confidence)
}

func TestExtract_Errors(t *testing.T) {
	t.Parallel()

	x := NewDOMExtractor()

	_, err := x.Extract(context.Background(), page(), model.FieldMapping{Field: "x", Selectors: []string{"h1[["}})
	assert.True(t, resilience.IsConfigurationError(err))

	_, err = x.Extract(context.Background(), page(), model.FieldMapping{Field: "x", Pattern: "("})
	assert.True(t, resilience.IsConfigurationError(err))

	_, err = x.Extract(context.Background(), nil, model.FieldMapping{Field: "x"})
	assert.Equal(t, resilience.KindFatal, resilience.Classify(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = x.Extract(ctx, page(), model.FieldMapping{Field: "x"})
	assert.Equal(t, resilience.KindCanceled, resilience.Classify(err))
}

func TestExtract_ConcurrentFieldsShareParse(t *testing.T) {
	t.Parallel()

	x := NewDOMExtractor()
	p := page()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := x.Extract(context.Background(), p, model.FieldMapping{Field: "name", Selectors: []string{"h1"}})
			assert.NoError(t, err)
			assert.Equal(t, "Acme Corp", got.Value)
		}()
	}
	wg.Wait()
	assert.Len(t, x.docs.docs, 1)
}
