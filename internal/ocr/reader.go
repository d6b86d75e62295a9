package ocr

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/webcheck/internal/judge"
	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/resilience"
)

const (
	confLabel    = 0.75
	confPattern  = 0.7
	confPresence = 0.55
	textCacheCap = 32
)

// FieldReader runs OCR over a page screenshot once and locates field values
// in the recognized text.
type FieldReader struct {
	ocr   Extractor
	group singleflight.Group

	mu    sync.Mutex
	texts map[*model.Page]string
	order []*model.Page
}

// NewFieldReader creates a FieldReader over ocr.
func NewFieldReader(ocr Extractor) *FieldReader {
	return &FieldReader{ocr: ocr, texts: make(map[*model.Page]string)}
}

// Read locates one field. A page without a screenshot yields an empty
// extraction with zero confidence.
func (r *FieldReader) Read(ctx context.Context, page *model.Page, m model.FieldMapping, expected string) (model.Extraction, error) {
	out := model.Extraction{Field: m.Field, Method: model.MethodOCR}
	if page == nil || len(page.Screenshot) == 0 {
		return out, nil
	}

	text, err := r.text(ctx, page)
	if err != nil {
		return out, err
	}
	if strings.TrimSpace(text) == "" {
		return out, nil
	}

	var re *regexp.Regexp
	if m.Pattern != "" {
		re, err = regexp.Compile(m.Pattern)
		if err != nil {
			return out, &resilience.ConfigurationError{Msg: "invalid pattern " + m.Pattern, Err: err}
		}
	}

	if v := nearLabel(text, m.Label); v != "" {
		out.Value, out.Confidence, out.Selector = v, confLabel, "ocr-label"
		if re != nil {
			if hit := re.FindString(v); hit != "" {
				out.Value = hit
			} else {
				out.Confidence /= 2
			}
		}
		return out, nil
	}
	if re != nil {
		if hit := re.FindString(text); hit != "" {
			out.Value, out.Confidence, out.Selector = strings.TrimSpace(hit), confPattern, "ocr-pattern"
			return out, nil
		}
	}
	if e := judge.Normalize(expected); e != "" && strings.Contains(judge.Normalize(text), e) {
		out.Value, out.Confidence, out.Selector = expected, confPresence, "ocr-presence"
		return out, nil
	}
	return out, nil
}

func (r *FieldReader) text(ctx context.Context, page *model.Page) (string, error) {
	r.mu.Lock()
	if t, ok := r.texts[page]; ok {
		r.mu.Unlock()
		return t, nil
	}
	r.mu.Unlock()

	key := fmt.Sprintf("%p", page)
	v, err, _ := r.group.Do(key, func() (any, error) {
		t, err := r.ocr.ExtractText(ctx, page.Screenshot)
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		if len(r.order) >= textCacheCap {
			delete(r.texts, r.order[0])
			r.order = r.order[1:]
		}
		r.texts[page] = t
		r.order = append(r.order, page)
		r.mu.Unlock()
		return t, nil
	})
	if err != nil {
		return "", eris.Wrap(err, "ocr: extract text")
	}
	return v.(string), nil
}

func nearLabel(text, label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return ""
	}
	needle := strings.ToLower(label)
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		idx := strings.Index(strings.ToLower(line), needle)
		if idx < 0 {
			continue
		}
		rest := strings.TrimLeft(line[idx+len(label):], " :-|\t*#")
		if rest = strings.TrimSpace(rest); rest != "" {
			return strings.Join(strings.Fields(rest), " ")
		}
		for _, next := range lines[i+1:] {
			if v := strings.TrimSpace(next); v != "" {
				return strings.Join(strings.Fields(v), " ")
			}
		}
	}
	return ""
}
