// Package judge decides whether a value observed on a page matches the
// input value, either with a language model or with local heuristics.
package judge

import (
	"context"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/webcheck/internal/model"
)

// Judge compares an input value with an observed page value.
type Judge interface {
	Judge(ctx context.Context, expected, observed string, ft model.FieldType) (model.Judgment, error)
}

const (
	confExact       = 0.95
	confEquivalent  = 0.9
	confTokenSet    = 0.8
	confContainment = 0.6
	confMismatch    = 0.85
	confNoValue     = 0.9
)

// DefaultNumericTolerance is the relative tolerance for numeric fields.
const DefaultNumericTolerance = 0.01

// Heuristic is the local comparator used when no model is available.
type Heuristic struct {
	NumericTolerance float64
}

// Judge implements Judge. It never fails.
func (h Heuristic) Judge(_ context.Context, expected, observed string, ft model.FieldType) (model.Judgment, error) {
	return h.Compare(expected, observed, ft), nil
}

// Compare runs the type-specific comparison.
func (h Heuristic) Compare(expected, observed string, ft model.FieldType) model.Judgment {
	e, o := Normalize(expected), Normalize(observed)
	switch {
	case o == "" && e == "":
		return verdict(true, confContainment, "input and page are both empty")
	case o == "":
		return verdict(false, confNoValue, "no value on page")
	case e == "":
		return verdict(false, confContainment, "input value is empty")
	}

	switch ft {
	case model.FieldNumber, model.FieldCurrency:
		if j, ok := h.compareNumbers(expected, observed); ok {
			return j
		}
	case model.FieldEmail:
		if strings.EqualFold(strings.TrimSpace(expected), strings.TrimSpace(observed)) {
			return verdict(true, confExact, "email addresses equal")
		}
		return verdict(false, confMismatch, "email addresses differ")
	case model.FieldURL:
		if normalizeURL(expected) == normalizeURL(observed) {
			return verdict(true, confEquivalent, "urls equivalent")
		}
		return verdict(false, confMismatch, "urls differ")
	case model.FieldPhone:
		a, b := lastDigits(expected, 10), lastDigits(observed, 10)
		if a != "" && a == b {
			return verdict(true, confEquivalent, "phone digits equal")
		}
		if a != "" && b != "" {
			return verdict(false, confMismatch, "phone digits differ")
		}
	case model.FieldDate:
		a, okA := parseDate(expected)
		b, okB := parseDate(observed)
		if okA && okB {
			if a.Equal(b) {
				return verdict(true, confEquivalent, "dates equal")
			}
			return verdict(false, confMismatch, "dates differ")
		}
	}
	return compareText(e, o)
}

func compareText(e, o string) model.Judgment {
	if e == o {
		return verdict(true, confExact, "normalized text equal")
	}
	if tokenSet(e) == tokenSet(o) {
		return verdict(true, confTokenSet, "same words in a different order")
	}
	shorter := min(len(e), len(o))
	if shorter >= 3 && (strings.Contains(o, e) || strings.Contains(e, o)) {
		return verdict(true, confContainment, "one value contains the other")
	}
	return verdict(false, confMismatch, "normalized text differs")
}

func (h Heuristic) compareNumbers(expected, observed string) (model.Judgment, bool) {
	a, okA := parseNumber(expected)
	b, okB := parseNumber(observed)
	if !okA || !okB {
		return model.Judgment{}, false
	}
	tol := h.NumericTolerance
	if tol <= 0 {
		tol = DefaultNumericTolerance
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	if a == b || math.Abs(a-b) <= tol*scale {
		return verdict(true, confEquivalent, "numbers equal within tolerance"), true
	}
	return verdict(false, confMismatch, "numbers differ"), true
}

func verdict(match bool, conf float64, reason string) model.Judgment {
	return model.Judgment{Match: match, Confidence: conf, Reasoning: reason, Heuristic: true}
}

var fold = cases.Fold()

// Normalize applies NFKC, case folding and whitespace collapsing. Leading
// and trailing punctuation is dropped.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = fold.String(s)
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) && r != '$' && r != '%'
	})
}

func tokenSet(s string) string {
	words := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(words))
	uniq := words[:0]
	for _, w := range words {
		if _, ok := seen[w]; !ok {
			seen[w] = struct{}{}
			uniq = append(uniq, w)
		}
	}
	sort.Strings(uniq)
	return strings.Join(uniq, " ")
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")")
	mult := 1.0
	lower := strings.ToLower(s)
	switch {
	case strings.HasSuffix(lower, "k"):
		mult = 1e3
	case strings.HasSuffix(lower, "m"):
		mult = 1e6
	case strings.HasSuffix(lower, "b"):
		mult = 1e9
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsDigit(r), r == '.':
			b.WriteRune(r)
		case r == '-' && b.Len() == 0:
			neg = true
		}
	}
	if b.Len() == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0, false
	}
	v *= mult
	if neg {
		v = -v
	}
	return v, true
}

func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return strings.ToLower(strings.TrimSuffix(raw, "/"))
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	return host + strings.TrimSuffix(u.EscapedPath(), "/") + queryPart(u)
}

func queryPart(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}
	return "?" + u.RawQuery
}

func lastDigits(s string, n int) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := b.String()
	if len(d) > n {
		d = d[len(d)-n:]
	}
	return d
}

var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"02 Jan 2006",
	"2 Jan 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2006/01/02",
	time.RFC3339,
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}
