// Package browser loads target pages through an ordered chain of loaders
// and reports them to the navigator role.
package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/resilience"
)

// Request describes one page load.
type Request struct {
	URL          string
	WaitSelector string
	Screenshot   bool
}

// Loader fetches a single page.
type Loader interface {
	Name() string
	Supports(url string) bool
	Load(ctx context.Context, req Request) (*model.Page, error)
}

// BlockedError reports that a loader hit anti-bot protection.
type BlockedError struct {
	Loader string
	Type   BlockType
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("browser: %s blocked (%s)", e.Loader, e.Type)
}

// Chain tries loaders in priority order, returning the first success.
type Chain struct {
	loaders []Loader
	log     *zap.Logger
}

// NewChain creates a Chain. Loaders are tried in order.
func NewChain(log *zap.Logger, loaders ...Loader) *Chain {
	if log == nil {
		log = zap.NewNop()
	}
	return &Chain{loaders: loaders, log: log.With(zap.String("component", "browser"))}
}

// Name lists the chained loaders.
func (c *Chain) Name() string {
	names := make([]string, len(c.loaders))
	for i, l := range c.loaders {
		names[i] = l.Name()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

// Supports reports whether any loader supports url.
func (c *Chain) Supports(url string) bool {
	for _, l := range c.loaders {
		if l.Supports(url) {
			return true
		}
	}
	return false
}

// Load tries each loader in order. Transport failures and blocks fall
// through to the next loader; a definitive answer from the target (such as
// 404) or a canceled context is returned as is.
func (c *Chain) Load(ctx context.Context, req Request) (*model.Page, error) {
	var lastErr error
	for _, l := range c.loaders {
		if !l.Supports(req.URL) {
			continue
		}
		page, err := l.Load(ctx, req)
		if err == nil && page != nil {
			return page, nil
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "browser: load canceled")
		}
		if kind := resilience.Classify(err); kind == resilience.KindFatal {
			return nil, err
		}
		c.log.Debug("browser: loader failed, trying next",
			zap.String("loader", l.Name()),
			zap.String("url", req.URL),
			zap.Error(err),
		)
		lastErr = err
	}
	if lastErr != nil {
		return nil, resilience.NewTransientError(eris.Wrap(lastErr, "browser: all loaders failed"), 0)
	}
	return nil, resilience.NewConfigurationError("no loader supports %s", req.URL)
}

// pageText returns the visible text of an HTML document with scripts and
// styles removed and whitespace collapsed per line.
func pageText(doc *goquery.Document) string {
	doc.Find("script, style, noscript, template").Remove()

	var lines []string
	for _, line := range strings.Split(doc.Text(), "\n") {
		if f := strings.Fields(line); len(f) > 0 {
			lines = append(lines, strings.Join(f, " "))
		}
	}
	return strings.Join(lines, "\n")
}

// parsePage fills Title and Text from page.HTML.
func parsePage(page *model.Page) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return eris.Wrap(err, "browser: parse html")
	}
	if page.Title == "" {
		page.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	page.Text = pageText(doc)
	return nil
}
