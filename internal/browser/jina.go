package browser

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/resilience"
	"github.com/sells-group/webcheck/pkg/jina"
)

// JinaLoader renders pages through the Jina Reader service and asks for
// HTML so DOM extraction still applies.
type JinaLoader struct {
	client  jina.Client
	timeout time.Duration
}

// NewJinaLoader creates a JinaLoader from a Jina client.
func NewJinaLoader(client jina.Client, timeout time.Duration) *JinaLoader {
	return &JinaLoader{client: client, timeout: timeout}
}

func (j *JinaLoader) Name() string { return "jina" }

func (j *JinaLoader) Supports(raw string) bool {
	return strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://")
}

// Load fetches req.URL via Jina Reader.
func (j *JinaLoader) Load(ctx context.Context, req Request) (*model.Page, error) {
	opts := []jina.ReadOption{jina.WithFormat("html")}
	if req.WaitSelector != "" {
		opts = append(opts, jina.WithWaitForSelector(req.WaitSelector))
	}
	if j.timeout > 0 {
		opts = append(opts, jina.WithTimeout(j.timeout))
	}

	start := time.Now()
	resp, err := j.client.Read(ctx, req.URL, opts...)
	if err != nil {
		var se *jina.StatusError
		if errors.As(err, &se) {
			return nil, resilience.StatusError(se.Code, req.URL)
		}
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, resilience.NewTransientError(err, 0)
	}

	if resp.Code != 0 && resp.Code != 200 {
		return nil, resilience.StatusError(resp.Code, req.URL)
	}
	content := strings.TrimSpace(resp.Data.Content)
	if len(content) < 100 {
		return nil, &BlockedError{Loader: j.Name(), Type: BlockEmpty}
	}
	if blocked, bt := DetectBlockContent(content); blocked {
		return nil, &BlockedError{Loader: j.Name(), Type: bt}
	}

	finalURL := resp.Data.URL
	if finalURL == "" {
		finalURL = req.URL
	}
	page := &model.Page{
		URL:        req.URL,
		FinalURL:   finalURL,
		StatusCode: 200,
		Title:      resp.Data.Title,
		HTML:       content,
		Loader:     j.Name(),
		LoadTime:   time.Since(start),
	}
	if err := parsePage(page); err != nil {
		return nil, err
	}
	return page, nil
}
