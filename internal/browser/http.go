package browser

import (
	"context"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/time/rate"

	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/resilience"
)

const defaultMaxBody = 10 << 20

// HTTPLoader fetches raw HTML via net/http. It cannot run scripts or take
// screenshots, so it suits server-rendered pages.
type HTTPLoader struct {
	client    *http.Client
	userAgent string
	maxBody   int64
	perSec    float64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// HTTPOptions configures an HTTPLoader.
type HTTPOptions struct {
	Timeout    time.Duration
	UserAgent  string
	RatePerSec float64
	MaxBody    int64
}

// NewHTTPLoader creates an HTTPLoader with sensible defaults.
func NewHTTPLoader(opts HTTPOptions) *HTTPLoader {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "Mozilla/5.0 (compatible; webcheck/1.0)"
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = defaultMaxBody
	}
	return &HTTPLoader{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent: opts.UserAgent,
		maxBody:   opts.MaxBody,
		perSec:    opts.RatePerSec,
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (l *HTTPLoader) Name() string { return "http" }

// Close drops idle keep-alive connections.
func (l *HTTPLoader) Close() error {
	l.client.CloseIdleConnections()
	return nil
}

func (l *HTTPLoader) Supports(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https")
}

// hostLimiter returns the politeness limiter for host. A zero rate disables
// limiting.
func (l *HTTPLoader) hostLimiter(host string) *rate.Limiter {
	if l.perSec <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.perSec), 1)
		l.limiters[host] = lim
	}
	return lim
}

// Load fetches req.URL, rejects block pages, and decodes the body to UTF-8.
func (l *HTTPLoader) Load(ctx context.Context, req Request) (*model.Page, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, &resilience.ConfigurationError{Msg: "invalid url " + req.URL, Err: err}
	}
	if lim := l.hostLimiter(u.Host); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "http: rate limit wait")
		}
	}

	start := time.Now()
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "http: create request")
	}
	hreq.Header.Set("User-Agent", l.userAgent)
	hreq.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := l.client.Do(hreq)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "http: fetch"), 0)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBody))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "http: read body"), resp.StatusCode)
	}

	if blocked, bt := DetectBlock(resp, body); blocked {
		return nil, &BlockedError{Loader: l.Name(), Type: bt}
	}
	if resp.StatusCode >= 400 {
		return nil, resilience.StatusError(resp.StatusCode, req.URL)
	}

	page := &model.Page{
		URL:        req.URL,
		FinalURL:   resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		HTML:       decodeBody(body, resp.Header.Get("Content-Type")),
		Loader:     l.Name(),
		LoadTime:   time.Since(start),
	}
	if strings.TrimSpace(page.HTML) == "" {
		return nil, &BlockedError{Loader: l.Name(), Type: BlockEmpty}
	}
	if err := parsePage(page); err != nil {
		return nil, err
	}
	return page, nil
}

// decodeBody converts body to UTF-8 using the Content-Type charset when it
// names a known non-UTF-8 encoding.
func decodeBody(body []byte, contentType string) string {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return string(body)
	}
	cs := strings.ToLower(strings.TrimSpace(params["charset"]))
	if cs == "" || cs == "utf-8" || cs == "utf8" {
		return string(body)
	}
	enc, err := htmlindex.Get(cs)
	if err != nil {
		return string(body)
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return string(body)
	}
	return string(decoded)
}
