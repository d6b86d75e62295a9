package browser

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/resilience"
	"github.com/sells-group/webcheck/internal/resource"
)

const (
	browserMemEstimate = 300 << 20
	tabMemEstimate     = 60 << 20
)

// ChromeOptions configures a ChromeLoader.
type ChromeOptions struct {
	ExecPath  string
	Headless  bool
	UserAgent string
	Width     int
	Height    int
	Timeout   time.Duration
}

// ChromeLoader renders pages in headless Chrome, waits for the target
// selector, and captures a full-page screenshot for OCR and evidence. The
// browser process and each tab are tracked as resource handles.
type ChromeLoader struct {
	opts      ChromeOptions
	resources *resource.Registry
	log       *zap.Logger

	mu       sync.Mutex
	allocCtx context.Context
	browser  *resource.Handle
}

// NewChromeLoader creates a ChromeLoader. The browser process starts lazily
// on the first Load.
func NewChromeLoader(opts ChromeOptions, resources *resource.Registry, log *zap.Logger) *ChromeLoader {
	if opts.Width <= 0 {
		opts.Width = 1366
	}
	if opts.Height <= 0 {
		opts.Height = 900
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ChromeLoader{opts: opts, resources: resources, log: log.With(zap.String("component", "chrome"))}
}

func (c *ChromeLoader) Name() string { return "chromedp" }

func (c *ChromeLoader) Supports(raw string) bool {
	return strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://")
}

// allocator returns the shared browser allocator, starting it on first use.
func (c *ChromeLoader) allocator() (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.allocCtx != nil && c.allocCtx.Err() == nil {
		return c.allocCtx, nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", c.opts.Headless),
		chromedp.WindowSize(c.opts.Width, c.opts.Height),
	)
	if c.opts.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(c.opts.UserAgent))
	}
	if c.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(c.opts.ExecPath))
	}
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)

	h, err := c.resources.Register(model.RoleNavigator, resource.KindBrowserSession, "chrome", browserMemEstimate, func() error {
		cancel()
		return nil
	})
	if err != nil {
		cancel()
		return nil, eris.Wrap(err, "chrome: register browser")
	}
	c.allocCtx, c.browser = allocCtx, h
	c.log.Info("chrome: browser allocator started", zap.Bool("headless", c.opts.Headless))
	return allocCtx, nil
}

// Load navigates a fresh tab to req.URL.
func (c *ChromeLoader) Load(ctx context.Context, req Request) (*model.Page, error) {
	allocCtx, err := c.allocator()
	if err != nil {
		return nil, err
	}

	tabCtx, closeTab, err := c.openTab(allocCtx, req.URL)
	if err != nil {
		return nil, err
	}
	defer closeTab()

	// Tie the tab to the caller's context and the load timeout.
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, c.opts.Timeout)
	defer cancelTimeout()
	stop := context.AfterFunc(ctx, cancelTimeout)
	defer stop()

	start := time.Now()
	resp, err := chromedp.RunResponse(tabCtx, chromedp.Navigate(req.URL))
	if err != nil {
		return nil, c.loadError(ctx, err, "navigate")
	}

	page := &model.Page{
		URL:    req.URL,
		Loader: c.Name(),
	}
	if resp != nil {
		page.StatusCode = int(resp.Status)
		page.FinalURL = resp.URL
	}
	if page.StatusCode >= 400 {
		return nil, resilience.StatusError(page.StatusCode, req.URL)
	}

	var actions []chromedp.Action
	if req.WaitSelector != "" {
		actions = append(actions, chromedp.WaitVisible(req.WaitSelector, chromedp.ByQuery))
	}
	actions = append(actions,
		chromedp.Title(&page.Title),
		chromedp.Location(&page.FinalURL),
		chromedp.OuterHTML("html", &page.HTML, chromedp.ByQuery),
	)
	if req.Screenshot {
		actions = append(actions, chromedp.FullScreenshot(&page.Screenshot, 100))
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return nil, c.loadError(ctx, err, "render")
	}
	page.LoadTime = time.Since(start)

	if blocked, bt := DetectBlockContent(page.HTML); blocked {
		return nil, &BlockedError{Loader: c.Name(), Type: bt}
	}
	if err := parsePage(page); err != nil {
		return nil, err
	}
	return page, nil
}

// openTab creates a tab context registered as a navigator resource. The
// returned func cancels the tab and drops its handle from the registry.
func (c *ChromeLoader) openTab(allocCtx context.Context, url string) (context.Context, func(), error) {
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	tab, err := c.resources.Register(model.RoleNavigator, resource.KindBrowserSession, "tab:"+url, tabMemEstimate, func() error {
		cancelTab()
		return nil
	})
	if err != nil {
		cancelTab()
		return nil, nil, eris.Wrap(err, "chrome: register tab")
	}
	return tabCtx, func() { _ = c.resources.Release(tab) }, nil
}

// loadError types a chromedp failure. Page-level net::ERR codes and
// timeouts are recoverable navigation errors.
func (c *ChromeLoader) loadError(ctx context.Context, err error, action string) error {
	if ctx.Err() != nil {
		return eris.Wrap(ctx.Err(), "chrome: "+action)
	}
	return resilience.NewTransientError(eris.Wrap(err, "chrome: "+action), 0)
}

// Close shuts the browser down.
func (c *ChromeLoader) Close() error {
	c.mu.Lock()
	h := c.browser
	c.mu.Unlock()
	if h == nil {
		return nil
	}
	return c.resources.Release(h)
}
