package browser

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/resilience"
	"github.com/sells-group/webcheck/pkg/jina"
)

const profileHTML = `<html><head><title>Acme Corp | Directory</title>
<script>var tracking = "ignore me";</script></head>
<body><div id="profile"><h1 class="company-name">Acme Corp</h1>
<dl><dt>Phone</dt><dd>(555) 010-9999</dd></dl></div></body></html>`

// mockLoader implements Loader for testing.
type mockLoader struct {
	name     string
	supports bool
	page     *model.Page
	err      error
	calls    atomic.Int32
}

func (m *mockLoader) Name() string           { return m.name }
func (m *mockLoader) Supports(_ string) bool { return m.supports }
func (m *mockLoader) Load(_ context.Context, _ Request) (*model.Page, error) {
	m.calls.Add(1)
	return m.page, m.err
}

func TestChain_FirstSuccess(t *testing.T) {
	l1 := &mockLoader{name: "primary", supports: true, page: &model.Page{Loader: "primary", StatusCode: 200}}
	l2 := &mockLoader{name: "fallback", supports: true}

	chain := NewChain(nil, l1, l2)
	page, err := chain.Load(context.Background(), Request{URL: "https://acme.test"})
	require.NoError(t, err)
	assert.Equal(t, "primary", page.Loader)
	assert.Zero(t, l2.calls.Load())
	assert.Equal(t, "chain(primary,fallback)", chain.Name())
}

func TestChain_FallsThroughOnTransientAndBlock(t *testing.T) {
	l1 := &mockLoader{name: "a", supports: true, err: resilience.NewTransientError(errors.New("reset"), 0)}
	l2 := &mockLoader{name: "b", supports: true, err: &BlockedError{Loader: "b", Type: BlockCaptcha}}
	l3 := &mockLoader{name: "c", supports: false}
	l4 := &mockLoader{name: "d", supports: true, page: &model.Page{Loader: "d"}}

	page, err := NewChain(nil, l1, l2, l3, l4).Load(context.Background(), Request{URL: "https://acme.test"})
	require.NoError(t, err)
	assert.Equal(t, "d", page.Loader)
	assert.Zero(t, l3.calls.Load())
}

func TestChain_DefinitiveStatusStops(t *testing.T) {
	l1 := &mockLoader{name: "a", supports: true, err: resilience.StatusError(404, "https://acme.test")}
	l2 := &mockLoader{name: "b", supports: true, page: &model.Page{}}

	_, err := NewChain(nil, l1, l2).Load(context.Background(), Request{URL: "https://acme.test"})
	require.Error(t, err)
	assert.Equal(t, resilience.KindFatal, resilience.Classify(err))
	assert.Zero(t, l2.calls.Load())
}

func TestChain_AllFail(t *testing.T) {
	l1 := &mockLoader{name: "a", supports: true, err: errors.New("boom")}
	_, err := NewChain(nil, l1).Load(context.Background(), Request{URL: "https://acme.test"})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Contains(t, err.Error(), "all loaders failed")

	_, err = NewChain(nil, &mockLoader{name: "x"}).Load(context.Background(), Request{URL: "ftp://x"})
	assert.True(t, resilience.IsConfigurationError(err))
}

func TestChain_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l1 := &mockLoader{name: "a", supports: true, err: context.Canceled}
	l2 := &mockLoader{name: "b", supports: true, page: &model.Page{}}

	_, err := NewChain(nil, l1, l2).Load(ctx, Request{URL: "https://acme.test"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, l2.calls.Load())
}

func TestHTTPLoader_Load(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "webcheck-test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(profileHTML)) //nolint:errcheck
	}))
	defer srv.Close()

	l := NewHTTPLoader(HTTPOptions{UserAgent: "webcheck-test"})
	page, err := l.Load(context.Background(), Request{URL: srv.URL + "/c/1"})
	require.NoError(t, err)

	assert.Equal(t, 200, page.StatusCode)
	assert.Equal(t, "Acme Corp | Directory", page.Title)
	assert.Equal(t, "http", page.Loader)
	assert.Contains(t, page.HTML, `class="company-name"`)
	assert.Contains(t, page.Text, "Acme Corp")
	assert.Contains(t, page.Text, "(555) 010-9999")
	assert.NotContains(t, page.Text, "tracking")
	assert.Empty(t, page.Screenshot)
}

func TestHTTPLoader_Charset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=windows-1252")
		// "Café" with é as 0xE9.
		w.Write([]byte("<html><body><h1>Caf\xe9 Corp</h1></body></html>")) //nolint:errcheck
	}))
	defer srv.Close()

	page, err := NewHTTPLoader(HTTPOptions{}).Load(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Contains(t, page.Text, "Café Corp")
}

func TestHTTPLoader_Statuses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header http.Header
		body   string
		check  func(t *testing.T, err error)
	}{
		{"not found is fatal", 404, nil, "<html>gone</html>", func(t *testing.T, err error) {
			assert.Equal(t, resilience.KindFatal, resilience.Classify(err))
		}},
		{"server error is transient", 502, nil, "<html>bad gateway</html>", func(t *testing.T, err error) {
			assert.True(t, resilience.IsTransient(err))
		}},
		{"cloudflare block", 403, http.Header{"Cf-Ray": {"abc"}}, "<html></html>", func(t *testing.T, err error) {
			var be *BlockedError
			require.True(t, errors.As(err, &be))
			assert.Equal(t, BlockCloudflare, be.Type)
			assert.Equal(t, resilience.KindRecoverable, resilience.Classify(err))
		}},
		{"empty body", 200, nil, "   ", func(t *testing.T, err error) {
			var be *BlockedError
			require.True(t, errors.As(err, &be))
			assert.Equal(t, BlockEmpty, be.Type)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tt.header {
					w.Header()[k] = v
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body)) //nolint:errcheck
			}))
			defer srv.Close()

			_, err := NewHTTPLoader(HTTPOptions{}).Load(context.Background(), Request{URL: srv.URL})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestHTTPLoader_RateLimitPerHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(profileHTML)) //nolint:errcheck
	}))
	defer srv.Close()

	l := NewHTTPLoader(HTTPOptions{RatePerSec: 10})
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := l.Load(context.Background(), Request{URL: srv.URL})
		require.NoError(t, err)
	}
	// Burst of one: the second and third requests each wait ~100ms.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Same(t, l.hostLimiter("a.test"), l.hostLimiter("a.test"))
	assert.Nil(t, NewHTTPLoader(HTTPOptions{}).hostLimiter("a.test"))
}

func TestHTTPLoader_Supports(t *testing.T) {
	l := NewHTTPLoader(HTTPOptions{})
	assert.True(t, l.Supports("https://acme.test/x"))
	assert.False(t, l.Supports("file:///etc/passwd"))
}

type mockJina struct{ mock.Mock }

func (m *mockJina) Read(ctx context.Context, targetURL string, opts ...jina.ReadOption) (*jina.ReadResponse, error) {
	args := m.Called(ctx, targetURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jina.ReadResponse), args.Error(1)
}

func TestJinaLoader(t *testing.T) {
	ctx := context.Background()
	m := &mockJina{}
	m.On("Read", ctx, "https://ok.test").Return(&jina.ReadResponse{
		Code: 200,
		Data: jina.ReadData{URL: "https://ok.test/final", Title: "Acme", Content: profileHTML},
	}, nil)
	m.On("Read", ctx, "https://short.test").Return(&jina.ReadResponse{Code: 200, Data: jina.ReadData{Content: "tiny"}}, nil)
	m.On("Read", ctx, "https://missing.test").Return(nil, &jina.StatusError{Code: 404})
	m.On("Read", ctx, "https://down.test").Return(nil, errors.New("dial tcp: refused"))

	l := NewJinaLoader(m, 10*time.Second)

	page, err := l.Load(ctx, Request{URL: "https://ok.test", WaitSelector: "#profile"})
	require.NoError(t, err)
	assert.Equal(t, "https://ok.test/final", page.FinalURL)
	assert.Equal(t, "Acme", page.Title)
	assert.Contains(t, page.Text, "Acme Corp")

	_, err = l.Load(ctx, Request{URL: "https://short.test"})
	var be *BlockedError
	assert.True(t, errors.As(err, &be))

	_, err = l.Load(ctx, Request{URL: "https://missing.test"})
	assert.Equal(t, resilience.KindFatal, resilience.Classify(err))

	_, err = l.Load(ctx, Request{URL: "https://down.test"})
	assert.True(t, resilience.IsTransient(err))

	m.AssertExpectations(t)
}

func TestNavigator_Navigate(t *testing.T) {
	ok := &mockLoader{name: "ok", supports: true, page: &model.Page{
		URL: "https://acme.test/1", FinalURL: "https://acme.test/1/", StatusCode: 200, LoadTime: 120 * time.Millisecond,
	}}
	res, err := NewNavigator(ok, true, nil).Navigate(context.Background(), "https://acme.test/1", "#profile")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, "https://acme.test/1/", res.FinalURL)
	assert.Equal(t, int64(120), res.LoadTimeMs)
	assert.NotNil(t, res.Page)

	redirect := &mockLoader{name: "r", supports: true, page: &model.Page{StatusCode: 302}}
	res, err = NewNavigator(redirect, false, nil).Navigate(context.Background(), "https://acme.test/1", "")
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "https://acme.test/1", res.FinalURL)

	gone := &mockLoader{name: "g", supports: true, err: resilience.StatusError(410, "https://acme.test/1")}
	res, err = NewNavigator(gone, false, nil).Navigate(context.Background(), "https://acme.test/1", "")
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 410, res.Status)
	require.Len(t, res.Errors, 1)
	assert.True(t, strings.Contains(res.Errors[0], "410"))
}

func TestDetectBlock(t *testing.T) {
	blocked, bt := DetectBlock(&http.Response{StatusCode: 503, Header: http.Header{"Server": {"cloudflare"}}}, nil)
	assert.True(t, blocked)
	assert.Equal(t, BlockCloudflare, bt)

	blocked, bt = DetectBlock(&http.Response{StatusCode: 200, Header: http.Header{}},
		[]byte(`<html><body><div class="g-recaptcha"></div>Please complete the reCAPTCHA</body></html>`))
	assert.True(t, blocked)
	assert.Equal(t, BlockCaptcha, bt)

	blocked, bt = DetectBlock(&http.Response{StatusCode: 200, Header: http.Header{}},
		[]byte("<html><noscript>Enable JavaScript to continue</noscript></html>"))
	assert.True(t, blocked)
	assert.Equal(t, BlockJSShell, bt)

	blocked, _ = DetectBlock(nil, nil)
	assert.False(t, blocked)

	blocked, _ = DetectBlock(&http.Response{StatusCode: 200, Header: http.Header{}}, []byte(profileHTML))
	assert.False(t, blocked)

	// A contact form captcha on a large page is not a block.
	big := profileHTML + strings.Repeat("<p>content</p>", 2000) + `<div class="g-recaptcha"></div>`
	blocked, _ = DetectBlockContent(big)
	assert.False(t, blocked)
}
