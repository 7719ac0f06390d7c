package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Trace") != "yes" {
			http.Error(w, "missing header", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>hello</html>"))
	})
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	})
	mux.HandleFunc("/cached", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-Modified-Since") != "" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		_, _ = w.Write([]byte("fresh"))
	})
	mux.HandleFunc("/busy", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	mux.HandleFunc("/private", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("secret"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type recordingLimiter struct {
	mu     sync.Mutex
	waits  int
	paused map[string]time.Duration
}

func (l *recordingLimiter) Wait(context.Context, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waits++
	return nil
}

func (l *recordingLimiter) Pause(rawURL string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.paused == nil {
		l.paused = make(map[string]time.Duration)
	}
	l.paused[rawURL] = d
}

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	limiter := &recordingLimiter{}
	f := New(Config{UserAgent: "frontier-test", Headers: http.Header{"X-Trace": {"yes"}}}, limiter, nil)

	out := f.Fetch(context.Background(), crawler.NewRecord(srv.URL+"/page"))
	require.True(t, out.Status.IsSuccess(), out.Status.String())
	assert.Equal(t, "<html>hello</html>", string(out.Content))
	assert.Equal(t, "text/html", out.ContentType)
	assert.Equal(t, srv.URL+"/page", out.Location)
	assert.Equal(t, "200", out.Status.Arg(crawler.ArgHTTPCode))
	assert.Equal(t, 1, limiter.waits)
}

func TestFetchStatusMapping(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{}, nil, nil)

	redirect := f.Fetch(context.Background(), crawler.NewRecord(srv.URL+"/old"))
	assert.Equal(t, crawler.CodeTempMoved, redirect.Status.Minor)
	assert.Equal(t, srv.URL+"/new", redirect.Status.Arg(crawler.ArgRedirectTo))

	gone := f.Fetch(context.Background(), crawler.NewRecord(srv.URL+"/gone"))
	assert.Equal(t, crawler.CodeNotFound, gone.Status.Minor)
}

func TestFetchConditionalRequest(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{}, nil, nil)

	r := crawler.NewRecord(srv.URL + "/cached")
	first := f.Fetch(context.Background(), r)
	require.True(t, first.Status.IsSuccess())
	assert.Equal(t, crawler.CodeOK, first.Status.Minor)

	r.CrawlStatus = crawler.CrawlStatusFetched
	r.ModifiedTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	second := f.Fetch(context.Background(), r)
	assert.Equal(t, crawler.CodeNotModified, second.Status.Minor)
}

func TestFetchBlockedPausesHost(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	limiter := &recordingLimiter{}
	f := New(Config{}, limiter, nil)

	out := f.Fetch(context.Background(), crawler.NewRecord(srv.URL+"/busy"))
	assert.Equal(t, crawler.CodeBlocked, out.Status.Minor)
	assert.Equal(t, 7*time.Second, limiter.paused[srv.URL+"/busy"])
}

func TestFetchRobotsDenied(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{RespectRobots: true}, nil, nil)

	out := f.Fetch(context.Background(), crawler.NewRecord(srv.URL+"/private"))
	assert.Equal(t, crawler.CodeRobotsDenied, out.Status.Minor)

	ignoring := New(Config{}, nil, nil)
	out = ignoring.Fetch(context.Background(), crawler.NewRecord(srv.URL+"/private"))
	assert.True(t, out.Status.IsSuccess())
}

func TestFetchTransportFailures(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	t.Cleanup(slow.Close)
	t.Cleanup(func() { close(release) })

	f := New(Config{}, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out := f.Fetch(ctx, crawler.NewRecord(slow.URL+"/"))
	assert.Equal(t, crawler.CodeThreadTimeout, out.Status.Minor)

	closed := httptest.NewServer(http.NotFoundHandler())
	addr := closed.URL
	closed.Close()
	out = f.Fetch(context.Background(), crawler.NewRecord(addr+"/"))
	assert.True(t, out.Status.IsFailed())
	assert.NotEmpty(t, out.Status.Arg(crawler.ArgReason))
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{Headers: http.Header{"X-Trace": {"yes"}}}, nil, nil)
	var a attempt
	r := crawler.NewRecord("https://example.com/a")

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, r, &a)
	if hooks.onRequest == nil || hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	if collyReq.Headers.Get("X-Trace") != "yes" {
		t.Fatalf("expected header propagation, got %+v", collyReq.Headers)
	}
	if collyReq.Headers.Get("If-Modified-Since") != "" {
		t.Fatal("unfetched records must not send conditional headers")
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusMovedPermanently,
		Headers:    &http.Header{"Location": {"/b"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/a")},
	})
	if !a.answered || a.out.Status.Minor != crawler.CodeMoved {
		t.Fatalf("unexpected attempt: %+v", a)
	}
	if got := a.out.Status.Arg(crawler.ArgRedirectTo); got != "https://example.com/b" {
		t.Fatalf("expected absolute redirect target, got %q", got)
	}

	hooks.onError(nil, errors.New("boom"))
	if a.err == nil || a.err.Error() != "boom" {
		t.Fatalf("expected error recorded, got %v", a.err)
	}
}

func TestResultWithoutResponse(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil, nil)
	out := f.result(crawler.NewRecord("https://example.com/"), &attempt{}, nil)
	assert.Equal(t, crawler.CodeException, out.Status.Minor)

	out = f.result(crawler.NewRecord("https://example.com/"), &attempt{err: context.Canceled}, nil)
	assert.True(t, out.Status.IsCanceled())
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
