package fetch

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/hash/sha256"
)

var now = time.Date(2026, 7, 4, 10, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type stubProtocol struct {
	out   crawler.ProtocolOutput
	mu    sync.Mutex
	calls int
}

func (p *stubProtocol) Fetch(context.Context, *crawler.Record) crawler.ProtocolOutput {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.out
}

type recordingTracker struct {
	mu    sync.Mutex
	calls []string
}

func (t *recordingTracker) add(call string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, call)
}

func (t *recordingTracker) TrackSuccess(*crawler.Record) { t.add("success") }
func (t *recordingTracker) TrackFailed(string)           { t.add("failed") }
func (t *recordingTracker) TrackTimeout(string)          { t.add("timeout") }
func (t *recordingTracker) TrackHostGone(string)         { t.add("host_gone") }
func (t *recordingTracker) TrackMoved(string)            { t.add("moved") }

func newExecutor(out crawler.ProtocolOutput, logger *zap.Logger) (*Executor, *stubProtocol, *recordingTracker) {
	proto := &stubProtocol{out: out}
	reg := NewRegistry()
	reg.Register(crawler.FetchModeNative, proto)
	tracker := &recordingTracker{}
	return NewExecutor(reg, tracker, sha256.New(), fixedClock{now}, logger), proto, tracker
}

func defaultOpts() *crawler.LoadOptions {
	opts := crawler.DefaultLoadOptions()
	return &opts
}

func TestFetchSuccessUpdatesContent(t *testing.T) {
	t.Parallel()

	out := crawler.ProtocolOutput{
		Content:     []byte("<html>hi</html>"),
		ContentType: "text/html",
		Headers:     http.Header{"Etag": []string{`"v1"`}},
		Status:      crawler.StatusFromHTTP(200, ""),
	}
	exec, proto, tracker := newExecutor(out, nil)
	r := crawler.NewRecord("http://example.test/a")
	r.Marks.Set(crawler.MarkGenerate)
	r.FetchRetries = 2

	got, err := exec.Fetch(context.Background(), r, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, 1, proto.calls)
	assert.Equal(t, crawler.CrawlStatusFetched, got.CrawlStatus)
	assert.True(t, got.ProtocolStatus.IsSuccess())
	assert.Equal(t, "<html>hi</html>", string(got.Content))
	assert.Equal(t, int64(15), got.ContentLength)
	assert.Equal(t, "text/html", got.ContentType)
	assert.Len(t, got.Signature, 32)
	assert.Equal(t, `"v1"`, got.Headers.Get("ETag"))
	assert.Zero(t, got.FetchRetries)
	assert.Equal(t, uint32(1), got.FetchCount)
	assert.Equal(t, now, got.FetchTime)
	assert.Equal(t, []time.Time{now}, got.FetchTimeHistory)
	assert.True(t, got.Marks.Has(crawler.MarkFetch))
	assert.False(t, got.Marks.Has(crawler.MarkGenerate))
	assert.Equal(t, []string{"success"}, tracker.calls)
}

func TestFetchNotModifiedKeepsContent(t *testing.T) {
	t.Parallel()

	exec, _, _ := newExecutor(crawler.ProtocolOutput{Status: crawler.StatusFromHTTP(304, "")}, nil)
	r := crawler.NewRecord("http://example.test/a")
	r.Content = []byte("old")
	r.Signature = []byte("sig")
	r.FetchTime = now.Add(-24 * time.Hour)

	got, err := exec.Fetch(context.Background(), r, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, crawler.CrawlStatusNotModified, got.CrawlStatus)
	assert.Equal(t, "old", string(got.Content))
	assert.Equal(t, []byte("sig"), got.Signature)
	assert.Equal(t, now.Add(-24*time.Hour), got.PrevFetchTime)
	assert.Equal(t, now, got.FetchTime)
}

func TestFetchFailureClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		status      crawler.ProtocolStatus
		wantStatus  crawler.CrawlStatus
		wantRetries uint32
		wantTracked []string
	}{
		{"not found", crawler.StatusFromHTTP(404, ""), crawler.CrawlStatusGone, 0, []string{"failed"}},
		{"unknown host", crawler.StatusFailed(crawler.CodeUnknownHost), crawler.CrawlStatusGone, 0, []string{"host_gone", "failed"}},
		{"robots denied", crawler.StatusFailed(crawler.CodeRobotsDenied), crawler.CrawlStatusGone, 0, []string{"failed"}},
		{"blocked", crawler.StatusFromHTTP(429, ""), crawler.CrawlStatusRetry, 1, []string{"failed"}},
		{"canceled", crawler.StatusCanceled("shutdown"), crawler.CrawlStatusRetry, 1, []string{"failed"}},
		{"request timeout", crawler.StatusFailed(crawler.CodeRequestTimeout), crawler.CrawlStatusRetry, 1, []string{"timeout", "failed"}},
		{"driver timeout", crawler.StatusFailed(crawler.CodeDriverTimeout), crawler.CrawlStatusRetry, 1, []string{"timeout", "failed"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			exec, _, tracker := newExecutor(crawler.ProtocolOutput{Status: tc.status}, nil)
			r := crawler.NewRecord("http://example.test/a")
			r.Content = []byte("kept")

			got, err := exec.Fetch(context.Background(), r, defaultOpts())
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, got.CrawlStatus)
			assert.Equal(t, tc.wantRetries, got.FetchRetries)
			assert.Equal(t, tc.wantTracked, tracker.calls)
			assert.Equal(t, "kept", string(got.Content), "failures never replace content")
			assert.Equal(t, uint32(1), got.FetchCount)
		})
	}
}

func TestFetchWouldBlockKeepsCrawlStatus(t *testing.T) {
	t.Parallel()

	exec, _, tracker := newExecutor(crawler.ProtocolOutput{Status: crawler.StatusFailed(crawler.CodeWouldBlock)}, nil)
	r := crawler.NewRecord("http://example.test/a")
	r.CrawlStatus = crawler.CrawlStatusFetched

	got, err := exec.Fetch(context.Background(), r, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, crawler.CrawlStatusFetched, got.CrawlStatus)
	assert.Equal(t, crawler.CodeWouldBlock, got.ProtocolStatus.Minor)
	assert.Equal(t, []string{"failed"}, tracker.calls)
}

func TestFetchRedirectSetsRepr(t *testing.T) {
	t.Parallel()

	exec, _, tracker := newExecutor(crawler.ProtocolOutput{
		Status: crawler.StatusFromHTTP(302, "http://other.test/landing"),
	}, nil)
	r := crawler.NewRecord("http://example.test/a")

	got, err := exec.Fetch(context.Background(), r, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, crawler.CrawlStatusRedirTemp, got.CrawlStatus)
	assert.True(t, got.ProtocolStatus.IsTempMoved())
	assert.Equal(t, "http://other.test/landing", got.ReprURL)
	assert.Equal(t, []string{"moved"}, tracker.calls)
}

func TestFetchRedirectNeverPointsAtItself(t *testing.T) {
	t.Parallel()

	exec, _, _ := newExecutor(crawler.ProtocolOutput{
		Status: crawler.StatusFromHTTP(302, "http://www.a.test/deep/page.html"),
	}, nil)
	r := crawler.NewRecord("http://www.a.test")

	got, err := exec.Fetch(context.Background(), r, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, crawler.CrawlStatusRedirTemp, got.CrawlStatus)
	assert.Empty(t, got.ReprURL)
}

func TestFetchRedirectIgnoresCaseOnlyTarget(t *testing.T) {
	t.Parallel()

	exec, _, _ := newExecutor(crawler.ProtocolOutput{
		Status: crawler.StatusFromHTTP(301, "http://example.test/page"),
	}, nil)
	r := crawler.NewRecord("http://example.test/Page")
	r.ReprURL = "http://example.test/older"

	got, err := exec.Fetch(context.Background(), r, defaultOpts())
	require.NoError(t, err)
	assert.True(t, got.ProtocolStatus.IsMoved())
	assert.Empty(t, got.ReprURL)
}

func TestFetchSuccessClearsRepr(t *testing.T) {
	t.Parallel()

	exec, _, _ := newExecutor(crawler.ProtocolOutput{
		Content:     []byte("<html></html>"),
		ContentType: "text/html",
		Status:      crawler.StatusSuccess(),
	}, nil)
	r := crawler.NewRecord("http://example.test/a")
	r.ProtocolStatus = crawler.StatusMoved("http://example.test/b", true)
	r.ReprURL = "http://example.test/b"

	got, err := exec.Fetch(context.Background(), r, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, crawler.CrawlStatusFetched, got.CrawlStatus)
	assert.Empty(t, got.ReprURL, "a later plain fetch drops the old representative")
}

func TestFetchUnknownCodeRetriesAndWarns(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	exec, _, _ := newExecutor(crawler.ProtocolOutput{
		Status: crawler.ProtocolStatus{Major: crawler.MajorFailed, Minor: crawler.MinorCode(9999)},
	}, zap.New(core))
	r := crawler.NewRecord("http://example.test/a")

	got, err := exec.Fetch(context.Background(), r, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, crawler.CrawlStatusRetry, got.CrawlStatus)
	assert.Equal(t, uint32(1), got.FetchRetries)
	require.Equal(t, 1, logs.FilterMessage("unknown protocol status, scheduling retry").Len())
	assert.Equal(t, "http://example.test/a", logs.All()[0].ContextMap()["url"])
}

func TestFetchUnknownSuccessMinorNeverSucceeds(t *testing.T) {
	t.Parallel()

	exec, _, _ := newExecutor(crawler.ProtocolOutput{
		Content: []byte("x"),
		Status:  crawler.ProtocolStatus{Major: crawler.MajorSuccess, Minor: crawler.MinorCode(299)},
	}, nil)
	got, err := exec.Fetch(context.Background(), crawler.NewRecord("http://example.test/a"), defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, crawler.CrawlStatusRetry, got.CrawlStatus)
	assert.Empty(t, got.Content)
}

func TestFetchWithoutProtocol(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(NewRegistry(), nil, sha256.New(), fixedClock{now}, nil)
	r := crawler.NewRecord("http://example.test/a")
	r.FetchMode = crawler.FetchModeBrowser

	got, err := exec.Fetch(context.Background(), r, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, crawler.CrawlStatusUnfetched, got.CrawlStatus)
	assert.Equal(t, crawler.CodeProtoNotFound, got.ProtocolStatus.Minor)
	assert.Zero(t, got.FetchRetries)
}

func TestFetchContractViolations(t *testing.T) {
	t.Parallel()

	exec, proto, _ := newExecutor(crawler.ProtocolOutput{Status: crawler.StatusSuccess()}, nil)
	ctx := context.Background()

	_, err := exec.Fetch(ctx, nil, defaultOpts())
	assert.ErrorIs(t, err, ErrNilRecord)
	_, err = exec.Fetch(ctx, crawler.NilRecord("http://example.test/"), defaultOpts())
	assert.ErrorIs(t, err, ErrNilRecord)
	_, err = exec.Fetch(ctx, crawler.NewRecord("http://example.test/"), nil)
	assert.ErrorIs(t, err, ErrNilOptions)
	_, err = exec.Fetch(ctx, crawler.NewInternalRecord("http://example.test/"), defaultOpts())
	assert.ErrorIs(t, err, ErrInternalRecord)
	_, err = exec.Fetch(ctx, &crawler.Record{URL: "ftp://example.test/"}, defaultOpts())
	assert.ErrorIs(t, err, crawler.ErrMalformedURL)

	assert.Zero(t, proto.calls)
}

func TestInitEntry(t *testing.T) {
	t.Parallel()

	exec, _, _ := newExecutor(crawler.ProtocolOutput{}, nil)
	opts := crawler.DefaultLoadOptions()
	opts.FetchMode = crawler.FetchModeBrowser
	opts.Parse = true

	r := crawler.NewRecord("http://example.test/a")
	exec.InitEntry(r, opts)
	assert.Equal(t, crawler.FetchModeBrowser, r.FetchMode)
	assert.Equal(t, opts.String(), r.Options)
}
