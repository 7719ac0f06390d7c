package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/crawl-frontier/internal/config"
	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	pubmemory "github.com/JakeFAU/crawl-frontier/internal/publisher/memory"
	"github.com/JakeFAU/crawl-frontier/internal/storage"
	"github.com/JakeFAU/crawl-frontier/internal/storage/memory"
)

// site serves canned pages; unknown URLs answer 404.
type site map[string]string

func (s site) Fetch(_ context.Context, r *crawler.Record) crawler.ProtocolOutput {
	body, ok := s[r.URL]
	if !ok {
		return crawler.ProtocolOutput{Status: crawler.StatusFailed(crawler.CodeNotFound, crawler.ArgURL, r.URL)}
	}
	return crawler.ProtocolOutput{
		Content:     []byte(body),
		ContentType: "text/html; charset=utf-8",
		Headers:     http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Status:      crawler.StatusSuccess(),
	}
}

var testSite = site{
	"https://site.test/":  `<html><body><a href="/a">a</a><a href="/b">b</a></body></html>`,
	"https://site.test/a": `<html><body><a href="/c">c</a></body></html>`,
	"https://site.test/b": `<html><body>leaf</body></html>`,
	"https://site.test/c": `<html><body><a href="/">home</a></body></html>`,
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Load.DefaultOptions = "--parse"
	cfg.Generate.Workers = 2
	cfg.Fetch.RespectRobots = false
	return cfg
}

func buildTestApp(t *testing.T, cfg config.Config, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop()), WithNativeProtocol(testSite)}, opts...)
	a, err := Build(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func TestSeedSkipsKnownURLs(t *testing.T) {
	t.Parallel()

	store := memory.NewRecordStore()
	a := buildTestApp(t, testConfig(t), WithStore(store))

	added, err := a.Seed(context.Background(), []string{"https://site.test/", "https://other.test/"})
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	added, err = a.Seed(context.Background(), []string{"https://site.test/"})
	require.NoError(t, err)
	assert.Zero(t, added)

	r, err := store.GetOrNil(context.Background(), "https://site.test/")
	require.NoError(t, err)
	assert.True(t, r.IsSeed())
	assert.Zero(t, r.Distance)
}

func TestSeedStoreFailure(t *testing.T) {
	t.Parallel()

	store := &storage.MockRecordStore{}
	boom := errors.New("store down")
	store.On("GetOrNil", mock.Anything, "https://site.test/").Return(crawler.NilRecord("https://site.test/"), nil)
	store.On("Put", mock.Anything, mock.MatchedBy(func(r *crawler.Record) bool { return r.IsSeed() })).Return(boom)
	store.On("Flush", mock.Anything).Return(nil)

	a := buildTestApp(t, testConfig(t), WithStore(store))
	added, err := a.Seed(context.Background(), []string{"https://site.test/"})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, added)
}

func TestLoadFetchesAndDiscoversLinks(t *testing.T) {
	t.Parallel()

	store := memory.NewRecordStore()
	a := buildTestApp(t, testConfig(t), WithStore(store))
	ctx := context.Background()

	_, err := a.Seed(ctx, []string{"https://site.test/"})
	require.NoError(t, err)
	opts, err := a.Options("")
	require.NoError(t, err)
	require.True(t, opts.Parse)

	records, err := a.Load(ctx, []string{"https://site.test/"}, opts)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, crawler.CrawlStatusFetched, records[0].CrawlStatus)
	assert.Equal(t, uint32(1), records[0].FetchCount)

	for _, u := range []string{"https://site.test/a", "https://site.test/b"} {
		r, err := store.GetOrNil(ctx, u)
		require.NoError(t, err)
		require.False(t, r.IsNil(), u)
		assert.Equal(t, uint32(1), r.Distance, u)
		assert.True(t, r.ProtocolStatus.IsNotFetched(), u)
	}
}

func TestCrawlRunsUntilFrontierIsEmpty(t *testing.T) {
	t.Parallel()

	store := memory.NewRecordStore()
	a := buildTestApp(t, testConfig(t), WithStore(store))
	ctx := context.Background()

	opts, err := a.Options("")
	require.NoError(t, err)
	_, err = a.Seed(ctx, []string{"https://site.test/"})
	require.NoError(t, err)
	_, err = a.Load(ctx, []string{"https://site.test/"}, opts)
	require.NoError(t, err)

	report, err := a.Crawl(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Rounds)
	assert.Equal(t, 3, report.Generated)
	assert.Equal(t, int64(3), report.Counters["worker_loaded"])

	c, err := store.GetOrNil(ctx, "https://site.test/c")
	require.NoError(t, err)
	assert.Equal(t, crawler.CrawlStatusFetched, c.CrawlStatus)
	assert.Equal(t, uint32(2), c.Distance)
}

func TestCrawlStopsAfterRounds(t *testing.T) {
	t.Parallel()

	a := buildTestApp(t, testConfig(t), WithStore(memory.NewRecordStore()))
	ctx := context.Background()

	opts, err := a.Options("")
	require.NoError(t, err)
	_, err = a.Seed(ctx, []string{"https://site.test/"})
	require.NoError(t, err)
	_, err = a.Load(ctx, []string{"https://site.test/"}, opts)
	require.NoError(t, err)

	report, err := a.Crawl(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rounds)
	assert.Equal(t, 2, report.Generated)
}

func TestCrawlCanceled(t *testing.T) {
	t.Parallel()

	a := buildTestApp(t, testConfig(t), WithStore(memory.NewRecordStore()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Crawl(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestOptionsParsesDirectives(t *testing.T) {
	t.Parallel()

	a := buildTestApp(t, testConfig(t), WithStore(memory.NewRecordStore()))
	opts, err := a.Options("--expires 2d --fetch-mode browser")
	require.NoError(t, err)
	assert.Equal(t, crawler.FetchModeBrowser, opts.FetchMode)

	_, err = a.Options("--no-such-flag")
	require.Error(t, err)
}

func TestBrowserModeWithoutHeadless(t *testing.T) {
	t.Parallel()

	store := memory.NewRecordStore()
	a := buildTestApp(t, testConfig(t), WithStore(store))
	opts, err := a.Options("--fetch-mode browser")
	require.NoError(t, err)

	records, err := a.Load(context.Background(), []string{"https://site.test/b"}, opts)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].ProtocolStatus.IsFailed())
}

func TestBuildRejectsBadDefaultOptions(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Load.DefaultOptions = "--no-such-flag"
	_, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()), WithStore(memory.NewRecordStore()))
	require.Error(t, err)
}

func TestBuildSQLiteStore(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	cfg := testConfig(t)
	cfg.Store.Backend = config.StoreSQLite
	cfg.Store.DSN = filepath.Join(t.TempDir(), "frontier.db")

	a, err := Build(context.Background(), cfg, WithLogger(zap.New(core)), WithNativeProtocol(testSite))
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("using sqlite record store").Len())

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, a.Close(context.Background()))
	assert.Equal(t, 1, logs.FilterMessage("shutdown complete").Len())
}

func TestHandlerServesCounters(t *testing.T) {
	t.Parallel()

	a := buildTestApp(t, testConfig(t), WithStore(memory.NewRecordStore()))
	ctx := context.Background()
	opts, err := a.Options("")
	require.NoError(t, err)
	_, err = a.Seed(ctx, []string{"https://site.test/"})
	require.NoError(t, err)
	_, err = a.Load(ctx, []string{"https://site.test/"}, opts)
	require.NoError(t, err)
	_, err = a.Generate(ctx)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/filter/counters", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "selected")
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Server.Port = 0
	a := buildTestApp(t, cfg, WithStore(memory.NewRecordStore()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()
	cancel()
	require.NoError(t, <-done)
}

func TestGenerateAnnouncesBatch(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New(0)
	cfg := testConfig(t)
	cfg.Publish.Topic = "frontier-batches"
	a := buildTestApp(t, cfg, WithStore(memory.NewRecordStore()), WithPublisher(pub))
	ctx := context.Background()

	_, err := a.Seed(ctx, []string{"https://site.test/"})
	require.NoError(t, err)
	batch, err := a.Generate(ctx)
	require.NoError(t, err)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "frontier-batches", msgs[0].Topic)
	notice, ok := msgs[0].Payload.(frontier.BatchNotice)
	require.True(t, ok)
	assert.Equal(t, batch.ID, notice.BatchID)
	assert.Len(t, notice.URLs, len(batch.Entries))
}

func TestBuildWithoutPubsubWarns(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	a, err := Build(context.Background(), testConfig(t),
		WithLogger(zap.New(core)), WithNativeProtocol(testSite), WithStore(memory.NewRecordStore()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	assert.Equal(t, 1, logs.FilterMessage("pubsub not configured; batch notices stay in memory").Len())
	_, ok := a.publisher.(*pubmemory.Publisher)
	assert.True(t, ok)
}
