package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/app"
	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

type mockApp struct {
	mock.Mock
}

func (m *mockApp) Logger() *zap.Logger { return zap.NewNop() }

func (m *mockApp) Options(args string) (crawler.LoadOptions, error) {
	ret := m.Called(args)
	return ret.Get(0).(crawler.LoadOptions), ret.Error(1)
}

func (m *mockApp) Seed(ctx context.Context, urls []string) (int, error) {
	ret := m.Called(ctx, urls)
	return ret.Int(0), ret.Error(1)
}

func (m *mockApp) Load(ctx context.Context, urls []string, opts crawler.LoadOptions) ([]*crawler.Record, error) {
	ret := m.Called(ctx, urls, opts)
	records, _ := ret.Get(0).([]*crawler.Record)
	return records, ret.Error(1)
}

func (m *mockApp) Generate(ctx context.Context) (frontier.Batch, error) {
	ret := m.Called(ctx)
	return ret.Get(0).(frontier.Batch), ret.Error(1)
}

func (m *mockApp) Crawl(ctx context.Context, rounds int) (app.CrawlReport, error) {
	ret := m.Called(ctx, rounds)
	return ret.Get(0).(app.CrawlReport), ret.Error(1)
}

func (m *mockApp) Serve(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockApp) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// run executes the root command against m and returns stdout.
func run(t *testing.T, m *mockApp, args ...string) (string, error) {
	t.Helper()
	prev := newApp
	newApp = func(context.Context, string) (App, error) { return m, nil }
	t.Cleanup(func() { newApp = prev })

	m.On("Close", mock.Anything).Return(nil).Once()
	root, sess := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	require.NoError(t, sess.close(context.Background()))
	return out.String(), err
}

func fetched(url string) *crawler.Record {
	r := crawler.NewRecord(url)
	r.CrawlStatus = crawler.CrawlStatusFetched
	r.ProtocolStatus = crawler.StatusSuccess()
	r.FetchCount = 1
	return r
}

func TestLoadCommand(t *testing.T) {
	m := &mockApp{}
	opts := crawler.DefaultLoadOptions()
	opts.Parse = true
	m.On("Options", "--parse").Return(opts, nil)
	m.On("Seed", mock.Anything, []string{"https://a.test/"}).Return(1, nil)
	m.On("Load", mock.Anything, []string{"https://a.test/"}, opts).
		Return([]*crawler.Record{fetched("https://a.test/")}, nil)

	out, err := run(t, m, "load", "--seed", "--options", "--parse", "https://a.test/")
	require.NoError(t, err)
	assert.Contains(t, out, "https://a.test/\tFETCHED")
	assert.Contains(t, out, "fetches=1")
	m.AssertExpectations(t)
}

func TestLoadCommandReportsErrors(t *testing.T) {
	m := &mockApp{}
	m.On("Options", "").Return(crawler.DefaultLoadOptions(), nil)
	m.On("Load", mock.Anything, []string{"bad"}, crawler.DefaultLoadOptions()).
		Return(nil, crawler.ErrMalformedURL)

	_, err := run(t, m, "load", "bad")
	require.ErrorIs(t, err, crawler.ErrMalformedURL)
	m.AssertNotCalled(t, "Seed", mock.Anything, mock.Anything)
}

func TestLoadCommandRequiresURL(t *testing.T) {
	m := &mockApp{}
	_, err := run(t, m, "load")
	require.Error(t, err)
}

func TestGenerateCommand(t *testing.T) {
	m := &mockApp{}
	m.On("Generate", mock.Anything).Return(frontier.Batch{
		ID:      "batch-1",
		Scanned: 10,
		Entries: []crawler.FrontierEntry{{URL: "https://a.test/x"}, {URL: "https://a.test/y"}},
	}, nil)

	out, err := run(t, m, "generate")
	require.NoError(t, err)
	assert.Contains(t, out, "batch batch-1 scanned=10 selected=2")
	assert.Contains(t, out, "https://a.test/y\n")
}

func TestCrawlCommandSeedsFirst(t *testing.T) {
	m := &mockApp{}
	seeds := []string{"https://a.test/", "https://b.test/"}
	m.On("Seed", mock.Anything, seeds).Return(2, nil)
	m.On("Options", "").Return(crawler.DefaultLoadOptions(), nil)
	m.On("Load", mock.Anything, seeds, crawler.DefaultLoadOptions()).Return(nil, errors.New("one failed"))
	m.On("Crawl", mock.Anything, 3).Return(app.CrawlReport{
		Rounds:    3,
		Generated: 12,
		Counters:  map[string]int64{"selected": 12, "worker_loaded": 11},
	}, nil)

	out, err := run(t, m, "crawl", "--rounds", "3", "--seed", "https://a.test/", "--seed", "https://b.test/")
	require.NoError(t, err)
	assert.Contains(t, out, "rounds=3 generated=12")
	assert.Contains(t, out, "selected\t12\nworker_loaded\t11\n")
	m.AssertExpectations(t)
}

func TestCrawlCommandError(t *testing.T) {
	m := &mockApp{}
	m.On("Crawl", mock.Anything, 0).Return(app.CrawlReport{}, context.Canceled)

	_, err := run(t, m, "crawl")
	require.ErrorIs(t, err, context.Canceled)
}

func TestServeCommand(t *testing.T) {
	m := &mockApp{}
	m.On("Serve", mock.Anything).Return(nil)

	_, err := run(t, m, "serve")
	require.NoError(t, err)
	m.AssertExpectations(t)
}

func TestAppFactoryFailure(t *testing.T) {
	prev := newApp
	newApp = func(context.Context, string) (App, error) { return nil, errors.New("boom") }
	t.Cleanup(func() { newApp = prev })

	root, sess := newRootCmd()
	root.SetArgs([]string{"generate"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "failed to initialize application services")
	require.NoError(t, sess.close(context.Background()))
}

func TestResolveAppWithoutApp(t *testing.T) {
	_, err := resolveApp(context.Background())
	require.Error(t, err)
}
