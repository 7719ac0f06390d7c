package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/queue/memory"
)

type loadCall struct {
	url  string
	opts crawler.LoadOptions
}

type fakeLoader struct {
	mu      sync.Mutex
	calls   []loadCall
	results map[string]*crawler.Record
	errs    map[string]error
}

func (l *fakeLoader) Load(_ context.Context, url string, opts crawler.LoadOptions) (*crawler.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, loadCall{url: url, opts: opts})
	if err := l.errs[url]; err != nil {
		return nil, err
	}
	if r, ok := l.results[url]; ok {
		return r, nil
	}
	r := crawler.NewRecord(url)
	r.FetchCount = 1
	return r, nil
}

func fill(t *testing.T, entries ...crawler.FrontierEntry) *memory.Queue {
	t.Helper()
	q := memory.NewQueue(len(entries))
	for _, e := range entries {
		require.NoError(t, q.Enqueue(context.Background(), e))
	}
	q.Close()
	return q
}

func entry(url string) crawler.FrontierEntry {
	return crawler.FrontierEntry{URL: url, Record: crawler.NewRecord(url)}
}

func TestWorkerDrainsQueue(t *testing.T) {
	t.Parallel()

	stale := crawler.NewRecord("https://b.test/")
	loader := &fakeLoader{
		results: map[string]*crawler.Record{
			"https://b.test/": stale,
			"https://c.test/": crawler.InFlightRecord("https://c.test/"),
		},
		errs: map[string]error{"https://d.test/": errors.New("store down")},
	}
	q := fill(t, entry("https://a.test/"), entry("https://b.test/"), entry("https://c.test/"), entry("https://d.test/"))
	stats := &Stats{}

	done := make(chan struct{})
	go func() {
		New(q, loader, crawler.DefaultLoadOptions(), stats, nil).Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue drained")
	}

	assert.Len(t, loader.calls, 4)
	assert.Equal(t, map[string]int64{"loaded": 1, "skipped": 1, "in_flight": 1, "failed": 1}, stats.Snapshot())
}

func TestWorkerForcesDueOptions(t *testing.T) {
	t.Parallel()

	stored := crawler.NewRecord("https://a.test/")
	stored.Options = "--parse --fetch-mode browser"
	loader := &fakeLoader{}
	q := fill(t, crawler.FrontierEntry{URL: stored.URL, Record: stored}, entry("https://b.test/"))

	New(q, loader, crawler.DefaultLoadOptions(), nil, nil).Run(context.Background())

	require.Len(t, loader.calls, 2)
	first := loader.calls[0].opts
	assert.True(t, first.Parse)
	assert.Equal(t, crawler.FetchModeBrowser, first.FetchMode)
	assert.Zero(t, first.Expires)
	assert.True(t, first.RetryFailed)

	second := loader.calls[1].opts
	assert.False(t, second.Parse)
	assert.True(t, second.Persist)
	assert.Zero(t, second.Expires)
}

func TestWorkerIgnoresBadStoredOptions(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	stored := crawler.NewRecord("https://a.test/")
	stored.Options = "--bogus"
	loader := &fakeLoader{}
	q := fill(t, crawler.FrontierEntry{URL: stored.URL, Record: stored})

	New(q, loader, crawler.DefaultLoadOptions(), nil, zap.New(core)).Run(context.Background())

	require.Len(t, loader.calls, 1)
	assert.True(t, loader.calls[0].opts.Persist)
	assert.Equal(t, 1, logs.FilterMessage("ignoring stored load options").Len())
}

func TestWorkerStopsOnCancel(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(q, &fakeLoader{}, crawler.DefaultLoadOptions(), nil, nil).Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
