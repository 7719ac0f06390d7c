package headless

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

func TestNewChromedpValidationAndDefaults(t *testing.T) {
	t.Parallel()

	if _, err := NewChromedp(Config{MaxParallel: -1}, nil); err == nil {
		t.Fatal("expected error for negative max parallel")
	}
	b, err := NewChromedp(Config{MaxParallel: 2}, nil)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, 2, cap(b.slots))
	assert.Equal(t, defaultNavigationTimeout, b.cfg.NavigationTimeout)
	assert.Equal(t, defaultReadyTimeout, b.cfg.ReadyTimeout)
	assert.Equal(t, defaultSettleDelay, b.cfg.SettleDelay)

	noSettle, err := NewChromedp(Config{SettleDelay: -1}, nil)
	require.NoError(t, err)
	defer noSettle.Close()
	assert.Zero(t, noSettle.cfg.SettleDelay)
	assert.Nil(t, noSettle.slots)
}

func TestBrowserSlotsHonorContext(t *testing.T) {
	t.Parallel()

	b := &Browser{slots: make(chan struct{}, 1)}
	require.NoError(t, b.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := b.acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	b.release()
	require.NoError(t, b.acquire(context.Background()))
}

func TestStatusFromRunError(t *testing.T) {
	t.Parallel()

	b := &Browser{}
	nav := &phaseError{code: crawler.CodeDriverTimeout, err: context.DeadlineExceeded}
	assert.Equal(t, crawler.CodeDriverTimeout, b.statusFromRunError(context.Background(), nav).Minor)

	ready := &phaseError{code: crawler.CodeDocumentReadyTimeout, err: context.DeadlineExceeded}
	assert.Equal(t, crawler.CodeDocumentReadyTimeout, b.statusFromRunError(context.Background(), ready).Minor)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, b.statusFromRunError(canceled, nav).IsCanceled(), "caller cancellation wins over phase deadlines")

	other := b.statusFromRunError(context.Background(), errors.New("tab crashed"))
	assert.Equal(t, crawler.CodeException, other.Minor)
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	src := http.Header{"X-Multi": {"a", "b"}, "X-One": {"c"}, "X-Empty": {}}
	got := toNetworkHeaders(src)
	assert.Equal(t, []string{"a", "b"}, got["X-Multi"])
	assert.Equal(t, "c", got["X-One"])
	_, ok := got["X-Empty"]
	assert.False(t, ok)
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeImage,
		Response: &network.Response{Status: 500, URL: "https://example.com/logo.png"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  404,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc", "X-Many": []any{"1", "2"}},
		},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://example.com/req", "")
	assert.Equal(t, 404, status)
	assert.Equal(t, "abc", headers.Get("X-Request-ID"))
	assert.Equal(t, []string{"1", "2"}, headers.Values("X-Many"))
	assert.Equal(t, "https://example.com/rendered", url)

	status, _, url = newResponseMeta().snapshotWithFallbacks("https://example.com/req", "https://example.com/final")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "https://example.com/final", url)

	_, _, url = newResponseMeta().snapshotWithFallbacks("https://example.com/req", "")
	assert.Equal(t, "https://example.com/req", url)
}

func TestUnavailableReportsMissingBackend(t *testing.T) {
	t.Parallel()

	out := Unavailable{}.Fetch(context.Background(), crawler.NewRecord("https://example.com/"))
	assert.Equal(t, crawler.CodeProtoNotFound, out.Status.Minor)
	assert.Equal(t, "https://example.com/", out.Status.Arg(crawler.ArgURL))
}
