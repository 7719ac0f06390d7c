// Package headless contains protocol backends that render pages in a browser.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultReadyTimeout      = 15 * time.Second
	defaultSettleDelay       = 500 * time.Millisecond
)

// Config controls the browser backend.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	ReadyTimeout      time.Duration
	// SettleDelay is waited after the document is ready so late scripts can
	// finish mutating the DOM.
	SettleDelay time.Duration
	Headers     http.Header
}

// Browser implements crawler.Protocol with headless Chrome.
type Browser struct {
	cfg         Config
	slots       chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewChromedp starts an exec allocator. Chrome itself is launched lazily on
// the first fetch.
func NewChromedp(cfg Config, logger *zap.Logger) (*Browser, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	} else if cfg.SettleDelay == 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var slots chan struct{}
	if cfg.MaxParallel > 0 {
		slots = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Browser{
		cfg:         cfg,
		slots:       slots,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

// Close shuts the browser down.
func (b *Browser) Close() {
	b.allocCancel()
}

// Fetch renders r.URL and returns the serialized DOM. Navigation and
// readiness deadlines map to DRIVER_TIMEOUT and DOCUMENT_READY_TIMEOUT.
func (b *Browser) Fetch(ctx context.Context, r *crawler.Record) crawler.ProtocolOutput {
	if err := b.acquire(ctx); err != nil {
		return crawler.ProtocolOutput{Status: crawler.StatusFromError(err)}
	}
	defer b.release()

	tabCtx, tabCancel := chromedp.NewContext(b.allocator)
	defer tabCancel()
	// Tie the tab to the caller without letting the caller's cancellation
	// tear down the shared allocator.
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	html, finalURL, err := b.render(tabCtx, r.URL)
	if err != nil {
		status := b.statusFromRunError(ctx, err)
		b.logger.Debug("browser fetch failed",
			zap.String("url", r.URL),
			zap.Stringer("status", status),
			zap.Error(err),
		)
		return crawler.ProtocolOutput{Status: status}
	}

	code, headers, location := meta.snapshotWithFallbacks(r.URL, finalURL)
	if headers == nil {
		headers = http.Header{}
	}
	return crawler.ProtocolOutput{
		Content:     []byte(html),
		ContentType: "text/html",
		Location:    location,
		Headers:     headers,
		Status:      crawler.StatusFromHTTP(code, headers.Get("Location")),
	}
}

// phaseError records which deadline expired.
type phaseError struct {
	code crawler.MinorCode
	err  error
}

func (e *phaseError) Error() string { return fmt.Sprintf("%s: %v", e.code, e.err) }
func (e *phaseError) Unwrap() error { return e.err }

func (b *Browser) render(ctx context.Context, url string) (string, string, error) {
	if err := chromedp.Run(ctx, b.networkSetupAction()); err != nil {
		return "", "", fmt.Errorf("chromedp setup: %w", err)
	}
	if err := b.phase(ctx, b.cfg.NavigationTimeout, crawler.CodeDriverTimeout, chromedp.Navigate(url)); err != nil {
		return "", "", err
	}
	if err := b.phase(ctx, b.cfg.ReadyTimeout, crawler.CodeDocumentReadyTimeout,
		chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return "", "", err
	}

	var html, finalURL string
	err := chromedp.Run(ctx,
		chromedp.Sleep(b.cfg.SettleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", "", fmt.Errorf("chromedp capture: %w", err)
	}
	return html, finalURL, nil
}

// phase runs actions under their own deadline. The tab context itself stays
// alive when the phase deadline expires.
func (b *Browser) phase(ctx context.Context, timeout time.Duration, code crawler.MinorCode, actions ...chromedp.Action) error {
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(ctx, actions...)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("chromedp %s: %w", code, err)
		}
		return nil
	case <-timer.C:
		return &phaseError{code: code, err: context.DeadlineExceeded}
	}
}

func (b *Browser) statusFromRunError(callerCtx context.Context, err error) crawler.ProtocolStatus {
	if cerr := callerCtx.Err(); cerr != nil {
		return crawler.StatusFromError(cerr)
	}
	var pe *phaseError
	if errors.As(err, &pe) {
		return crawler.StatusFailed(pe.code, crawler.ArgReason, err.Error())
	}
	return crawler.StatusFromError(err)
}

func (b *Browser) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(b.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(b.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (b *Browser) acquire(ctx context.Context) error {
	if b.slots == nil {
		return nil
	}
	select {
	case b.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (b *Browser) release() {
	if b.slots == nil {
		return
	}
	select {
	case <-b.slots:
	default:
	}
}

// responseMeta captures the main document response seen by the tab.
type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

// snapshotWithFallbacks returns status, headers and the document URL. A page
// that rendered without a captured document response counts as 200.
func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()

	switch {
	case finalURL != "":
		url = finalURL
	case url == "":
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
