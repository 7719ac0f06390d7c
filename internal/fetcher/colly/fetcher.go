// Package collyfetcher implements the native HTTP protocol using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodySize   int
	// Headers are added to every request.
	Headers http.Header
}

// HostLimiter paces requests per host.
type HostLimiter interface {
	Wait(ctx context.Context, rawURL string) error
	Pause(rawURL string, d time.Duration)
}

// Fetcher fetches one URL per call with its own Colly collector. Collectors
// share the HTTP backend with their clones, so each fetch builds a fresh one
// over the shared transport. Redirects are not followed; they surface as
// MOVED or TEMP_MOVED so the executor can pick a representative URL.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
	limiter   HostLimiter
	logger    *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter HostLimiter, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:       cfg,
		transport: newHTTPTransport(),
		limiter:   limiter,
		logger:    logger,
	}
}

// attempt collects what the hooks saw during one visit.
type attempt struct {
	out      crawler.ProtocolOutput
	answered bool
	err      error
}

// Fetch executes a single HTTP GET. Failures are reported in the returned
// status, never as errors.
func (f *Fetcher) Fetch(ctx context.Context, r *crawler.Record) crawler.ProtocolOutput {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, r.URL); err != nil {
			return crawler.ProtocolOutput{Status: crawler.StatusFromError(err)}
		}
	}

	var a attempt
	collector, robots := f.buildCollector(r, &a)
	err := f.runCollector(ctx, collector, r.URL)
	out := f.result(r, &a, err)
	robots.annotate(&out)
	if out.Status.Minor == crawler.CodeBlocked && f.limiter != nil {
		if d := retryAfter(out.Headers); d > 0 {
			f.limiter.Pause(r.URL, d)
		}
	}
	f.logger.Debug("http fetch",
		zap.String("url", r.URL),
		zap.Stringer("status", out.Status),
		zap.Int("bytes", len(out.Content)),
	)
	return out
}

func (f *Fetcher) result(r *crawler.Record, a *attempt, visitErr error) crawler.ProtocolOutput {
	switch {
	case errors.Is(visitErr, colly.ErrRobotsTxtBlocked):
		return crawler.ProtocolOutput{Status: crawler.StatusFailed(crawler.CodeRobotsDenied, crawler.ArgURL, r.URL)}
	case visitErr != nil:
		return crawler.ProtocolOutput{Status: crawler.StatusFromError(visitErr)}
	case a.err != nil && !a.answered:
		return crawler.ProtocolOutput{Status: crawler.StatusFromError(a.err)}
	case !a.answered:
		return crawler.ProtocolOutput{Status: crawler.StatusFailed(crawler.CodeException, crawler.ArgReason, "no response")}
	}
	return a.out
}

func (f *Fetcher) buildCollector(r *crawler.Record, a *attempt) (*colly.Collector, *robotsGuard) {
	collector := colly.NewCollector(colly.Async(false))
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	if f.cfg.MaxBodySize > 0 {
		collector.MaxBodySize = f.cfg.MaxBodySize
	}
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.SetRedirectHandler(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	})

	var robots *robotsGuard
	if f.cfg.RespectRobots {
		robots = newRobotsGuard(f.transport)
		collector.WithTransport(robots)
	} else {
		collector.WithTransport(f.transport)
	}

	f.configureCollectorHooks(collector, r, a)
	return collector, robots
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, r *crawler.Record, a *attempt) {
	hooks.OnRequest(func(req *colly.Request) {
		f.copyHeaders(req)
		if r.CrawlStatus.IsFetched() && !r.ModifiedTime.IsZero() {
			req.Headers.Set("If-Modified-Since", r.ModifiedTime.UTC().Format(http.TimeFormat))
		}
	})

	hooks.OnResponse(func(resp *colly.Response) {
		a.answered = true
		var headers http.Header
		if resp.Headers != nil {
			headers = resp.Headers.Clone()
		}
		location := ""
		if loc := headers.Get("Location"); loc != "" {
			location = resp.Request.AbsoluteURL(loc)
		}
		a.out = crawler.ProtocolOutput{
			Content:     append([]byte(nil), resp.Body...),
			ContentType: headers.Get("Content-Type"),
			Location:    resp.Request.URL.String(),
			Headers:     headers,
			Status:      crawler.StatusFromHTTP(resp.StatusCode, location),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		a.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(req *colly.Request) {
	for key, values := range f.cfg.Headers {
		for _, v := range values {
			req.Headers.Add(key, v)
		}
	}
}

// retryAfter reads a Retry-After header given in seconds.
func retryAfter(h http.Header) time.Duration {
	secs, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
