// Package schedule implements fetch interval and backoff policy.
package schedule

import (
	"bytes"
	"time"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

// Config controls interval adaptation and retry backoff.
type Config struct {
	DefaultInterval time.Duration
	MinInterval     time.Duration
	MaxInterval     time.Duration
	// IncRate grows the interval when content did not change.
	IncRate float64
	// DecRate shrinks the interval when content changed.
	DecRate    float64
	RetryBase  time.Duration
	MaxRetries uint32
}

// DefaultConfig returns the schedule used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		DefaultInterval: 24 * time.Hour,
		MinInterval:     time.Hour,
		MaxInterval:     90 * 24 * time.Hour,
		IncRate:         0.4,
		DecRate:         0.2,
		RetryBase:       time.Hour,
		MaxRetries:      3,
	}
}

// Adaptive adjusts each record's interval from whether its signature changed
// between fetches, and backs off exponentially on retries.
type Adaptive struct {
	cfg Config
}

// NewAdaptive builds an Adaptive schedule; zero fields take defaults.
func NewAdaptive(cfg Config) *Adaptive {
	def := DefaultConfig()
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = def.DefaultInterval
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.IncRate <= 0 {
		cfg.IncRate = def.IncRate
	}
	if cfg.DecRate <= 0 || cfg.DecRate >= 1 {
		cfg.DecRate = def.DecRate
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	return &Adaptive{cfg: cfg}
}

// Config returns the effective configuration.
func (s *Adaptive) Config() Config {
	return s.cfg
}

// ShouldFetch reports whether the record's next fetch time has arrived.
func (s *Adaptive) ShouldFetch(r *crawler.Record, now time.Time) bool {
	if r.Marks.Has(crawler.MarkInactive) {
		return false
	}
	return !r.FetchTime.After(now)
}

// SetFetchSchedule sets the next fetch time after an attempt. It expects
// FetchTime to hold the attempt time, as stamped by the fetch executor.
func (s *Adaptive) SetFetchSchedule(r *crawler.Record, now time.Time) {
	if r.Marks.Has(crawler.MarkInactive) {
		return
	}
	attempt := r.FetchTime
	if attempt.IsZero() || attempt.After(now) {
		attempt = now
	}
	interval := r.FetchInterval
	if interval <= 0 {
		interval = s.cfg.DefaultInterval
	}

	switch {
	case r.CrawlStatus.IsFetched(), r.CrawlStatus.IsRedirect():
		switch changed(r) {
		case changeModified:
			interval = time.Duration(float64(interval) * (1 - s.cfg.DecRate))
			r.PrevModifiedTime = r.ModifiedTime
			r.ModifiedTime = attempt
		case changeUnmodified:
			interval = time.Duration(float64(interval) * (1 + s.cfg.IncRate))
		case changeUnknown:
			if r.ModifiedTime.IsZero() {
				r.ModifiedTime = attempt
			}
		}
		interval = max(interval, s.cfg.MinInterval)
		s.next(r, attempt, interval, interval)
		if interval > s.cfg.MaxInterval {
			s.ForceRefetch(r, now, false)
		}
	case r.CrawlStatus == crawler.CrawlStatusRetry:
		if r.FetchRetries > s.cfg.MaxRetries {
			r.CrawlStatus = crawler.CrawlStatusGone
			s.next(r, attempt, interval, s.cfg.MaxInterval)
			return
		}
		s.next(r, attempt, interval, s.backoff(r.FetchRetries))
	case r.CrawlStatus == crawler.CrawlStatusGone:
		s.next(r, attempt, interval, s.cfg.MaxInterval)
	}
}

// ForceRefetch resets the record so the next attempt is treated as a first
// fetch. asap makes it due immediately.
func (s *Adaptive) ForceRefetch(r *crawler.Record, now time.Time, asap bool) {
	if r.FetchInterval > s.cfg.MaxInterval {
		r.FetchInterval = time.Duration(float64(s.cfg.MaxInterval) * 0.9)
	}
	r.CrawlStatus = crawler.CrawlStatusUnfetched
	r.FetchRetries = 0
	r.Signature = nil
	if asap {
		r.FetchTime = now
	}
}

func (s *Adaptive) next(r *crawler.Record, attempt time.Time, interval, delay time.Duration) {
	r.FetchInterval = interval
	r.PrevFetchTime = attempt
	r.FetchTime = attempt.Add(delay)
}

func (s *Adaptive) backoff(retries uint32) time.Duration {
	if retries == 0 {
		retries = 1
	}
	delay := s.cfg.RetryBase
	for i := uint32(1); i < retries && delay < s.cfg.MaxInterval; i++ {
		delay *= 2
	}
	return min(delay, s.cfg.MaxInterval)
}

type change uint8

const (
	changeUnknown change = iota
	changeModified
	changeUnmodified
)

func changed(r *crawler.Record) change {
	if r.CrawlStatus == crawler.CrawlStatusNotModified {
		return changeUnmodified
	}
	if len(r.PrevSignature) == 0 || len(r.Signature) == 0 {
		return changeUnknown
	}
	if bytes.Equal(r.PrevSignature, r.Signature) {
		return changeUnmodified
	}
	return changeModified
}
