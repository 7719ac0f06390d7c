// Package frontier decides which stored records are eligible for the next
// fetch round and generates batches of them.
package frontier

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

// Config tunes the generate-time filter.
type Config struct {
	MaxDistance     uint32
	RegenerateSeeds bool
	// Regenerate re-selects records already claimed by an earlier pass.
	Regenerate bool
	Normalize  bool
	Filter     bool
	// NormalizeScope is passed to the URL normalizer.
	NormalizeScope string
	Bounds         crawler.KeyRange
	KeyRanges      []crawler.KeyRange
	// LowWatermark enables ahead-of-schedule selection when the previous
	// pass generated fewer rows than this.
	LowWatermark  int64
	AheadWindow   time.Duration
	AheadMinGap   time.Duration
	ReclaimMinAge time.Duration
	ReclaimMaxAge time.Duration
}

// DefaultConfig returns the filter configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		MaxDistance:    crawler.DistanceInfinite,
		Normalize:      true,
		Filter:         true,
		NormalizeScope: "generate",
		AheadWindow:    6 * time.Hour,
		AheadMinGap:    6 * time.Hour,
		ReclaimMinAge:  24 * time.Hour,
		ReclaimMaxAge:  72 * time.Hour,
	}
}

// Deps are the collaborators a Filter consults. Nil members are skipped.
type Deps struct {
	Schedule    crawler.FetchSchedule
	Unreachable crawler.HostSet
	BannedURLs  URLSet
	Normalizer  crawler.URLNormalizer
	URLFilter   crawler.URLFilter
	Counters    *Counters
	Logger      *zap.Logger
}

// URLSet is a fixed set of URLs.
type URLSet map[string]struct{}

// NewURLSet builds a URLSet from urls.
func NewURLSet(urls ...string) URLSet {
	s := make(URLSet, len(urls))
	for _, u := range urls {
		s[u] = struct{}{}
	}
	return s
}

// Contains reports whether url is in the set.
func (s URLSet) Contains(url string) bool {
	_, ok := s[url]
	return ok
}

// Filter selects records for a generation pass. It is safe for concurrent use.
type Filter struct {
	cfg      Config
	deps     Deps
	counters *Counters
	logger   *zap.Logger

	lastGeneratedRows atomic.Int64
}

// NewFilter builds a Filter. deps.Schedule is required.
func NewFilter(cfg Config, deps Deps) *Filter {
	if deps.Schedule == nil {
		panic("frontier: nil schedule")
	}
	counters := deps.Counters
	if counters == nil {
		counters = NewCounters()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filter{cfg: cfg, deps: deps, counters: counters, logger: logger}
}

// Counters exposes the decision counters.
func (f *Filter) Counters() *Counters {
	return f.counters
}

// SetLastGeneratedRows records the size of the previous pass.
func (f *Filter) SetLastGeneratedRows(n int64) {
	f.lastGeneratedRows.Store(n)
}

// ShouldSelect reports whether r belongs in the next batch. Every rejection
// increments the counter naming the failed check.
func (f *Filter) ShouldSelect(r *crawler.Record, now time.Time) bool {
	if r == nil || r.IsNil() || r.IsInFlight() || r.IsInternal() {
		return false
	}
	if r.IsSeed() && f.cfg.RegenerateSeeds {
		f.counters.Inc(ReasonSeeds)
		return true
	}
	if !f.checkSchedule(r, now) {
		return false
	}
	if !f.checkHost(r) {
		return false
	}
	if !f.checkClaim(r, now) {
		return false
	}
	if r.Distance > f.cfg.MaxDistance {
		f.counters.Inc(ReasonTooDeep)
		return false
	}
	if !f.checkKeyRange(r) {
		return false
	}
	if !f.checkURL(r) {
		return false
	}
	f.counters.Inc(ReasonSelected)
	return true
}

func (f *Filter) checkSchedule(r *crawler.Record, now time.Time) bool {
	if f.deps.Schedule.ShouldFetch(r, now) {
		return true
	}
	if r.Marks.Has(crawler.MarkInactive) {
		f.counters.Inc(ReasonInactive)
		return false
	}
	if f.aheadOfSchedule(r, now) {
		f.counters.Inc(ReasonAhead)
		if r.IsSeed() {
			f.counters.Inc(ReasonSeedAhead)
		}
		return true
	}
	f.counters.Inc(laterReason(int(r.FetchTime.Sub(now) / (24 * time.Hour))))
	return false
}

func (f *Filter) aheadOfSchedule(r *crawler.Record, now time.Time) bool {
	rows := f.lastGeneratedRows.Load()
	if rows <= 0 || rows >= f.cfg.LowWatermark {
		return false
	}
	if r.FetchTime.Sub(now) > f.cfg.AheadWindow {
		return false
	}
	return now.Sub(r.PrevFetchTime) > f.cfg.AheadMinGap
}

func (f *Filter) checkHost(r *crawler.Record) bool {
	host := crawler.HostOf(r.URL)
	if host == "" {
		f.counters.Inc(ReasonURLMalformed)
		return false
	}
	if f.deps.Unreachable != nil && f.deps.Unreachable.Contains(host) {
		f.counters.Inc(ReasonHostGone)
		return false
	}
	if f.deps.BannedURLs.Contains(r.URL) {
		f.counters.Inc(ReasonBanned)
		return false
	}
	return true
}

// checkClaim lets a claimed record through only when regeneration is on or
// the claim looks abandoned.
func (f *Filter) checkClaim(r *crawler.Record, now time.Time) bool {
	if !r.Marks.Has(crawler.MarkGenerate) || f.cfg.Regenerate {
		return true
	}
	age := now.Sub(r.GenerateTime)
	if age > f.cfg.ReclaimMinAge && age <= f.cfg.ReclaimMaxAge {
		f.counters.Inc(ReasonReclaimed)
		f.logger.Debug("reclaiming stale claim",
			zap.String("url", r.URL),
			zap.String("batch_id", r.BatchID),
			zap.Duration("age", age),
		)
		return true
	}
	f.counters.Inc(ReasonGenerated)
	return false
}

func (f *Filter) checkKeyRange(r *crawler.Record) bool {
	key := r.ReversedKey
	if key == "" {
		var err error
		if key, err = crawler.ReverseURL(r.URL); err != nil {
			f.counters.Inc(ReasonURLMalformed)
			return false
		}
	}
	if f.cfg.Bounds.Before(key) {
		f.counters.Inc(ReasonBeforeStart)
		return false
	}
	if f.cfg.Bounds.After(key) {
		f.counters.Inc(ReasonAfterEnd)
		return false
	}
	if len(f.cfg.KeyRanges) == 0 {
		return true
	}
	for _, rng := range f.cfg.KeyRanges {
		if rng.Contains(key) {
			return true
		}
	}
	f.counters.Inc(ReasonNotInRange)
	return false
}

func (f *Filter) checkURL(r *crawler.Record) bool {
	u := r.URL
	if f.cfg.Normalize && f.deps.Normalizer != nil {
		normalized, ok := f.deps.Normalizer.Normalize(u, f.cfg.NormalizeScope)
		if !ok {
			f.counters.Inc(ReasonNotNormal)
			return false
		}
		u = normalized
	}
	if f.cfg.Filter && f.deps.URLFilter != nil {
		if _, ok := f.deps.URLFilter.Filter(u); !ok {
			f.counters.Inc(ReasonURLFiltered)
			return false
		}
	}
	return true
}
