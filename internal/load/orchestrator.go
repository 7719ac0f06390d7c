// Package load decides, per URL, whether to serve a stored record or fetch a
// fresh one, and drives the fetch, parse, schedule and persist pipeline.
package load

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/metrics"
)

const defaultBatchParallelism = 8

// Fetcher runs one attempt and reconciles it into the record.
type Fetcher interface {
	InitEntry(r *crawler.Record, opts crawler.LoadOptions)
	Fetch(ctx context.Context, r *crawler.Record, opts *crawler.LoadOptions) (*crawler.Record, error)
}

// FailureTracker reports URLs whose last fetch failed.
type FailureTracker interface {
	IsFailed(url string) bool
}

// Config tunes batch loading.
type Config struct {
	BatchParallelism int
}

// Deps are the collaborators of an Orchestrator. Parser and Tracker may be
// nil.
type Deps struct {
	Store    crawler.RecordStore
	Fetcher  Fetcher
	Schedule crawler.FetchSchedule
	Parser   crawler.Parser
	Tracker  FailureTracker
	InFlight *InFlight
	Clock    crawler.Clock
	Logger   *zap.Logger
}

// Decision is the ephemeral outcome of looking a URL up before loading it.
type Decision struct {
	Reason crawler.FetchReason
	Record *crawler.Record
}

// Orchestrator implements load and batch load.
type Orchestrator struct {
	cfg      Config
	store    crawler.RecordStore
	fetcher  Fetcher
	schedule crawler.FetchSchedule
	parser   crawler.Parser
	tracker  FailureTracker
	inFlight *InFlight
	clock    crawler.Clock
	logger   *zap.Logger
}

// New wires an Orchestrator. A nil InFlight gets a private set.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.BatchParallelism <= 0 {
		cfg.BatchParallelism = defaultBatchParallelism
	}
	if deps.InFlight == nil {
		deps.InFlight = NewInFlight()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    deps.Store,
		fetcher:  deps.Fetcher,
		schedule: deps.Schedule,
		parser:   deps.Parser,
		tracker:  deps.Tracker,
		inFlight: deps.InFlight,
		clock:    deps.Clock,
		logger:   deps.Logger,
	}
}

// InFlight exposes the in-flight set.
func (o *Orchestrator) InFlight() *InFlight {
	return o.inFlight
}

// ComputeFetchReason classifies r against opts at now. r must not be nil;
// absent records are represented by crawler.NilRecord.
func ComputeFetchReason(r *crawler.Record, opts crawler.LoadOptions, now time.Time) crawler.FetchReason {
	status := r.ProtocolStatus
	switch {
	case r.IsNil():
		return crawler.FetchReasonNewPage
	case r.IsInternal():
		return crawler.FetchReasonDoNotFetch
	case status.IsNotFetched():
		return crawler.FetchReasonNewPage
	case status.IsTempMoved():
		return crawler.FetchReasonTempMoved
	case status.IsFailed() && !opts.RetryFailed:
		return crawler.FetchReasonDoNotFetch
	case status.IsFailed():
		return crawler.FetchReasonRetryOnFailure
	}
	if now.After(r.LastFetchTime(now).Add(opts.Expires)) {
		return crawler.FetchReasonExpired
	}
	if opts.RequireSize > 0 && r.ContentLength < opts.RequireSize {
		return crawler.FetchReasonSmallContent
	}
	return crawler.FetchReasonDoNotFetch
}

// Decide looks url up and computes its fetch reason.
func (o *Orchestrator) Decide(ctx context.Context, url string, opts crawler.LoadOptions) (Decision, error) {
	r, err := o.store.GetOrNil(ctx, url)
	if err != nil {
		return Decision{}, fmt.Errorf("get record %s: %w", url, err)
	}
	if r == nil {
		r = crawler.NilRecord(url)
	}
	return Decision{Reason: ComputeFetchReason(r, opts, o.clock.Now()), Record: r}, nil
}

// Load returns the record for url, fetching it when it is new, expired or
// otherwise due. A concurrent Load of the same URL gets
// crawler.InFlightRecord instead of a second fetch.
func (o *Orchestrator) Load(ctx context.Context, url string, opts crawler.LoadOptions) (*crawler.Record, error) {
	if _, err := crawler.ParseURL(url); err != nil {
		return crawler.NilRecord(url), err
	}
	if o.inFlight.Contains(url) {
		o.logger.Debug("url is being fetched", zap.String("url", url))
		return crawler.InFlightRecord(url), nil
	}

	d, err := o.Decide(ctx, url, opts)
	if err != nil {
		return crawler.NilRecord(url), err
	}
	metrics.ObserveLoad(d.Reason.String())

	switch {
	case d.Reason == crawler.FetchReasonTempMoved:
		return o.redirect(ctx, d.Record, opts)
	case !d.Reason.RequiresFetch():
		return d.Record, nil
	}

	release, ok := o.inFlight.Acquire(url)
	if !ok {
		return crawler.InFlightRecord(url), nil
	}
	defer release()
	return o.loadClaimed(ctx, url, opts)
}

// loadClaimed runs once url is held in the in-flight set. Another caller may
// have finished the same URL between the first lookup and the claim, so the
// decision is taken again before fetching.
func (o *Orchestrator) loadClaimed(ctx context.Context, url string, opts crawler.LoadOptions) (*crawler.Record, error) {
	d, err := o.Decide(ctx, url, opts)
	if err != nil {
		return crawler.NilRecord(url), err
	}
	if !d.Reason.RequiresFetch() {
		return d.Record, nil
	}
	return o.fetchAndUpdate(ctx, url, d.Record, opts)
}

// LoadBatch loads urls as a group and returns one record per input, in input
// order. Records that need no fetch are served from the store; the rest are
// claimed in the in-flight set together and fetched in parallel or in
// sequence per opts.PreferParallel. URLs that are not loaded come back as
// sentinels: crawler.NilRecord for malformed URLs (with ErrMalformedURL in
// the joined error) and for URLs the tracker knows to have failed,
// crawler.InFlightRecord for URLs another caller is fetching. One URL's
// failure never stops the others; per-URL errors are joined into the
// returned error.
func (o *Orchestrator) LoadBatch(ctx context.Context, urls []string, opts crawler.LoadOptions) ([]*crawler.Record, error) {
	var (
		errs     []error
		resolved = make(map[string]*crawler.Record, len(urls))
		pending  []string
	)

	for _, u := range urls {
		if _, seen := resolved[u]; seen {
			continue
		}
		if r, err := o.admit(u, opts); r != nil {
			resolved[u] = r
			if err != nil {
				errs = append(errs, err)
			}
			continue
		}
		d, err := o.Decide(ctx, u, opts)
		if err != nil {
			resolved[u] = crawler.NilRecord(u)
			errs = append(errs, err)
			continue
		}
		metrics.ObserveLoad(d.Reason.String())

		switch {
		case d.Reason == crawler.FetchReasonTempMoved:
			r, err := o.redirect(ctx, d.Record, opts)
			if err != nil {
				errs = append(errs, err)
			}
			resolved[u] = r
		case d.Reason.RequiresFetch():
			// Placeholder until the grouped fetch below replaces it.
			resolved[u] = crawler.InFlightRecord(u)
			pending = append(pending, u)
		default:
			resolved[u] = d.Record
		}
	}

	if len(pending) > 0 {
		acquired, release := o.inFlight.AcquireAll(pending)
		defer release()

		o.logger.Debug("fetching batch",
			zap.Int("pending", len(pending)),
			zap.Int("acquired", len(acquired)),
			zap.Bool("parallel", opts.PreferParallel),
		)
		fetched, fetchErrs := o.fetchAll(ctx, acquired, opts)
		errs = append(errs, fetchErrs...)
		for u, r := range fetched {
			resolved[u] = r
		}
	}

	out := make([]*crawler.Record, 0, len(urls))
	for _, u := range urls {
		out = append(out, resolved[u])
	}
	return out, errors.Join(errs...)
}

// admit returns a sentinel for URLs a batch should not even look up, and nil
// for the rest.
func (o *Orchestrator) admit(url string, opts crawler.LoadOptions) (*crawler.Record, error) {
	if _, err := crawler.ParseURL(url); err != nil {
		o.logger.Warn("skipping malformed url", zap.String("url", url), zap.Error(err))
		return crawler.NilRecord(url), err
	}
	if o.inFlight.Contains(url) {
		return crawler.InFlightRecord(url), nil
	}
	if o.tracker != nil && !opts.RetryFailed && o.tracker.IsFailed(url) {
		o.logger.Debug("skipping known failed url", zap.String("url", url))
		r := crawler.NilRecord(url)
		r.ProtocolStatus = crawler.StatusFailed(crawler.CodeBlocked, crawler.ArgReason, "known failed")
		return r, nil
	}
	return nil, nil
}

func (o *Orchestrator) fetchAll(ctx context.Context, urls []string, opts crawler.LoadOptions) (map[string]*crawler.Record, []error) {
	var (
		mu   sync.Mutex
		out  = make(map[string]*crawler.Record, len(urls))
		errs []error
	)
	collect := func(u string, r *crawler.Record, err error) {
		mu.Lock()
		defer mu.Unlock()
		out[u] = r
		if err != nil {
			errs = append(errs, err)
		}
	}

	if !opts.PreferParallel {
		for _, u := range urls {
			r, err := o.loadClaimed(ctx, u, opts)
			collect(u, r, err)
		}
		return out, errs
	}

	var g errgroup.Group
	g.SetLimit(o.cfg.BatchParallelism)
	for _, u := range urls {
		g.Go(func() error {
			r, err := o.loadClaimed(ctx, u, opts)
			collect(u, r, err)
			return nil
		})
	}
	_ = g.Wait()
	return out, errs
}

// fetchAndUpdate runs a fetch the caller has already claimed in the
// in-flight set, then the post-fetch pipeline.
func (o *Orchestrator) fetchAndUpdate(ctx context.Context, url string, r *crawler.Record, opts crawler.LoadOptions) (*crawler.Record, error) {
	if r == nil || r.IsNil() {
		r = crawler.NewRecord(url)
	}
	o.fetcher.InitEntry(r, opts)
	r, err := o.fetcher.Fetch(ctx, r, &opts)
	if err != nil {
		return r, fmt.Errorf("fetch %s: %w", url, err)
	}
	if err := o.update(ctx, r, opts); err != nil {
		return r, err
	}
	o.logger.Info("loaded",
		zap.String("url", r.URL),
		zap.Stringer("crawl_status", r.CrawlStatus),
		zap.Stringer("protocol_status", r.ProtocolStatus),
		zap.Int64("content_length", r.ContentLength),
		zap.Time("next_fetch", r.FetchTime),
	)
	return r, nil
}

// update is the post-fetch pipeline. Failed attempts only reschedule, unless
// opts.StoreFailed asks for them to be persisted too.
func (o *Orchestrator) update(ctx context.Context, r *crawler.Record, opts crawler.LoadOptions) error {
	if r.IsInternal() || r.ProtocolStatus.IsCanceled() {
		return nil
	}
	status := r.ProtocolStatus
	if status.IsFailed() && !status.IsMoved() {
		o.schedule.SetFetchSchedule(r, o.clock.Now())
		if opts.StoreFailed {
			return o.persist(ctx, r, opts)
		}
		return nil
	}

	if opts.Parse && o.parser != nil && status.IsSuccess() {
		res, err := o.parser.Parse(ctx, r, opts.ParseRequest())
		switch {
		case err != nil:
			o.logger.Warn("parse failed", zap.String("url", r.URL), zap.Error(err))
		case res.Skipped:
			o.logger.Debug("parse skipped", zap.String("url", r.URL), zap.String("reason", res.Reason))
		default:
			o.logger.Debug("parsed",
				zap.String("url", r.URL),
				zap.Int("links", len(res.Links)),
				zap.Int("new_links", res.NewLinks),
			)
		}
	}

	o.schedule.SetFetchSchedule(r, o.clock.Now())
	if opts.Persist {
		return o.persist(ctx, r, opts)
	}
	return nil
}

func (o *Orchestrator) persist(ctx context.Context, r *crawler.Record, opts crawler.LoadOptions) error {
	if err := o.store.Put(ctx, r); err != nil {
		return fmt.Errorf("persist %s: %w", r.URL, err)
	}
	if opts.LazyFlush {
		return nil
	}
	if err := o.store.Flush(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", r.URL, err)
	}
	return nil
}

// redirect serves a TEMP_MOVED record by loading its representative URL with
// redirects disabled, so a chain is followed at most one hop.
func (o *Orchestrator) redirect(ctx context.Context, r *crawler.Record, opts crawler.LoadOptions) (*crawler.Record, error) {
	if r.ProtocolStatus.IsCanceled() {
		return r, nil
	}
	if r.ReprURL == "" || strings.EqualFold(r.ReprURL, r.URL) {
		o.logger.Warn("invalid representative url, not redirecting",
			zap.String("url", r.URL),
			zap.String("repr_url", r.ReprURL),
		)
		return r, nil
	}
	if opts.NoRedirect {
		return r, nil
	}

	nested := opts
	nested.NoRedirect = true
	target, err := o.Load(ctx, r.ReprURL, nested)
	if err != nil {
		return r, fmt.Errorf("redirect %s to %s: %w", r.URL, r.ReprURL, err)
	}
	if target == nil || target.IsNil() || target.IsInFlight() {
		return r, nil
	}
	if opts.HardRedirect {
		return target, nil
	}
	r.Content = target.Content
	r.ContentLength = target.ContentLength
	r.ContentType = target.ContentType
	return r, nil
}
