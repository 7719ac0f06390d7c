// Package fetch runs single fetch attempts and reconciles their outcome into
// the crawl record.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/metrics"
)

var (
	// ErrNilRecord is returned when Fetch is given no record or a sentinel.
	ErrNilRecord = errors.New("fetch: nil record")
	// ErrNilOptions is returned when Fetch is given no options.
	ErrNilOptions = errors.New("fetch: nil options")
	// ErrInternalRecord is returned for records that must never be fetched.
	ErrInternalRecord = errors.New("fetch: internal record")
)

// Executor performs one fetch through a protocol backend and applies the
// resulting status transition to the record.
type Executor struct {
	protocols Resolver
	tracker   crawler.Tracker
	hasher    crawler.Hasher
	clock     crawler.Clock
	logger    *zap.Logger
}

// NewExecutor wires an Executor. tracker may be nil.
func NewExecutor(
	protocols Resolver,
	tracker crawler.Tracker,
	hasher crawler.Hasher,
	clock crawler.Clock,
	logger *zap.Logger,
) *Executor {
	if tracker == nil {
		tracker = nopTracker{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		protocols: protocols,
		tracker:   tracker,
		hasher:    hasher,
		clock:     clock,
		logger:    logger,
	}
}

// InitEntry copies per-fetch directives from opts onto r.
func (e *Executor) InitEntry(r *crawler.Record, opts crawler.LoadOptions) {
	if opts.FetchMode != "" {
		r.FetchMode = opts.FetchMode
	}
	r.Options = opts.String()
}

// Fetch runs one attempt for r. Network and protocol failures are recorded
// in r's status; the error return is reserved for caller mistakes.
func (e *Executor) Fetch(ctx context.Context, r *crawler.Record, opts *crawler.LoadOptions) (*crawler.Record, error) {
	if r == nil || r.IsNil() || r.IsInFlight() {
		return r, ErrNilRecord
	}
	if opts == nil {
		return r, ErrNilOptions
	}
	if r.IsInternal() {
		return r, fmt.Errorf("%w: %s", ErrInternalRecord, r.URL)
	}
	if _, err := crawler.ParseURL(r.URL); err != nil {
		return r, err
	}

	var out crawler.ProtocolOutput
	protocol, ok := e.protocols.Protocol(r.FetchMode)
	if !ok {
		e.logger.Warn("no protocol for fetch mode",
			zap.String("url", r.URL),
			zap.String("fetch_mode", string(r.FetchMode)),
		)
		out.Status = crawler.StatusFailed(crawler.CodeProtoNotFound, crawler.ArgReason, string(r.FetchMode))
	} else {
		start := time.Now()
		out = protocol.Fetch(ctx, r)
		metrics.ObserveFetchDuration(string(r.FetchMode), time.Since(start))
	}

	c := e.reconcile(r, out)
	e.stamp(r)
	metrics.ObserveFetch(r.URL, c.Outcome.String(), len(out.Content))
	e.logger.Debug("fetch completed",
		zap.String("url", r.URL),
		zap.Stringer("protocol_status", r.ProtocolStatus),
		zap.Stringer("crawl_status", r.CrawlStatus),
		zap.Stringer("outcome", c.Outcome),
	)
	return r, nil
}

func (e *Executor) reconcile(r *crawler.Record, out crawler.ProtocolOutput) crawler.Classification {
	c := crawler.Classify(out.Status)
	if !c.Known {
		e.logger.Warn("unknown protocol status, scheduling retry",
			zap.String("url", r.URL),
			zap.Stringer("protocol_status", out.Status),
		)
	}

	r.ProtocolStatus = out.Status.Clone()
	if !c.KeepStatus {
		r.CrawlStatus = c.CrawlStatus
	}
	if len(out.Headers) > 0 {
		r.Headers = out.Headers.Clone()
	}

	switch c.Outcome {
	case crawler.OutcomeFetched:
		e.updateContent(r, out)
		r.FetchRetries = 0
		r.ReprURL = ""
		e.tracker.TrackSuccess(r)
	case crawler.OutcomeNotModified:
		r.FetchRetries = 0
		r.ReprURL = ""
		e.tracker.TrackSuccess(r)
	case crawler.OutcomeRedirect:
		e.handleMoved(r, out)
		e.tracker.TrackMoved(r.URL)
	case crawler.OutcomeTimeout:
		r.FetchRetries++
		e.tracker.TrackTimeout(r.URL)
	case crawler.OutcomeRetry, crawler.OutcomeUnknown:
		r.FetchRetries++
	case crawler.OutcomeHostGone:
		e.tracker.TrackHostGone(r.URL)
	case crawler.OutcomeWouldBlock:
		e.tracker.TrackFailed(r.URL)
		return c
	}
	if r.CrawlStatus.IsFailed() {
		e.tracker.TrackFailed(r.URL)
	}
	return c
}

func (e *Executor) updateContent(r *crawler.Record, out crawler.ProtocolOutput) {
	r.Content = out.Content
	r.ContentLength = int64(len(out.Content))
	r.PrevSignature = r.Signature
	if e.hasher != nil {
		r.Signature = e.hasher.Sum(out.Content)
	}
	if out.ContentType != "" {
		r.ContentType = out.ContentType
	} else {
		e.logger.Warn("missing content type", zap.String("url", r.URL))
	}
	if out.Location != "" {
		r.Location = out.Location
	}
}

// handleMoved picks the representative URL for a redirect. A choice equal to
// the record's own URL, ignoring case, clears it so redirects can never point
// at themselves.
func (e *Executor) handleMoved(r *crawler.Record, out crawler.ProtocolOutput) {
	if out.Location != "" {
		r.Location = out.Location
	}
	target := out.Status.Arg(crawler.ArgRedirectTo)
	if target == "" {
		return
	}
	repr := crawler.ChooseRepr(r.URL, target, out.Status.IsTempMoved())
	if strings.EqualFold(repr, r.URL) {
		repr = ""
	}
	r.ReprURL = repr
}

func (e *Executor) stamp(r *crawler.Record) {
	now := e.clock.Now()
	r.FetchCount++
	r.PrevFetchTime = r.FetchTime
	r.FetchTime = now
	r.AppendFetchTime(now)
	if r.Marks.Has(crawler.MarkGenerate) {
		r.Marks.Set(crawler.MarkFetch)
		r.Marks.Clear(crawler.MarkGenerate)
	}
}

type nopTracker struct{}

func (nopTracker) TrackSuccess(*crawler.Record) {}
func (nopTracker) TrackFailed(string)           {}
func (nopTracker) TrackTimeout(string)          {}
func (nopTracker) TrackHostGone(string)         {}
func (nopTracker) TrackMoved(string)            {}
