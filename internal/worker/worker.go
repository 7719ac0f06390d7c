// Package worker loads frontier entries pulled from a queue.
package worker

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/metrics"
	"github.com/JakeFAU/crawl-frontier/internal/queue/memory"
)

// Source yields entries until it is closed.
type Source interface {
	Dequeue(ctx context.Context) (crawler.FrontierEntry, error)
}

// Loader loads one URL.
type Loader interface {
	Load(ctx context.Context, url string, opts crawler.LoadOptions) (*crawler.Record, error)
}

// Stats counts what workers did with their entries.
type Stats struct {
	Loaded   atomic.Int64
	Skipped  atomic.Int64
	InFlight atomic.Int64
	Failed   atomic.Int64
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() map[string]int64 {
	return map[string]int64{
		"loaded":    s.Loaded.Load(),
		"skipped":   s.Skipped.Load(),
		"in_flight": s.InFlight.Load(),
		"failed":    s.Failed.Load(),
	}
}

// Worker consumes entries and runs them through the loader.
type Worker struct {
	source Source
	loader Loader
	base   crawler.LoadOptions
	stats  *Stats
	logger *zap.Logger
}

// New constructs a Worker. base is applied beneath each entry's stored
// options. stats may be shared between workers.
func New(source Source, loader Loader, base crawler.LoadOptions, stats *Stats, logger *zap.Logger) *Worker {
	if stats == nil {
		stats = &Stats{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{source: source, loader: loader, base: base, stats: stats, logger: logger}
}

// Run blocks, consuming entries until the context finishes or the source is
// closed and drained.
func (w *Worker) Run(ctx context.Context) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	for {
		entry, err := w.source.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, memory.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.process(ctx, entry)
	}
}

func (w *Worker) process(ctx context.Context, entry crawler.FrontierEntry) {
	opts := w.optionsFor(entry)
	r, err := w.loader.Load(ctx, entry.URL, opts)
	switch {
	case err != nil:
		w.stats.Failed.Add(1)
		w.logger.Warn("load failed", zap.String("url", entry.URL), zap.Error(err))
	case r.IsInFlight():
		w.stats.InFlight.Add(1)
		w.logger.Debug("entry already in flight", zap.String("url", entry.URL))
	case entry.Record != nil && r.FetchCount <= entry.Record.FetchCount:
		w.stats.Skipped.Add(1)
	default:
		w.stats.Loaded.Add(1)
		w.logger.Debug("entry loaded",
			zap.String("url", entry.URL),
			zap.Stringer("status", r.ProtocolStatus),
		)
	}
}

// optionsFor layers the entry's stored directives over the worker defaults.
// The generator already judged the record due, so expiry is forced and
// failed records are retried.
func (w *Worker) optionsFor(entry crawler.FrontierEntry) crawler.LoadOptions {
	opts := w.base
	if entry.Record != nil && entry.Record.Options != "" {
		parsed, err := crawler.ParseLoadOptions(entry.Record.Options)
		if err != nil {
			w.logger.Warn("ignoring stored load options",
				zap.String("url", entry.URL),
				zap.String("options", entry.Record.Options),
				zap.Error(err),
			)
		} else {
			opts = parsed
		}
	}
	opts.Expires = 0
	opts.RetryFailed = true
	return opts
}
