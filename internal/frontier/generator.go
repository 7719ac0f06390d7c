package frontier

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

// GeneratorConfig bounds a generation pass.
type GeneratorConfig struct {
	TopN  int
	Range crawler.KeyRange
}

// Batch is the result of one generation pass.
type Batch struct {
	ID          string
	GeneratedAt time.Time
	Scanned     int
	Entries     []crawler.FrontierEntry
}

// Generator scans the store, filters, and claims the top records.
type Generator struct {
	cfg    GeneratorConfig
	store  crawler.RecordStore
	filter *Filter
	ids    crawler.IDGenerator
	clock  crawler.Clock
	logger *zap.Logger

	publisher crawler.Publisher
	topic     string
}

// BatchNotice is published once per generated batch.
type BatchNotice struct {
	BatchID     string    `json:"batch_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Scanned     int       `json:"scanned"`
	Selected    int       `json:"selected"`
	URLs        []string  `json:"urls"`
}

// NewGenerator wires a Generator.
func NewGenerator(
	cfg GeneratorConfig,
	store crawler.RecordStore,
	filter *Filter,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{cfg: cfg, store: store, filter: filter, ids: ids, clock: clock, logger: logger}
}

// SetPublisher announces every generated batch on topic. A nil publisher
// turns announcements off.
func (g *Generator) SetPublisher(p crawler.Publisher, topic string) {
	g.publisher = p
	g.topic = topic
}

// Generate runs one pass. Selected records are marked GENERATE, stamped with
// the batch ID, and written back before the batch is returned.
func (g *Generator) Generate(ctx context.Context) (Batch, error) {
	id, err := g.ids.NewID()
	if err != nil {
		return Batch{}, fmt.Errorf("batch id: %w", err)
	}
	now := g.clock.Now()
	batch := Batch{ID: id, GeneratedAt: now}

	var selected []*crawler.Record
	for r, err := range g.store.Scan(ctx, g.cfg.Range) {
		if err != nil {
			return Batch{}, fmt.Errorf("scan records: %w", err)
		}
		batch.Scanned++
		if g.filter.ShouldSelect(r, now) {
			selected = append(selected, r)
		}
	}

	slices.SortStableFunc(selected, func(a, b *crawler.Record) int {
		if c := cmp.Compare(b.FetchPriority, a.FetchPriority); c != 0 {
			return c
		}
		return a.FetchTime.Compare(b.FetchTime)
	})
	if g.cfg.TopN > 0 && len(selected) > g.cfg.TopN {
		selected = selected[:g.cfg.TopN]
	}

	batch.Entries = make([]crawler.FrontierEntry, 0, len(selected))
	for _, r := range selected {
		r.Marks.Set(crawler.MarkGenerate)
		r.Marks.Clear(crawler.MarkFetch)
		r.BatchID = id
		r.GenerateTime = now
		if err := g.store.Put(ctx, r); err != nil {
			return Batch{}, fmt.Errorf("claim %s: %w", r.URL, err)
		}
		batch.Entries = append(batch.Entries, crawler.FrontierEntry{
			URL:         r.URL,
			ReversedKey: r.ReversedKey,
			Record:      r,
		})
	}
	if err := g.store.Flush(ctx); err != nil {
		return Batch{}, fmt.Errorf("flush claims: %w", err)
	}
	g.filter.SetLastGeneratedRows(int64(len(batch.Entries)))

	g.logger.Info("generated batch",
		zap.String("batch_id", id),
		zap.Int("scanned", batch.Scanned),
		zap.Int("selected", len(batch.Entries)),
	)
	g.announce(ctx, batch)
	return batch, nil
}

// announce publishes a notice for batch. The claims are already durable, so a
// failed publish is logged and the batch still returned.
func (g *Generator) announce(ctx context.Context, batch Batch) {
	if g.publisher == nil {
		return
	}
	notice := BatchNotice{
		BatchID:     batch.ID,
		GeneratedAt: batch.GeneratedAt,
		Scanned:     batch.Scanned,
		Selected:    len(batch.Entries),
		URLs:        make([]string, 0, len(batch.Entries)),
	}
	for _, e := range batch.Entries {
		notice.URLs = append(notice.URLs, e.URL)
	}
	msgID, err := g.publisher.Publish(ctx, g.topic, notice)
	if err != nil {
		g.logger.Warn("publish batch failed",
			zap.String("batch_id", batch.ID),
			zap.String("topic", g.topic),
			zap.Error(err),
		)
		return
	}
	g.logger.Debug("published batch",
		zap.String("batch_id", batch.ID),
		zap.String("message_id", msgID),
	)
}
