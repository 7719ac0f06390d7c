// Package dispatcher manages worker fan-out over the entry queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/worker"
)

// Queue is the queue side the dispatcher feeds.
type Queue interface {
	Enqueue(ctx context.Context, entry crawler.FrontierEntry) error
	Close()
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   Queue
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(queue Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Run starts all workers and blocks until every worker has returned, either
// because ctx finished or because the queue was closed and drained.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, entry crawler.FrontierEntry) error {
	if err := d.queue.Enqueue(ctx, entry); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Dispatch enqueues a generated batch in order.
func (d *Dispatcher) Dispatch(ctx context.Context, entries []crawler.FrontierEntry) error {
	for _, e := range entries {
		if err := d.Enqueue(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the queue; workers exit once it drains.
func (d *Dispatcher) Close() {
	d.queue.Close()
}
