// Package memory provides a bounded in-process queue of frontier entries.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained, and
// by Enqueue after Close.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan crawler.FrontierEntry
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{ch: make(chan crawler.FrontierEntry, capacity)}
}

// Enqueue pushes an entry or returns when the context ends.
func (q *Queue) Enqueue(ctx context.Context, entry crawler.FrontierEntry) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- entry:
		return nil
	}
}

// Dequeue pops the next entry, respecting context cancellation. Entries
// enqueued before Close are still delivered.
func (q *Queue) Dequeue(ctx context.Context) (crawler.FrontierEntry, error) {
	select {
	case <-ctx.Done():
		return crawler.FrontierEntry{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case entry, ok := <-q.ch:
		if !ok {
			return crawler.FrontierEntry{}, ErrClosed
		}
		return entry, nil
	}
}

// Len reports the number of buffered entries.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting entries. It waits for in-progress Enqueue calls, so
// callers must not block enqueueing into a full queue nobody drains.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
