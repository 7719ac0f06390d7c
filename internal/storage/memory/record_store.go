// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"iter"
	"slices"
	"strings"
	"sync"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

// RecordStore keeps crawl records in a map guarded by a RWMutex. Records are
// copied on the way in and out.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]*crawler.Record
}

// NewRecordStore creates an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]*crawler.Record)}
}

// GetOrNil returns a copy of the record for url, or crawler.NilRecord(url).
func (s *RecordStore) GetOrNil(_ context.Context, url string) (*crawler.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[url]
	if !ok {
		return crawler.NilRecord(url), nil
	}
	return r.Clone(), nil
}

// Put stores a copy of r.
func (s *RecordStore) Put(_ context.Context, r *crawler.Record) error {
	if r == nil || r.IsNil() || r.IsInFlight() {
		return crawler.ErrSentinelRecord
	}
	stored := r.Clone()
	if stored.ReversedKey == "" {
		stored.ReversedKey, _ = crawler.ReverseURL(stored.URL)
	}
	s.mu.Lock()
	if prev, ok := s.records[r.URL]; ok && prev.Distance < stored.Distance {
		stored.Distance = prev.Distance
	}
	s.records[r.URL] = stored
	s.mu.Unlock()
	return nil
}

// AddOutlink inserts a copy of r, or lowers the stored record's distance.
func (s *RecordStore) AddOutlink(_ context.Context, r *crawler.Record) (bool, error) {
	if r == nil || r.IsNil() || r.IsInFlight() {
		return false, crawler.ErrSentinelRecord
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.records[r.URL]; ok {
		prev.UpdateDistance(r.Distance)
		return false, nil
	}
	stored := r.Clone()
	if stored.ReversedKey == "" {
		stored.ReversedKey, _ = crawler.ReverseURL(stored.URL)
	}
	s.records[r.URL] = stored
	return true, nil
}

// Delete removes url and reports whether it was present.
func (s *RecordStore) Delete(_ context.Context, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[url]
	delete(s.records, url)
	return ok, nil
}

// Flush is a no-op; writes are immediately visible.
func (s *RecordStore) Flush(context.Context) error {
	return nil
}

// Len returns the number of stored records.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Scan yields copies of the records within rng ordered by reversed key. The
// set is snapshotted when iteration starts.
func (s *RecordStore) Scan(ctx context.Context, rng crawler.KeyRange) iter.Seq2[*crawler.Record, error] {
	return func(yield func(*crawler.Record, error) bool) {
		s.mu.RLock()
		matched := make([]*crawler.Record, 0, len(s.records))
		for _, r := range s.records {
			if rng.Contains(r.ReversedKey) {
				matched = append(matched, r.Clone())
			}
		}
		s.mu.RUnlock()

		slices.SortFunc(matched, func(a, b *crawler.Record) int {
			return strings.Compare(a.ReversedKey, b.ReversedKey)
		})
		for _, r := range matched {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}
