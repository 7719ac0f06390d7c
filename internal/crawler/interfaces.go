package crawler

import (
	"context"
	"errors"
	"iter"
	"time"
)

// ErrSentinelRecord is returned when a nil or in-flight placeholder is
// handed to a store.
var ErrSentinelRecord = errors.New("crawler: sentinel record cannot be stored")

// RecordStore persists crawl records keyed by URL.
type RecordStore interface {
	// GetOrNil returns a copy of the stored record or NilRecord(url).
	GetOrNil(ctx context.Context, url string) (*Record, error)
	// Put writes r. A stored distance is never raised.
	Put(ctx context.Context, r *Record) error
	// AddOutlink stores r when its URL is unknown and otherwise only lowers
	// the stored distance to r.Distance, leaving every other field alone. It
	// reports whether r was inserted.
	AddOutlink(ctx context.Context, r *Record) (bool, error)
	Delete(ctx context.Context, url string) (bool, error)
	Flush(ctx context.Context) error
	// Scan yields records ordered by reversed key within rng.
	Scan(ctx context.Context, rng KeyRange) iter.Seq2[*Record, error]
}

// Protocol fetches a record's URL. Network failures are encoded in the
// returned status, never returned as errors.
type Protocol interface {
	Fetch(ctx context.Context, r *Record) ProtocolOutput
}

// FetchSchedule owns interval and backoff policy.
type FetchSchedule interface {
	ShouldFetch(r *Record, now time.Time) bool
	SetFetchSchedule(r *Record, now time.Time)
	ForceRefetch(r *Record, now time.Time, asap bool)
}

// URLNormalizer canonicalizes URLs; ok is false when the URL is rejected.
type URLNormalizer interface {
	Normalize(rawURL, scope string) (string, bool)
}

// URLFilter accepts or rejects URLs, possibly rewriting them.
type URLFilter interface {
	Filter(rawURL string) (string, bool)
}

// Parser extracts links from fetched content.
type Parser interface {
	Parse(ctx context.Context, r *Record, req ParseRequest) (ParseResult, error)
}

// Tracker receives fetch outcomes so other components can skip known-bad
// URLs and hosts.
type Tracker interface {
	TrackSuccess(r *Record)
	TrackFailed(url string)
	TrackTimeout(url string)
	TrackHostGone(url string)
	TrackMoved(url string)
}

// HostSet reports hosts that should not be crawled.
type HostSet interface {
	Contains(host string) bool
}

// Publisher pushes frontier events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content signatures.
type Hasher interface {
	Sum(data []byte) []byte
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces batch IDs.
type IDGenerator interface {
	NewID() (string, error)
}
