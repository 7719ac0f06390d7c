package crawler

import (
	"net/http"
	"slices"
	"time"
)

const (
	// DistanceInfinite is the distance of a record not yet reached from any seed.
	DistanceInfinite uint32 = 10000
	// FetchTimeHistoryLimit bounds Record.FetchTimeHistory.
	FetchTimeHistoryLimit = 10
	// MinPriority is assigned to records that must never be picked by priority.
	MinPriority int32 = -10000
)

// FarFuture is the fetch time given to records that are never due on their own.
var FarFuture = time.Date(3000, time.January, 1, 0, 0, 0, 0, time.UTC)

// FetchMode selects a protocol backend.
type FetchMode string

// Fetch modes.
const (
	FetchModeNative  FetchMode = "native"
	FetchModeBrowser FetchMode = "browser"
)

type sentinelKind uint8

const (
	sentinelNone sentinelKind = iota
	sentinelNil
	sentinelInFlight
)

// Record is the durable crawl state of one URL.
type Record struct {
	URL            string         `json:"url"`
	ReversedKey    string         `json:"reversed_key"`
	Distance       uint32         `json:"distance"`
	CrawlStatus    CrawlStatus    `json:"crawl_status"`
	ProtocolStatus ProtocolStatus `json:"protocol_status"`
	FetchMode      FetchMode      `json:"fetch_mode,omitempty"`

	FetchTime        time.Time     `json:"fetch_time"`
	PrevFetchTime    time.Time     `json:"prev_fetch_time"`
	FetchInterval    time.Duration `json:"fetch_interval"`
	FetchCount       uint32        `json:"fetch_count"`
	FetchRetries     uint32        `json:"fetch_retries"`
	FetchPriority    int32         `json:"fetch_priority"`
	FetchTimeHistory []time.Time   `json:"fetch_time_history,omitempty"`

	ReprURL      string    `json:"repr_url,omitempty"`
	Marks        Marks     `json:"marks"`
	BatchID      string    `json:"batch_id,omitempty"`
	GenerateTime time.Time `json:"generate_time"`

	Signature        []byte    `json:"signature,omitempty"`
	PrevSignature    []byte    `json:"prev_signature,omitempty"`
	ModifiedTime     time.Time `json:"modified_time"`
	PrevModifiedTime time.Time `json:"prev_modified_time"`

	Content       []byte      `json:"-"`
	ContentType   string      `json:"content_type,omitempty"`
	ContentLength int64       `json:"content_length"`
	Location      string      `json:"location,omitempty"`
	Headers       http.Header `json:"headers,omitempty"`

	// Options is the serialized LoadOptions of the last fetch.
	Options string `json:"options,omitempty"`

	sentinel sentinelKind
}

// NewRecord returns an unfetched record for a newly discovered URL.
func NewRecord(rawURL string) *Record {
	key, _ := ReverseURL(rawURL)
	return &Record{
		URL:            rawURL,
		ReversedKey:    key,
		Distance:       DistanceInfinite,
		CrawlStatus:    CrawlStatusUnfetched,
		ProtocolStatus: StatusNotFetched(),
		FetchMode:      FetchModeNative,
	}
}

// NewSeedRecord returns a seed record. Seeds are only picked up again when
// the generator is asked to regenerate them.
func NewSeedRecord(rawURL string) *Record {
	r := NewRecord(rawURL)
	r.Distance = 0
	r.Marks.Set(MarkSeed)
	r.FetchTime = FarFuture
	r.FetchPriority = MinPriority
	return r
}

// NewInternalRecord returns a synthetic record that is never fetched.
func NewInternalRecord(rawURL string) *Record {
	r := NewRecord(rawURL)
	r.Marks.Set(MarkInternal)
	r.FetchTime = FarFuture
	r.FetchPriority = MinPriority
	return r
}

// NilRecord is returned for absent keys in place of a nil pointer.
func NilRecord(rawURL string) *Record {
	return &Record{
		URL:            rawURL,
		Distance:       DistanceInfinite,
		ProtocolStatus: StatusNotFetched(),
		sentinel:       sentinelNil,
	}
}

// InFlightRecord is returned when another caller is already fetching rawURL.
func InFlightRecord(rawURL string) *Record {
	return &Record{
		URL:            rawURL,
		Distance:       DistanceInfinite,
		ProtocolStatus: StatusFailed(CodeWouldBlock, ArgReason, "in flight"),
		sentinel:       sentinelInFlight,
	}
}

// IsNil reports the absent-record sentinel (or a nil pointer).
func (r *Record) IsNil() bool {
	return r == nil || r.sentinel == sentinelNil
}

// IsInFlight reports the not-available-now sentinel.
func (r *Record) IsInFlight() bool {
	return r != nil && r.sentinel == sentinelInFlight
}

// IsInternal reports a synthetic page.
func (r *Record) IsInternal() bool {
	return r.Marks.Has(MarkInternal)
}

// IsSeed reports a seed page.
func (r *Record) IsSeed() bool {
	return r.Marks.Has(MarkSeed)
}

// UpdateDistance lowers the distance to d. It never raises it.
func (r *Record) UpdateDistance(d uint32) bool {
	if d > DistanceInfinite {
		d = DistanceInfinite
	}
	if d >= r.Distance {
		return false
	}
	r.Distance = d
	return true
}

// LastFetchTime is the time of the last completed attempt. A fetch time in
// the future is a reserved slot, so the previous fetch time is used instead.
func (r *Record) LastFetchTime(now time.Time) time.Time {
	if r.FetchTime.After(now) {
		return r.PrevFetchTime
	}
	return r.FetchTime
}

// AppendFetchTime records an attempt time, dropping the oldest entries past
// FetchTimeHistoryLimit.
func (r *Record) AppendFetchTime(t time.Time) {
	h := append(r.FetchTimeHistory, t)
	if over := len(h) - FetchTimeHistoryLimit; over > 0 {
		h = slices.Clone(h[over:])
	}
	r.FetchTimeHistory = h
}

// Clone returns a deep copy; sentinel state is preserved.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.ProtocolStatus = r.ProtocolStatus.Clone()
	cp.FetchTimeHistory = slices.Clone(r.FetchTimeHistory)
	cp.Signature = slices.Clone(r.Signature)
	cp.PrevSignature = slices.Clone(r.PrevSignature)
	cp.Content = slices.Clone(r.Content)
	if r.Headers != nil {
		cp.Headers = r.Headers.Clone()
	}
	return &cp
}
