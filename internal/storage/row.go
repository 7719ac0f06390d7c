// Package storage holds the row encoding shared by the SQL record stores.
// Backends live in subpackages: memory, postgres and sqlite.
package storage

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

// Columns is the column order used by every SQL backend.
var Columns = []string{
	"url",
	"reversed_key",
	"distance",
	"crawl_status",
	"protocol_status",
	"fetch_mode",
	"fetch_time",
	"prev_fetch_time",
	"fetch_interval",
	"fetch_count",
	"fetch_retries",
	"fetch_priority",
	"fetch_time_history",
	"repr_url",
	"marks",
	"batch_id",
	"generate_time",
	"signature",
	"prev_signature",
	"modified_time",
	"prev_modified_time",
	"content",
	"content_type",
	"content_length",
	"location",
	"headers",
	"options",
}

// ColumnList is Columns joined for use in SQL.
var ColumnList = strings.Join(Columns, ", ")

// Row is a record flattened to SQL scalars. Times are unix milliseconds, zero
// for the zero time; structured fields are JSON.
type Row struct {
	URL              string
	ReversedKey      string
	Distance         int64
	CrawlStatus      int64
	ProtocolStatus   []byte
	FetchMode        string
	FetchTime        int64
	PrevFetchTime    int64
	FetchInterval    int64
	FetchCount       int64
	FetchRetries     int64
	FetchPriority    int64
	FetchTimeHistory []byte
	ReprURL          string
	Marks            int64
	BatchID          string
	GenerateTime     int64
	Signature        []byte
	PrevSignature    []byte
	ModifiedTime     int64
	PrevModifiedTime int64
	Content          []byte
	ContentType      string
	ContentLength    int64
	Location         string
	Headers          []byte
	Options          string
}

// Args returns the row values in Columns order.
func (r *Row) Args() []any {
	return []any{
		r.URL, r.ReversedKey, r.Distance, r.CrawlStatus, r.ProtocolStatus,
		r.FetchMode, r.FetchTime, r.PrevFetchTime, r.FetchInterval, r.FetchCount,
		r.FetchRetries, r.FetchPriority, r.FetchTimeHistory, r.ReprURL, r.Marks,
		r.BatchID, r.GenerateTime, r.Signature, r.PrevSignature, r.ModifiedTime,
		r.PrevModifiedTime, r.Content, r.ContentType, r.ContentLength, r.Location,
		r.Headers, r.Options,
	}
}

// Dest returns scan destinations in Columns order.
func (r *Row) Dest() []any {
	return []any{
		&r.URL, &r.ReversedKey, &r.Distance, &r.CrawlStatus, &r.ProtocolStatus,
		&r.FetchMode, &r.FetchTime, &r.PrevFetchTime, &r.FetchInterval, &r.FetchCount,
		&r.FetchRetries, &r.FetchPriority, &r.FetchTimeHistory, &r.ReprURL, &r.Marks,
		&r.BatchID, &r.GenerateTime, &r.Signature, &r.PrevSignature, &r.ModifiedTime,
		&r.PrevModifiedTime, &r.Content, &r.ContentType, &r.ContentLength, &r.Location,
		&r.Headers, &r.Options,
	}
}

// Encode flattens rec. Sentinel records are rejected.
func Encode(rec *crawler.Record) (Row, error) {
	if rec == nil || rec.IsNil() || rec.IsInFlight() {
		return Row{}, crawler.ErrSentinelRecord
	}
	key := rec.ReversedKey
	if key == "" {
		var err error
		if key, err = crawler.ReverseURL(rec.URL); err != nil {
			return Row{}, fmt.Errorf("encode %s: %w", rec.URL, err)
		}
	}
	status, err := json.Marshal(rec.ProtocolStatus)
	if err != nil {
		return Row{}, fmt.Errorf("marshal protocol status: %w", err)
	}
	history := make([]int64, 0, len(rec.FetchTimeHistory))
	for _, t := range rec.FetchTimeHistory {
		history = append(history, Millis(t))
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return Row{}, fmt.Errorf("marshal fetch history: %w", err)
	}
	headers := rec.Headers
	if headers == nil {
		headers = http.Header{}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return Row{}, fmt.Errorf("marshal headers: %w", err)
	}
	return Row{
		URL:              rec.URL,
		ReversedKey:      key,
		Distance:         int64(rec.Distance),
		CrawlStatus:      int64(rec.CrawlStatus),
		ProtocolStatus:   status,
		FetchMode:        string(rec.FetchMode),
		FetchTime:        Millis(rec.FetchTime),
		PrevFetchTime:    Millis(rec.PrevFetchTime),
		FetchInterval:    rec.FetchInterval.Milliseconds(),
		FetchCount:       int64(rec.FetchCount),
		FetchRetries:     int64(rec.FetchRetries),
		FetchPriority:    int64(rec.FetchPriority),
		FetchTimeHistory: historyJSON,
		ReprURL:          rec.ReprURL,
		Marks:            int64(rec.Marks),
		BatchID:          rec.BatchID,
		GenerateTime:     Millis(rec.GenerateTime),
		Signature:        rec.Signature,
		PrevSignature:    rec.PrevSignature,
		ModifiedTime:     Millis(rec.ModifiedTime),
		PrevModifiedTime: Millis(rec.PrevModifiedTime),
		Content:          rec.Content,
		ContentType:      rec.ContentType,
		ContentLength:    rec.ContentLength,
		Location:         rec.Location,
		Headers:          headersJSON,
		Options:          rec.Options,
	}, nil
}

// Decode rebuilds a record from a row.
func Decode(row Row) (*crawler.Record, error) {
	rec := &crawler.Record{
		URL:              row.URL,
		ReversedKey:      row.ReversedKey,
		Distance:         uint32(row.Distance),
		CrawlStatus:      crawler.CrawlStatus(row.CrawlStatus),
		FetchMode:        crawler.FetchMode(row.FetchMode),
		FetchTime:        FromMillis(row.FetchTime),
		PrevFetchTime:    FromMillis(row.PrevFetchTime),
		FetchInterval:    time.Duration(row.FetchInterval) * time.Millisecond,
		FetchCount:       uint32(row.FetchCount),
		FetchRetries:     uint32(row.FetchRetries),
		FetchPriority:    int32(row.FetchPriority),
		ReprURL:          row.ReprURL,
		Marks:            crawler.Marks(row.Marks),
		BatchID:          row.BatchID,
		GenerateTime:     FromMillis(row.GenerateTime),
		Signature:        nonEmpty(row.Signature),
		PrevSignature:    nonEmpty(row.PrevSignature),
		ModifiedTime:     FromMillis(row.ModifiedTime),
		PrevModifiedTime: FromMillis(row.PrevModifiedTime),
		Content:          nonEmpty(row.Content),
		ContentType:      row.ContentType,
		ContentLength:    row.ContentLength,
		Location:         row.Location,
		Options:          row.Options,
	}
	if err := json.Unmarshal(row.ProtocolStatus, &rec.ProtocolStatus); err != nil {
		return nil, fmt.Errorf("unmarshal protocol status of %s: %w", row.URL, err)
	}
	if len(row.FetchTimeHistory) > 0 {
		var history []int64
		if err := json.Unmarshal(row.FetchTimeHistory, &history); err != nil {
			return nil, fmt.Errorf("unmarshal fetch history of %s: %w", row.URL, err)
		}
		for _, ms := range history {
			rec.FetchTimeHistory = append(rec.FetchTimeHistory, FromMillis(ms))
		}
	}
	if len(row.Headers) > 0 {
		var headers http.Header
		if err := json.Unmarshal(row.Headers, &headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers of %s: %w", row.URL, err)
		}
		if len(headers) > 0 {
			rec.Headers = headers
		}
	}
	return rec, nil
}

// Millis converts t to unix milliseconds; the zero time is 0.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis is the inverse of Millis, in UTC.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nonEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
