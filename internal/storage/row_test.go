package storage

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

func TestEncodeDecodePreservesRecord(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 4, 5, 6, 7, 8_000_000, time.UTC)
	rec := crawler.NewRecord("https://www.example.test/a?b=1")
	rec.Distance = 3
	rec.CrawlStatus = crawler.CrawlStatusRedirTemp
	rec.ProtocolStatus = crawler.StatusMoved("https://www.example.test/b", true)
	rec.FetchTime = at
	rec.PrevFetchTime = at.Add(-time.Hour)
	rec.FetchInterval = 36 * time.Hour
	rec.FetchCount = 4
	rec.FetchRetries = 1
	rec.FetchPriority = -7
	rec.AppendFetchTime(at.Add(-time.Hour))
	rec.AppendFetchTime(at)
	rec.ReprURL = "https://www.example.test/b"
	rec.Marks.Set(crawler.MarkFetch)
	rec.Marks.Set(crawler.MarkSeed)
	rec.BatchID = "batch-1"
	rec.Signature = []byte{1, 2, 3}
	rec.Content = []byte("<html></html>")
	rec.ContentType = "text/html"
	rec.ContentLength = 13
	rec.Headers = http.Header{"Content-Type": {"text/html"}}
	rec.Options = "--parse"

	row, err := Encode(rec)
	require.NoError(t, err)
	assert.Equal(t, at.UnixMilli(), row.FetchTime)
	assert.Equal(t, int64(0), row.GenerateTime, "zero times encode as 0")
	assert.Len(t, row.Args(), len(Columns))
	assert.Len(t, row.Dest(), len(Columns))

	got, err := Decode(row)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestEncodeRejectsSentinels(t *testing.T) {
	t.Parallel()

	_, err := Encode(crawler.NilRecord("https://a.test/"))
	require.ErrorIs(t, err, crawler.ErrSentinelRecord)
	_, err = Encode(crawler.InFlightRecord("https://a.test/"))
	require.ErrorIs(t, err, crawler.ErrSentinelRecord)
}

func TestDecodeRejectsCorruptStatus(t *testing.T) {
	t.Parallel()

	_, err := Decode(Row{URL: "https://a.test/", ProtocolStatus: []byte("{")})
	require.Error(t, err)
}
