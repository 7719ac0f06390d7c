package crawler

// CrawlStatus is the resting lifecycle state of a record between attempts.
type CrawlStatus uint8

// Crawl status values persisted with each record.
const (
	CrawlStatusUnfetched CrawlStatus = iota
	CrawlStatusFetched
	CrawlStatusGone
	CrawlStatusRetry
	CrawlStatusRedirTemp
	CrawlStatusRedirPerm
	CrawlStatusNotModified
)

var crawlStatusNames = map[CrawlStatus]string{
	CrawlStatusUnfetched:   "UNFETCHED",
	CrawlStatusFetched:     "FETCHED",
	CrawlStatusGone:        "GONE",
	CrawlStatusRetry:       "RETRY",
	CrawlStatusRedirTemp:   "REDIR_TEMP",
	CrawlStatusRedirPerm:   "REDIR_PERM",
	CrawlStatusNotModified: "NOTMODIFIED",
}

func (s CrawlStatus) String() string {
	if name, ok := crawlStatusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// MarshalText encodes the status by name.
func (s CrawlStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsFetched reports whether content for the record is current.
func (s CrawlStatus) IsFetched() bool {
	return s == CrawlStatusFetched || s == CrawlStatusNotModified
}

// IsRedirect reports a temporary or permanent redirect.
func (s CrawlStatus) IsRedirect() bool {
	return s == CrawlStatusRedirTemp || s == CrawlStatusRedirPerm
}

// IsFailed reports a retryable or terminal failure.
func (s CrawlStatus) IsFailed() bool {
	return s == CrawlStatusGone || s == CrawlStatusRetry
}

// IsUnfetched reports a record that was never fetched successfully.
func (s CrawlStatus) IsUnfetched() bool {
	return s == CrawlStatusUnfetched
}
