package crawler

// FetchReason is the computed justification, or refusal, for fetching now.
type FetchReason uint8

// Fetch reasons.
const (
	FetchReasonDoNotFetch FetchReason = iota
	FetchReasonNewPage
	FetchReasonExpired
	FetchReasonTempMoved
	FetchReasonRetryOnFailure
	FetchReasonSmallContent
)

var fetchReasonNames = [...]string{
	FetchReasonDoNotFetch:     "do_not_fetch",
	FetchReasonNewPage:        "new_page",
	FetchReasonExpired:        "expired",
	FetchReasonTempMoved:      "temp_moved",
	FetchReasonRetryOnFailure: "retry_on_failure",
	FetchReasonSmallContent:   "small_content",
}

func (r FetchReason) String() string {
	if int(r) < len(fetchReasonNames) {
		return fetchReasonNames[r]
	}
	return "unknown"
}

// RequiresFetch reports reasons that go straight to the fetch executor.
func (r FetchReason) RequiresFetch() bool {
	switch r {
	case FetchReasonNewPage, FetchReasonExpired, FetchReasonRetryOnFailure, FetchReasonSmallContent:
		return true
	default:
		return false
	}
}
