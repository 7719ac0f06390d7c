package crawler

// Outcome is the reconciliation class of a protocol status.
type Outcome uint8

// Outcome classes.
const (
	OutcomeUnknown Outcome = iota
	OutcomeFetched
	OutcomeNotModified
	OutcomeRedirect
	OutcomeRetry
	OutcomeTimeout
	OutcomeGone
	OutcomeHostGone
	OutcomeWouldBlock
	OutcomeUnfetched
)

var outcomeNames = [...]string{
	OutcomeUnknown:     "unknown",
	OutcomeFetched:     "fetched",
	OutcomeNotModified: "not_modified",
	OutcomeRedirect:    "redirect",
	OutcomeRetry:       "retry",
	OutcomeTimeout:     "timeout",
	OutcomeGone:        "gone",
	OutcomeHostGone:    "host_gone",
	OutcomeWouldBlock:  "would_block",
	OutcomeUnfetched:   "unfetched",
}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "unknown"
}

// Classification is the result of mapping a protocol status onto the record
// lifecycle.
type Classification struct {
	Outcome     Outcome
	CrawlStatus CrawlStatus
	// KeepStatus means the record's crawl status must be left as it was.
	KeepStatus bool
	// Known is false when the minor code fell through to the default branch.
	Known bool
}

// Classify maps a protocol status to a crawl status. It is total: codes it
// does not recognise come back as RETRY with Known unset, so they can never
// reach FETCHED.
func Classify(s ProtocolStatus) Classification {
	if s.IsSuccess() {
		if s.Minor == CodeNotModified {
			return Classification{Outcome: OutcomeNotModified, CrawlStatus: CrawlStatusNotModified, Known: true}
		}
		if s.Minor == CodeOK || s.Minor == CodeCreated {
			return Classification{Outcome: OutcomeFetched, CrawlStatus: CrawlStatusFetched, Known: true}
		}
		return Classification{Outcome: OutcomeUnknown, CrawlStatus: CrawlStatusRetry}
	}

	switch s.Minor {
	case CodeMoved:
		return Classification{Outcome: OutcomeRedirect, CrawlStatus: CrawlStatusRedirPerm, Known: true}
	case CodeTempMoved:
		return Classification{Outcome: OutcomeRedirect, CrawlStatus: CrawlStatusRedirTemp, Known: true}
	case CodeRetry, CodeBlocked, CodeCanceled, CodeException, CodePreconditionFailed:
		return Classification{Outcome: OutcomeRetry, CrawlStatus: CrawlStatusRetry, Known: true}
	case CodeRequestTimeout, CodeThreadTimeout, CodeDriverTimeout, CodeDocumentReadyTimeout, CodeScriptTimeout:
		return Classification{Outcome: OutcomeTimeout, CrawlStatus: CrawlStatusRetry, Known: true}
	case CodeUnknownHost:
		return Classification{Outcome: OutcomeHostGone, CrawlStatus: CrawlStatusGone, Known: true}
	case CodeGone, CodeNotFound, CodeAccessDenied, CodeRobotsDenied, CodeRedirExceeded:
		return Classification{Outcome: OutcomeGone, CrawlStatus: CrawlStatusGone, Known: true}
	case CodeWouldBlock:
		return Classification{Outcome: OutcomeWouldBlock, KeepStatus: true, Known: true}
	case CodeProtoNotFound, CodeNotFetched:
		return Classification{Outcome: OutcomeUnfetched, CrawlStatus: CrawlStatusUnfetched, Known: true}
	default:
		return Classification{Outcome: OutcomeUnknown, CrawlStatus: CrawlStatusRetry}
	}
}
