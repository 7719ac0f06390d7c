package headless

import (
	"context"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

// Unavailable answers every browser fetch with PROTO_NOT_FOUND. It is
// registered when no browser is configured so browser-mode records fail
// visibly instead of silently falling back to plain HTTP.
type Unavailable struct{}

// Fetch reports that no browser backend exists.
func (Unavailable) Fetch(_ context.Context, r *crawler.Record) crawler.ProtocolOutput {
	return crawler.ProtocolOutput{
		Status: crawler.StatusFailed(crawler.CodeProtoNotFound,
			crawler.ArgURL, r.URL,
			crawler.ArgReason, "browser backend not configured"),
	}
}
