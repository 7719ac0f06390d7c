// Package parse extracts out-links from fetched HTML and records them in the
// frontier.
package parse

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/urlfilter"
)

const defaultMaxLinks = 500

// Skip reasons reported in crawler.ParseResult.Reason.
const (
	SkipNotHTML       = "not html"
	SkipEmpty         = "empty content"
	SkipAlreadyParsed = "already parsed"
	SkipNoFollow      = "nofollow"
)

// Resolver turns an href into an absolute, normalized URL.
type Resolver interface {
	Resolve(base *url.URL, ref, scope string) (string, bool)
}

// Config tunes link extraction.
type Config struct {
	MaxLinks int
}

// LinkParser finds anchors in HTML content. Each new link becomes an
// UNFETCHED record one hop further from the seeds than its parent; known
// links only have their distance lowered, through the store, so a fetch
// result written concurrently for the same URL is never overwritten.
type LinkParser struct {
	cfg      Config
	store    crawler.RecordStore
	resolver Resolver
	filter   crawler.URLFilter
	logger   *zap.Logger
}

// NewLinkParser wires a LinkParser. filter may be nil.
func NewLinkParser(cfg Config, store crawler.RecordStore, resolver Resolver, filter crawler.URLFilter, logger *zap.Logger) *LinkParser {
	if cfg.MaxLinks <= 0 {
		cfg.MaxLinks = defaultMaxLinks
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LinkParser{cfg: cfg, store: store, resolver: resolver, filter: filter, logger: logger}
}

// Parse extracts links from r.Content and updates their records.
func (p *LinkParser) Parse(ctx context.Context, r *crawler.Record, req crawler.ParseRequest) (crawler.ParseResult, error) {
	switch {
	case len(r.Content) == 0:
		return skipped(SkipEmpty), nil
	case !isHTML(r.ContentType):
		return skipped(SkipNotHTML), nil
	case r.Marks.Has(crawler.MarkParse) && !req.ReparseLinks:
		return skipped(SkipAlreadyParsed), nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(r.Content))
	if err != nil {
		return crawler.ParseResult{}, fmt.Errorf("parse html %s: %w", r.URL, err)
	}
	r.Marks.Set(crawler.MarkParse)
	if !req.ForceFollow && metaNoFollow(doc) {
		return skipped(SkipNoFollow), nil
	}

	base, err := baseURL(doc, r)
	if err != nil {
		return crawler.ParseResult{}, err
	}
	links := p.extract(doc, base, r.URL, req)

	res := crawler.ParseResult{Links: links}
	for _, link := range links {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		added, err := p.updateOutlink(ctx, link, r.Distance)
		if err != nil {
			return res, err
		}
		if added {
			res.NewLinks++
		}
	}
	p.logger.Debug("links extracted",
		zap.String("url", r.URL),
		zap.Int("links", len(links)),
		zap.Int("new_links", res.NewLinks),
	)
	return res, nil
}

func (p *LinkParser) extract(doc *goquery.Document, base *url.URL, self string, req crawler.ParseRequest) []string {
	scope := doc.Selection
	if req.Query != "" {
		scope = doc.Find(req.Query)
	}

	seen := map[string]struct{}{self: {}}
	links := make([]string, 0, 16)
	scope.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !req.ForceFollow && hasToken(s.AttrOr("rel", ""), "nofollow") {
			return true
		}
		link, ok := p.resolver.Resolve(base, s.AttrOr("href", ""), urlfilter.ScopeOutlink)
		if !ok {
			return true
		}
		if !req.NoLinkFilter && p.filter != nil {
			if _, ok := p.filter.Filter(link); !ok {
				return true
			}
		}
		if _, dup := seen[link]; dup {
			return true
		}
		seen[link] = struct{}{}
		links = append(links, link)
		return len(links) < p.cfg.MaxLinks
	})
	return links
}

func (p *LinkParser) updateOutlink(ctx context.Context, link string, parentDistance uint32) (bool, error) {
	distance := parentDistance
	if distance < crawler.DistanceInfinite {
		distance++
	}
	rec := crawler.NewRecord(link)
	rec.UpdateDistance(distance)
	added, err := p.store.AddOutlink(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("store outlink %s: %w", link, err)
	}
	return added, nil
}

func baseURL(doc *goquery.Document, r *crawler.Record) (*url.URL, error) {
	raw := r.URL
	if r.Location != "" {
		raw = r.Location
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("base url %s: %w", raw, err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if ref, err := url.Parse(strings.TrimSpace(href)); err == nil {
			base = base.ResolveReference(ref)
		}
	}
	return base, nil
}

func metaNoFollow(doc *goquery.Document) bool {
	found := false
	doc.Find("meta[name]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !strings.EqualFold(s.AttrOr("name", ""), "robots") {
			return true
		}
		content := strings.ReplaceAll(s.AttrOr("content", ""), ",", " ")
		found = hasToken(content, "nofollow") || hasToken(content, "none")
		return !found
	})
	return found
}

func hasToken(list, token string) bool {
	for _, f := range strings.Fields(list) {
		if strings.EqualFold(f, token) {
			return true
		}
	}
	return false
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return ct == "" || strings.Contains(ct, "html")
}

func skipped(reason string) crawler.ParseResult {
	return crawler.ParseResult{Skipped: true, Reason: reason}
}
