// Package urlfilter canonicalizes URLs and decides which ones the crawler
// may visit.
package urlfilter

import (
	"net/url"
	"strings"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

// Normalization scopes used by the crawler's components.
const (
	ScopeDefault  = "default"
	ScopeGenerate = "generate"
	ScopeFetch    = "fetch"
	ScopeOutlink  = "outlink"
)

// NormalizerConfig lists query parameters to drop. A trailing "*" matches a
// prefix, so "utm_*" drops every tracking parameter.
type NormalizerConfig struct {
	StripParams []string
	// ScopeStripParams adds parameters to drop for a single scope.
	ScopeStripParams map[string][]string
}

// Normalizer standardizes URLs to avoid duplicates. It lowercases the scheme
// and host, removes default ports and fragments, sorts query parameters and
// drops configured ones.
type Normalizer struct {
	strip      []string
	scopeStrip map[string][]string
}

// NewNormalizer builds a Normalizer from cfg.
func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	scoped := make(map[string][]string, len(cfg.ScopeStripParams))
	for scope, params := range cfg.ScopeStripParams {
		scoped[scope] = lowerAll(params)
	}
	return &Normalizer{strip: lowerAll(cfg.StripParams), scopeStrip: scoped}
}

// Normalize returns the canonical form of rawURL. ok is false for URLs the
// crawler cannot fetch.
func (n *Normalizer) Normalize(rawURL, scope string) (string, bool) {
	u, err := crawler.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return "", false
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	if u.Path == "" {
		u.Path = "/"
	}
	u.Fragment = ""
	u.RawFragment = ""

	q := u.Query()
	for key := range q {
		if n.stripped(strings.ToLower(key), scope) {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), true
}

func (n *Normalizer) stripped(key, scope string) bool {
	return matchParam(n.strip, key) || matchParam(n.scopeStrip[scope], key)
}

func matchParam(patterns []string, key string) bool {
	for _, p := range patterns {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(key, prefix) {
				return true
			}
			continue
		}
		if p == key {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Resolve makes ref absolute against base and normalizes it in scope.
func (n *Normalizer) Resolve(base *url.URL, ref, scope string) (string, bool) {
	parsed, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", false
	}
	return n.Normalize(base.ResolveReference(parsed).String(), scope)
}
