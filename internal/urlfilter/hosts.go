package urlfilter

import (
	"strings"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

// HostMatcher matches hosts against exact names and suffix wildcards such as
// "*.example.com" or ".example.com".
type HostMatcher struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewHostMatcher builds a matcher from patterns. It returns nil when no
// pattern is usable; a nil matcher matches nothing.
func NewHostMatcher(patterns []string) *HostMatcher {
	m := &HostMatcher{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			m.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			m.addSuffix(strings.TrimPrefix(value, "."))
		default:
			m.exact[value] = struct{}{}
		}
	}
	if len(m.exact) == 0 && len(m.suffixes) == 0 {
		return nil
	}
	return m
}

func (m *HostMatcher) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range m.suffixes {
		if existing == suffix {
			return
		}
	}
	m.suffixes = append(m.suffixes, suffix)
}

// Contains reports whether host matches any pattern.
func (m *HostMatcher) Contains(host string) bool {
	if m == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, ok := m.exact[host]; ok {
		return true
	}
	for _, suffix := range m.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// AnyHost is the union of several host sets. Nil members are skipped.
type AnyHost []crawler.HostSet

// Contains reports whether any member contains host.
func (a AnyHost) Contains(host string) bool {
	for _, s := range a {
		if s != nil && s.Contains(host) {
			return true
		}
	}
	return false
}
