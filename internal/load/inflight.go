package load

import (
	"sync"

	"github.com/JakeFAU/crawl-frontier/internal/metrics"
)

// InFlight is the set of URLs currently being fetched in this process.
// Holders receive a release func; calling it more than once is harmless.
type InFlight struct {
	urls sync.Map
}

// NewInFlight returns an empty set.
func NewInFlight() *InFlight {
	return &InFlight{}
}

// Acquire claims url. ok is false when another caller already holds it.
func (s *InFlight) Acquire(url string) (release func(), ok bool) {
	if url == "" {
		return func() {}, false
	}
	if _, loaded := s.urls.LoadOrStore(url, struct{}{}); loaded {
		return func() {}, false
	}
	metrics.AddInFlight(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			s.urls.Delete(url)
			metrics.AddInFlight(-1)
		})
	}, true
}

// AcquireAll claims every url it can. It returns the claimed subset, in input
// order, and a single func releasing all of them.
func (s *InFlight) AcquireAll(urls []string) (acquired []string, release func()) {
	releases := make([]func(), 0, len(urls))
	for _, u := range urls {
		if rel, ok := s.Acquire(u); ok {
			acquired = append(acquired, u)
			releases = append(releases, rel)
		}
	}
	return acquired, func() {
		for _, rel := range releases {
			rel()
		}
	}
}

// Contains reports whether url is held.
func (s *InFlight) Contains(url string) bool {
	_, ok := s.urls.Load(url)
	return ok
}

// Len counts held URLs.
func (s *InFlight) Len() int {
	n := 0
	s.urls.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
