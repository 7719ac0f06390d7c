package fetch

import (
	"sync"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

// Resolver picks the protocol backend for a fetch mode.
type Resolver interface {
	Protocol(mode crawler.FetchMode) (crawler.Protocol, bool)
}

// Registry maps fetch modes to protocol backends.
type Registry struct {
	mu        sync.RWMutex
	protocols map[crawler.FetchMode]crawler.Protocol
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{protocols: make(map[crawler.FetchMode]crawler.Protocol)}
}

// Register installs p for mode, replacing any previous backend.
func (r *Registry) Register(mode crawler.FetchMode, p crawler.Protocol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.protocols[mode] = p
}

// Protocol returns the backend for mode. An empty mode means native.
func (r *Registry) Protocol(mode crawler.FetchMode) (crawler.Protocol, bool) {
	if mode == "" {
		mode = crawler.FetchModeNative
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.protocols[mode]
	return p, ok && p != nil
}
