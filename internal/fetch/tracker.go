package fetch

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

const defaultHostGoneThreshold = 3

// Tracker remembers failed, timed-out and moved URLs, and marks a host
// unreachable once it has failed at host level threshold times. It satisfies
// crawler.Tracker and crawler.HostSet.
type Tracker struct {
	mu          sync.Mutex
	threshold   int
	hostFails   map[string]int
	unreachable map[string]struct{}
	failed      map[string]struct{}
	timeouts    map[string]int
	moved       map[string]struct{}

	outcomes *prometheus.CounterVec
	logger   *zap.Logger
}

// NewTracker builds a Tracker. threshold <= 0 uses the default.
func NewTracker(threshold int, logger *zap.Logger) *Tracker {
	if threshold <= 0 {
		threshold = defaultHostGoneThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		threshold:   threshold,
		hostFails:   make(map[string]int),
		unreachable: make(map[string]struct{}),
		failed:      make(map[string]struct{}),
		timeouts:    make(map[string]int),
		moved:       make(map[string]struct{}),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_tracked_outcomes_total",
				Help: "Fetch outcomes reported to the tracker, labeled by kind.",
			},
			[]string{"kind"},
		),
		logger: logger,
	}
}

// TrackSuccess clears failure state for the record's URL and host.
func (t *Tracker) TrackSuccess(r *crawler.Record) {
	t.outcomes.WithLabelValues("success").Inc()
	host := crawler.HostOf(r.URL)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failed, r.URL)
	delete(t.timeouts, r.URL)
	delete(t.hostFails, host)
}

// TrackFailed remembers url as failed.
func (t *Tracker) TrackFailed(url string) {
	t.outcomes.WithLabelValues("failed").Inc()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed[url] = struct{}{}
}

// TrackTimeout counts a timeout against url.
func (t *Tracker) TrackTimeout(url string) {
	t.outcomes.WithLabelValues("timeout").Inc()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeouts[url]++
}

// TrackHostGone counts a host-level failure and reports the host unreachable
// once the threshold is hit.
func (t *Tracker) TrackHostGone(url string) {
	t.outcomes.WithLabelValues("host_gone").Inc()
	host := crawler.HostOf(url)
	if host == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, gone := t.unreachable[host]; gone {
		return
	}
	t.hostFails[host]++
	if t.hostFails[host] >= t.threshold {
		t.unreachable[host] = struct{}{}
		t.logger.Warn("host marked unreachable",
			zap.String("host", host),
			zap.Int("failures", t.hostFails[host]),
		)
	}
}

// TrackMoved remembers url as redirected.
func (t *Tracker) TrackMoved(url string) {
	t.outcomes.WithLabelValues("moved").Inc()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.moved[url] = struct{}{}
}

// IsFailed reports whether url last ended in failure.
func (t *Tracker) IsFailed(url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.failed[url]
	return ok
}

// IsTimeout reports whether url has timed out since its last success.
func (t *Tracker) IsTimeout(url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeouts[url] > 0
}

// IsMoved reports whether url was seen redirecting.
func (t *Tracker) IsMoved(url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.moved[url]
	return ok
}

// IsUnreachable reports whether host has been marked unreachable.
func (t *Tracker) IsUnreachable(host string) bool {
	if host == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.unreachable[strings.ToLower(host)]
	return ok
}

// Contains makes the tracker usable as a crawler.HostSet.
func (t *Tracker) Contains(host string) bool {
	return t.IsUnreachable(host)
}

// UnreachableHosts returns the hosts currently marked unreachable.
func (t *Tracker) UnreachableHosts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	hosts := make([]string, 0, len(t.unreachable))
	for h := range t.unreachable {
		hosts = append(hosts, h)
	}
	return hosts
}

// Describe implements prometheus.Collector.
func (t *Tracker) Describe(ch chan<- *prometheus.Desc) {
	t.outcomes.Describe(ch)
}

// Collect implements prometheus.Collector.
func (t *Tracker) Collect(ch chan<- prometheus.Metric) {
	t.outcomes.Collect(ch)
}
