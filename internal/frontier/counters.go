package frontier

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Reason names a filter decision.
type Reason int

// Filter decisions. ReasonLater0 through ReasonLaterN bucket records that are
// not yet due by the number of days until they are.
const (
	ReasonSelected Reason = iota
	ReasonSeeds
	ReasonAhead
	ReasonSeedAhead
	ReasonReclaimed
	ReasonInactive
	ReasonLater0
	ReasonLater1
	ReasonLater2
	ReasonLater3
	ReasonLater4
	ReasonLater5
	ReasonLater6
	ReasonLater7
	ReasonLaterN
	ReasonURLMalformed
	ReasonHostGone
	ReasonBanned
	ReasonGenerated
	ReasonTooDeep
	ReasonBeforeStart
	ReasonAfterEnd
	ReasonNotInRange
	ReasonNotNormal
	ReasonURLFiltered
	numReasons
)

var reasonNames = [numReasons]string{
	ReasonSelected:     "selected",
	ReasonSeeds:        "seeds",
	ReasonAhead:        "ahead",
	ReasonSeedAhead:    "seed_ahead",
	ReasonReclaimed:    "reclaimed",
	ReasonInactive:     "inactive",
	ReasonLaterN:       "later_n",
	ReasonURLMalformed: "url_malformed",
	ReasonHostGone:     "host_gone",
	ReasonBanned:       "banned",
	ReasonGenerated:    "generated",
	ReasonTooDeep:      "too_deep",
	ReasonBeforeStart:  "before_start",
	ReasonAfterEnd:     "after_end",
	ReasonNotInRange:   "not_in_range",
	ReasonNotNormal:    "not_normal",
	ReasonURLFiltered:  "url_filtered",
}

func init() {
	for r := ReasonLater0; r <= ReasonLater7; r++ {
		reasonNames[r] = "later_" + strconv.Itoa(int(r-ReasonLater0))
	}
}

func (r Reason) String() string {
	if r >= 0 && r < numReasons {
		return reasonNames[r]
	}
	return "unknown"
}

func laterReason(days int) Reason {
	switch {
	case days < 0:
		return ReasonLater0
	case days > 7:
		return ReasonLaterN
	default:
		return ReasonLater0 + Reason(days)
	}
}

var decisionsDesc = prometheus.NewDesc(
	"frontier_filter_decisions_total",
	"Frontier filter decisions, labeled by reason.",
	[]string{"reason"},
	nil,
)

// Counters holds one atomic counter per reason. It implements
// prometheus.Collector.
type Counters struct {
	values [numReasons]atomic.Int64
}

// NewCounters returns zeroed counters.
func NewCounters() *Counters {
	return &Counters{}
}

// Inc increments the counter for r.
func (c *Counters) Inc(r Reason) {
	if r < 0 || r >= numReasons {
		return
	}
	c.values[r].Add(1)
}

// Get returns the current value for r.
func (c *Counters) Get(r Reason) int64 {
	if r < 0 || r >= numReasons {
		return 0
	}
	return c.values[r].Load()
}

// Snapshot returns the non-zero counters by name.
func (c *Counters) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	for r := Reason(0); r < numReasons; r++ {
		if v := c.values[r].Load(); v != 0 {
			out[r.String()] = v
		}
	}
	return out
}

// Describe implements prometheus.Collector.
func (c *Counters) Describe(ch chan<- *prometheus.Desc) {
	ch <- decisionsDesc
}

// Collect implements prometheus.Collector.
func (c *Counters) Collect(ch chan<- prometheus.Metric) {
	for r := Reason(0); r < numReasons; r++ {
		ch <- prometheus.MustNewConstMetric(decisionsDesc, prometheus.CounterValue, float64(c.values[r].Load()), r.String())
	}
}
