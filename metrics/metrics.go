// Package metrics accumulates checker self-metrics and ships them to
// Graphite over the text-line protocol, one connected replica at a time with
// round-robin failover.
package metrics

import (
	"math"
	"sync/atomic"
	"time"
)

// Counter is a flush-and-reset event counter.
type Counter struct {
	value atomic.Int64
}

func (c *Counter) Inc() {
	c.value.Add(1)
}

func (c *Counter) Add(n int64) {
	c.value.Add(n)
}

// Flush returns the accumulated count and resets it.
func (c *Counter) Flush() int64 {
	return c.value.Swap(0)
}

// Timer accumulates a sum of durations and their count over a flush window.
type Timer struct {
	sumBits atomic.Uint64
	count   atomic.Int64
}

func (t *Timer) Update(d time.Duration) {
	seconds := d.Seconds()
	for {
		old := t.sumBits.Load()
		next := math.Float64bits(math.Float64frombits(old) + seconds)
		if t.sumBits.CompareAndSwap(old, next) {
			break
		}
	}
	t.count.Add(1)
}

// Flush returns the accumulated (sum seconds, count) and resets both.
func (t *Timer) Flush() (float64, int64) {
	sum := math.Float64frombits(t.sumBits.Swap(0))
	return sum, t.count.Swap(0)
}

// CheckerMetrics is the set of counters one checker process reports.
type CheckerMetrics struct {
	// CheckTime accumulates successful check durations.
	CheckTime Timer
	// TriggersChecked counts completed checks.
	TriggersChecked Counter
	// CheckErrors counts failed checks and dequeue errors.
	CheckErrors Counter
}

func NewCheckerMetrics() *CheckerMetrics {
	return &CheckerMetrics{}
}
