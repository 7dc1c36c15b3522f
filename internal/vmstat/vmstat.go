// Package vmstat holds this driver's runtime counters, in the shape
// Oichkatzelesfrettschen-biscuit/biscuit/src/stats/stats.go uses for
// its own kernel-wide counters: plain atomic fields on a struct, with
// a const gate so the counting work itself compiles away to nothing
// when disabled rather than just skipping the increment at runtime.
package vmstat

import "sync/atomic"

// Enabled gates whether counters are maintained at all. It is true, so
// counters count; set to false, every Counter increment is a single
// untaken branch.
const Enabled = true

// Counter is a monotonically increasing statistic.
type Counter struct{ v atomic.Int64 }

// Inc increments the counter by one.
func (c *Counter) Inc() {
	if Enabled {
		c.v.Add(1)
	}
}

// Add increments the counter by n.
func (c *Counter) Add(n int64) {
	if Enabled {
		c.v.Add(n)
	}
}

// Load returns the counter's current value.
func (c *Counter) Load() int64 { return c.v.Load() }

// Context holds the counters maintained for one VM context over its
// lifetime. TablesCreated and TablesFreed are not incremented anywhere
// in this module and stay at zero.
type Context struct {
	Maps          Counter
	MapPartials   Counter
	Unmaps        Counter
	MapFailures   Counter
	MMUFlushes    Counter
	MMUTimeouts   Counter
	TablesCreated Counter
	TablesFreed   Counter
}

// Global holds counters not tied to any one VM context: creation and
// destruction across the driver's whole lifetime.
var Global struct {
	ContextsCreated   Counter
	ContextsDestroyed Counter
}
