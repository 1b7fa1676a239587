// Package health captures point-in-time snapshots of system-wide component
// health and keeps a bounded in-memory history of them.
package health

import (
	"context"
	"sync"
	"time"

	"evolved/internal/component"
	"evolved/internal/logging"
)

// PerformanceMetrics aggregates counters for one snapshot.
type PerformanceMetrics struct {
	CycleCount        uint64        `json:"cycle_count"`
	LastCycleDuration time.Duration `json:"last_cycle_duration"`
	TasksExecuted     uint64        `json:"tasks_executed"`
	TasksFailed       uint64        `json:"tasks_failed"`
	TasksDeferred     uint64        `json:"tasks_deferred"`
}

// Snapshot is an immutable capture of component health at one instant.
type Snapshot struct {
	Timestamp       time.Time          `json:"timestamp"`
	OverallHealth   float64            `json:"overall_health"`
	ComponentStates []component.Record `json:"component_states"`
	Performance     PerformanceMetrics `json:"performance_metrics"`
}

// Collector produces snapshots and retains the most recent ones.
type Collector struct {
	mu        sync.RWMutex
	retention int
	history   []Snapshot
}

// NewCollector returns a collector keeping at most retention snapshots.
func NewCollector(retention int) *Collector {
	if retention < 1 {
		retention = 1
	}
	return &Collector{retention: retention}
}

// Capture queries health on every active component and appends the snapshot
// to the history. Paused and errored components are excluded from the average
// but still listed with their last known health. With no active components
// the overall health is 0.
func (c *Collector) Capture(ctx context.Context, adapters []*component.Adapter, perf PerformanceMetrics) Snapshot {
	timer := logging.StartTimer(logging.CategoryHealth, "Capture")
	defer timer.Stop()

	states := make([]component.Record, 0, len(adapters))
	sum := 0.0
	active := 0
	for _, a := range adapters {
		if a.Status() == component.StatusActive {
			sum += a.Health(ctx)
			active++
		}
		states = append(states, a.Record())
	}

	overall := 0.0
	if active > 0 {
		overall = sum / float64(active)
	}

	snap := Snapshot{
		Timestamp:       time.Now(),
		OverallHealth:   overall,
		ComponentStates: states,
		Performance:     perf,
	}
	c.append(snap)

	logging.HealthDebug("Captured snapshot: overall=%.3f, active=%d/%d", overall, active, len(adapters))
	return snap
}

func (c *Collector) append(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, snap)
	if len(c.history) > c.retention {
		// Evict oldest; copy so the backing array does not pin evicted snapshots.
		c.history = append([]Snapshot(nil), c.history[len(c.history)-c.retention:]...)
	}
}

// Warm preloads the history, oldest first. Used to restore persisted
// snapshots at startup.
func (c *Collector) Warm(snaps []Snapshot) {
	for _, s := range snaps {
		c.append(s)
	}
}

// Latest returns the most recent snapshot, if any.
func (c *Collector) Latest() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.history) == 0 {
		return Snapshot{}, false
	}
	return c.history[len(c.history)-1], true
}

// LatestHealth returns the last known overall health, or 0 if no snapshot
// has been captured yet. It never fails.
func (c *Collector) LatestHealth() float64 {
	if snap, ok := c.Latest(); ok {
		return snap.OverallHealth
	}
	return 0
}

// Recent returns the last n snapshots in chronological order. n <= 0 returns
// the full retained history.
func (c *Collector) Recent(n int) []Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n <= 0 || n > len(c.history) {
		n = len(c.history)
	}
	out := make([]Snapshot, n)
	copy(out, c.history[len(c.history)-n:])
	return out
}
