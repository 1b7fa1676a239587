package health

import (
	"context"
	"math"
	"testing"
	"time"

	"evolved/internal/component"
	"evolved/internal/config"
)

// steadyEngine reports a fixed health value.
type steadyEngine struct{ health float64 }

func (s *steadyEngine) Initialize(context.Context, map[string]any) (float64, error) {
	return s.health, nil
}
func (s *steadyEngine) ExecuteTask(ctx context.Context, task component.Task) (string, float64, error) {
	return "", s.health, nil
}
func (s *steadyEngine) Health(context.Context) float64 { return s.health }
func (s *steadyEngine) Pause()                         {}
func (s *steadyEngine) Resume()                        {}
func (s *steadyEngine) Dispose()                       {}

func activeAdapter(t *testing.T, id string, health float64) *component.Adapter {
	t.Helper()
	a := component.NewAdapter(id, "steady", &steadyEngine{health: health}, config.FailureContinue)
	if err := a.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize %s: %v", id, err)
	}
	return a
}

func TestCaptureAveragesActiveComponents(t *testing.T) {
	c := NewCollector(8)
	adapters := []*component.Adapter{
		activeAdapter(t, "a", 0.8),
		activeAdapter(t, "b", 0.6),
	}

	snap := c.Capture(context.Background(), adapters, PerformanceMetrics{})
	if math.Abs(snap.OverallHealth-0.7) > 1e-9 {
		t.Errorf("OverallHealth = %v, want 0.7", snap.OverallHealth)
	}
	if len(snap.ComponentStates) != 2 {
		t.Errorf("ComponentStates = %d, want 2", len(snap.ComponentStates))
	}
}

func TestCaptureExcludesPausedFromAverageButLists(t *testing.T) {
	c := NewCollector(8)
	a := activeAdapter(t, "a", 0.8)
	b := activeAdapter(t, "b", 0.2)
	if err := b.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	snap := c.Capture(context.Background(), []*component.Adapter{a, b}, PerformanceMetrics{})
	if snap.OverallHealth != 0.8 {
		t.Errorf("OverallHealth = %v, want 0.8 (paused excluded)", snap.OverallHealth)
	}
	if len(snap.ComponentStates) != 2 {
		t.Fatalf("ComponentStates = %d, want 2 (paused still listed)", len(snap.ComponentStates))
	}
	for _, rec := range snap.ComponentStates {
		if rec.ID == "b" && rec.Status != component.StatusPaused {
			t.Errorf("component b status = %s, want paused", rec.Status)
		}
	}
}

func TestCaptureNoActiveComponentsIsZero(t *testing.T) {
	c := NewCollector(8)

	snap := c.Capture(context.Background(), nil, PerformanceMetrics{})
	if snap.OverallHealth != 0 {
		t.Errorf("OverallHealth with no components = %v, want 0", snap.OverallHealth)
	}

	a := activeAdapter(t, "a", 0.9)
	if err := a.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	snap = c.Capture(context.Background(), []*component.Adapter{a}, PerformanceMetrics{})
	if snap.OverallHealth != 0 {
		t.Errorf("OverallHealth with only paused components = %v, want 0", snap.OverallHealth)
	}
}

func TestRetentionEvictsOldest(t *testing.T) {
	c := NewCollector(3)
	a := []*component.Adapter{activeAdapter(t, "a", 0.5)}

	for i := 0; i < 5; i++ {
		c.Capture(context.Background(), a, PerformanceMetrics{CycleCount: uint64(i)})
	}

	recent := c.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("retained = %d, want 3", len(recent))
	}
	if recent[0].Performance.CycleCount != 2 {
		t.Errorf("oldest retained cycle = %d, want 2", recent[0].Performance.CycleCount)
	}
	if recent[2].Performance.CycleCount != 4 {
		t.Errorf("newest retained cycle = %d, want 4", recent[2].Performance.CycleCount)
	}
}

func TestLatestHealthNeverFails(t *testing.T) {
	c := NewCollector(4)
	if got := c.LatestHealth(); got != 0 {
		t.Errorf("LatestHealth with no history = %v, want 0", got)
	}
	if _, ok := c.Latest(); ok {
		t.Error("Latest reported a snapshot on an empty history")
	}

	c.Capture(context.Background(), []*component.Adapter{activeAdapter(t, "a", 0.65)}, PerformanceMetrics{})
	if got := c.LatestHealth(); got != 0.65 {
		t.Errorf("LatestHealth = %v, want 0.65", got)
	}
}

func TestWarmPreloadsChronologically(t *testing.T) {
	c := NewCollector(8)
	base := time.Now().Add(-time.Hour)
	c.Warm([]Snapshot{
		{Timestamp: base, OverallHealth: 0.3},
		{Timestamp: base.Add(time.Minute), OverallHealth: 0.4},
	})

	if got := c.LatestHealth(); got != 0.4 {
		t.Errorf("LatestHealth after warm = %v, want 0.4", got)
	}
	recent := c.Recent(2)
	if len(recent) != 2 || !recent[0].Timestamp.Before(recent[1].Timestamp) {
		t.Errorf("Recent not chronological: %+v", recent)
	}
}

func TestRecentBounds(t *testing.T) {
	c := NewCollector(8)
	a := []*component.Adapter{activeAdapter(t, "a", 0.5)}
	for i := 0; i < 4; i++ {
		c.Capture(context.Background(), a, PerformanceMetrics{})
	}

	if got := len(c.Recent(2)); got != 2 {
		t.Errorf("Recent(2) = %d snapshots, want 2", got)
	}
	if got := len(c.Recent(100)); got != 4 {
		t.Errorf("Recent(100) = %d snapshots, want 4", got)
	}
	if got := len(c.Recent(-1)); got != 4 {
		t.Errorf("Recent(-1) = %d snapshots, want 4", got)
	}
}
