package component

import (
	"context"
	"fmt"
	"sync"
)

// fakeEngine is a scriptable engine for adapter tests.
type fakeEngine struct {
	mu sync.Mutex

	initHealth float64
	initErr    error

	// execFailures is decremented per failed attempt; once it hits zero,
	// ExecuteTask succeeds.
	execFailures int
	execHealth   float64
	execCalls    int

	health float64

	paused   bool
	disposed bool
}

func (f *fakeEngine) Initialize(ctx context.Context, cfg map[string]any) (float64, error) {
	return f.initHealth, f.initErr
}

func (f *fakeEngine) ExecuteTask(ctx context.Context, task Task) (string, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execCalls++
	if f.execFailures > 0 {
		f.execFailures--
		return "", 0, fmt.Errorf("transient failure on %s", task.ID)
	}
	return "done " + task.ID, f.execHealth, nil
}

func (f *fakeEngine) Health(ctx context.Context) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health
}

func (f *fakeEngine) Pause() {
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
}

func (f *fakeEngine) Resume() {
	f.mu.Lock()
	f.paused = false
	f.mu.Unlock()
}

func (f *fakeEngine) Dispose() {
	f.mu.Lock()
	f.disposed = true
	f.mu.Unlock()
}

func (f *fakeEngine) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execCalls
}

// contributingEngine extends fakeEngine with task proposal.
type contributingEngine struct {
	fakeEngine
	declineAll bool
}

func (c *contributingEngine) ProposeTask(objective string) (Task, bool) {
	if c.declineAll || objective == "" {
		return Task{}, false
	}
	return Task{ID: "t-" + objective, Objective: objective}, true
}
