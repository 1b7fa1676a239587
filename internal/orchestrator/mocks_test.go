package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"evolved/internal/component"
	"evolved/internal/store"
)

// testEngine is a scriptable component engine. Executing a task moves its
// health to execHealth, so tests can drive health above or below the
// improvement threshold deterministically. It also tracks how many tasks run
// inside the engine at once.
type testEngine struct {
	mu sync.Mutex

	initHealth float64
	initErr    error
	execHealth float64
	execErr    error
	execDelay  time.Duration

	health    float64
	execCalls int
	inFlight  int
	peak      int
}

func (e *testEngine) Initialize(ctx context.Context, cfg map[string]any) (float64, error) {
	if e.initErr != nil {
		return 0, e.initErr
	}
	e.mu.Lock()
	e.health = e.initHealth
	e.mu.Unlock()
	return e.initHealth, nil
}

func (e *testEngine) ExecuteTask(ctx context.Context, task component.Task) (string, float64, error) {
	e.mu.Lock()
	e.execCalls++
	e.inFlight++
	if e.inFlight > e.peak {
		e.peak = e.inFlight
	}
	execErr := e.execErr
	delay := e.execDelay
	e.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFlight--
	if execErr != nil {
		return "", 0, execErr
	}
	e.health = e.execHealth
	return "handled " + task.ID, e.health, nil
}

func (e *testEngine) Health(ctx context.Context) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health
}

func (e *testEngine) Pause()   {}
func (e *testEngine) Resume()  {}
func (e *testEngine) Dispose() {}

func (e *testEngine) ProposeTask(objective string) (component.Task, bool) {
	if objective == "" {
		return component.Task{}, false
	}
	e.mu.Lock()
	seq := e.execCalls
	e.mu.Unlock()
	return component.Task{
		ID:        fmt.Sprintf("test-task-%d", seq),
		Objective: objective,
	}, true
}

func (e *testEngine) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.execCalls
}

func (e *testEngine) peakConcurrency() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peak
}

// registerTestKind installs a factory returning the given engine and returns
// the kind string. Kinds are namespaced per test to keep the global factory
// registry clean across tests.
func registerTestKind(name string, engine component.Engine) string {
	kind := "test-" + name
	component.RegisterKind(kind, func() component.Engine { return engine })
	return kind
}

// failStore errors on every operation, modeling an unreachable backend.
type failStore struct{}

var errStoreDown = errors.New("store unreachable")

func (failStore) Select(string, *store.Filter) ([]store.Row, error) { return nil, errStoreDown }
func (failStore) Insert(string, store.Row) error                    { return errStoreDown }
func (failStore) Update(string, *store.Filter, store.Row) error     { return errStoreDown }
func (failStore) Upsert(string, store.Row) error                    { return errStoreDown }
func (failStore) Delete(string, *store.Filter) error                { return errStoreDown }
func (failStore) Close() error                                      { return nil }
