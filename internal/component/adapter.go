package component

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"evolved/internal/config"
	"evolved/internal/logging"
)

// Retry policy for task execution under failure_handling=continue.
// An action gets the initial attempt plus taskMaxRetries retries before the
// failure is surfaced to the owning plan.
const (
	taskMaxRetries       = 2
	taskRetryBaseBackoff = 50 * time.Millisecond
)

// Adapter wraps one Engine behind the lifecycle state machine.
//
// Transitions:
//
//	registered -> initializing -> active   (Initialize succeeds)
//	registered -> initializing -> error    (Initialize fails)
//	active <-> paused                      (Pause/Resume)
//	active -> error                        (task failure under abort)
//	any -> terminated                      (Dispose)
//
// The error state is not auto-recoverable; only Dispose/re-registration
// clears it. All mutation happens on the orchestrator's loop goroutine; the
// mutex exists because health queries may race a Dispose during shutdown.
type Adapter struct {
	mu sync.Mutex

	id     string
	kind   string
	engine Engine

	status          Status
	lastHealth      float64
	metrics         map[string]float64
	failureHandling string
}

// NewAdapter registers an engine under the given id and kind.
func NewAdapter(id, kind string, engine Engine, failureHandling string) *Adapter {
	logging.ComponentsDebug("Registering component %s (kind=%s)", id, kind)
	return &Adapter{
		id:              id,
		kind:            kind,
		engine:          engine,
		status:          StatusRegistered,
		failureHandling: failureHandling,
		metrics:         make(map[string]float64),
	}
}

// ID returns the component's stable identifier.
func (a *Adapter) ID() string { return a.id }

// Kind returns the engine kind this adapter wraps.
func (a *Adapter) Kind() string { return a.kind }

// Initialize drives registered -> active, or -> error on engine failure.
func (a *Adapter) Initialize(ctx context.Context, cfg map[string]any) error {
	timer := logging.StartTimer(logging.CategoryComponents, "Initialize "+a.id)
	defer timer.Stop()

	a.mu.Lock()
	if a.status == StatusTerminated {
		a.mu.Unlock()
		return ErrTerminated
	}
	a.status = StatusInitializing
	a.mu.Unlock()

	health, err := a.engine.Initialize(ctx, cfg)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.status = StatusError
		a.metrics["init_failures"]++
		logging.Get(logging.CategoryComponents).Error("Component %s failed to initialize: %v", a.id, err)
		return &InitializationError{ComponentID: a.id, Err: err}
	}
	a.status = StatusActive
	a.lastHealth = clampHealth(health)
	logging.Components("Component %s active (health=%.3f)", a.id, a.lastHealth)
	return nil
}

// ExecuteTask runs one task through the engine. Under
// failure_handling=continue the task is retried with exponential backoff and
// the component stays active even if it ultimately fails; under abort the
// first failure moves the component to error.
func (a *Adapter) ExecuteTask(ctx context.Context, task Task) (TaskResult, error) {
	a.mu.Lock()
	if a.status != StatusActive {
		a.mu.Unlock()
		return TaskResult{}, ErrNotActive
	}
	a.mu.Unlock()

	start := time.Now()
	var output string
	var health float64
	attempts := 0

	op := func() error {
		attempts++
		var err error
		output, health, err = a.engine.ExecuteTask(ctx, task)
		if err != nil && attempts > 1 {
			a.mu.Lock()
			a.metrics["task_retries"]++
			a.mu.Unlock()
		}
		return err
	}

	var err error
	if a.failureHandling == config.FailureAbort {
		err = op()
	} else {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = taskRetryBaseBackoff
		err = backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, taskMaxRetries), ctx))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.metrics["task_failures"]++
		if a.failureHandling == config.FailureAbort {
			a.status = StatusError
			logging.Get(logging.CategoryComponents).Error("Component %s errored on task %s (abort policy): %v", a.id, task.ID, err)
		} else {
			logging.Get(logging.CategoryComponents).Warn("Component %s failed task %s after %d attempt(s): %v", a.id, task.ID, attempts, err)
		}
		return TaskResult{}, &TaskExecutionError{ComponentID: a.id, TaskID: task.ID, Attempts: attempts, Err: err}
	}

	a.metrics["tasks_executed"]++
	a.lastHealth = clampHealth(health)
	result := TaskResult{
		ComponentID: a.id,
		Task:        task,
		Output:      output,
		HealthAfter: a.lastHealth,
		Duration:    time.Since(start),
	}
	logging.ComponentsDebug("Component %s completed task %s in %v (health=%.3f)", a.id, task.ID, result.Duration, a.lastHealth)
	return result, nil
}

// Health queries the engine when active; paused and errored components
// report their last known health without touching the engine.
func (a *Adapter) Health(ctx context.Context) float64 {
	a.mu.Lock()
	if a.status != StatusActive {
		h := a.lastHealth
		a.mu.Unlock()
		return h
	}
	a.mu.Unlock()

	h := clampHealth(a.engine.Health(ctx))

	a.mu.Lock()
	a.lastHealth = h
	a.metrics["health_checks"]++
	a.mu.Unlock()
	return h
}

// Pause drives active -> paused.
func (a *Adapter) Pause() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != StatusActive {
		return ErrNotActive
	}
	a.status = StatusPaused
	a.engine.Pause()
	logging.Components("Component %s paused", a.id)
	return nil
}

// Resume drives paused -> active.
func (a *Adapter) Resume() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != StatusPaused {
		return ErrNotPaused
	}
	a.status = StatusActive
	a.engine.Resume()
	logging.Components("Component %s resumed", a.id)
	return nil
}

// Dispose drives any state to terminated. Idempotent.
func (a *Adapter) Dispose() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == StatusTerminated {
		return
	}
	a.status = StatusTerminated
	a.engine.Dispose()
	logging.Components("Component %s terminated", a.id)
}

// Status returns the current lifecycle state.
func (a *Adapter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Record returns a value copy of the component's current state.
func (a *Adapter) Record() Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	metrics := make(map[string]float64, len(a.metrics))
	for k, v := range a.metrics {
		metrics[k] = v
	}
	return Record{
		ID:         a.id,
		Kind:       a.kind,
		Status:     a.status,
		LastHealth: a.lastHealth,
		Metrics:    metrics,
	}
}

// Eligible reports whether the component may be scheduled plan actions.
func (a *Adapter) Eligible() bool {
	return a.Status() == StatusActive
}

// ProposeTask asks the engine to contribute a task toward the objective.
// Non-active components and engines without the Contributor capability
// always decline.
func (a *Adapter) ProposeTask(objective string) (Task, bool) {
	if !a.Eligible() {
		return Task{}, false
	}
	c, ok := a.engine.(Contributor)
	if !ok {
		return Task{}, false
	}
	return c.ProposeTask(objective)
}
