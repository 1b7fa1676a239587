package component

import (
	"errors"
	"fmt"
)

// Lifecycle transition errors.
var (
	ErrNotActive  = errors.New("component is not active")
	ErrNotPaused  = errors.New("component is not paused")
	ErrTerminated = errors.New("component is terminated")
)

// InitializationError means an engine failed to start. Under
// failure_handling=continue the component is isolated in the error state;
// under abort it is fatal to orchestrator startup.
type InitializationError struct {
	ComponentID string
	Err         error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("component %s failed to initialize: %v", e.ComponentID, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// TaskExecutionError means a task failed mid-plan after retries were
// exhausted. The owning plan moves to failed; the component stays active
// unless failure_handling=abort.
type TaskExecutionError struct {
	ComponentID string
	TaskID      string
	Attempts    int
	Err         error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("component %s failed task %s after %d attempt(s): %v", e.ComponentID, e.TaskID, e.Attempts, e.Err)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }
