// Package component defines the pluggable engine contract and the adapter
// that wraps each engine behind a uniform lifecycle/health/task surface.
// The orchestrator only ever talks to adapters; engine internals (what a
// miner mines, how an agent trains) are opaque to it.
package component

import (
	"context"
	"time"
)

// Status is a component's lifecycle state.
type Status string

const (
	StatusRegistered   Status = "registered"
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusPaused       Status = "paused"
	StatusError        Status = "error"
	StatusTerminated   Status = "terminated"
)

// Task is one unit of work an adapter can execute toward an objective.
type Task struct {
	ID          string `json:"id"`
	Objective   string `json:"objective"`
	Description string `json:"description"`
}

// TaskResult is the outcome of a successfully executed task.
type TaskResult struct {
	ComponentID string        `json:"component_id"`
	Task        Task          `json:"task"`
	Output      string        `json:"output"`
	HealthAfter float64       `json:"health_after"`
	Duration    time.Duration `json:"duration"`
}

// Record is a point-in-time view of a registered component.
// Records are value copies; mutating one never touches the adapter.
type Record struct {
	ID         string             `json:"id"`
	Kind       string             `json:"kind"`
	Status     Status             `json:"status"`
	LastHealth float64            `json:"last_health"`
	Metrics    map[string]float64 `json:"metrics"`
}

// Engine is the contract every pluggable analytic/learning engine implements.
// Initialize, ExecuteTask, and Health are suspension points and take a context;
// Pause, Resume, and Dispose are synchronous notifications.
type Engine interface {
	// Initialize prepares the engine and returns its starting health in [0,1].
	Initialize(ctx context.Context, cfg map[string]any) (float64, error)

	// ExecuteTask runs one task and returns a human-readable output plus the
	// engine's health after the task.
	ExecuteTask(ctx context.Context, task Task) (output string, health float64, err error)

	// Health returns the engine's current self-reported fitness in [0,1].
	Health(ctx context.Context) float64

	Pause()
	Resume()
	Dispose()
}

// Contributor is implemented by engines that can propose a task toward an
// objective. Engines that do not implement it never contribute plan actions.
type Contributor interface {
	// ProposeTask returns a task for the objective, or false to decline.
	ProposeTask(objective string) (Task, bool)
}

func clampHealth(h float64) float64 {
	if h < 0 {
		return 0
	}
	if h > 1 {
		return 1
	}
	return h
}
