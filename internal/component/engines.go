package component

import (
	"context"
	"fmt"
	"sync"

	"evolved/internal/config"
)

// Factory constructs a fresh engine instance for a component kind.
type Factory func() Engine

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{
		config.KindPatternMining:         func() Engine { return NewPatternMiningEngine() },
		config.KindReinforcementLearning: func() Engine { return NewReinforcementLearningEngine() },
	}
)

// RegisterKind makes a custom engine kind available to the orchestrator.
// Calling it for an existing kind replaces the factory.
func RegisterKind(kind string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[kind] = factory
}

// NewEngine instantiates the engine registered for kind.
func NewEngine(kind string) (Engine, error) {
	factoriesMu.RLock()
	factory, ok := factories[kind]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown component kind %q", kind)
	}
	return factory(), nil
}

// =============================================================================
// BUILT-IN ENGINES
// =============================================================================
// Both built-in engines are deliberately small: they keep a fitness score,
// accept any objective, and improve as tasks run. The orchestration layer
// treats them the same as any externally registered engine.

// PatternMiningEngine wraps the pattern-mining subsystem (frequent itemsets,
// sequences, anomalies, clusters) behind the component contract.
type PatternMiningEngine struct {
	mu      sync.Mutex
	health  float64
	mined   int
	paused  bool
	taskSeq int
}

// NewPatternMiningEngine returns an uninitialized pattern-mining engine.
func NewPatternMiningEngine() *PatternMiningEngine {
	return &PatternMiningEngine{}
}

func (e *PatternMiningEngine) Initialize(ctx context.Context, cfg map[string]any) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health = 0.85
	if h, ok := cfg["initial_health"].(float64); ok {
		e.health = clampHealth(h)
	}
	return e.health, nil
}

func (e *PatternMiningEngine) ExecuteTask(ctx context.Context, task Task) (string, float64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mined++
	e.health = clampHealth(e.health + 0.02)
	return fmt.Sprintf("mined candidate patterns for %q (total=%d)", task.Objective, e.mined), e.health, nil
}

func (e *PatternMiningEngine) Health(ctx context.Context) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	// Fitness drifts down between mining runs; improvement work restores it.
	e.health = clampHealth(e.health - 0.005)
	return e.health
}

func (e *PatternMiningEngine) Pause()  { e.mu.Lock(); e.paused = true; e.mu.Unlock() }
func (e *PatternMiningEngine) Resume() { e.mu.Lock(); e.paused = false; e.mu.Unlock() }
func (e *PatternMiningEngine) Dispose() {}

// ProposeTask contributes a mining task for any non-empty objective.
func (e *PatternMiningEngine) ProposeTask(objective string) (Task, bool) {
	if objective == "" {
		return Task{}, false
	}
	e.mu.Lock()
	e.taskSeq++
	seq := e.taskSeq
	e.mu.Unlock()
	return Task{
		ID:          fmt.Sprintf("mine-%d", seq),
		Objective:   objective,
		Description: fmt.Sprintf("mine correlated patterns supporting %q", objective),
	}, true
}

// ReinforcementLearningEngine wraps the learning subsystem (environment,
// agent, training steps) behind the component contract.
type ReinforcementLearningEngine struct {
	mu       sync.Mutex
	health   float64
	episodes int
	paused   bool
	taskSeq  int
}

// NewReinforcementLearningEngine returns an uninitialized learning engine.
func NewReinforcementLearningEngine() *ReinforcementLearningEngine {
	return &ReinforcementLearningEngine{}
}

func (e *ReinforcementLearningEngine) Initialize(ctx context.Context, cfg map[string]any) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health = 0.8
	if h, ok := cfg["initial_health"].(float64); ok {
		e.health = clampHealth(h)
	}
	return e.health, nil
}

func (e *ReinforcementLearningEngine) ExecuteTask(ctx context.Context, task Task) (string, float64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.episodes++
	e.health = clampHealth(e.health + 0.03)
	return fmt.Sprintf("ran training episodes toward %q (episodes=%d)", task.Objective, e.episodes), e.health, nil
}

func (e *ReinforcementLearningEngine) Health(ctx context.Context) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health = clampHealth(e.health - 0.005)
	return e.health
}

func (e *ReinforcementLearningEngine) Pause()  { e.mu.Lock(); e.paused = true; e.mu.Unlock() }
func (e *ReinforcementLearningEngine) Resume() { e.mu.Lock(); e.paused = false; e.mu.Unlock() }
func (e *ReinforcementLearningEngine) Dispose() {}

// ProposeTask contributes a training task for any non-empty objective.
func (e *ReinforcementLearningEngine) ProposeTask(objective string) (Task, bool) {
	if objective == "" {
		return Task{}, false
	}
	e.mu.Lock()
	e.taskSeq++
	seq := e.taskSeq
	e.mu.Unlock()
	return Task{
		ID:          fmt.Sprintf("train-%d", seq),
		Objective:   objective,
		Description: fmt.Sprintf("run policy training episodes toward %q", objective),
	}, true
}
