package component

import (
	"context"
	"errors"
	"testing"

	"evolved/internal/config"
)

func TestInitializeMovesToActive(t *testing.T) {
	a := NewAdapter("pm", "pattern-mining", &fakeEngine{initHealth: 0.9}, config.FailureContinue)

	if got := a.Status(); got != StatusRegistered {
		t.Fatalf("status before init = %s, want %s", got, StatusRegistered)
	}
	if err := a.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := a.Status(); got != StatusActive {
		t.Errorf("status = %s, want %s", got, StatusActive)
	}
	rec := a.Record()
	if rec.LastHealth != 0.9 {
		t.Errorf("LastHealth = %v, want 0.9", rec.LastHealth)
	}
}

func TestInitializeFailureMovesToError(t *testing.T) {
	a := NewAdapter("pm", "pattern-mining", &fakeEngine{initErr: errors.New("boom")}, config.FailureContinue)

	err := a.Initialize(context.Background(), nil)
	if err == nil {
		t.Fatal("Initialize succeeded, want error")
	}
	var initErr *InitializationError
	if !errors.As(err, &initErr) {
		t.Fatalf("error type = %T, want *InitializationError", err)
	}
	if initErr.ComponentID != "pm" {
		t.Errorf("ComponentID = %s, want pm", initErr.ComponentID)
	}
	if got := a.Status(); got != StatusError {
		t.Errorf("status = %s, want %s", got, StatusError)
	}
}

func TestInitializeClampsHealth(t *testing.T) {
	a := NewAdapter("pm", "pattern-mining", &fakeEngine{initHealth: 1.7}, config.FailureContinue)
	if err := a.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := a.Record().LastHealth; got != 1.0 {
		t.Errorf("LastHealth = %v, want clamped to 1.0", got)
	}
}

func TestExecuteTaskRetriesUnderContinue(t *testing.T) {
	engine := &fakeEngine{initHealth: 0.8, execHealth: 0.85, execFailures: 2}
	a := NewAdapter("pm", "pattern-mining", engine, config.FailureContinue)
	if err := a.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	result, err := a.ExecuteTask(context.Background(), Task{ID: "t1"})
	if err != nil {
		t.Fatalf("ExecuteTask after retries: %v", err)
	}
	if engine.calls() != 3 {
		t.Errorf("engine calls = %d, want 3 (1 attempt + 2 retries)", engine.calls())
	}
	if result.HealthAfter != 0.85 {
		t.Errorf("HealthAfter = %v, want 0.85", result.HealthAfter)
	}
	if got := a.Status(); got != StatusActive {
		t.Errorf("status = %s, want %s", got, StatusActive)
	}
}

func TestExecuteTaskExhaustsRetriesAndStaysActive(t *testing.T) {
	engine := &fakeEngine{initHealth: 0.8, execFailures: 10}
	a := NewAdapter("pm", "pattern-mining", engine, config.FailureContinue)
	if err := a.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	_, err := a.ExecuteTask(context.Background(), Task{ID: "t1"})
	if err == nil {
		t.Fatal("ExecuteTask succeeded, want error")
	}
	var taskErr *TaskExecutionError
	if !errors.As(err, &taskErr) {
		t.Fatalf("error type = %T, want *TaskExecutionError", err)
	}
	if taskErr.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", taskErr.Attempts)
	}
	// Continue policy keeps the component active after a task failure.
	if got := a.Status(); got != StatusActive {
		t.Errorf("status = %s, want %s", got, StatusActive)
	}
}

func TestExecuteTaskAbortErrorsComponentOnFirstFailure(t *testing.T) {
	engine := &fakeEngine{initHealth: 0.8, execFailures: 1}
	a := NewAdapter("pm", "pattern-mining", engine, config.FailureAbort)
	if err := a.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	_, err := a.ExecuteTask(context.Background(), Task{ID: "t1"})
	if err == nil {
		t.Fatal("ExecuteTask succeeded, want error")
	}
	if engine.calls() != 1 {
		t.Errorf("engine calls = %d, want 1 (no retries under abort)", engine.calls())
	}
	if got := a.Status(); got != StatusError {
		t.Errorf("status = %s, want %s", got, StatusError)
	}
	// An errored component rejects further work.
	if _, err := a.ExecuteTask(context.Background(), Task{ID: "t2"}); !errors.Is(err, ErrNotActive) {
		t.Errorf("ExecuteTask on errored component = %v, want ErrNotActive", err)
	}
}

func TestExecuteTaskRequiresActive(t *testing.T) {
	a := NewAdapter("pm", "pattern-mining", &fakeEngine{}, config.FailureContinue)
	if _, err := a.ExecuteTask(context.Background(), Task{ID: "t1"}); !errors.Is(err, ErrNotActive) {
		t.Errorf("ExecuteTask on registered component = %v, want ErrNotActive", err)
	}
}

func TestPauseResume(t *testing.T) {
	engine := &fakeEngine{initHealth: 0.8, health: 0.75}
	a := NewAdapter("pm", "pattern-mining", engine, config.FailureContinue)
	if err := a.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := a.Resume(); !errors.Is(err, ErrNotPaused) {
		t.Errorf("Resume on active = %v, want ErrNotPaused", err)
	}
	if err := a.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if got := a.Status(); got != StatusPaused {
		t.Errorf("status = %s, want %s", got, StatusPaused)
	}
	if err := a.Pause(); !errors.Is(err, ErrNotActive) {
		t.Errorf("double Pause = %v, want ErrNotActive", err)
	}
	if _, err := a.ExecuteTask(context.Background(), Task{ID: "t1"}); !errors.Is(err, ErrNotActive) {
		t.Errorf("ExecuteTask on paused = %v, want ErrNotActive", err)
	}

	if err := a.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := a.Status(); got != StatusActive {
		t.Errorf("status after resume = %s, want %s", got, StatusActive)
	}
}

func TestPausedHealthDoesNotTouchEngine(t *testing.T) {
	engine := &fakeEngine{initHealth: 0.8, health: 0.2}
	a := NewAdapter("pm", "pattern-mining", engine, config.FailureContinue)
	if err := a.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := a.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	// Last health was 0.8 at init; the engine's 0.2 must not be consulted.
	if got := a.Health(context.Background()); got != 0.8 {
		t.Errorf("Health while paused = %v, want last known 0.8", got)
	}
}

func TestDisposeIsIdempotentAndTerminal(t *testing.T) {
	engine := &fakeEngine{initHealth: 0.8}
	a := NewAdapter("pm", "pattern-mining", engine, config.FailureContinue)
	if err := a.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	a.Dispose()
	a.Dispose()
	if got := a.Status(); got != StatusTerminated {
		t.Errorf("status = %s, want %s", got, StatusTerminated)
	}
	if err := a.Initialize(context.Background(), nil); !errors.Is(err, ErrTerminated) {
		t.Errorf("Initialize after Dispose = %v, want ErrTerminated", err)
	}
	if !engine.disposed {
		t.Error("engine.Dispose was not called")
	}
}

func TestProposeTaskRequiresActiveAndCapability(t *testing.T) {
	plain := NewAdapter("pm", "pattern-mining", &fakeEngine{initHealth: 0.8}, config.FailureContinue)
	if err := plain.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, ok := plain.ProposeTask("objective"); ok {
		t.Error("engine without Contributor capability proposed a task")
	}

	contrib := NewAdapter("rl", "reinforcement-learning",
		&contributingEngine{fakeEngine: fakeEngine{initHealth: 0.8}}, config.FailureContinue)
	if err := contrib.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	task, ok := contrib.ProposeTask("objective")
	if !ok {
		t.Fatal("active contributor declined")
	}
	if task.Objective != "objective" {
		t.Errorf("task objective = %q, want %q", task.Objective, "objective")
	}

	if err := contrib.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, ok := contrib.ProposeTask("objective"); ok {
		t.Error("paused component proposed a task")
	}
}

func TestRecordIsValueCopy(t *testing.T) {
	a := NewAdapter("pm", "pattern-mining", &fakeEngine{initHealth: 0.8}, config.FailureContinue)
	if err := a.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	rec := a.Record()
	rec.Metrics["tampered"] = 1

	if _, ok := a.Record().Metrics["tampered"]; ok {
		t.Error("mutating a returned Record leaked into the adapter")
	}
}

func TestFactoryRegistry(t *testing.T) {
	if _, err := NewEngine(config.KindPatternMining); err != nil {
		t.Errorf("NewEngine(pattern-mining): %v", err)
	}
	if _, err := NewEngine(config.KindReinforcementLearning); err != nil {
		t.Errorf("NewEngine(reinforcement-learning): %v", err)
	}
	if _, err := NewEngine("no-such-kind"); err == nil {
		t.Error("NewEngine accepted an unknown kind")
	}

	RegisterKind("custom-kind-for-test", func() Engine { return &fakeEngine{initHealth: 0.5} })
	if _, err := NewEngine("custom-kind-for-test"); err != nil {
		t.Errorf("NewEngine(custom): %v", err)
	}
}

func TestBuiltInEnginesImproveWithWork(t *testing.T) {
	ctx := context.Background()
	for _, kind := range []string{config.KindPatternMining, config.KindReinforcementLearning} {
		engine, err := NewEngine(kind)
		if err != nil {
			t.Fatalf("NewEngine(%s): %v", kind, err)
		}
		before, err := engine.Initialize(ctx, nil)
		if err != nil {
			t.Fatalf("%s Initialize: %v", kind, err)
		}
		_, after, err := engine.ExecuteTask(ctx, Task{ID: "t1", Objective: "improve"})
		if err != nil {
			t.Fatalf("%s ExecuteTask: %v", kind, err)
		}
		if after <= before {
			t.Errorf("%s health after task = %v, want > %v", kind, after, before)
		}
	}
}
