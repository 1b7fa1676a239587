package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"

	"evolved/internal/component"
	"evolved/internal/config"
	"evolved/internal/events"
	"evolved/internal/health"
	"evolved/internal/logging"
	"evolved/internal/plan"
	"evolved/internal/store"
)

// queuedPlan orders the plan queue. Lower priority value first: under
// adaptive mode the plan touching the weakest component is advanced first.
type queuedPlan struct {
	p        *plan.Plan
	priority float64
}

// Compare implements queue.Item.
func (q *queuedPlan) Compare(other queue.Item) int {
	o := other.(*queuedPlan)
	switch {
	case q.priority < o.priority:
		return -1
	case q.priority > o.priority:
		return 1
	default:
		return 0
	}
}

// planPriority is the lowest current health among the components the plan's
// pending actions touch; plans with no pending actions sort last.
func (o *Orchestrator) planPriority(p *plan.Plan) float64 {
	lowest := 1.0
	found := false
	for _, a := range p.Actions {
		if a.Done {
			continue
		}
		if rec, ok := o.statusView.Get(a.ComponentID); ok {
			found = true
			if rec.LastHealth < lowest {
				lowest = rec.LastHealth
			}
		}
	}
	if !found {
		return 1.0
	}
	return lowest
}

func (o *Orchestrator) enqueuePlan(p *plan.Plan) {
	if err := o.planQueue.Put(&queuedPlan{p: p, priority: o.planPriority(p)}); err != nil {
		logging.Get(logging.CategoryOrchestrator).Error("Failed to enqueue plan %s: %v", p.ID, err)
	}
}

// run is the coordination loop. It is the only goroutine that mutates the
// registry and the plan queue; control commands are drained at each safe
// boundary.
func (o *Orchestrator) run() {
	defer close(o.loopDone)

	ticker := time.NewTicker(o.cfg.CoordinationInterval)
	defer ticker.Stop()

	logging.Orchestrator("Coordination loop started (interval=%v)", o.cfg.CoordinationInterval)

	for {
		select {
		case <-o.ctx.Done():
			logging.Orchestrator("Coordination loop stopped: %v", o.ctx.Err())
			return
		case cmd := <-o.commands:
			cmd()
		case <-ticker.C:
			o.runCycle()
		}
	}
}

// drainCommands applies pending control commands at a step boundary.
func (o *Orchestrator) drainCommands() {
	for {
		select {
		case cmd := <-o.commands:
			cmd()
		default:
			return
		}
	}
}

// runCycle executes one coordination cycle:
//  1. capture a system snapshot
//  2. propose an improvement plan when health is below threshold
//  3. drain the plan queue per the configured mode
//  4. publish cycle completion
func (o *Orchestrator) runCycle() {
	start := time.Now()
	logging.OrchestratorDebug("Cycle starting")

	o.drainCommands()

	snap := o.collector.Capture(o.ctx, o.adapterList(), o.metrics.Perf())
	o.commitRecords()
	o.persistSnapshot(snap)

	if o.ctx.Err() != nil {
		return
	}

	if proposed := o.planEngine.Propose(snap, o.contributors()); proposed != nil {
		o.bus.Publish(events.TopicImprovementDetected, events.ImprovementDetected{
			Snapshot:  snap,
			Threshold: o.cfg.ImprovementThreshold,
		})
		o.enqueuePlan(proposed)
		o.commitPlan(proposed)
		o.persistPlan(proposed)
	}

	advanced := o.advancePlans()

	duration := time.Since(start)
	o.metrics.ObserveCycle(duration)
	o.bus.Publish(events.TopicOrchestrationCycleCompleted, events.CycleCompleted{
		Duration:      duration,
		PlansAdvanced: advanced,
	})
	logging.OrchestratorDebug("Cycle completed in %v (plans advanced=%d)", duration, advanced)
}

// advancePlans drains the plan queue for this cycle: each live plan advances
// by at most one action, serially under adaptive mode and bounded-concurrent
// under parallel mode. Returns the number of plans advanced.
func (o *Orchestrator) advancePlans() int {
	if o.planQueue.Empty() {
		return 0
	}
	items, err := o.planQueue.Get(o.planQueue.Len())
	if err != nil {
		logging.Get(logging.CategoryOrchestrator).Error("Plan queue drain failed: %v", err)
		return 0
	}

	// Advisory ceilings are checked once per cycle before admitting new plan
	// executions; exceeding them defers the whole batch to the next cycle.
	if err := o.limiter.CheckAdvisory(); err != nil {
		o.metrics.TaskDeferred()
		logging.Orchestrator("Deferring %d plan(s) to next cycle: %v", len(items), err)
		o.requeue(items)
		return 0
	}

	ready := make([]*queuedPlan, 0, len(items))
	for _, item := range items {
		qp := item.(*queuedPlan)
		if o.preparePlan(qp.p) {
			ready = append(ready, qp)
		}
	}

	var advanced int
	if o.cfg.Mode == config.ModeParallel {
		advanced = o.advanceParallel(ready)
	} else {
		advanced = o.advanceAdaptive(ready)
	}

	// Close finished plans and requeue the rest.
	for _, qp := range ready {
		if !qp.p.Terminal() {
			if err := qp.p.Finish(); err != nil {
				logging.Get(logging.CategoryPlans).Warn("Plan %s finish: %v", qp.p.ID, err)
			}
		}
		o.commitPlan(qp.p)
		o.persistPlan(qp.p)
		if !qp.p.Terminal() {
			qp.priority = o.planPriority(qp.p)
			if err := o.planQueue.Put(qp); err != nil {
				logging.Get(logging.CategoryOrchestrator).Error("Failed to requeue plan %s: %v", qp.p.ID, err)
			}
		} else {
			logging.Plans("Plan %s reached terminal phase %s", qp.p.ID, qp.p.Phase)
		}
	}
	return advanced
}

func (o *Orchestrator) requeue(items []queue.Item) {
	for _, item := range items {
		if err := o.planQueue.Put(item); err != nil {
			logging.Get(logging.CategoryOrchestrator).Error("Failed to requeue plan: %v", err)
		}
	}
}

// preparePlan walks a plan up to the executing phase. Returns false when the
// plan became terminal (zero-action plans complete in Begin) or cannot run.
func (o *Orchestrator) preparePlan(p *plan.Plan) bool {
	var err error
	switch p.Phase {
	case plan.PhaseProposed:
		err = p.Begin()
		if err == nil && !p.Terminal() {
			err = p.MarkExecuting()
		}
	case plan.PhasePlanning:
		err = p.MarkExecuting()
	case plan.PhaseExecuting:
	default:
		// validating/terminal plans never re-enter scheduling
		o.commitPlan(p)
		o.persistPlan(p)
		return false
	}
	if err != nil {
		logging.Get(logging.CategoryPlans).Warn("Plan %s preparation: %v", p.ID, err)
	}
	if p.Terminal() {
		o.commitPlan(p)
		o.persistPlan(p)
		return false
	}
	return true
}

// advanceAdaptive advances one plan action at a time, lowest component
// health first, checking for cancellation and control commands between
// action advances.
func (o *Orchestrator) advanceAdaptive(ready []*queuedPlan) int {
	advanced := 0
	for _, qp := range ready {
		if o.ctx.Err() != nil {
			break
		}
		o.drainCommands()

		action, ok := qp.p.NextAction()
		if !ok {
			continue
		}
		if !o.admitAction(qp.p, action) {
			continue
		}
		o.executeAction(qp.p, action)
		o.limiter.Release()
		advanced++
	}
	return advanced
}

// advanceParallel advances every ready plan's next action concurrently,
// bounded by the task limiter and the worker pool. A component never executes
// concurrently with itself: at most one action per component is admitted per
// cycle, and plans contending for a busy component keep their action pending
// for the next cycle.
func (o *Orchestrator) advanceParallel(ready []*queuedPlan) int {
	var wg sync.WaitGroup
	busy := make(map[string]bool, len(ready))
	advanced := 0
	for _, qp := range ready {
		if o.ctx.Err() != nil {
			break
		}

		action, ok := qp.p.NextAction()
		if !ok {
			continue
		}
		if busy[action.ComponentID] {
			continue
		}
		if !o.admitAction(qp.p, action) {
			continue
		}
		busy[action.ComponentID] = true

		p := qp.p
		wg.Add(1)
		submit := o.pool.Submit(func() {
			defer wg.Done()
			defer o.limiter.Release()
			o.executeAction(p, action)
		})
		if submit != nil {
			wg.Done()
			o.limiter.Release()
			o.metrics.TaskDeferred()
			logging.Get(logging.CategoryOrchestrator).Warn("Pool rejected action %s: %v", action.ID, submit)
			continue
		}
		advanced++
	}
	wg.Wait()
	return advanced
}

// admitAction acquires a task slot and checks the target component is
// schedulable. Paused targets defer the action; errored or missing targets
// fail it.
func (o *Orchestrator) admitAction(p *plan.Plan, action *plan.Action) bool {
	adapter, ok := o.adapters[action.ComponentID]
	if !ok {
		p.FailAction(action.ID, "component no longer registered")
		return false
	}
	switch adapter.Status() {
	case component.StatusActive:
	case component.StatusPaused:
		// Deferred, not failed: the action stays pending for the next cycle.
		o.metrics.TaskDeferred()
		return false
	default:
		p.FailAction(action.ID, "component is in state "+string(adapter.Status()))
		return false
	}

	if err := o.limiter.Acquire(o.ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		o.metrics.TaskDeferred()
		logging.ResourcesDebug("Action %s deferred: %v", action.ID, err)
		return false
	}
	return true
}

// executeAction runs one action through its adapter and records the outcome
// on the plan. An in-flight action is allowed to finish during shutdown, so
// it runs on a context detached from the loop's cancellation.
func (o *Orchestrator) executeAction(p *plan.Plan, action *plan.Action) {
	adapter := o.adapters[action.ComponentID]
	result, err := adapter.ExecuteTask(context.WithoutCancel(o.ctx), action.Task)
	if err != nil {
		o.metrics.TaskFailed()
		p.FailAction(action.ID, err.Error())
		// Failures local to one action fail only the owning plan.
		p.Fail(err.Error())
		o.bus.Publish(events.TopicComponentTaskCompleted, events.TaskCompleted{
			ComponentID: action.ComponentID,
			Task:        action.Task,
			Err:         err.Error(),
		})
		return
	}

	o.metrics.TaskExecuted()
	p.CompleteAction(action.ID)
	o.bus.Publish(events.TopicComponentTaskCompleted, events.TaskCompleted{
		ComponentID: action.ComponentID,
		Task:        action.Task,
		Output:      result.Output,
	})
}

// =============================================================================
// BEST-EFFORT PERSISTENCE
// =============================================================================
// Every store call may fail (store unreachable); failures are logged and
// swallowed so orchestration never depends on the backend.

// snapshotTimeLayout is fixed-width (no trimmed fractional zeros), so
// captured_at strings sort lexicographically in timestamp order.
const snapshotTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (o *Orchestrator) persistSnapshot(snap health.Snapshot) {
	if o.st == nil {
		return
	}
	row := store.Row{
		"id":             "snap-" + snap.Timestamp.Format(snapshotTimeLayout),
		"captured_at":    snap.Timestamp.Format(snapshotTimeLayout),
		"overall_health": snap.OverallHealth,
		"cycle_count":    snap.Performance.CycleCount,
		"tasks_executed": snap.Performance.TasksExecuted,
		"tasks_failed":   snap.Performance.TasksFailed,
	}
	if err := o.st.Upsert(collectionSnapshots, row); err != nil {
		logging.Get(logging.CategoryStore).Warn("Snapshot persistence failed (continuing): %v", err)
		return
	}
	o.pruneSnapshots()
}

// pruneSnapshots drops persisted snapshots beyond the configured retention,
// keeping the table aligned with the in-memory history bound.
func (o *Orchestrator) pruneSnapshots() {
	rows, err := o.st.Select(collectionSnapshots,
		store.NewFilter().OrderBy("captured_at", true))
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("Snapshot prune skipped: %v", err)
		return
	}
	if len(rows) <= o.cfg.SnapshotRetention {
		return
	}
	for _, row := range rows[o.cfg.SnapshotRetention:] {
		id, ok := row["id"].(string)
		if !ok || id == "" {
			continue
		}
		if err := o.st.Delete(collectionSnapshots, store.NewFilter().Eq("id", id)); err != nil {
			logging.Get(logging.CategoryStore).Warn("Snapshot prune failed for %s: %v", id, err)
		}
	}
}

func (o *Orchestrator) persistPlan(p *plan.Plan) {
	if o.st == nil {
		return
	}
	objectives := make([]any, len(p.Objectives))
	for i, obj := range p.Objectives {
		objectives[i] = obj
	}
	row := store.Row{
		"id":         p.ID,
		"phase":      string(p.Phase),
		"objectives": objectives,
		"created_at": p.CreatedAt.Format(time.RFC3339Nano),
		"actions":    len(p.Actions),
	}
	if p.FailureReason != "" {
		row["failure_reason"] = p.FailureReason
	}
	if err := o.st.Upsert(collectionPlans, row); err != nil {
		logging.Get(logging.CategoryStore).Warn("Plan persistence failed (continuing): %v", err)
	}
}
