// Package orchestrator ties the component registry, health collector, plan
// engine, event bus, and resource limiter into a periodic coordination loop
// and exposes the public control surface.
//
// Concurrency discipline: the registry and plan queue are mutated only on
// the loop goroutine. Control calls (pause/resume/force) are commands the
// loop drains at step boundaries; status queries read committed views and
// never wait on the loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"

	"evolved/internal/component"
	"evolved/internal/config"
	"evolved/internal/events"
	"evolved/internal/health"
	"evolved/internal/limits"
	"evolved/internal/logging"
	"evolved/internal/plan"
	"evolved/internal/store"
)

// ErrStopped is returned by control calls issued after shutdown.
var ErrStopped = errors.New("orchestrator is stopped")

// ErrUnknownComponent is returned by pause/resume for an unregistered id.
var ErrUnknownComponent = errors.New("unknown component id")

const (
	collectionSnapshots = "snapshots"
	collectionPlans     = "plans"

	shutdownGrace   = 5 * time.Second
	commandBacklog  = 64
	initTimeout     = 30 * time.Second
	queueSizeHint   = 16
	engineConfigKey = "component_id"
)

// Orchestrator owns the component registry and the coordination loop.
type Orchestrator struct {
	cfg config.Config

	// Loop-owned state. Touched only on the loop goroutine after New returns
	// (Shutdown touches adapters once the loop has exited).
	adapters  map[string]*component.Adapter
	order     []string // registration order for stable status listings
	planQueue *queue.PriorityQueue

	collector  *health.Collector
	planEngine *plan.Engine
	bus        *events.Bus
	limiter    *limits.Limiter
	metrics    *Metrics
	st         store.Store // nil disables persistence; every call best-effort
	pool       *ants.Pool  // parallel mode only

	// Committed views served to concurrent queries.
	statusView cmap.ConcurrentMap[string, component.Record]
	plansView  cmap.ConcurrentMap[string, plan.Plan]

	commands chan func()
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	shutdownOnce sync.Once
}

// New builds the orchestrator, instantiates and initializes every enabled
// component, captures the initial snapshot, and starts the coordination
// loop. Under failure_handling=abort the first initialization failure aborts
// startup; under continue failing components are isolated in the error state
// and everything else proceeds.
//
// st may be nil to disable persistence. The caller keeps ownership of st.
func New(cfg config.Config, st store.Store) (*Orchestrator, error) {
	timer := logging.StartTimer(logging.CategoryOrchestrator, "New")
	defer timer.StopWithInfo()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestration config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		adapters:   make(map[string]*component.Adapter, len(cfg.EnabledComponents)),
		planQueue:  queue.NewPriorityQueue(queueSizeHint, false),
		collector:  health.NewCollector(cfg.SnapshotRetention),
		planEngine: plan.NewEngine(cfg.ImprovementThreshold),
		bus:        events.NewBus(),
		limiter:    limits.NewLimiter(cfg.Resources, cfg.Workspace),
		metrics:    NewMetrics(),
		st:         st,
		statusView: cmap.New[component.Record](),
		plansView:  cmap.New[plan.Plan](),
		commands:   make(chan func(), commandBacklog),
		ctx:        ctx,
		cancel:     cancel,
		loopDone:   make(chan struct{}),
	}

	logging.Orchestrator("Starting orchestrator: mode=%s threshold=%.2f interval=%v components=%v",
		cfg.Mode, cfg.ImprovementThreshold, cfg.CoordinationInterval, cfg.EnabledComponents)

	if cfg.Mode == config.ModeParallel {
		pool, err := ants.NewPool(cfg.Resources.MaxConcurrentTasks)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create worker pool: %w", err)
		}
		o.pool = pool
	}

	if err := o.initComponents(); err != nil {
		o.disposeAll()
		if o.pool != nil {
			o.pool.Release()
		}
		o.bus.Close()
		cancel()
		close(o.loopDone)
		return nil, err
	}

	o.warmHistory()

	// Initial snapshot so health and status queries have committed state
	// before the first cycle completes.
	snap := o.collector.Capture(ctx, o.adapterList(), o.metrics.Perf())
	o.commitRecords()
	o.persistSnapshot(snap)

	go o.run()
	return o, nil
}

// initComponents instantiates and initializes every enabled kind. The
// component id is the kind string: one component per kind per orchestrator.
func (o *Orchestrator) initComponents() error {
	initCtx, cancel := context.WithTimeout(o.ctx, initTimeout)
	defer cancel()

	for _, kind := range o.cfg.EnabledComponents {
		engine, err := component.NewEngine(kind)
		if err != nil {
			if o.cfg.FailureHandling == config.FailureAbort {
				return &component.InitializationError{ComponentID: kind, Err: err}
			}
			logging.Get(logging.CategoryOrchestrator).Warn("Skipping unknown component kind %q: %v", kind, err)
			// Register a dead adapter so the failure is visible in status.
			adapter := component.NewAdapter(kind, kind, brokenEngine{err: err}, o.cfg.FailureHandling)
			_ = adapter.Initialize(initCtx, nil)
			o.adapters[kind] = adapter
			o.order = append(o.order, kind)
			continue
		}

		adapter := component.NewAdapter(kind, kind, engine, o.cfg.FailureHandling)
		o.adapters[kind] = adapter
		o.order = append(o.order, kind)

		if err := adapter.Initialize(initCtx, map[string]any{engineConfigKey: kind}); err != nil {
			if o.cfg.FailureHandling == config.FailureAbort {
				return err
			}
			// continue policy: the adapter is already isolated in the error
			// state and excluded from aggregation and scheduling.
			logging.Orchestrator("Component %s isolated after init failure: %v", kind, err)
		}
	}
	return nil
}

// brokenEngine stands in for a kind that could not be constructed, so the
// registry still shows the component in the error state.
type brokenEngine struct{ err error }

func (b brokenEngine) Initialize(context.Context, map[string]any) (float64, error) { return 0, b.err }
func (b brokenEngine) ExecuteTask(context.Context, component.Task) (string, float64, error) {
	return "", 0, b.err
}
func (b brokenEngine) Health(context.Context) float64 { return 0 }
func (b brokenEngine) Pause()                         {}
func (b brokenEngine) Resume()                        {}
func (b brokenEngine) Dispose()                       {}

// warmHistory best-effort preloads recent persisted snapshots so health
// degradation has state to fall back on after a restart.
func (o *Orchestrator) warmHistory() {
	if o.st == nil {
		return
	}
	rows, err := o.st.Select(collectionSnapshots,
		store.NewFilter().OrderBy("captured_at", true).Limit(o.cfg.SnapshotRetention))
	if err != nil {
		logging.Get(logging.CategoryOrchestrator).Warn("Could not warm snapshot history: %v", err)
		return
	}
	snaps := make([]health.Snapshot, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- { // stored newest-first; warm oldest-first
		row := rows[i]
		overall, _ := row["overall_health"].(float64)
		capturedAt, _ := row["captured_at"].(string)
		ts, err := time.Parse(snapshotTimeLayout, capturedAt)
		if err != nil {
			continue
		}
		snaps = append(snaps, health.Snapshot{Timestamp: ts, OverallHealth: overall})
	}
	o.collector.Warm(snaps)
	logging.OrchestratorDebug("Warmed %d persisted snapshots", len(snaps))
}

// adapterList returns adapters in registration order.
func (o *Orchestrator) adapterList() []*component.Adapter {
	out := make([]*component.Adapter, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.adapters[id])
	}
	return out
}

// contributors returns the plan engine's view of the registry.
func (o *Orchestrator) contributors() []plan.Contributor {
	out := make([]plan.Contributor, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.adapters[id])
	}
	return out
}

// commitRecords publishes the registry state to the query view.
func (o *Orchestrator) commitRecords() {
	for _, id := range o.order {
		o.statusView.Set(id, o.adapters[id].Record())
	}
}

// commitPlan publishes a plan's state to the query view.
func (o *Orchestrator) commitPlan(p *plan.Plan) {
	o.plansView.Set(p.ID, p.Clone())
}

func (o *Orchestrator) disposeAll() {
	for _, id := range o.order {
		o.adapters[id].Dispose()
	}
}

// =============================================================================
// PUBLIC CONTROL SURFACE
// =============================================================================

// do runs fn on the loop goroutine and waits for it, so control calls
// serialize with the cycle at its next safe boundary.
func (o *Orchestrator) do(fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case o.commands <- wrapped:
	case <-o.loopDone:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-o.loopDone:
		return ErrStopped
	}
}

// ComponentStatus returns a point-in-time view of every registered
// component, in registration order. Served from committed state; never
// blocks on the loop.
func (o *Orchestrator) ComponentStatus() []component.Record {
	out := make([]component.Record, 0, len(o.order))
	for _, id := range o.order {
		if rec, ok := o.statusView.Get(id); ok {
			out = append(out, rec)
		}
	}
	return out
}

// SystemSnapshots returns the last n snapshots in chronological order
// (n <= 0 returns the full retained history).
func (o *Orchestrator) SystemSnapshots(n int) []health.Snapshot {
	return o.collector.Recent(n)
}

// SystemHealth returns the last known overall health. It never fails: with
// no snapshot yet (or every backend unavailable) it returns 0.
func (o *Orchestrator) SystemHealth() float64 {
	return o.collector.LatestHealth()
}

// ActiveImprovementPlans returns all non-terminal plans.
func (o *Orchestrator) ActiveImprovementPlans() []plan.Plan {
	var out []plan.Plan
	for item := range o.plansView.IterBuffered() {
		if !item.Val.Terminal() {
			out = append(out, item.Val)
		}
	}
	return out
}

// Plans returns every tracked plan, terminal included.
func (o *Orchestrator) Plans() []plan.Plan {
	var out []plan.Plan
	for item := range o.plansView.IterBuffered() {
		out = append(out, item.Val)
	}
	return out
}

// PauseComponent pauses a component at the loop's next safe boundary.
func (o *Orchestrator) PauseComponent(id string) error {
	var err error
	doErr := o.do(func() {
		adapter, ok := o.adapters[id]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownComponent, id)
			return
		}
		err = adapter.Pause()
		o.commitRecords()
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// ResumeComponent resumes a paused component at the loop's next safe boundary.
func (o *Orchestrator) ResumeComponent(id string) error {
	var err error
	doErr := o.do(func() {
		adapter, ok := o.adapters[id]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownComponent, id)
			return
		}
		err = adapter.Resume()
		o.commitRecords()
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// ForceImprovement creates and enqueues a plan for the given objectives
// regardless of current health. It never fails: an empty objective list
// yields a valid plan with no actions, and after shutdown the plan is still
// returned (trivially, without being scheduled).
func (o *Orchestrator) ForceImprovement(objectives []string) plan.Plan {
	var forced plan.Plan
	err := o.do(func() {
		p := o.planEngine.Force(objectives, o.contributors())
		o.enqueuePlan(p)
		o.commitPlan(p)
		o.persistPlan(p)
		forced = p.Clone()
	})
	if err != nil {
		// Stopped: still honor the contract with an unscheduled plan.
		return o.planEngine.Force(objectives, nil).Clone()
	}
	return forced
}

// Subscribe registers an event handler on the orchestrator's bus.
func (o *Orchestrator) Subscribe(topic events.Topic, h events.Handler) {
	o.bus.Subscribe(topic, h)
}

// MetricsRegistry exposes the Prometheus registry for scraping.
func (o *Orchestrator) MetricsRegistry() *prometheus.Registry {
	return o.metrics.Registry()
}

// Shutdown cancels the loop, waits for in-flight cycle work to drain up to a
// bounded grace period, then disposes every registered adapter. Idempotent
// and safe to call concurrently or immediately after New.
func (o *Orchestrator) Shutdown() {
	o.shutdownOnce.Do(func() {
		logging.Orchestrator("Shutdown requested")
		o.cancel()

		select {
		case <-o.loopDone:
		case <-time.After(shutdownGrace):
			logging.Get(logging.CategoryOrchestrator).Warn("Loop did not drain within %v; disposing anyway", shutdownGrace)
		}

		o.disposeAll()
		o.commitRecords()
		if o.pool != nil {
			o.pool.Release()
		}
		o.bus.Close()
		logging.Orchestrator("Shutdown complete")
	})
}
