package plan

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"evolved/internal/component"
	"evolved/internal/health"
	"evolved/internal/logging"
)

// Contributor is the slice of the component adapter the plan engine needs:
// an identity and the ability to propose (or decline) a task per objective.
// *component.Adapter satisfies it.
type Contributor interface {
	ID() string
	ProposeTask(objective string) (component.Task, bool)
}

// Engine generates improvement plans.
type Engine struct {
	threshold float64
}

// NewEngine returns a plan engine triggering below the given health threshold.
func NewEngine(threshold float64) *Engine {
	return &Engine{threshold: threshold}
}

// Propose returns a new plan in phase proposed when the snapshot's overall
// health is below the improvement threshold, and nil otherwise. Objectives
// target the unhealthy active components; when the deficit is only visible in
// the aggregate, a single system-wide objective is generated.
func (e *Engine) Propose(snap health.Snapshot, contributors []Contributor) *Plan {
	if snap.OverallHealth >= e.threshold {
		return nil
	}

	var objectives []string
	for _, rec := range snap.ComponentStates {
		if rec.Status == component.StatusActive && rec.LastHealth < e.threshold {
			objectives = append(objectives, fmt.Sprintf("restore %s health above %.2f", rec.ID, e.threshold))
		}
	}
	if len(objectives) == 0 {
		objectives = append(objectives, fmt.Sprintf("raise overall system health above %.2f", e.threshold))
	}

	p := e.newPlan(objectives, contributors)
	logging.Plans("Proposed plan %s (health=%.3f < threshold=%.3f, objectives=%d, actions=%d)",
		p.ID, snap.OverallHealth, e.threshold, len(p.Objectives), len(p.Actions))
	return p
}

// Force returns a new plan in phase proposed regardless of current health.
// An empty objective list is valid: the plan simply has no actions and will
// complete trivially. This call never fails.
func (e *Engine) Force(objectives []string, contributors []Contributor) *Plan {
	if objectives == nil {
		objectives = []string{}
	}
	p := e.newPlan(objectives, contributors)
	logging.Plans("Forced plan %s (objectives=%d, actions=%d)", p.ID, len(p.Objectives), len(p.Actions))
	return p
}

// newPlan builds a plan by asking each contributor, per objective, whether it
// can contribute a task. Contributors that decline are skipped.
func (e *Engine) newPlan(objectives []string, contributors []Contributor) *Plan {
	// Copy preserves the caller's sequence exactly, including an empty one.
	objs := make([]string, len(objectives))
	copy(objs, objectives)

	p := &Plan{
		ID:         fmt.Sprintf("plan-%s", uuid.New().String()[:8]),
		Objectives: objs,
		Phase:      PhaseProposed,
		CreatedAt:  time.Now(),
	}

	for _, objective := range objectives {
		for _, c := range contributors {
			task, ok := c.ProposeTask(objective)
			if !ok {
				logging.PlansDebug("Component %s declined objective %q", c.ID(), objective)
				continue
			}
			p.Actions = append(p.Actions, Action{
				ID:          fmt.Sprintf("act-%s", uuid.New().String()[:8]),
				ComponentID: c.ID(),
				Task:        task,
			})
		}
	}
	return p
}
