// Package plan implements the improvement plan engine: turning a health
// deficit or an explicit objective list into a tracked plan and driving its
// phase to completion.
package plan

import (
	"fmt"
	"time"

	"evolved/internal/component"
)

// Phase is a plan's lifecycle stage. Phases only advance forward; failed is
// terminal from any non-terminal phase.
type Phase string

const (
	PhaseProposed   Phase = "proposed"
	PhasePlanning   Phase = "planning"
	PhaseExecuting  Phase = "executing"
	PhaseValidating Phase = "validating"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
)

var phaseRank = map[Phase]int{
	PhaseProposed:   0,
	PhasePlanning:   1,
	PhaseExecuting:  2,
	PhaseValidating: 3,
	PhaseCompleted:  4,
}

// Action is one scheduled unit of corrective work on a component.
type Action struct {
	ID          string         `json:"id"`
	ComponentID string         `json:"component_id"`
	Task        component.Task `json:"task"`
	Done        bool           `json:"done"`
	Err         string         `json:"err,omitempty"`
}

// Plan is a tracked unit of corrective work. Objectives is exactly the
// sequence passed at creation, including the empty sequence. Plans are
// mutated only by the coordination loop; callers receive value copies.
type Plan struct {
	ID            string    `json:"id"`
	Objectives    []string  `json:"objectives"`
	Phase         Phase     `json:"phase"`
	CreatedAt     time.Time `json:"created_at"`
	Actions       []Action  `json:"actions"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

// Terminal reports whether the plan reached completed or failed.
func (p *Plan) Terminal() bool {
	return p.Phase == PhaseCompleted || p.Phase == PhaseFailed
}

// NextAction returns the next pending action, if any.
func (p *Plan) NextAction() (*Action, bool) {
	for i := range p.Actions {
		if !p.Actions[i].Done {
			return &p.Actions[i], true
		}
	}
	return nil, false
}

// transition enforces forward-only phase movement.
func (p *Plan) transition(next Phase) error {
	if p.Terminal() {
		return fmt.Errorf("plan %s is terminal (%s)", p.ID, p.Phase)
	}
	if next == PhaseFailed {
		p.Phase = PhaseFailed
		return nil
	}
	if phaseRank[next] <= phaseRank[p.Phase] {
		return fmt.Errorf("plan %s cannot move backward from %s to %s", p.ID, p.Phase, next)
	}
	p.Phase = next
	return nil
}

// Begin moves proposed -> planning. A plan with zero eligible actions
// completes trivially here, skipping executing/validating.
func (p *Plan) Begin() error {
	if err := p.transition(PhasePlanning); err != nil {
		return err
	}
	if len(p.Actions) == 0 {
		return p.transition(PhaseCompleted)
	}
	return nil
}

// MarkExecuting moves planning -> executing.
func (p *Plan) MarkExecuting() error {
	return p.transition(PhaseExecuting)
}

// CompleteAction records a successful action.
func (p *Plan) CompleteAction(actionID string) {
	for i := range p.Actions {
		if p.Actions[i].ID == actionID {
			p.Actions[i].Done = true
			return
		}
	}
}

// FailAction records an action failure. The action is done (no further
// scheduling) and the plan will fail at Finish.
func (p *Plan) FailAction(actionID, reason string) {
	for i := range p.Actions {
		if p.Actions[i].ID == actionID {
			p.Actions[i].Done = true
			p.Actions[i].Err = reason
			return
		}
	}
}

// Fail moves the plan to its terminal failed phase.
func (p *Plan) Fail(reason string) {
	if p.Terminal() {
		return
	}
	p.FailureReason = reason
	_ = p.transition(PhaseFailed)
}

// Finish validates and closes a plan whose actions are all done:
// executing -> validating -> completed when every action succeeded, failed
// otherwise. It is a no-op while actions remain pending.
func (p *Plan) Finish() error {
	if _, pending := p.NextAction(); pending {
		return nil
	}
	if err := p.transition(PhaseValidating); err != nil {
		return err
	}
	for _, a := range p.Actions {
		if a.Err != "" {
			p.FailureReason = fmt.Sprintf("action %s on %s: %s", a.ID, a.ComponentID, a.Err)
			return p.transition(PhaseFailed)
		}
	}
	return p.transition(PhaseCompleted)
}

// Clone returns a deep value copy safe to hand to callers.
func (p *Plan) Clone() Plan {
	out := *p
	out.Objectives = make([]string, len(p.Objectives))
	copy(out.Objectives, p.Objectives)
	out.Actions = append([]Action(nil), p.Actions...)
	return out
}
