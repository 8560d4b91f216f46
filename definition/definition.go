// Package definition holds the workflow definition model: the graph of
// named steps, the trigger rules that connect them, and per-step retry
// policies. Definitions are plain data — authoring conveniences (builders,
// config loaders) produce them, the Registry validates and stores them,
// and the engine only ever reads them.
package definition

import (
	"fmt"
	"time"
)

// Condition gates a trigger on the outcome of the step that declares it.
type Condition string

const (
	// ConditionAny fires the trigger regardless of outcome.
	ConditionAny Condition = "any"
	// ConditionSuccess fires the trigger only when the step succeeded.
	ConditionSuccess Condition = "success"
	// ConditionFailure fires the trigger only when the step failed
	// (after retries, if any, are exhausted).
	ConditionFailure Condition = "failure"
)

// Matches reports whether the condition activates for the given outcome.
func (c Condition) Matches(success bool) bool {
	switch c {
	case ConditionAny:
		return true
	case ConditionSuccess:
		return success
	case ConditionFailure:
		return !success
	default:
		return false
	}
}

// valid reports whether c is a known condition value.
func (c Condition) valid() bool {
	return c == ConditionAny || c == ConditionSuccess || c == ConditionFailure
}

// Trigger schedules a downstream step when its condition matches the
// declaring step's outcome. A step may declare any number of triggers;
// each is evaluated independently, so several may fire off one outcome.
type Trigger struct {
	// Target is the step identifier to schedule.
	Target string `json:"target"`

	// Delay is how long after the declaring step's completion the target
	// becomes due. Zero means due immediately (next poll cycle).
	Delay time.Duration `json:"delay"`

	// Condition gates the trigger on the declaring step's outcome.
	// Empty defaults to ConditionAny at registration.
	Condition Condition `json:"condition"`
}

// RetryPolicy bounds re-invocation of a failing step. The same step is
// re-scheduled after Delay until it succeeds or MaxAttempts is reached;
// only then do the step's failure triggers fire.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Must be at least 1.
	MaxAttempts int `json:"max_attempts"`

	// Delay is the wait between attempts. Constant per attempt.
	Delay time.Duration `json:"delay"`
}

// Step is one unit of workflow logic. Handler names the registered step
// handler to run; when empty it defaults to the step ID at registration.
type Step struct {
	ID       string       `json:"id"`
	Handler  string       `json:"handler,omitempty"`
	Triggers []Trigger    `json:"triggers,omitempty"`
	Retry    *RetryPolicy `json:"retry,omitempty"`
}

// Definition is a complete workflow type: a directed graph of steps keyed
// by identifier plus a designated entry step. Cycles are permitted — a step
// may trigger an ancestor. Definitions are immutable once registered.
type Definition struct {
	// Type is the workflow type name, unique within a registry.
	Type string `json:"type"`

	// Steps maps step identifiers to their definitions.
	Steps map[string]*Step `json:"steps"`

	// Entry is the identifier of the step scheduled when an instance starts.
	Entry string `json:"entry"`
}

// Step returns the step definition for the given identifier.
func (d *Definition) Step(stepID string) (*Step, bool) {
	s, ok := d.Steps[stepID]
	return s, ok
}

// EntryStep returns the designated entry step.
func (d *Definition) EntryStep() *Step {
	return d.Steps[d.Entry]
}

// ValidationError describes why a definition was rejected at registration.
// The whole definition is rejected atomically; nothing is stored.
type ValidationError struct {
	// Type is the workflow type that failed validation.
	Type string
	// Reason describes the first problem found.
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("cascade: invalid definition %q: %s", e.Type, e.Reason)
}

// validate checks the structural invariants of a definition. It returns a
// *ValidationError naming the first problem found.
func validate(d *Definition) error {
	fail := func(format string, args ...any) error {
		return &ValidationError{Type: d.Type, Reason: fmt.Sprintf(format, args...)}
	}

	if d.Type == "" {
		return fail("empty workflow type")
	}
	if len(d.Steps) == 0 {
		return fail("no steps defined")
	}
	if d.Entry == "" {
		return fail("no entry step designated")
	}
	if _, ok := d.Steps[d.Entry]; !ok {
		return fail("entry step %q not defined", d.Entry)
	}

	for stepID, step := range d.Steps {
		if step == nil {
			return fail("step %q is nil", stepID)
		}
		if step.ID != "" && step.ID != stepID {
			return fail("step keyed %q declares mismatched id %q", stepID, step.ID)
		}
		for i, tr := range step.Triggers {
			if tr.Target == "" {
				return fail("step %q trigger %d has empty target", stepID, i)
			}
			if _, ok := d.Steps[tr.Target]; !ok {
				return fail("step %q trigger %d targets unknown step %q", stepID, i, tr.Target)
			}
			if tr.Delay < 0 {
				return fail("step %q trigger %d has negative delay", stepID, i)
			}
			if tr.Condition != "" && !tr.Condition.valid() {
				return fail("step %q trigger %d has unknown condition %q", stepID, i, tr.Condition)
			}
		}
		if step.Retry != nil {
			if step.Retry.MaxAttempts < 1 {
				return fail("step %q retry policy requires maxAttempts >= 1, got %d", stepID, step.Retry.MaxAttempts)
			}
			if step.Retry.Delay < 0 {
				return fail("step %q retry policy has negative delay", stepID)
			}
		}
	}

	return nil
}

// normalize returns a deep copy of d with defaults applied: step IDs filled
// from map keys, empty handler names defaulted to the step ID, and empty
// trigger conditions defaulted to ConditionAny. The copy is what the
// Registry stores, so later mutation of the caller's value has no effect.
func normalize(d *Definition) *Definition {
	out := &Definition{
		Type:  d.Type,
		Entry: d.Entry,
		Steps: make(map[string]*Step, len(d.Steps)),
	}
	for stepID, step := range d.Steps {
		cp := &Step{
			ID:      stepID,
			Handler: step.Handler,
		}
		if cp.Handler == "" {
			cp.Handler = stepID
		}
		if len(step.Triggers) > 0 {
			cp.Triggers = make([]Trigger, len(step.Triggers))
			copy(cp.Triggers, step.Triggers)
			for i := range cp.Triggers {
				if cp.Triggers[i].Condition == "" {
					cp.Triggers[i].Condition = ConditionAny
				}
			}
		}
		if step.Retry != nil {
			rp := *step.Retry
			cp.Retry = &rp
		}
		out.Steps[stepID] = cp
	}
	return out
}
