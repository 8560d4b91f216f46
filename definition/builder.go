package definition

import "time"

// Builder assembles a Definition in code. The first step added becomes the
// entry step unless Entry is called. Build validates the assembled graph,
// so authoring mistakes surface before registration.
//
//	def, err := definition.NewBuilder("order-pipeline").
//	    Step("reserve",
//	        definition.OnSuccess("charge", 0),
//	        definition.OnFailure("release", 30*time.Second),
//	    ).
//	    Step("charge",
//	        definition.Retry(3, 10*time.Second),
//	        definition.OnSuccess("confirm", 0),
//	        definition.OnFailure("release", 0),
//	    ).
//	    Step("confirm").
//	    Step("release").
//	    Build()
type Builder struct {
	def *Definition
}

// StepOption configures a step added via Builder.Step.
type StepOption func(*Step)

// NewBuilder starts a definition for the given workflow type.
func NewBuilder(workflowType string) *Builder {
	return &Builder{
		def: &Definition{
			Type:  workflowType,
			Steps: make(map[string]*Step),
		},
	}
}

// Entry designates the entry step. Optional; defaults to the first step added.
func (b *Builder) Entry(stepID string) *Builder {
	b.def.Entry = stepID
	return b
}

// Step adds a step to the definition.
func (b *Builder) Step(stepID string, opts ...StepOption) *Builder {
	s := &Step{ID: stepID}
	for _, opt := range opts {
		opt(s)
	}
	b.def.Steps[stepID] = s
	if b.def.Entry == "" {
		b.def.Entry = stepID
	}
	return b
}

// Build validates the assembled definition and returns it.
func (b *Builder) Build() (*Definition, error) {
	if err := validate(b.def); err != nil {
		return nil, err
	}
	return b.def, nil
}

// Handler sets the step's handler name. Defaults to the step ID.
func Handler(name string) StepOption {
	return func(s *Step) { s.Handler = name }
}

// Retry attaches a retry policy: up to maxAttempts invocations with a
// constant delay between attempts.
func Retry(maxAttempts int, delay time.Duration) StepOption {
	return func(s *Step) {
		s.Retry = &RetryPolicy{MaxAttempts: maxAttempts, Delay: delay}
	}
}

// OnSuccess adds a trigger that schedules target after delay when the step
// succeeds.
func OnSuccess(target string, delay time.Duration) StepOption {
	return trigger(target, delay, ConditionSuccess)
}

// OnFailure adds a trigger that schedules target after delay when the step
// fails (after exhausting retries, if a policy is attached).
func OnFailure(target string, delay time.Duration) StepOption {
	return trigger(target, delay, ConditionFailure)
}

// OnAny adds a trigger that schedules target after delay regardless of the
// step's outcome.
func OnAny(target string, delay time.Duration) StepOption {
	return trigger(target, delay, ConditionAny)
}

func trigger(target string, delay time.Duration, cond Condition) StepOption {
	return func(s *Step) {
		s.Triggers = append(s.Triggers, Trigger{Target: target, Delay: delay, Condition: cond})
	}
}
