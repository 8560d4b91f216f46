// Package executor runs step business logic. The engine treats step code as
// opaque: it hands the current shared state to a handler and receives the
// updated state plus a success/failure outcome. Handlers are registered by
// name in a Registry; typed handlers are bound with RegisterDefinition.
package executor

import (
	"context"
	"time"

	"github.com/cascadehq/cascade/id"
)

// Outcome is the result classification of one step execution.
type Outcome string

const (
	// OutcomeSuccess means the handler returned without error.
	OutcomeSuccess Outcome = "success"
	// OutcomeFailure means the handler returned an error or panicked.
	// Handler errors and executor faults are classified identically:
	// either way the step did not succeed.
	OutcomeFailure Outcome = "failure"
)

// OutcomeOf classifies a handler error into an Outcome.
func OutcomeOf(err error) Outcome {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

// Executor runs a named step handler against the current shared state and
// returns the updated state. A non-nil error means the step failed; any
// state returned alongside the error is still persisted, so a failing step
// can record diagnostic state.
type Executor interface {
	Execute(ctx context.Context, handler string, state []byte) ([]byte, error)
}

// Execution is the context for one delivery of a step to its handler.
// It flows through the middleware chain; the terminal handler runs the
// step logic and stores the returned state in Output.
type Execution struct {
	// InstanceID identifies the workflow instance being advanced.
	InstanceID id.InstanceID

	// WorkflowType is the instance's definition type.
	WorkflowType string

	// StepID is the step being executed.
	StepID string

	// Handler is the registered handler name resolved from the definition.
	Handler string

	// Attempt is the 1-based attempt number for this delivery.
	Attempt int

	// State is the instance's shared state at the start of the delivery.
	State []byte

	// Output is the state returned by the handler. Set by the terminal
	// middleware handler; persisted unconditionally, also on failure.
	Output []byte

	// Timeout bounds the handler's execution; zero means no limit.
	Timeout time.Duration
}
