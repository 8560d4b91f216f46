// Package worker provides the step execution engine — a Processor that
// advances a workflow instance by one step delivery, and a Pool that
// manages concurrent worker goroutines claiming due invocations.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/backoff"
	"github.com/cascadehq/cascade/definition"
	"github.com/cascadehq/cascade/dlq"
	"github.com/cascadehq/cascade/executor"
	"github.com/cascadehq/cascade/ext"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/instance"
	"github.com/cascadehq/cascade/middleware"
	"github.com/cascadehq/cascade/timer"
)

// Processor settles one claimed invocation: it executes the step through
// middleware and the registered handler, persists the returned state,
// schedules retries or fires triggers, and completes the instance when no
// outstanding work remains.
//
// All work for an instance runs under that instance's lock, so deliveries
// and cancellation never interleave. A nil error from Process means the
// delivery was settled (executed, retried, or discarded as stale); a
// non-nil error means it was released for redelivery.
type Processor struct {
	definitions *definition.Registry
	handlers    *executor.Registry
	instances   instance.Store
	timers      timer.Store
	dlqService  *dlq.Service
	extensions  *ext.Registry
	locks       *KeyedMutex
	backoff     backoff.Strategy
	mw          middleware.Middleware
	logger      *slog.Logger
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithRetryBackoff replaces the default constant retry delay (the step's
// retry policy delay) with a growth strategy. The strategy receives the
// attempt number that just failed.
func WithRetryBackoff(s backoff.Strategy) ProcessorOption {
	return func(p *Processor) { p.backoff = s }
}

// WithMiddleware sets the middleware chain every execution runs through.
func WithMiddleware(mws ...middleware.Middleware) ProcessorOption {
	return func(p *Processor) { p.mw = middleware.Chain(mws...) }
}

// NewProcessor creates a Processor with the given dependencies.
func NewProcessor(
	definitions *definition.Registry,
	handlers *executor.Registry,
	instances instance.Store,
	timers timer.Store,
	dlqService *dlq.Service,
	extensions *ext.Registry,
	locks *KeyedMutex,
	logger *slog.Logger,
	opts ...ProcessorOption,
) *Processor {
	p := &Processor{
		definitions: definitions,
		handlers:    handlers,
		instances:   instances,
		timers:      timers,
		dlqService:  dlqService,
		extensions:  extensions,
		locks:       locks,
		mw:          middleware.Chain(),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process advances an instance by one step delivery.
//
// Stale deliveries — the instance is gone or no longer running — are
// consumed without executing anything. Otherwise the step runs, the
// returned state is persisted unconditionally, and the outcome decides
// what happens next: a failure with retry budget left schedules one
// retry and suppresses all triggers; any other outcome evaluates every
// trigger independently. The delivery is then consumed and the instance's
// outstanding count decremented; at zero the instance is complete.
func (p *Processor) Process(ctx context.Context, inv *timer.Invocation) error {
	key := inv.InstanceID.String()
	p.locks.Lock(key)
	defer p.locks.Unlock(key)

	// The instance is loaded under the lock: a cancellation that won the
	// lock first is visible here and turns this delivery stale.
	inst, err := p.instances.GetInstance(ctx, inv.InstanceID)
	if err != nil {
		if errors.Is(err, cascade.ErrInstanceNotFound) {
			return p.discardStale(ctx, inv)
		}
		p.release(ctx, inv)
		return err
	}
	if inst.Status != instance.StatusRunning {
		return p.discardStale(ctx, inv)
	}

	def, err := p.definitions.Lookup(inv.WorkflowType)
	if err != nil {
		return p.handleUnroutable(ctx, inv, inst, err)
	}
	step, ok := def.Step(inv.StepID)
	if !ok {
		return p.handleUnroutable(ctx, inv, inst,
			fmt.Errorf("%w: %q in %q", cascade.ErrStepNotFound, inv.StepID, inv.WorkflowType))
	}

	attempt, err := p.instances.RecordAttempt(ctx, inv.InstanceID, inv.StepID)
	if err != nil {
		p.release(ctx, inv)
		return err
	}

	p.extensions.EmitStepStarted(ctx, inv, attempt)

	ex := &executor.Execution{
		InstanceID:   inv.InstanceID,
		WorkflowType: inv.WorkflowType,
		StepID:       inv.StepID,
		Handler:      step.Handler,
		Attempt:      attempt,
		State:        inst.State,
		Timeout:      p.handlers.Options(step.Handler).Timeout,
	}

	// The terminal handler runs the registered step logic.
	terminal := func(ctx context.Context) error {
		out, handlerErr := p.handlers.Execute(ctx, ex.Handler, ex.State)
		ex.Output = out
		return handlerErr
	}

	start := time.Now()
	execErr := p.mw(ctx, ex, terminal)
	elapsed := time.Since(start)

	// Persist the returned state unconditionally — also on failure, so a
	// failing step can record diagnostic state. A nil output keeps the
	// state the step started from.
	newState := ex.Output
	if newState == nil {
		newState = ex.State
	}
	if saveErr := p.instances.SaveState(ctx, inv.InstanceID, newState); saveErr != nil {
		p.release(ctx, inv)
		return saveErr
	}

	if execErr != nil {
		return p.handleFailure(ctx, inv, inst, step, ex, attempt, execErr)
	}
	return p.handleSuccess(ctx, inv, inst, step, attempt, elapsed)
}

// handleSuccess fires the step's matching triggers and settles the delivery.
func (p *Processor) handleSuccess(
	ctx context.Context,
	inv *timer.Invocation,
	inst *instance.Instance,
	step *definition.Step,
	attempt int,
	elapsed time.Duration,
) error {
	p.extensions.EmitStepCompleted(ctx, inv, attempt, elapsed)

	p.logger.Info("step completed",
		slog.String("instance_id", inv.InstanceID.String()),
		slog.String("step_id", inv.StepID),
		slog.Int("attempt", attempt),
		slog.Duration("elapsed", elapsed),
	)

	if err := p.fireTriggers(ctx, inv, step, true); err != nil {
		p.release(ctx, inv)
		return err
	}
	return p.finishDelivery(ctx, inv, inst)
}

// handleFailure schedules a retry while budget remains; once the budget is
// exhausted it dead letters the failure and evaluates the step's triggers.
// Dead lettering is a record, not a verdict — the failure triggers still
// decide what runs next.
func (p *Processor) handleFailure(
	ctx context.Context,
	inv *timer.Invocation,
	inst *instance.Instance,
	step *definition.Step,
	ex *executor.Execution,
	attempt int,
	stepErr error,
) error {
	p.extensions.EmitStepFailed(ctx, inv, attempt, stepErr)

	maxAttempts := 1
	var policyDelay time.Duration
	if step.Retry != nil {
		maxAttempts = step.Retry.MaxAttempts
		policyDelay = step.Retry.Delay
	}

	if attempt < maxAttempts {
		return p.scheduleRetry(ctx, inv, attempt, maxAttempts, policyDelay)
	}

	if p.dlqService != nil {
		if dlqErr := p.dlqService.Push(ctx, ex, stepErr, maxAttempts); dlqErr != nil {
			p.logger.Error("dead letter push failed",
				slog.String("instance_id", inv.InstanceID.String()),
				slog.String("step_id", inv.StepID),
				slog.String("error", dlqErr.Error()),
			)
		}
	}
	p.extensions.EmitDeadLettered(ctx, inv, stepErr)

	p.logger.Warn("step failed terminally",
		slog.String("instance_id", inv.InstanceID.String()),
		slog.String("step_id", inv.StepID),
		slog.Int("attempts", attempt),
		slog.String("error", stepErr.Error()),
	)

	if err := p.fireTriggers(ctx, inv, step, false); err != nil {
		p.release(ctx, inv)
		return err
	}
	return p.finishDelivery(ctx, inv, inst)
}

// scheduleRetry schedules the same step again after the retry delay. The
// retry inherits this delivery's pending slot, so the instance's
// outstanding count does not move and can never be observed at zero.
// No triggers are evaluated while retry budget remains.
func (p *Processor) scheduleRetry(
	ctx context.Context,
	inv *timer.Invocation,
	attempt, maxAttempts int,
	policyDelay time.Duration,
) error {
	strategy := p.backoff
	if strategy == nil {
		strategy = backoff.NewConstant(policyDelay)
	}
	delay := strategy.Delay(attempt)
	dueAt := time.Now().UTC().Add(delay)

	retry := &timer.Invocation{
		Entity:       cascade.NewEntity(),
		ID:           id.NewInvocationID(),
		InstanceID:   inv.InstanceID,
		WorkflowType: inv.WorkflowType,
		StepID:       inv.StepID,
		DueAt:        dueAt,
		State:        timer.StatePending,
	}
	if err := p.timers.SchedulePending(ctx, retry); err != nil {
		p.release(ctx, inv)
		return err
	}
	if err := p.timers.CompleteInvocation(ctx, inv.ID); err != nil {
		p.logger.Error("failed to consume retried delivery",
			slog.String("invocation_id", inv.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	p.extensions.EmitStepRetrying(ctx, inv, attempt, dueAt)

	p.logger.Info("step scheduled for retry",
		slog.String("instance_id", inv.InstanceID.String()),
		slog.String("step_id", inv.StepID),
		slog.Int("attempt", attempt),
		slog.Int("max_attempts", maxAttempts),
		slog.Duration("delay", delay),
	)
	return nil
}

// fireTriggers evaluates every trigger on the step independently and
// schedules the targets whose condition matches the outcome.
func (p *Processor) fireTriggers(ctx context.Context, inv *timer.Invocation, step *definition.Step, success bool) error {
	now := time.Now().UTC()
	for _, tr := range step.Triggers {
		if !tr.Condition.Matches(success) {
			continue
		}

		// Pending is raised before the invocation exists so the instance
		// can never be observed with work scheduled but not counted.
		if _, err := p.instances.AddPending(ctx, inv.InstanceID, 1); err != nil {
			return err
		}

		dueAt := now.Add(tr.Delay)
		next := &timer.Invocation{
			Entity:       cascade.NewEntity(),
			ID:           id.NewInvocationID(),
			InstanceID:   inv.InstanceID,
			WorkflowType: inv.WorkflowType,
			StepID:       tr.Target,
			DueAt:        dueAt,
			State:        timer.StatePending,
		}
		if err := p.timers.SchedulePending(ctx, next); err != nil {
			return err
		}

		p.extensions.EmitTriggerFired(ctx, inv, tr.Target, dueAt)

		p.logger.Debug("trigger fired",
			slog.String("instance_id", inv.InstanceID.String()),
			slog.String("from", inv.StepID),
			slog.String("target", tr.Target),
			slog.Time("due_at", dueAt),
		)
	}
	return nil
}

// finishDelivery consumes the invocation and decrements the instance's
// outstanding count; at zero the instance is complete.
func (p *Processor) finishDelivery(ctx context.Context, inv *timer.Invocation, inst *instance.Instance) error {
	if err := p.timers.CompleteInvocation(ctx, inv.ID); err != nil {
		p.logger.Error("failed to consume delivery",
			slog.String("invocation_id", inv.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	remaining, err := p.instances.AddPending(ctx, inv.InstanceID, -1)
	if err != nil {
		p.logger.Error("failed to decrement outstanding count",
			slog.String("instance_id", inv.InstanceID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	if remaining > 0 {
		return nil
	}

	if err := p.instances.MarkComplete(ctx, inv.InstanceID); err != nil {
		return err
	}
	inst.Status = instance.StatusCompleted
	p.extensions.EmitInstanceCompleted(ctx, inst, time.Since(inst.CreatedAt))

	p.logger.Info("instance completed",
		slog.String("instance_id", inv.InstanceID.String()),
		slog.String("workflow_type", inv.WorkflowType),
		slog.Duration("elapsed", time.Since(inst.CreatedAt)),
	)
	return nil
}

// discardStale consumes a delivery whose instance is gone or already
// completed, without executing the step.
func (p *Processor) discardStale(ctx context.Context, inv *timer.Invocation) error {
	if err := p.timers.CompleteInvocation(ctx, inv.ID); err != nil && !errors.Is(err, cascade.ErrInvocationNotFound) {
		return err
	}
	p.extensions.EmitStaleDelivery(ctx, inv)

	p.logger.Debug("discarded stale delivery",
		slog.String("invocation_id", inv.ID.String()),
		slog.String("instance_id", inv.InstanceID.String()),
		slog.String("step_id", inv.StepID),
	)
	return nil
}

// handleUnroutable settles a delivery that can never execute because the
// workflow type or step vanished from the registry, for example after a
// deploy that dropped a definition. The failure is dead lettered for
// operator attention and the delivery consumed.
func (p *Processor) handleUnroutable(ctx context.Context, inv *timer.Invocation, inst *instance.Instance, cause error) error {
	p.logger.Error("unroutable invocation",
		slog.String("instance_id", inv.InstanceID.String()),
		slog.String("workflow_type", inv.WorkflowType),
		slog.String("step_id", inv.StepID),
		slog.String("error", cause.Error()),
	)

	if p.dlqService != nil {
		ex := &executor.Execution{
			InstanceID:   inv.InstanceID,
			WorkflowType: inv.WorkflowType,
			StepID:       inv.StepID,
			State:        inst.State,
		}
		if dlqErr := p.dlqService.Push(ctx, ex, cause, 0); dlqErr != nil {
			p.logger.Error("dead letter push failed",
				slog.String("instance_id", inv.InstanceID.String()),
				slog.String("error", dlqErr.Error()),
			)
		}
	}
	p.extensions.EmitDeadLettered(ctx, inv, cause)

	return p.finishDelivery(ctx, inv, inst)
}

// release hands a claimed invocation back for redelivery after a store
// failure prevented settling it.
func (p *Processor) release(ctx context.Context, inv *timer.Invocation) {
	if err := p.timers.ReleaseInvocation(ctx, inv.ID); err != nil {
		p.logger.Error("failed to release invocation",
			slog.String("invocation_id", inv.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}
