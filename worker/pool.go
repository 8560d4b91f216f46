package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/timer"
)

// QueueManager controls per-workflow-type and per-step rate limiting and
// concurrency. The pool calls Acquire before processing a claimed
// invocation and Release after processing completes.
type QueueManager interface {
	// Acquire checks rate limits and concurrency for the workflow-type and
	// step combination. Returns true if the delivery may proceed.
	Acquire(workflowType, stepID string) bool
	// Release decrements the active count for the workflow-type and step.
	Release(workflowType, stepID string)
}

// Pool manages a set of concurrent worker goroutines that claim due
// invocations and settle them through the Processor.
type Pool struct {
	timers       timer.Store
	processor    *Processor
	concurrency  int
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	// Heartbeat / reaper configuration.
	heartbeatInterval   time.Duration
	staleClaimThreshold time.Duration

	// Queue manager (optional).
	queueManager QueueManager

	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	active   map[string]context.CancelFunc
	activeMu sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollInterval sets how often workers poll for due invocations.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithHeartbeatInterval sets how often the pool sends heartbeats for
// active claims. A zero value disables heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithStaleClaimThreshold sets the threshold after which claims without a
// heartbeat are released for redelivery. A zero value disables reaping.
func WithStaleClaimThreshold(d time.Duration) PoolOption {
	return func(p *Pool) { p.staleClaimThreshold = d }
}

// WithQueueManager sets the queue manager for rate limiting and
// concurrency control.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// WithWorkerID sets the pool's worker identity. The engine uses this to
// share one identity between claims, cluster membership, and cron
// leadership.
func WithWorkerID(workerID id.WorkerID) PoolOption {
	return func(p *Pool) { p.workerID = workerID }
}

// NewPool creates a worker pool.
func NewPool(
	timers timer.Store,
	processor *Processor,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		timers:       timers,
		processor:    processor,
		concurrency:  10,
		pollInterval: time.Second,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		stopCh:       make(chan struct{}),
		active:       make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Duration("poll_interval", p.pollInterval),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.claimLoop()
	}

	// Launch heartbeat goroutine if configured.
	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}

	// Launch reaper goroutine if configured.
	if p.staleClaimThreshold > 0 {
		p.wg.Add(1)
		go p.reaperLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for them to finish. If the
// context has a deadline, active deliveries are cancelled when time runs
// out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	// Signal all workers to stop.
	close(p.stopCh)

	// Wait for completion or context deadline.
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active deliveries")
		p.cancelActive()
		p.wg.Wait()
	}

	return nil
}

// claimLoop is run by each worker goroutine.
func (p *Pool) claimLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		invs, err := p.timers.ClaimDue(context.Background(), p.workerID, time.Now().UTC(), 1)
		if err != nil {
			p.logger.Error("claim error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}

		if len(invs) == 0 {
			p.sleep()
			continue
		}

		inv := invs[0]

		// Check workflow-type/step rate limit and concurrency.
		if p.queueManager != nil && !p.queueManager.Acquire(inv.WorkflowType, inv.StepID) {
			// Throttled — hand the claim back; a later poll retries it.
			if relErr := p.timers.ReleaseInvocation(context.Background(), inv.ID); relErr != nil {
				p.logger.Error("failed to release throttled invocation",
					slog.String("invocation_id", inv.ID.String()),
					slog.String("error", relErr.Error()),
				)
			}
			p.sleep()
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		p.track(inv.ID.String(), cancel)

		if procErr := p.processor.Process(ctx, inv); procErr != nil {
			p.logger.Error("delivery processing failed",
				slog.String("invocation_id", inv.ID.String()),
				slog.String("instance_id", inv.InstanceID.String()),
				slog.String("step_id", inv.StepID),
				slog.String("error", procErr.Error()),
			)
		}

		p.untrack(inv.ID.String())
		cancel()

		// Release the workflow-type/step slot.
		if p.queueManager != nil {
			p.queueManager.Release(inv.WorkflowType, inv.StepID)
		}
	}
}

// heartbeatLoop periodically sends heartbeats for all active claims.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sendHeartbeats()
		}
	}
}

func (p *Pool) sendHeartbeats() {
	p.activeMu.Lock()
	invIDs := make([]string, 0, len(p.active))
	for invID := range p.active {
		invIDs = append(invIDs, invID)
	}
	p.activeMu.Unlock()

	for _, invIDStr := range invIDs {
		parsedID, parseErr := id.ParseInvocationID(invIDStr)
		if parseErr != nil {
			p.logger.Warn("heartbeat: invalid invocation id", slog.String("invocation_id", invIDStr))
			continue
		}
		if err := p.timers.HeartbeatInvocation(context.Background(), parsedID, p.workerID); err != nil {
			p.logger.Warn("heartbeat failed",
				slog.String("invocation_id", invIDStr),
				slog.String("error", err.Error()),
			)
		}
	}
}

// reaperLoop periodically releases claims whose heartbeat has expired, so
// deliveries held by crashed workers become claimable again.
func (p *Pool) reaperLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.staleClaimThreshold)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapStaleClaims()
		}
	}
}

func (p *Pool) reapStaleClaims() {
	released, err := p.timers.ReapStaleClaims(context.Background(), p.staleClaimThreshold)
	if err != nil {
		p.logger.Error("reap stale claims error", slog.String("error", err.Error()))
		return
	}

	for _, inv := range released {
		p.logger.Info("reaped stale claim",
			slog.String("invocation_id", inv.ID.String()),
			slog.String("instance_id", inv.InstanceID.String()),
			slog.String("step_id", inv.StepID),
		)
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) track(invID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.active[invID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrack(invID string) {
	p.activeMu.Lock()
	delete(p.active, invID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActive() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for invID, cancel := range p.active {
		p.logger.Warn("cancelling active delivery", slog.String("invocation_id", invID))
		cancel()
	}
}
