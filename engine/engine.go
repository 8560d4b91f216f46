package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/backoff"
	"github.com/cascadehq/cascade/cluster"
	"github.com/cascadehq/cascade/cron"
	"github.com/cascadehq/cascade/definition"
	"github.com/cascadehq/cascade/dlq"
	"github.com/cascadehq/cascade/executor"
	"github.com/cascadehq/cascade/ext"
	"github.com/cascadehq/cascade/history"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/instance"
	mw "github.com/cascadehq/cascade/middleware"
	"github.com/cascadehq/cascade/observability"
	"github.com/cascadehq/cascade/queue"
	"github.com/cascadehq/cascade/timer"
	"github.com/cascadehq/cascade/worker"
)

// Engine wraps a cascade.Scheduler with typed subsystem access.
// Use Build() to create one from a Scheduler.
type Engine struct {
	s           *cascade.Scheduler
	extensions  *ext.Registry
	definitions *definition.Registry
	handlers    *executor.Registry
	locks       *worker.KeyedMutex
	instances   instance.Store
	timers      timer.Store
	events      history.Store
	dlqService  *dlq.Service
	bo          backoff.Strategy
	processor   *worker.Processor
	pool        *worker.Pool
	mws         []mw.Middleware
	logger      *slog.Logger

	// Cron subsystem.
	cronStore    cron.Store
	clusterStore cluster.Store
	scheduler    *cron.Scheduler

	// Queue subsystem.
	queueConfigs []queue.Config
	queueManager *queue.Manager

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware adds middleware to the engine's execution chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets a retry backoff strategy for the engine. If not set,
// each retry waits the constant delay from the step's retry policy.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithQueueConfig registers per-workflow-type rate limiting and concurrency
// configurations. Types not listed have no limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) {
		eng.queueConfigs = append(eng.queueConfigs, configs...)
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the global one.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, both the metrics middleware and the observability extension
// use this provider instead of the global one.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Scheduler.
// The Scheduler's store must implement every subsystem store interface
// (any store.Store does).
func Build(s *cascade.Scheduler, opts ...Option) (*Engine, error) {
	logger := s.Logger()
	store := s.Store()

	if store == nil {
		return nil, cascade.ErrNoStore
	}

	ts, ok := store.(timer.Store)
	if !ok {
		return nil, fmt.Errorf("cascade: store does not implement timer.Store")
	}

	is, ok := store.(instance.Store)
	if !ok {
		return nil, fmt.Errorf("cascade: store does not implement instance.Store")
	}

	ds, ok := store.(dlq.Store)
	if !ok {
		return nil, fmt.Errorf("cascade: store does not implement dlq.Store")
	}

	hs, ok := store.(history.Store)
	if !ok {
		return nil, fmt.Errorf("cascade: store does not implement history.Store")
	}

	cs, ok := store.(cron.Store)
	if !ok {
		return nil, fmt.Errorf("cascade: store does not implement cron.Store")
	}

	cls, ok := store.(cluster.Store)
	if !ok {
		return nil, fmt.Errorf("cascade: store does not implement cluster.Store")
	}

	eng := &Engine{
		s:           s,
		extensions:  ext.NewRegistry(logger),
		definitions: definition.NewRegistry(),
		handlers:    executor.NewRegistry(),
		locks:       worker.NewKeyedMutex(),
		instances:   is,
		timers:      ts,
		events:      hs,
		logger:      logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	// Create the DLQ service.
	eng.dlqService = dlq.NewService(ds, is, ts)

	// Record lifecycle events into the durable history log.
	eng.extensions.Register(history.NewRecorder(hs))

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/cascadehq/cascade")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/cascadehq/cascade")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/cascadehq/cascade/observability")
		obsExt = observability.NewMetricsExtensionWithMeter(meter)
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	// Build default middleware stack: recover → tracing → metrics → logging → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	procOpts := []worker.ProcessorOption{
		worker.WithMiddleware(allMws...),
	}
	if eng.bo != nil {
		procOpts = append(procOpts, worker.WithRetryBackoff(eng.bo))
	}
	eng.processor = worker.NewProcessor(
		eng.definitions,
		eng.handlers,
		is,
		ts,
		eng.dlqService,
		eng.extensions,
		eng.locks,
		logger,
		procOpts...,
	)

	config := s.Config()
	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(config.Concurrency),
		worker.WithPollInterval(config.PollInterval),
		worker.WithHeartbeatInterval(config.HeartbeatInterval),
		worker.WithStaleClaimThreshold(config.StaleClaimThreshold),
	}

	// Create queue manager if queue configs were provided.
	if len(eng.queueConfigs) > 0 {
		eng.queueManager = queue.NewManager(eng.queueConfigs...)
		poolOpts = append(poolOpts, worker.WithQueueManager(eng.queueManager))
	}

	eng.pool = worker.NewPool(ts, eng.processor, logger, poolOpts...)

	// Wire back into the Scheduler.
	s.SetPool(eng.pool)
	s.SetExtensions(eng.extensions)

	// Create the cron scheduler. Each tick of an entry starts a fresh
	// workflow instance.
	eng.cronStore = cs
	eng.clusterStore = cls
	startFn := func(ctx context.Context, workflowType string, input []byte) (id.InstanceID, error) {
		inst, err := eng.StartInstanceRaw(ctx, workflowType, input)
		if err != nil {
			return id.Nil, err
		}
		return inst.ID, nil
	}
	eng.scheduler = cron.NewScheduler(cs, cls, startFn, eng.extensions, eng.pool.WorkerID(), logger)

	return eng, nil
}

// Start begins workflow processing: it releases claims abandoned by a
// previous run of this process, registers the worker in the cluster,
// starts the cron scheduler, and starts the worker pool.
func (eng *Engine) Start(ctx context.Context) error {
	config := eng.s.Config()

	// Crash recovery: claims whose heartbeat went silent are returned to
	// pending so their deliveries happen again (at-least-once).
	if config.StaleClaimThreshold > 0 {
		released, reapErr := eng.timers.ReapStaleClaims(ctx, config.StaleClaimThreshold)
		if reapErr != nil {
			eng.logger.Warn("failed to reap stale claims on start",
				slog.String("error", reapErr.Error()),
			)
		} else if len(released) > 0 {
			eng.logger.Info("released stale claims on start",
				slog.Int("count", len(released)),
			)
		}
	}

	// Register this worker in the cluster store. Registration happens
	// here rather than in Build so the advertised workflow types reflect
	// everything registered in between.
	hostname, hostnameErr := os.Hostname()
	if hostnameErr != nil {
		hostname = "unknown"
	}
	now := time.Now().UTC()
	w := &cluster.Worker{
		ID:            eng.pool.WorkerID(),
		Hostname:      hostname,
		WorkflowTypes: eng.definitions.Types(),
		Concurrency:   config.Concurrency,
		State:         cluster.WorkerActive,
		LastSeen:      now,
		CreatedAt:     now,
	}
	if regErr := eng.clusterStore.RegisterWorker(ctx, w); regErr != nil {
		eng.logger.Warn("failed to register worker in cluster store",
			slog.String("error", regErr.Error()),
		)
	}

	// Start the cron scheduler before the pool so leadership can be acquired.
	if err := eng.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start cron scheduler: %w", err)
	}

	return eng.s.Start(ctx)
}

// Stop gracefully shuts down the engine.
func (eng *Engine) Stop(ctx context.Context) error {
	// Deregister this worker from the cluster.
	if err := eng.clusterStore.DeregisterWorker(ctx, eng.pool.WorkerID()); err != nil {
		eng.logger.Warn("failed to deregister worker", slog.String("error", err.Error()))
	}

	// Stop the cron scheduler.
	if err := eng.scheduler.Stop(ctx); err != nil {
		eng.logger.Error("cron scheduler stop error", slog.String("error", err.Error()))
	}

	return eng.s.Stop(ctx)
}

// RegisterWorkflow registers a workflow definition with the engine.
// Definitions are validated on registration and immutable afterwards.
func (eng *Engine) RegisterWorkflow(def *definition.Definition) error {
	return eng.definitions.Register(def)
}

// RegisterHandler registers a typed step handler with the engine.
func RegisterHandler[T any](eng *Engine, def *executor.Definition[T]) error {
	return executor.RegisterDefinition(eng.handlers, def)
}

// RegisterHandlerFunc registers a raw step handler with the engine.
func (eng *Engine) RegisterHandlerFunc(name string, fn executor.HandlerFunc, opts ...executor.Option) error {
	return eng.handlers.Register(name, fn, opts...)
}

// StartInstance creates a workflow instance with a typed initial state and
// schedules the definition's entry step at zero delay.
func StartInstance[T any](ctx context.Context, eng *Engine, workflowType string, input T) (*instance.Instance, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input for workflow %q: %w", workflowType, err)
	}
	return eng.StartInstanceRaw(ctx, workflowType, data)
}

// StartInstanceRaw creates a workflow instance with a pre-serialized
// initial state. The definition's entry step is scheduled exactly once,
// due immediately; the first delivery happens on the next poll cycle.
func (eng *Engine) StartInstanceRaw(ctx context.Context, workflowType string, input []byte) (*instance.Instance, error) {
	def, err := eng.definitions.Lookup(workflowType)
	if err != nil {
		return nil, err
	}
	if len(input) == 0 {
		input = []byte("{}")
	}

	inst := &instance.Instance{
		Entity:  cascade.NewEntity(),
		ID:      id.NewInstanceID(),
		Type:    workflowType,
		State:   input,
		Status:  instance.StatusRunning,
		Pending: 1,
	}
	if err := eng.instances.CreateInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}

	inv := &timer.Invocation{
		Entity:       cascade.NewEntity(),
		ID:           id.NewInvocationID(),
		InstanceID:   inst.ID,
		WorkflowType: workflowType,
		StepID:       def.Entry,
		DueAt:        time.Now().UTC(),
		State:        timer.StatePending,
	}
	if err := eng.timers.SchedulePending(ctx, inv); err != nil {
		return nil, fmt.Errorf("schedule entry step: %w", err)
	}

	eng.extensions.EmitInstanceStarted(ctx, inst)
	eng.logger.Info("workflow instance started",
		slog.String("instance_id", inst.ID.String()),
		slog.String("workflow_type", workflowType),
		slog.String("entry_step", def.Entry),
	)
	return inst, nil
}

// CancelInstance removes the instance's pending invocations and marks it
// COMPLETED. In-flight deliveries are not interrupted: whichever of the
// cancellation and a delivery takes the instance lock first wins, and a
// delivery that loses observes the completed instance and is discarded.
// Cancelling a completed instance is a no-op.
func (eng *Engine) CancelInstance(ctx context.Context, instanceID id.InstanceID) error {
	key := instanceID.String()
	eng.locks.Lock(key)
	defer eng.locks.Unlock(key)

	inst, err := eng.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != instance.StatusRunning {
		return nil
	}

	removed, err := eng.timers.CancelInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("cancel pending invocations: %w", err)
	}
	if removed > 0 {
		if _, err := eng.instances.AddPending(ctx, instanceID, -removed); err != nil {
			return fmt.Errorf("adjust pending count: %w", err)
		}
	}
	if err := eng.instances.MarkComplete(ctx, instanceID); err != nil {
		return fmt.Errorf("mark complete: %w", err)
	}

	inst.Status = instance.StatusCompleted
	eng.extensions.EmitInstanceCancelled(ctx, inst)
	eng.logger.Info("workflow instance cancelled",
		slog.String("instance_id", key),
		slog.Int("removed_invocations", removed),
	)
	return nil
}

// Status is a point-in-time view of a workflow instance: its current
// record (status, shared state, attempt counters) and the execution
// history, oldest event first.
type Status struct {
	Instance *instance.Instance
	History  []*history.Event
}

// Status returns the instance together with its execution history.
func (eng *Engine) Status(ctx context.Context, instanceID id.InstanceID) (*Status, error) {
	inst, err := eng.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	events, err := eng.events.ListEvents(ctx, instanceID, history.ListOpts{})
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return &Status{Instance: inst, History: events}, nil
}

// Instance returns the instance record by ID.
func (eng *Engine) Instance(ctx context.Context, instanceID id.InstanceID) (*instance.Instance, error) {
	return eng.instances.GetInstance(ctx, instanceID)
}

// ListInstances returns instances matching the given options, newest first.
func (eng *Engine) ListInstances(ctx context.Context, opts instance.ListOpts) ([]*instance.Instance, error) {
	return eng.instances.ListInstances(ctx, opts)
}

// RegisterCron registers a typed cron definition with the engine.
// It validates the schedule expression, computes the initial NextRunAt,
// and persists the entry. Re-registration of the same name is idempotent.
func RegisterCron[T any](ctx context.Context, eng *Engine, def *cron.Definition[T]) error {
	sched, err := cron.ParseSchedule(def.Schedule)
	if err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", def.Schedule, err)
	}

	input, err := json.Marshal(def.Input)
	if err != nil {
		return fmt.Errorf("marshal cron input: %w", err)
	}

	now := time.Now().UTC()
	next := sched.Next(now)

	entry := &cron.Entry{
		Entity:       cascade.NewEntity(),
		ID:           id.NewCronID(),
		Name:         def.Name,
		Schedule:     def.Schedule,
		WorkflowType: def.WorkflowType,
		Input:        input,
		NextRunAt:    &next,
		Enabled:      true,
	}

	if err := eng.cronStore.RegisterCron(ctx, entry); err != nil {
		// Idempotent: ignore duplicate cron entries.
		if errors.Is(err, cascade.ErrDuplicateCron) {
			return nil
		}
		return fmt.Errorf("register cron %q: %w", def.Name, err)
	}

	eng.logger.Info("cron registered",
		slog.String("name", def.Name),
		slog.String("schedule", def.Schedule),
		slog.String("workflow_type", def.WorkflowType),
		slog.Time("next_run_at", next),
	)

	return nil
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Definitions returns the workflow definition registry.
func (eng *Engine) Definitions() *definition.Registry { return eng.definitions }

// Handlers returns the step handler registry.
func (eng *Engine) Handlers() *executor.Registry { return eng.handlers }

// Scheduler returns the underlying Scheduler.
func (eng *Engine) Scheduler() *cascade.Scheduler { return eng.s }

// DLQService returns the engine's DLQ service for replay and inspection.
func (eng *Engine) DLQService() *dlq.Service { return eng.dlqService }

// CronStore returns the cron store.
func (eng *Engine) CronStore() cron.Store { return eng.cronStore }

// CronScheduler returns the cron scheduler.
func (eng *Engine) CronScheduler() *cron.Scheduler { return eng.scheduler }

// QueueManager returns the queue manager, or nil if no queue configs
// were provided.
func (eng *Engine) QueueManager() *queue.Manager { return eng.queueManager }

// WorkerID returns the identity this engine's pool claims work under.
func (eng *Engine) WorkerID() id.WorkerID { return eng.pool.WorkerID() }
