package cascade

import (
	"context"
	"log/slog"
	"time"
)

// Option configures a Scheduler.
type Option func(*Scheduler) error

// Storer is the minimal store interface held by the Scheduler.
// It covers lifecycle operations only. The full composite interface
// (store.Store) is used in subsystem layers that don't create import
// cycles. Implementations satisfy store.Store which embeds all
// subsystem stores.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// poolRunner is an internal interface for worker pool lifecycle.
type poolRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Scheduler is the central coordinator for workflow execution: the durable
// timer, the worker pool, cron-started workflows, and distributed
// coordination.
//
// Create one with New() and functional options. The Scheduler holds
// references to subsystem components via internal interfaces to avoid
// import cycles. Use engine.Build to wire everything together.
type Scheduler struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	pool       poolRunner

	// started tracks whether Start has been called.
	started bool
}

// New creates a new Scheduler with the given options.
func New(opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Logger returns the scheduler's logger.
func (s *Scheduler) Logger() *slog.Logger { return s.logger }

// Store returns the scheduler's store.
func (s *Scheduler) Store() Storer { return s.store }

// Config returns a copy of the scheduler's configuration.
func (s *Scheduler) Config() Config { return s.config }

// SetPool sets the worker pool (called by the engine package).
func (s *Scheduler) SetPool(p poolRunner) { s.pool = p }

// SetExtensions sets the extension emitter (called by the engine package).
func (s *Scheduler) SetExtensions(e extensionEmitter) { s.extensions = e }

// Start begins polling for due invocations.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.pool == nil {
		return ErrNoStore
	}
	if err := s.pool.Start(ctx); err != nil {
		return err
	}
	s.started = true
	return nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.pool != nil && s.started {
		if err := s.pool.Stop(ctx); err != nil {
			s.logger.Error("pool stop error", "error", err)
		}
	}
	if s.extensions != nil {
		s.extensions.EmitShutdown(ctx)
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// WithConcurrency sets the maximum number of concurrent invocation processors.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) error {
		s.config.Concurrency = n
		return nil
	}
}

// WithPollInterval sets how often workers poll the timer for due invocations.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) error {
		s.config.PollInterval = d
		return nil
	}
}

// WithShutdownTimeout sets the maximum time to wait for graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Scheduler) error {
		s.config.ShutdownTimeout = d
		return nil
	}
}

// WithLogger sets the structured logger for the scheduler.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) error {
		s.logger = l
		return nil
	}
}

// WithStore sets the persistence backend for the scheduler.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds all subsystem store interfaces.
func WithStore(st Storer) Option {
	return func(s *Scheduler) error {
		s.store = st
		return nil
	}
}
