package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config defines per-workflow-type behaviour such as rate limiting and
// concurrency.
type Config struct {
	// Type is the workflow type identifier (must match the definition's
	// Type field).
	Type string

	// MaxConcurrency limits how many steps of this workflow type may run
	// simultaneously across the local worker pool. Zero means no
	// type-specific limit (pool-wide concurrency still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained steps per second that may be
	// admitted for this workflow type. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// typeState tracks runtime state for a single workflow type.
type typeState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

// Manager controls per-type and per-step rate limiting and concurrency.
// It is safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	types map[string]*typeState
	steps map[string]*stepState
}

// NewManager creates a Manager with the given workflow type configurations.
// Types not listed here have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		types: make(map[string]*typeState, len(configs)),
		steps: make(map[string]*stepState),
	}
	for _, cfg := range configs {
		m.types[cfg.Type] = newTypeState(cfg)
	}
	return m
}

func newTypeState(cfg Config) *typeState {
	ts := &typeState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ts.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return ts
}

// Acquire checks rate limits and concurrency for the given workflow type
// and step. If the invocation is allowed to proceed it increments the
// active counter and returns true. The caller MUST call Release when the
// step completes.
func (m *Manager) Acquire(workflowType, stepID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check type-level constraints.
	ts := m.types[workflowType]
	if ts != nil {
		if ts.limiter != nil && !ts.limiter.Allow() {
			return false
		}
		if ts.config.MaxConcurrency > 0 && ts.active >= ts.config.MaxConcurrency {
			return false
		}
	}

	// Check step-level constraints.
	if stepID != "" {
		ss := m.steps[stepKey(workflowType, stepID)]
		if ss != nil {
			if ss.limiter != nil && !ss.limiter.Allow() {
				return false
			}
			if ss.maxConcurrency > 0 && ss.active >= ss.maxConcurrency {
				return false
			}
			ss.active++
		}
	}

	// Increment type active count.
	if ts != nil {
		ts.active++
	}

	return true
}

// Release decrements the active step count for the workflow type and step.
func (m *Manager) Release(workflowType, stepID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ts := m.types[workflowType]; ts != nil && ts.active > 0 {
		ts.active--
	}

	if stepID != "" {
		if ss := m.steps[stepKey(workflowType, stepID)]; ss != nil && ss.active > 0 {
			ss.active--
		}
	}
}

// SetConfig dynamically updates (or creates) a workflow type configuration.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.types[cfg.Type]
	ts := newTypeState(cfg)

	// Preserve current active count if reconfiguring.
	if existing != nil {
		ts.active = existing.active
	}
	m.types[cfg.Type] = ts
}

// ActiveCount returns the current number of active steps for a workflow type.
func (m *Manager) ActiveCount(workflowType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts := m.types[workflowType]; ts != nil {
		return ts.active
	}
	return 0
}
