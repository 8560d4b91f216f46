package queue

import (
	"fmt"

	"golang.org/x/time/rate"
)

// StepConfig defines rate limits and concurrency for a specific step of a
// specific workflow type. Useful for steps that call rate-limited external
// systems (payment gateways, mail providers) shared across many instances.
type StepConfig struct {
	// WorkflowType is the workflow type this config applies to.
	WorkflowType string

	// StepID is the step identifier within the workflow type.
	StepID string

	// RateLimit is the sustained steps per second for this step.
	RateLimit float64

	// RateBurst is the burst size for the step's rate limiter.
	RateBurst int

	// MaxConcurrency limits simultaneous executions of this step. Zero
	// means no step-specific concurrency limit.
	MaxConcurrency int
}

// stepState tracks runtime state for a single type+step pair.
type stepState struct {
	limiter        *rate.Limiter
	maxConcurrency int
	active         int
}

// stepKey builds the map key for a type+step pair.
func stepKey(workflowType, stepID string) string {
	return fmt.Sprintf("%s:%s", workflowType, stepID)
}

// SetStepConfig configures rate limits and concurrency for a specific step
// of a specific workflow type. Calling this multiple times for the same
// type+step replaces the previous configuration.
func (m *Manager) SetStepConfig(cfg StepConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := stepKey(cfg.WorkflowType, cfg.StepID)
	existing := m.steps[key]

	ss := &stepState{
		maxConcurrency: cfg.MaxConcurrency,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ss.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	// Preserve current active count if reconfiguring.
	if existing != nil {
		ss.active = existing.active
	}
	m.steps[key] = ss
}

// StepActiveCount returns the current number of active executions for a
// type+step pair.
func (m *Manager) StepActiveCount(workflowType, stepID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ss := m.steps[stepKey(workflowType, stepID)]; ss != nil {
		return ss.active
	}
	return 0
}
