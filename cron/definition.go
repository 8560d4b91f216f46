package cron

// Definition is a typed cron definition. T is the input type
// (must be JSON-serializable).
type Definition[T any] struct {
	// Name is the unique identifier for this cron entry.
	Name string

	// Schedule is a cron expression (e.g., "*/5 * * * *" or "@every 30s").
	Schedule string

	// WorkflowType is the registered workflow definition to start on each
	// tick.
	WorkflowType string

	// Input is the initial state for every triggered instance.
	Input T
}
