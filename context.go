package cascade

import "context"

// Context is the execution context passed to step handlers.
// It is an alias for context.Context; deadlines and cancellation flow
// through from the worker pool and the Timeout middleware.
type Context = context.Context
