package cascade

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("cascade: no store configured")
	ErrStoreClosed     = errors.New("cascade: store closed")
	ErrMigrationFailed = errors.New("cascade: migration failed")

	// Not found errors.
	ErrDefinitionNotFound = errors.New("cascade: workflow definition not found")
	ErrStepNotFound       = errors.New("cascade: step not found in definition")
	ErrInstanceNotFound   = errors.New("cascade: workflow instance not found")
	ErrInvocationNotFound = errors.New("cascade: invocation not found")
	ErrHandlerNotFound    = errors.New("cascade: step handler not found")
	ErrCronNotFound       = errors.New("cascade: cron entry not found")
	ErrDeadLetterNotFound = errors.New("cascade: dead letter not found")
	ErrWorkerNotFound     = errors.New("cascade: worker not found")

	// Conflict errors.
	ErrDuplicateDefinition   = errors.New("cascade: workflow definition already registered")
	ErrDuplicateHandler      = errors.New("cascade: step handler already registered")
	ErrDuplicateCron         = errors.New("cascade: duplicate cron entry")
	ErrInstanceAlreadyExists = errors.New("cascade: workflow instance already exists")

	// State errors.
	ErrInstanceCompleted = errors.New("cascade: instance already completed")
	ErrInvalidState      = errors.New("cascade: invalid state transition")

	// Cluster errors.
	ErrLeadershipLost = errors.New("cascade: leadership lost")
	ErrNotLeader      = errors.New("cascade: not the leader")
)
