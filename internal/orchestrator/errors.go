package orchestrator

import "errors"

// Task-level failure reasons. Their messages are what callers see in a
// task's error field.
var (
	ErrNoWorkerAvailable = errors.New("no available worker")
	ErrWorkerRejected    = errors.New("worker rejected")
	ErrExecutionTimeout  = errors.New("timeout")
	ErrTaskCancelled     = errors.New("cancelled")
)

// Caller-facing errors.
var (
	ErrUnknownTask   = errors.New("unknown task")
	ErrStopped       = errors.New("orchestrator stopped")
	ErrDuplicateTask = errors.New("duplicate task id")
	ErrInvalidTask   = errors.New("invalid task")
)

// Messages recorded on tasks that are force-cancelled.
const (
	msgStopped      = "orchestrator stopped"
	msgUnregistered = "worker unregistered"
)
