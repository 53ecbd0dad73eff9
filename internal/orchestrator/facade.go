package orchestrator

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/atulyaai/tantra/internal/model"
)

// SubmitRequest is the caller-facing description of a new task. Zero values
// select the defaults: NORMAL priority, the orchestrator's default timeout
// and empty metadata.
type SubmitRequest struct {
	WorkerType  string
	Kind        string
	Description string
	Input       map[string]any
	Priority    string
	Timeout     time.Duration
	Metadata    map[string]any
}

// Task builds the task described by r.
func (r SubmitRequest) Task() (*model.Task, error) {
	priority := model.PriorityNormal
	if strings.TrimSpace(r.Priority) != "" {
		p, err := model.ParsePriority(r.Priority)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
		}
		priority = p
	}
	if r.Timeout < 0 {
		return nil, fmt.Errorf("%w: negative timeout", ErrInvalidTask)
	}

	return &model.Task{
		WorkerType:  r.WorkerType,
		Kind:        r.Kind,
		Description: r.Description,
		Input:       maps.Clone(r.Input),
		Priority:    priority,
		Timeout:     r.Timeout,
		Metadata:    maps.Clone(r.Metadata),
	}, nil
}

// SubmitTask builds a task from req and queues it.
func (o *Orchestrator) SubmitTask(req SubmitRequest) (string, error) {
	t, err := req.Task()
	if err != nil {
		return "", err
	}
	return o.Submit(t)
}

// GetTaskStatus returns the serialized task, or false if it is unknown.
func (o *Orchestrator) GetTaskStatus(id string) (map[string]any, bool) {
	t, ok := o.Status(id)
	if !ok {
		return nil, false
	}
	return t.ToMap(), true
}

// CancelTask cancels a pending or running task.
func (o *Orchestrator) CancelTask(id string) bool {
	return o.Cancel(id)
}

// Summary is the orchestrator-wide status snapshot.
type Summary struct {
	State                 State `json:"state"`
	QueuedCount           int   `json:"queued_count"`
	InFlightCount         int   `json:"in_flight_count"`
	CompletedCount        int   `json:"completed_count"`
	RegisteredWorkerCount int   `json:"registered_worker_count"`
	AvailableWorkerCount  int   `json:"available_worker_count"`
}

// OrchestratorStatus returns queue, in-flight, completed and worker counts.
func (o *Orchestrator) OrchestratorStatus() Summary {
	o.mu.Lock()
	s := Summary{
		State:          o.state,
		QueuedCount:    len(o.queue),
		InFlightCount:  len(o.inFlight),
		CompletedCount: o.completed.Len(),
	}
	o.mu.Unlock()

	s.RegisteredWorkerCount = o.registry.Len()
	s.AvailableWorkerCount = len(o.registry.Available())
	return s
}
