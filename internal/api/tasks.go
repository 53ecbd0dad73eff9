package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atulyaai/tantra/internal/model"
	"github.com/atulyaai/tantra/internal/orchestrator"
	"github.com/atulyaai/tantra/internal/store"
)

// SubmitTaskRequest is the JSON body for POST /v1/tasks. It is also the task
// template of a schedule.
type SubmitTaskRequest struct {
	WorkerType  string         `json:"worker_type,omitempty"`
	Kind        string         `json:"kind"`
	Description string         `json:"description,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Priority    string         `json:"priority,omitempty"`
	TimeoutS    float64        `json:"timeout_s,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// maxTimeoutS bounds timeout_s so that it converts to a time.Duration
// without overflow.
const maxTimeoutS = 7 * 24 * 60 * 60

func (r SubmitTaskRequest) checkTimeout() error {
	if r.TimeoutS < 0 || r.TimeoutS > maxTimeoutS {
		return fmt.Errorf("timeout_s must be between 0 and %d", maxTimeoutS)
	}
	return nil
}

func (r SubmitTaskRequest) submitRequest() orchestrator.SubmitRequest {
	return orchestrator.SubmitRequest{
		WorkerType:  r.WorkerType,
		Kind:        r.Kind,
		Description: r.Description,
		Input:       r.Input,
		Priority:    r.Priority,
		Timeout:     time.Duration(r.TimeoutS * float64(time.Second)),
		Metadata:    r.Metadata,
	}
}

func submitTaskRequestFrom(r orchestrator.SubmitRequest) SubmitTaskRequest {
	return SubmitTaskRequest{
		WorkerType:  r.WorkerType,
		Kind:        r.Kind,
		Description: r.Description,
		Input:       r.Input,
		Priority:    r.Priority,
		TimeoutS:    r.Timeout.Seconds(),
		Metadata:    r.Metadata,
	}
}

// ListTasksResponse wraps the paginated list response.
type ListTasksResponse struct {
	Tasks  []*model.Task `json:"tasks"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Kind == "" {
		s.writeError(w, http.StatusBadRequest, "kind is required")
		return
	}
	if err := req.checkTimeout(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.orch.SubmitTask(req.submitRequest())
	if err != nil {
		status := submitErrorStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("submit task", "error", err)
		}
		s.writeError(w, status, err.Error())
		return
	}

	t, ok := s.orch.Status(id)
	if !ok {
		s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
		return
	}
	s.writeJSON(w, http.StatusAccepted, &t)
}

func submitErrorStatus(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidTask):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrDuplicateTask):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// lookupTask returns the orchestrator's view of a task, falling back to the
// history store once the task has left the completed map.
func (s *Server) lookupTask(ctx context.Context, id string) (*model.Task, error) {
	if t, ok := s.orch.Status(id); ok {
		return &t, nil
	}
	return s.store.GetTask(ctx, id)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := s.lookupTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	s.writeJSON(w, http.StatusOK, t)
}

// handleListTasks serves idle and running tasks from the orchestrator and
// everything else from the history store.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)

	var status model.Status
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := model.ParseStatus(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		status = st
	}

	var (
		tasks []*model.Task
		total int
	)
	switch status {
	case model.StatusIdle:
		tasks, total = page(s.orch.Pending(), limit, offset)
	case model.StatusRunning:
		tasks, total = page(s.orch.InFlight(), limit, offset)
	default:
		var err error
		tasks, total, err = s.store.ListTasks(r.Context(), limit, offset, status)
		if err != nil {
			s.logger.Error("list tasks", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
			return
		}
	}

	if tasks == nil {
		tasks = []*model.Task{}
	}

	s.writeJSON(w, http.StatusOK, ListTasksResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func page(all []model.Task, limit, offset int) ([]*model.Task, int) {
	total := len(all)
	if offset >= total {
		return nil, total
	}
	end := min(offset+limit, total)

	out := make([]*model.Task, 0, end-offset)
	for i := offset; i < end; i++ {
		out = append(out, &all[i])
	}
	return out, total
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if s.orch.CancelTask(id) {
		s.logger.Info("task cancelled via api", "task_id", id)
		if t, ok := s.orch.Status(id); ok {
			s.writeJSON(w, http.StatusOK, &t)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(model.StatusCancelled)})
		return
	}

	t, err := s.lookupTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task for cancel", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	s.writeError(w, http.StatusConflict, "task already "+string(t.Status))
}
