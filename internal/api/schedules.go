package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atulyaai/tantra/internal/recurring"
)

// ScheduleRequest is the JSON body for POST /v1/schedules. Exactly one of
// Cron, Interval and RunAt must be set; Interval uses Go duration syntax
// ("90s") and RunAt is RFC 3339.
type ScheduleRequest struct {
	Name     string            `json:"name"`
	Cron     string            `json:"cron,omitempty"`
	Interval string            `json:"interval,omitempty"`
	RunAt    *time.Time        `json:"run_at,omitempty"`
	Timezone string            `json:"timezone,omitempty"`
	Enabled  *bool             `json:"enabled,omitempty"`
	Task     SubmitTaskRequest `json:"task"`
}

// ScheduleResponse is the JSON view of a schedule.
type ScheduleResponse struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Cron         string            `json:"cron,omitempty"`
	Interval     string            `json:"interval,omitempty"`
	RunAt        *time.Time        `json:"run_at,omitempty"`
	Timezone     string            `json:"timezone,omitempty"`
	Enabled      bool              `json:"enabled"`
	Task         SubmitTaskRequest `json:"task"`
	NextDueAt    *time.Time        `json:"next_due_at,omitempty"` // absent once a one-shot has fired
	LastRunAt    *time.Time        `json:"last_run_at,omitempty"`
	LastTaskID   string            `json:"last_task_id,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	RunCount     int               `json:"run_count"`
	SuccessCount int               `json:"success_count"`
	FailureCount int               `json:"failure_count"`
	CreatedAt    time.Time         `json:"created_at"`
}

// ListSchedulesResponse is the JSON response for GET /v1/schedules.
type ListSchedulesResponse struct {
	Schedules []ScheduleResponse `json:"schedules"`
}

func scheduleResponse(sc recurring.Schedule) ScheduleResponse {
	resp := ScheduleResponse{
		ID:           sc.ID,
		Name:         sc.Name,
		Cron:         sc.CronExpr,
		Timezone:     sc.Timezone,
		Enabled:      sc.Enabled,
		Task:         submitTaskRequestFrom(sc.Template),
		LastRunAt:    sc.LastRunAt,
		LastTaskID:   sc.LastTaskID,
		LastError:    sc.LastError,
		RunCount:     sc.RunCount,
		SuccessCount: sc.SuccessCount,
		FailureCount: sc.FailureCount,
		CreatedAt:    sc.CreatedAt,
	}
	if sc.Interval > 0 {
		resp.Interval = sc.Interval.String()
	}
	if sc.OneShot() {
		runAt := sc.RunAt
		resp.RunAt = &runAt
	}
	if !sc.NextDueAt.IsZero() {
		next := sc.NextDueAt
		resp.NextDueAt = &next
	}
	return resp
}

func (s *Server) handleAddSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.Task.checkTimeout(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sc := recurring.Schedule{
		Name:     req.Name,
		CronExpr: req.Cron,
		Timezone: req.Timezone,
		Enabled:  req.Enabled == nil || *req.Enabled,
		Template: req.Task.submitRequest(),
	}
	if req.RunAt != nil {
		sc.RunAt = req.RunAt.UTC()
	}
	if req.Interval != "" {
		d, err := time.ParseDuration(req.Interval)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid interval: "+err.Error())
			return
		}
		sc.Interval = d
	}

	added, err := s.schedules.Add(sc)
	if errors.Is(err, recurring.ErrInvalidSchedule) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("add schedule", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to add schedule")
		return
	}

	s.writeJSON(w, http.StatusCreated, scheduleResponse(added))
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	list := s.schedules.List()
	out := make([]ScheduleResponse, 0, len(list))
	for _, sc := range list {
		out = append(out, scheduleResponse(sc))
	}
	s.writeJSON(w, http.StatusOK, ListSchedulesResponse{Schedules: out})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.schedules.Get(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	s.writeJSON(w, http.StatusOK, scheduleResponse(sc))
}

func (s *Server) handleRemoveSchedule(w http.ResponseWriter, r *http.Request) {
	if !s.schedules.Remove(chi.URLParam(r, "id")) {
		s.writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableSchedule(w http.ResponseWriter, r *http.Request) {
	s.toggleSchedule(w, r, s.schedules.Enable)
}

func (s *Server) handleDisableSchedule(w http.ResponseWriter, r *http.Request) {
	s.toggleSchedule(w, r, s.schedules.Disable)
}

func (s *Server) toggleSchedule(w http.ResponseWriter, r *http.Request, toggle func(id string) error) {
	id := chi.URLParam(r, "id")

	if err := toggle(id); err != nil {
		if errors.Is(err, recurring.ErrScheduleNotFound) {
			s.writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		if errors.Is(err, recurring.ErrScheduleSpent) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("toggle schedule", "schedule_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to update schedule")
		return
	}

	sc, ok := s.schedules.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	s.writeJSON(w, http.StatusOK, scheduleResponse(sc))
}
