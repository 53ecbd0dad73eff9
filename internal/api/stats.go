package api

import (
	"net/http"

	"github.com/atulyaai/tantra/internal/orchestrator"
	"github.com/atulyaai/tantra/internal/store"
)

// StatsResponse is the JSON response for GET /v1/stats.
type StatsResponse struct {
	Orchestrator orchestrator.Summary `json:"orchestrator"`
	History      *store.TaskStats     `json:"history"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetTaskStats(r.Context())
	if err != nil {
		s.logger.Error("get task stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, StatsResponse{
		Orchestrator: s.orch.OrchestratorStatus(),
		History:      stats,
	})
}
