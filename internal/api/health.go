package api

import (
	"net/http"

	"github.com/atulyaai/tantra/internal/orchestrator"
)

type healthResponse struct {
	Status       string             `json:"status"`
	Orchestrator orchestrator.State `json:"orchestrator"`
}

// handleHealthz reports ok while the orchestrator is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	state := s.orch.State()
	if state != orchestrator.StateRunning {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Orchestrator: state})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Orchestrator: state})
}
