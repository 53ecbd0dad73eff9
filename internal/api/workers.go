package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atulyaai/tantra/internal/model"
	"github.com/atulyaai/tantra/internal/worker"
)

// WorkerView is a worker's stats, plus its estimate when the listing was
// filtered by capability.
type WorkerView struct {
	worker.Stats
	Estimate *EstimateView `json:"estimate,omitempty"`
}

// EstimateView is the JSON form of worker.Estimate.
type EstimateView struct {
	ExpectedDurationMS float64        `json:"expected_duration_ms"`
	ResourceHints      map[string]any `json:"resource_hints,omitempty"`
}

// ListWorkersResponse is the JSON response for GET /v1/workers.
type ListWorkersResponse struct {
	Workers []WorkerView `json:"workers"`
}

// handleListWorkers lists every registered worker. With ?capability=x it
// lists only workers declaring x that have a free slot, each with its
// estimate for a task of kind x.
func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	capability := r.URL.Query().Get("capability")
	if capability == "" {
		stats := s.orch.Registry().Snapshot()
		views := make([]WorkerView, len(stats))
		for i, st := range stats {
			views[i] = WorkerView{Stats: st}
		}
		s.writeJSON(w, http.StatusOK, ListWorkersResponse{Workers: views})
		return
	}

	kind := &model.Task{Kind: capability}
	workers := s.orch.Registry().ByCapability(capability)
	views := make([]WorkerView, len(workers))
	for i, wk := range workers {
		est := wk.Estimate(kind)
		views[i] = WorkerView{
			Stats: wk.Stats(),
			Estimate: &EstimateView{
				ExpectedDurationMS: float64(est.ExpectedDuration) / float64(time.Millisecond),
				ResourceHints:      est.ResourceHints,
			},
		}
	}
	s.writeJSON(w, http.StatusOK, ListWorkersResponse{Workers: views})
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	wk, ok := s.orch.Registry().Get(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "worker not found")
		return
	}
	s.writeJSON(w, http.StatusOK, wk.Stats())
}
