package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	TotalRuns      int            `json:"total_runs"`
	TotalProcesses int            `json:"total_processes"`
	ByState        map[string]int `json:"by_state"`
	AvgProcessMS   float64        `json:"avg_process_ms"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("get stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		TotalRuns:      stats.TotalRuns,
		TotalProcesses: stats.TotalProcesses,
		ByState:        stats.ProcessesByState,
		AvgProcessMS:   stats.AvgProcessMS,
	})
}
