package api

import (
	"encoding/json"
	"net/http"
)

// healthResponse reports liveness plus a snapshot of the worker pool. The
// instance ID changes on every boot, which lets callers detect restarts.
type healthResponse struct {
	Status     string `json:"status"`
	InstanceID string `json:"instance_id"`
	Workers    int    `json:"workers"`
	QueueDepth int    `json:"queue_depth"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	resp := healthResponse{
		Status:     "ok",
		InstanceID: s.instanceID,
		Workers:    s.engine.Workers(),
		QueueDepth: s.engine.QueueDepth(),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}
