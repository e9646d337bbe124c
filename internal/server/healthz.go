package server

import (
	"encoding/json"
	"net/http"
)

type healthzResponse struct {
	Status    string `json:"status"`
	ReplicaID string `json:"replica_id"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthzResponse{
		Status:    "ok",
		ReplicaID: s.hub.ReplicaID(),
	})
}
