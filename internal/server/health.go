package server

import (
	"net/http"
)

// healthResponse is the /healthz payload.
type healthResponse struct {
	Status    string         `json:"status"`
	Channels  any            `json:"channels"`
	Sessions  any            `json:"sessions"`
	Watchdog  any            `json:"watchdog"`
	URLCache  map[string]int `json:"url_cache"`
}

// handleHealth reports liveness and per-component statistics.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, healthResponse{
		Status:   "ok",
		Channels: s.relay.Snapshots(),
		Sessions: s.sessions.Stats(),
		Watchdog: s.dog.ProcessStats(),
		URLCache: s.registry.Stats(),
	})
}
