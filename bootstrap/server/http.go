package server

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yznetwork/overlay/internal/metrics"
)

// HTTPHandler builds the bootstrap server's GET /health, GET /stats and
// GET /metrics surface, per spec.md §6 "CLI & environment".
func (s *Server) HTTPHandler() http.Handler {
	router := httprouter.New()
	router.GET("/health", s.handleHealth)
	router.GET("/stats", s.handleStats)
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.PrometheusRegistry(), promhttp.HandlerOpts{}))
	return router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	stats := s.CurrentStats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		ConnectedClients int     `json:"connectedClients"`
		BridgeNodes      int     `json:"bridgeNodes"`
		Uptime           float64 `json:"uptime"`
	}{
		ConnectedClients: stats.ConnectedClients,
		BridgeNodes:      stats.BridgeNodes,
		Uptime:           stats.Uptime.Seconds(),
	})
}
