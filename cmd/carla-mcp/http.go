package main

import (
	"encoding/json"
	"net/http"

	"github.com/MegaGrindStone/carla-mcp/carla"
	"github.com/MegaGrindStone/carla-mcp/mcp"
	"github.com/MegaGrindStone/carla-mcp/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type health struct {
	Status         string `json:"status"`
	CarlaAddr      string `json:"carla_addr"`
	CarlaConnected bool   `json:"carla_connected"`
}

// newRouter serves metrics and health checks, plus the SSE transport endpoints when
// sse is not nil.
func newRouter(conn *carla.Connection, sse *mcp.SSEServer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if sse != nil {
		r.Method(http.MethodGet, "/sse", sse.HandleSSE())
		r.Method(http.MethodPost, "/message", sse.HandleMessage())
	}
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		// The Carla connection is lazy, so a missing connection is not unhealthy.
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(health{
			Status:         "ok",
			CarlaAddr:      conn.Addr(),
			CarlaConnected: conn.Connected(),
		})
	})

	return r
}
