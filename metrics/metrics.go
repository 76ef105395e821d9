// Package metrics holds the Prometheus collectors for carla-mcp.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	toolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carla_mcp_tool_calls_total",
		Help: "Total number of MCP tool calls by tool and outcome",
	}, []string{"tool", "status"})

	toolCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "carla_mcp_tool_call_duration_seconds",
		Help:    "Duration of MCP tool calls",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"tool"})

	rpcDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "carla_mcp_rpc_duration_seconds",
		Help:    "Duration of Carla RPC calls by method and outcome",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status"})

	trackedActors = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "carla_mcp_tracked_actors",
		Help: "Number of spawned actors currently tracked, by kind",
	}, []string{"kind"})

	carlaConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "carla_mcp_carla_connected",
		Help: "Whether the Carla RPC connection is established (1) or not (0)",
	})

	framesRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carla_mcp_frames_recorded_total",
		Help: "Total number of simulation frames written to the recorder",
	})
)

// ObserveToolCall records one tool invocation.
func ObserveToolCall(tool string, d time.Duration, err error) {
	toolCallsTotal.WithLabelValues(tool, status(err)).Inc()
	toolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ObserveRPC records one Carla RPC call.
func ObserveRPC(method string, d time.Duration, err error) {
	rpcDuration.WithLabelValues(method, status(err)).Observe(d.Seconds())
}

// SetTrackedActors sets the number of tracked actors of a kind.
func SetTrackedActors(kind string, n int) {
	trackedActors.WithLabelValues(kind).Set(float64(n))
}

// SetConnected flips the connection gauge.
func SetConnected(connected bool) {
	if connected {
		carlaConnected.Set(1)
		return
	}
	carlaConnected.Set(0)
}

// AddFramesRecorded counts frames persisted by the recorder.
func AddFramesRecorded(n int) {
	framesRecorded.Add(float64(n))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
