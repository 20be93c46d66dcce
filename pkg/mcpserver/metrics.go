package mcpserver

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	toolInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "semgate",
		Subsystem: "mcp",
		Name:      "tool_invocations_total",
		Help:      "Tool invocations by tool name and outcome code.",
	}, []string{"tool", "code"})

	queryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "semgate",
		Subsystem: "mcp",
		Name:      "query_duration_seconds",
		Help:      "End-to-end latency of query_semantic executions.",
		Buckets:   prometheus.DefBuckets,
	})
)

func observeTool(tool, code string) {
	toolInvocations.WithLabelValues(tool, code).Inc()
}

func observeQueryLatency(d time.Duration) {
	queryLatency.Observe(d.Seconds())
}
