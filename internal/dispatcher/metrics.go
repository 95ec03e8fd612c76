package dispatcher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 调度器指标：每次工具调用的次数与耗时，按工具/服务/结果分维度
var (
	toolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agents_exec",
		Subsystem: "dispatcher",
		Name:      "tool_calls_total",
		Help:      "Total number of MCP tool calls by outcome.",
	}, []string{"tool", "server", "outcome"})

	toolCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agents_exec",
		Subsystem: "dispatcher",
		Name:      "tool_call_duration_seconds",
		Help:      "MCP tool call latency in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"tool", "server"})
)

// observeToolCall 记录一次工具调用
func observeToolCall(tool, server, outcome string, elapsed time.Duration) {
	toolCallsTotal.WithLabelValues(tool, server, outcome).Inc()
	if elapsed > 0 {
		toolCallDuration.WithLabelValues(tool, server).Observe(elapsed.Seconds())
	}
}
