package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	agentInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlagent_agent_invocations_total",
			Help: "Total number of questions forwarded to the reasoning service, by outcome.",
		},
		[]string{"outcome"},
	)
	agentLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlagent_agent_latency_ms",
			Help:    "End-to-end agent answer latency in milliseconds.",
			Buckets: []float64{250, 500, 1000, 2000, 5000, 10000, 20000, 40000, 80000, 120000},
		},
	)
	agentSteps = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlagent_agent_steps",
			Help:    "Number of tool calls the agent made before answering.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
	)
	agentToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlagent_agent_tool_calls_total",
			Help: "Total number of agent tool calls by tool and status.",
		},
		[]string{"tool", "status"},
	)
	datasetRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sqlagent_dataset_records",
			Help: "Number of records in the imported dataset table.",
		},
	)
	datasetLoadDurationMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sqlagent_dataset_load_duration_ms",
			Help: "Duration of the last dataset import in milliseconds.",
		},
	)
	datasetLoadFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlagent_dataset_load_failures_total",
			Help: "Total number of failed dataset imports.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		agentInvocationsTotal,
		agentLatencyMs,
		agentSteps,
		agentToolCallsTotal,
		datasetRecords,
		datasetLoadDurationMs,
		datasetLoadFailuresTotal,
	)
}

func ObserveAgentInvocation(outcome string, steps int, elapsed time.Duration) {
	agentInvocationsTotal.WithLabelValues(outcome).Inc()
	agentLatencyMs.Observe(float64(elapsed.Milliseconds()))
	if steps >= 0 {
		agentSteps.Observe(float64(steps))
	}
}

func IncrementAgentToolCall(tool string, failed bool) {
	status := "ok"
	if failed {
		status = "error"
	}
	agentToolCallsTotal.WithLabelValues(tool, status).Inc()
}

func ObserveDatasetLoad(ok bool, records int64, elapsed time.Duration) {
	datasetLoadDurationMs.Set(float64(elapsed.Milliseconds()))
	if !ok {
		datasetLoadFailuresTotal.Inc()
		return
	}
	if records < 0 {
		records = 0
	}
	datasetRecords.Set(float64(records))
}
