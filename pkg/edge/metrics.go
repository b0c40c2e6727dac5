package edge

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

const metricsNamespace = "splitedge"

// Drop reasons
const (
	dropReasonMalformed    = "malformed"
	dropReasonStale        = "stale"
	dropReasonUnknownTopic = "unknown_topic"
	dropReasonClock        = "clock"
	dropReasonInboxFull    = "inbox_full"
)

// Variables declared for metrics.
var (
	MessagesReceivedCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "messages_received_total",
		Help:      "Counter of the number of messages received.",
	}, []string{"topic"})

	MessagesDroppedCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "messages_dropped_total",
		Help:      "Counter of the number of messages dropped before handling.",
	}, []string{"reason"})

	PublishFailureCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "publish_failures_total",
		Help:      "Counter of the number of failed publishes.",
	}, []string{"topic"})

	OffloadingDecisionCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "offloading_decisions_total",
		Help:      "Counter of the number of offloading decisions.",
	})

	BestLayerGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "best_layer",
		Help:      "Offloading layer chosen by the last decision.",
	})

	LinkAvgSpeedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "link_avg_speed",
		Help:      "Average link speed estimated from the last valid message.",
	})

	DecisionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "decision_duration_seconds",
		Help:      "Histogram of the time spent computing an offloading plan.",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 8),
	})
)

// HostMetrics is the host load reported on /status
type HostMetrics struct {
	CPUCount             int     `json:"cpu_count"`
	CPUUtilizationPct    float64 `json:"cpu_utilization_pct"`
	TotalMemoryBytes     uint64  `json:"total_memory_bytes"`
	MemoryUtilizationPct float64 `json:"memory_utilization_pct"`
}

// MetricsCollector samples host load
type MetricsCollector struct {
	sampleWindow time.Duration
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{sampleWindow: 100 * time.Millisecond}
}

// Collect gathers current host metrics
func (c *MetricsCollector) Collect(ctx context.Context) *HostMetrics {
	cpuCount, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		cpuCount = 1
	}

	cpuPct := 0.0
	if pct, err := cpu.PercentWithContext(ctx, c.sampleWindow, false); err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}

	metrics := &HostMetrics{
		CPUCount:          cpuCount,
		CPUUtilizationPct: cpuPct,
	}
	if memInfo, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		metrics.TotalMemoryBytes = memInfo.Total
		metrics.MemoryUtilizationPct = memInfo.UsedPercent
	}
	return metrics
}

// Run samples host load into state every interval until ctx is done
func (c *MetricsCollector) Run(ctx context.Context, state *EdgeState, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m := c.Collect(ctx)
		state.UpdateMetrics(m.CPUUtilizationPct, m.MemoryUtilizationPct)
		log.Debug().Float64("cpu_pct", m.CPUUtilizationPct).Float64("mem_pct", m.MemoryUtilizationPct).Msg("Host metrics sampled")

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
