package webhooks

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type callMetrics struct {
	latency *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsReg  *callMetrics
)

func webhookMetrics() *callMetrics {
	metricsOnce.Do(func() {
		metricsReg = &callMetrics{
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "vidarelay",
				Subsystem: "webhooks",
				Name:      "call_duration_seconds",
				Help:      "Round-trip time of outbound webhook calls, labelled by endpoint path.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"path"}),
		}
		prometheus.MustRegister(metricsReg.latency)
	})
	return metricsReg
}
