package relay

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Stage labels for rejection metrics.
const (
	stageValidation = "validation"
	stageExpiration = "expiration"
	stageRateLimit  = "rate_limit"
	stagePolicy     = "policy"
	stageAdmission  = "admission"
	stageEventCheck = "event_check"
	stageStrategy   = "strategy"
	stageProcessing = "processing"
)

type pipelineMetrics struct {
	accepted prometheus.Counter
	rejected *prometheus.CounterVec
	faults   prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsReg  *pipelineMetrics
)

func admissionMetrics() *pipelineMetrics {
	metricsOnce.Do(func() {
		metricsReg = &pipelineMetrics{
			accepted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "vidarelay",
				Subsystem: "admission",
				Name:      "accepted_total",
				Help:      "Total events handed to a strategy after passing every admission stage.",
			}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vidarelay",
				Subsystem: "admission",
				Name:      "rejected_total",
				Help:      "Total events rejected, labelled by the stage that terminated the pipeline.",
			}, []string{"stage"}),
			faults: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "vidarelay",
				Subsystem: "admission",
				Name:      "faults_total",
				Help:      "Total admissions aborted by a local fault before any acknowledgement.",
			}),
		}
		prometheus.MustRegister(
			metricsReg.accepted,
			metricsReg.rejected,
			metricsReg.faults,
		)
	})
	return metricsReg
}
