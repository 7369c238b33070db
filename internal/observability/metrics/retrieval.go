package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

// RetrievalMetrics records engine signals. It satisfies ports.RetrievalObserver.
type RetrievalMetrics struct {
	service string

	branchDuration  *prometheus.HistogramVec
	branchHits      *prometheus.HistogramVec
	fusionTotal     *prometheus.CounterVec
	fusedCandidates *prometheus.HistogramVec
	rerankDegraded  *prometheus.CounterVec
}

func NewRetrievalMetrics(service string, registerer prometheus.Registerer) *RetrievalMetrics {
	branchDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "branch_duration_seconds",
			Help:      "Retrieval branch duration in seconds by branch and status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "branch", "status"},
	)
	branchHits := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "branch_hits",
			Help:      "Chunks returned per successful retrieval branch.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100, 150},
		},
		[]string{"service", "branch"},
	)
	fusionTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "fusion_total",
			Help:      "Total fusions by strategy.",
		},
		[]string{"service", "strategy"},
	)
	fusedCandidates := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "fused_candidates",
			Help:      "Candidate pool size entering fusion.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 40, 60, 100},
		},
		[]string{"service", "strategy"},
	)
	rerankDegraded := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "rerank_degraded_total",
			Help:      "Total reranker failures absorbed with zero scores.",
		},
		[]string{"service"},
	)

	registerer.MustRegister(branchDuration, branchHits, fusionTotal, fusedCandidates, rerankDegraded)

	return &RetrievalMetrics{
		service:         service,
		branchDuration:  branchDuration,
		branchHits:      branchHits,
		fusionTotal:     fusionTotal,
		fusedCandidates: fusedCandidates,
		rerankDegraded:  rerankDegraded,
	}
}

func (m *RetrievalMetrics) ObserveBranch(branch string, duration time.Duration, results int, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.branchDuration.WithLabelValues(m.service, branch, status).Observe(duration.Seconds())
	if err == nil {
		m.branchHits.WithLabelValues(m.service, branch).Observe(float64(results))
	}
}

func (m *RetrievalMetrics) ObserveFusion(strategy domain.FusionStrategy, candidates, _ int) {
	m.fusionTotal.WithLabelValues(m.service, string(strategy)).Inc()
	m.fusedCandidates.WithLabelValues(m.service, string(strategy)).Observe(float64(candidates))
}

func (m *RetrievalMetrics) ObserveRerankDegraded(error) {
	m.rerankDegraded.WithLabelValues(m.service).Inc()
}
