package evals

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BatchDuration tracks time spent evaluating a single batch, by family
	BatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "saeval_batch_duration_seconds",
		Help:    "Time spent evaluating a single batch",
		Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"family"})

	// TokensEvaluated counts tokens that survived masking
	TokensEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saeval_tokens_evaluated_total",
		Help: "Tokens that survived masking and entered metric computation",
	}, []string{"family"})

	// BatchesEvaluated counts completed evaluation batches
	BatchesEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saeval_batches_evaluated_total",
		Help: "Completed evaluation batches",
	}, []string{"family"})
)
