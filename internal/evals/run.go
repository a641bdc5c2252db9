// Package evals evaluates a trained SAE pair against the model it was
// trained on: how faithfully reconstructions preserve model behavior, how
// sparse the feature activations are, and how sparse the feature-to-feature
// Jacobian through the MLP is.
package evals

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/bmac3/jacobian-saes/internal/model"
	"github.com/bmac3/jacobian-saes/internal/sae"
	"github.com/bmac3/jacobian-saes/internal/store"
)

// EvalConfig selects which metric families to compute. Everything is off
// by default so callers enable exactly what they want.
type EvalConfig struct {
	BatchSizePrompts int

	// Reconstruction family
	NEvalReconstructionBatches int
	ComputeKL                  bool
	ComputeCELoss              bool

	// Sparsity and variance family
	NEvalSparsityVarianceBatches        int
	ComputeL2Norms                      bool
	ComputeSparsityMetrics              bool
	ComputeVarianceMetrics              bool
	ComputeFeaturewiseDensityStatistics bool

	ComputeFeaturewiseWeightBasedMetrics bool
}

// DefaultEvalConfig returns the baseline batch counts with every metric
// family disabled.
func DefaultEvalConfig() EvalConfig {
	return EvalConfig{
		NEvalReconstructionBatches:   10,
		NEvalSparsityVarianceBatches: 1,
	}
}

// EverythingConfig enables every metric family.
func EverythingConfig(batchSizePrompts, nReconstructionBatches, nSparsityVarianceBatches int) EvalConfig {
	return EvalConfig{
		BatchSizePrompts:                     batchSizePrompts,
		NEvalReconstructionBatches:           nReconstructionBatches,
		ComputeKL:                            true,
		ComputeCELoss:                        true,
		NEvalSparsityVarianceBatches:         nSparsityVarianceBatches,
		ComputeL2Norms:                       true,
		ComputeSparsityMetrics:               true,
		ComputeVarianceMetrics:               true,
		ComputeFeaturewiseDensityStatistics:  true,
		ComputeFeaturewiseWeightBasedMetrics: true,
	}
}

func (c EvalConfig) reconstructionEnabled() bool {
	return c.ComputeKL || c.ComputeCELoss
}

func (c EvalConfig) sparsityEnabled() bool {
	return c.ComputeL2Norms || c.ComputeSparsityMetrics || c.ComputeVarianceMetrics ||
		c.ComputeFeaturewiseDensityStatistics
}

// Validate rejects configurations that would compute nothing, or that
// enable a family while giving it zero batches.
func (c EvalConfig) Validate() error {
	if !c.reconstructionEnabled() && !c.sparsityEnabled() && !c.ComputeFeaturewiseWeightBasedMetrics {
		return fmt.Errorf("evals: no metrics enabled")
	}
	if c.BatchSizePrompts <= 0 && (c.reconstructionEnabled() || c.sparsityEnabled()) {
		return fmt.Errorf("evals: non-positive batch size %d", c.BatchSizePrompts)
	}
	if c.reconstructionEnabled() && c.NEvalReconstructionBatches <= 0 {
		return fmt.Errorf("evals: reconstruction metrics enabled with %d batches", c.NEvalReconstructionBatches)
	}
	if c.sparsityEnabled() && c.NEvalSparsityVarianceBatches <= 0 {
		return fmt.Errorf("evals: sparsity metrics enabled with %d batches", c.NEvalSparsityVarianceBatches)
	}
	return nil
}

// Runner drives a full evaluation: the reconstruction family, the
// sparsity/variance family, the weight-based feature metrics, and the
// final categorized assembly.
type Runner struct {
	Model  *model.Model
	Pair   *sae.Pair
	Store  *store.Store
	Config EvalConfig

	// IgnoreTokens drops positions holding these token ids from every
	// aggregate (padding, BOS and the like).
	IgnoreTokens map[int]bool
}

// Run executes the configured evaluation and assembles the results.
func (r *Runner) Run() (*Results, error) {
	cfg := r.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var raw []Metric
	var features []FeatureVector

	if cfg.reconstructionEnabled() {
		recon := &ReconstructionEvaluator{
			Model:        r.Model,
			Pair:         r.Pair,
			Store:        r.Store,
			ComputeKL:    cfg.ComputeKL,
			ComputeCE:    cfg.ComputeCELoss,
			IgnoreTokens: r.IgnoreTokens,
		}
		metrics, err := recon.Run(cfg.NEvalReconstructionBatches, cfg.BatchSizePrompts)
		if err != nil {
			return nil, err
		}
		raw = append(raw, metrics...)

		// The sparsity pass starts from the beginning of the data
		r.Store.Reset()
	}

	if cfg.sparsityEnabled() {
		sv := &SparsityVarianceEvaluator{
			Model:                     r.Model,
			Pair:                      r.Pair,
			Store:                     r.Store,
			ComputeL2Norms:            cfg.ComputeL2Norms,
			ComputeSparsity:           cfg.ComputeSparsityMetrics,
			ComputeVariance:           cfg.ComputeVarianceMetrics,
			ComputeFeaturewiseDensity: cfg.ComputeFeaturewiseDensityStatistics,
			IgnoreTokens:              r.IgnoreTokens,
		}
		metrics, featureMetrics, err := sv.Run(cfg.NEvalSparsityVarianceBatches, cfg.BatchSizePrompts)
		if err != nil {
			return nil, err
		}
		raw = append(raw, metrics...)
		if featureMetrics != nil {
			features = append(features,
				FeatureVector{Name: "feature_density", Values: featureMetrics.FeatureDensity},
				FeatureVector{Name: "consistent_activation_heuristic", Values: featureMetrics.ConsistentActivationHeuristic},
			)
		}
	}

	if cfg.ComputeFeaturewiseWeightBasedMetrics {
		for _, site := range sae.Sites(r.Pair.Config.UseJacobian) {
			features = append(features, featurewiseWeightMetrics(r.Pair, site)...)
		}
	}

	raw = append(raw, r.tokenStats()...)

	metrics, err := assembleResults(raw)
	if err != nil {
		return nil, err
	}
	log.Info().
		Int("metrics", len(metrics)).
		Int("feature_vectors", len(features)).
		Msg("evaluation complete")
	return &Results{Metrics: metrics, Features: features}, nil
}

// tokenStats reports the nominal token counts each family consumed,
// before masking.
func (r *Runner) tokenStats() []Metric {
	ctx := r.Store.ContextSize()
	return []Metric{
		{
			Name:   "total_tokens_eval_reconstruction",
			Scalar: float64(ctx * r.Config.NEvalReconstructionBatches * r.Config.BatchSizePrompts),
		},
		{
			Name:   "total_tokens_eval_sparsity_variance",
			Scalar: float64(ctx * r.Config.NEvalSparsityVarianceBatches * r.Config.BatchSizePrompts),
		},
	}
}
