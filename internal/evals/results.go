package evals

import (
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/bmac3/jacobian-saes/internal/sae"
)

// Metric categories, in serialization order. Flattened metric keys are
// "<category>/<metric>".
const (
	CategoryBehavior       = "model_behavior_preservation"
	CategoryPerformance    = "model_performance_preservation"
	CategoryReconstruction = "reconstruction_quality"
	CategoryShrinkage      = "shrinkage"
	CategorySparsity       = "sparsity"
	CategoryJacobian       = "jacobian_sparsity"
	CategoryTokenStats     = "token_stats"
)

var categoryOrder = []string{
	CategoryBehavior,
	CategoryPerformance,
	CategoryReconstruction,
	CategoryShrinkage,
	CategorySparsity,
	CategoryJacobian,
	CategoryTokenStats,
}

// FeatureVector is one per-feature metric: a value for every SAE feature.
type FeatureVector struct {
	Name   string
	Values []float32
}

// Results is a finished evaluation: flattened categorized metrics plus the
// per-feature vectors. Empty categories are absent.
type Results struct {
	Metrics  []Metric
	Features []FeatureVector
}

// Metric returns the scalar value for a flattened key, and whether it
// exists.
func (r *Results) Metric(key string) (float64, bool) {
	for _, m := range r.Metrics {
		if m.Name == key && !m.IsHist {
			return m.Scalar, true
		}
	}
	return 0, false
}

// categoryFor routes a raw metric name to its output category.
func categoryFor(name string) string {
	switch {
	case strings.HasPrefix(name, "kl_"):
		return CategoryBehavior
	case strings.HasPrefix(name, "ce_"):
		return CategoryPerformance
	case strings.HasPrefix(name, "explained_variance"),
		strings.HasPrefix(name, "mse"),
		strings.HasPrefix(name, "cossim"):
		return CategoryReconstruction
	case strings.HasPrefix(name, "l2_"),
		strings.HasPrefix(name, "relative_reconstruction_bias"):
		return CategoryShrinkage
	case name == "l0" || name == "l1":
		return CategorySparsity
	case strings.HasPrefix(name, "jac"):
		return CategoryJacobian
	case strings.HasPrefix(name, "total_tokens"):
		return CategoryTokenStats
	}
	return ""
}

// assembleResults flattens the raw metrics into "category/name" keys,
// ordered by category then by first-computed order within each category.
func assembleResults(raw []Metric) ([]Metric, error) {
	grouped := make(map[string][]Metric)
	for _, m := range raw {
		cat := categoryFor(m.Name)
		if cat == "" {
			return nil, errUncategorized(m.Name)
		}
		grouped[cat] = append(grouped[cat], m)
	}

	out := make([]Metric, 0, len(raw))
	for _, cat := range categoryOrder {
		for _, m := range grouped[cat] {
			m.Name = cat + "/" + m.Name
			out = append(out, m)
		}
	}
	return out, nil
}

type errUncategorized string

func (e errUncategorized) Error() string {
	return "evals: metric " + string(e) + " fits no category"
}

// featurewiseWeightMetrics computes the per-feature metrics that depend
// only on the pair's weights: encoder bias, encoder column norm, and the
// cosine similarity between each feature's encoder and decoder directions.
func featurewiseWeightMetrics(pair *sae.Pair, site sae.Site) []FeatureVector {
	enc := pair.WEnc(site)
	dec := pair.WDec(site)
	dModel, dSae := enc.Dims()

	encM := mat.NewDense(dModel, dSae, toFloat64(enc.ToHost()))
	decM := mat.NewDense(dSae, dModel, toFloat64(dec.ToHost()))

	norms := make([]float32, dSae)
	cosines := make([]float32, dSae)
	encCol := make([]float64, dModel)
	decRow := make([]float64, dModel)
	for f := 0; f < dSae; f++ {
		mat.Col(encCol, f, encM)
		mat.Row(decRow, f, decM)

		encNorm := floats.Norm(encCol, 2)
		decNorm := floats.Norm(decRow, 2)
		norms[f] = float32(encNorm)
		cosines[f] = float32(floats.Dot(encCol, decRow) / (encNorm * decNorm))
	}

	bias := make([]float32, dSae)
	copy(bias, pair.BEnc(site))

	sfx := site.Suffix()
	return []FeatureVector{
		{Name: "encoder_bias" + sfx, Values: bias},
		{Name: "encoder_norm" + sfx, Values: norms},
		{Name: "encoder_decoder_cosine_sim" + sfx, Values: cosines},
	}
}

func toFloat64(xs []float32) []float64 {
	out := make([]float64, len(xs))
	for i, v := range xs {
		out[i] = float64(v)
	}
	return out
}
