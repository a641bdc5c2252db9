package evals

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bmac3/jacobian-saes/internal/device"
	"github.com/bmac3/jacobian-saes/internal/model"
	"github.com/bmac3/jacobian-saes/internal/sae"
	"github.com/bmac3/jacobian-saes/internal/store"
)

type testSetup struct {
	backend device.Backend
	model   *model.Model
	pair    *sae.Pair
	store   *store.Store
}

func newTestSetup(t *testing.T, useJacobian bool) *testSetup {
	t.Helper()
	backend := device.NewCPUBackend()

	cfg := model.Config{
		VocabSize:        32,
		HiddenSize:       16,
		NumLayers:        2,
		NumHeads:         2,
		IntermediateSize: 32,
		ContextSize:      8,
	}
	m := model.New(cfg, backend, 3)

	pair, err := sae.NewRandom(sae.Config{
		DModel:      cfg.HiddenSize,
		DSae:        24,
		K:           4,
		HookLayer:   0,
		UseJacobian: useJacobian,
	}, backend, 5)
	require.NoError(t, err)

	tokens := make([]int, 128)
	for i := range tokens {
		tokens[i] = (i*7 + 3) % cfg.VocabSize
	}
	src, err := store.NewMemorySource(tokens, cfg.ContextSize)
	require.NoError(t, err)
	st, err := store.NewStore(src, store.NormalizationNone, 0)
	require.NoError(t, err)

	return &testSetup{backend: backend, model: m, pair: pair, store: st}
}

func metricMap(t *testing.T, metrics []Metric) map[string]Metric {
	t.Helper()
	out := make(map[string]Metric, len(metrics))
	for _, m := range metrics {
		_, dup := out[m.Name]
		require.False(t, dup, "duplicate metric %s", m.Name)
		out[m.Name] = m
	}
	return out
}

func TestReconstructionEvaluator(t *testing.T) {
	s := newTestSetup(t, true)
	eval := &ReconstructionEvaluator{
		Model:     s.model,
		Pair:      s.pair,
		Store:     s.store,
		ComputeKL: true,
		ComputeCE: true,
	}

	metrics, err := eval.Run(2, 2)
	require.NoError(t, err)
	byName := metricMap(t, metrics)

	for _, sfx := range []string{"", "2"} {
		require.Contains(t, byName, "kl_div_with_sae"+sfx)
		require.Contains(t, byName, "kl_div_with_ablation"+sfx)
		require.Contains(t, byName, "kl_div_score"+sfx)
		require.Contains(t, byName, "ce_loss_with_sae"+sfx)
		require.Contains(t, byName, "ce_loss_with_ablation"+sfx)
		require.Contains(t, byName, "ce_loss_score"+sfx)

		// KL against a replaced run is non-negative, so the score cannot
		// exceed 1
		require.GreaterOrEqual(t, byName["kl_div_with_sae"+sfx].Scalar, 0.0)
		require.GreaterOrEqual(t, byName["kl_div_with_ablation"+sfx].Scalar, 0.0)
		require.LessOrEqual(t, byName["kl_div_score"+sfx].Scalar, 1.0)
	}
	require.Contains(t, byName, "ce_loss_without_sae")
	require.Greater(t, byName["ce_loss_without_sae"].Scalar, 0.0)
}

func TestReconstructionSingleSite(t *testing.T) {
	s := newTestSetup(t, false)
	eval := &ReconstructionEvaluator{
		Model:     s.model,
		Pair:      s.pair,
		Store:     s.store,
		ComputeKL: true,
		ComputeCE: true,
	}

	metrics, err := eval.Run(1, 2)
	require.NoError(t, err)
	byName := metricMap(t, metrics)

	require.Contains(t, byName, "kl_div_score")
	require.NotContains(t, byName, "kl_div_score2")
	require.NotContains(t, byName, "ce_loss_with_sae2")
}

func TestReconstructionRejectsEmptyConfig(t *testing.T) {
	s := newTestSetup(t, true)
	eval := &ReconstructionEvaluator{Model: s.model, Pair: s.pair, Store: s.store}
	_, err := eval.Run(1, 2)
	require.Error(t, err)

	eval.ComputeKL = true
	_, err = eval.Run(0, 2)
	require.Error(t, err)
}

func TestKLRowZeroForIdenticalLogits(t *testing.T) {
	logits := []float32{1.5, -0.5, 3, 0}
	require.InDelta(t, 0.0, float64(klRow(logits, logits)), 1e-7)

	shifted := []float32{2.5, 0.5, 4, 1}
	// Softmax is shift-invariant
	require.InDelta(t, 0.0, float64(klRow(logits, shifted)), 1e-6)

	other := []float32{0, 0, 0, 5}
	require.Greater(t, float64(klRow(logits, other)), 0.0)
}

func TestReconstructionScoreAnchors(t *testing.T) {
	s := newTestSetup(t, false)
	eval := &ReconstructionEvaluator{Pair: s.pair, ComputeKL: true, ComputeCE: true}

	// Reconstruction exactly as damaging as zero-ablation scores 0
	byName := metricMap(t, eval.appendScores([]Metric{
		{Name: "kl_div_with_sae", Scalar: 0.8},
		{Name: "kl_div_with_ablation", Scalar: 0.8},
		{Name: "ce_loss_without_sae", Scalar: 2},
		{Name: "ce_loss_with_sae", Scalar: 5},
		{Name: "ce_loss_with_ablation", Scalar: 5},
	}))
	require.InDelta(t, 0.0, byName["kl_div_score"].Scalar, 1e-12)
	require.InDelta(t, 0.0, byName["ce_loss_score"].Scalar, 1e-12)

	// Reconstruction indistinguishable from the clean run scores 1
	byName = metricMap(t, eval.appendScores([]Metric{
		{Name: "kl_div_with_sae", Scalar: 0},
		{Name: "kl_div_with_ablation", Scalar: 0.8},
		{Name: "ce_loss_without_sae", Scalar: 2},
		{Name: "ce_loss_with_sae", Scalar: 2},
		{Name: "ce_loss_with_ablation", Scalar: 5},
	}))
	require.InDelta(t, 1.0, byName["kl_div_score"].Scalar, 1e-12)
	require.InDelta(t, 1.0, byName["ce_loss_score"].Scalar, 1e-12)
}

func TestReconstructionScoreDegenerateDenominators(t *testing.T) {
	s := newTestSetup(t, false)
	eval := &ReconstructionEvaluator{Pair: s.pair, ComputeKL: true, ComputeCE: true}

	// Zero ablation KL and ablation CE equal to clean CE leave the score
	// denominators at zero. The division runs unguarded; the non-finite
	// results reach the serializer, which renders them as -1.
	byName := metricMap(t, eval.appendScores([]Metric{
		{Name: "kl_div_with_sae", Scalar: 0},
		{Name: "kl_div_with_ablation", Scalar: 0},
		{Name: "ce_loss_without_sae", Scalar: 2},
		{Name: "ce_loss_with_sae", Scalar: 3},
		{Name: "ce_loss_with_ablation", Scalar: 2},
	}))
	require.True(t, math.IsNaN(byName["kl_div_score"].Scalar))
	require.True(t, math.IsInf(byName["ce_loss_score"].Scalar, -1))
}

func varianceCapture(t *testing.T, backend device.Backend, in, out []float32, rows, cols int) *siteCapture {
	t.Helper()
	require.Len(t, in, rows*cols)
	require.Len(t, out, rows*cols)
	return &siteCapture{
		input: backend.NewTensor(rows, cols, in),
		out:   backend.NewTensor(rows, cols, out),
	}
}

func TestRecordVariancePerfectReconstruction(t *testing.T) {
	backend := device.NewCPUBackend()
	in := []float32{1, 2, 3, 4}
	captured := varianceCapture(t, backend, in, in, 2, 2)

	acc := NewAccumulator()
	require.NoError(t, recordVariance(acc, captured, 2, ""))
	metrics, err := acc.Finalize()
	require.NoError(t, err)
	byName := metricMap(t, metrics)

	require.Equal(t, 0.0, byName["mse"].Scalar)
	require.InDelta(t, 1.0, byName["explained_variance"].Scalar, 1e-7)
	require.InDelta(t, 1.0, byName["cossim"].Scalar, 1e-7)
}

func TestRecordVarianceMeanReconstruction(t *testing.T) {
	backend := device.NewCPUBackend()
	// Column means of the inputs are (3, 4); reconstructing every token as
	// the mean makes the residual equal the total sum of squares.
	in := []float32{1, 2, 5, 6}
	out := []float32{3, 4, 3, 4}
	captured := varianceCapture(t, backend, in, out, 2, 2)

	acc := NewAccumulator()
	require.NoError(t, recordVariance(acc, captured, 2, ""))
	metrics, err := acc.Finalize()
	require.NoError(t, err)
	byName := metricMap(t, metrics)

	require.InDelta(t, 0.0, byName["explained_variance"].Scalar, 1e-7)
	require.Greater(t, byName["mse"].Scalar, 0.0)
}

func TestSparsityVarianceEvaluator(t *testing.T) {
	s := newTestSetup(t, true)
	eval := &SparsityVarianceEvaluator{
		Model:                     s.model,
		Pair:                      s.pair,
		Store:                     s.store,
		ComputeL2Norms:            true,
		ComputeSparsity:           true,
		ComputeVariance:           true,
		ComputeFeaturewiseDensity: true,
	}

	metrics, features, err := eval.Run(2, 2)
	require.NoError(t, err)
	byName := metricMap(t, metrics)

	// l0 can never exceed the sparsity budget
	require.LessOrEqual(t, byName["l0"].Scalar, float64(s.pair.Config.K))
	require.GreaterOrEqual(t, byName["l0"].Scalar, 0.0)
	require.GreaterOrEqual(t, byName["l1"].Scalar, 0.0)

	require.LessOrEqual(t, byName["explained_variance"].Scalar, 1.0)
	require.GreaterOrEqual(t, byName["mse"].Scalar, 0.0)
	require.LessOrEqual(t, math.Abs(byName["cossim"].Scalar), 1.0)

	for _, sfx := range []string{"", "2"} {
		require.Contains(t, byName, "l2_norm_in"+sfx)
		require.Contains(t, byName, "l2_ratio"+sfx)
		require.Contains(t, byName, "relative_reconstruction_bias"+sfx)
		require.Contains(t, byName, "mse"+sfx)
	}

	// The full Jacobian statistic grid: 3 raw metrics, 7 stats for each of
	// 7 norms, 2 stats for each token norm, 1 for each batch norm
	var jacCount int
	for name := range byName {
		if strings.HasPrefix(name, "jac") {
			jacCount++
		}
	}
	require.Equal(t, 3+7*7+3*2+3*1, jacCount)
	require.Contains(t, byName, "jac_l2b_norm_")
	require.True(t, byName["jac_normed_l4t_hist"].IsHist)
	require.GreaterOrEqual(t, byName["jac_l1"].Scalar, 0.0)

	// above_* counts are bounded by the block size
	blockSize := float64(s.pair.Config.K * s.pair.Config.K)
	require.LessOrEqual(t, byName["jac_above_0.005"].Scalar, blockSize)

	require.NotNil(t, features)
	require.Len(t, features.FeatureDensity, s.pair.Config.DSae)
	require.Len(t, features.ConsistentActivationHeuristic, s.pair.Config.DSae)
	for f, d := range features.FeatureDensity {
		require.GreaterOrEqual(t, d, float32(0), "feature %d", f)
		require.LessOrEqual(t, d, float32(1), "feature %d", f)
	}
}

func TestSparsityWithoutJacobian(t *testing.T) {
	s := newTestSetup(t, false)
	eval := &SparsityVarianceEvaluator{
		Model:           s.model,
		Pair:            s.pair,
		Store:           s.store,
		ComputeSparsity: true,
	}

	metrics, features, err := eval.Run(1, 2)
	require.NoError(t, err)
	require.Nil(t, features)
	byName := metricMap(t, metrics)
	require.Contains(t, byName, "l0")
	for name := range byName {
		require.False(t, strings.HasPrefix(name, "jac"), name)
	}
}

func TestMaskingChangesAggregates(t *testing.T) {
	run := func(ignore map[int]bool) []Metric {
		s := newTestSetup(t, false)
		eval := &SparsityVarianceEvaluator{
			Model:           s.model,
			Pair:            s.pair,
			Store:           s.store,
			ComputeL2Norms:  true,
			ComputeSparsity: true,
			IgnoreTokens:    ignore,
		}
		metrics, _, err := eval.Run(1, 2)
		require.NoError(t, err)
		return metrics
	}

	unmasked := metricMap(t, run(nil))
	masked := metricMap(t, run(map[int]bool{3: true, 10: true}))
	require.NotEqual(t, unmasked["l2_norm_in"].Scalar, masked["l2_norm_in"].Scalar)
}

func TestFullyMaskedBatchFails(t *testing.T) {
	s := newTestSetup(t, false)
	ignore := make(map[int]bool)
	for id := 0; id < s.model.Config.VocabSize; id++ {
		ignore[id] = true
	}
	eval := &SparsityVarianceEvaluator{
		Model:           s.model,
		Pair:            s.pair,
		Store:           s.store,
		ComputeSparsity: true,
		IgnoreTokens:    ignore,
	}
	_, _, err := eval.Run(1, 2)
	require.Error(t, err)
}

func TestTokenMask(t *testing.T) {
	tokens := [][]int{{1, 2, 3}, {3, 3, 4}}
	mask := tokenMask(tokens, map[int]bool{3: true})
	require.Equal(t, [][]bool{{true, true, false}, {false, false, true}}, mask)
	require.Equal(t, 3, countKept(mask, 3))
	require.Equal(t, 2, countKept(mask, 2))
	require.Equal(t, []bool{true, true, false, false, false, true}, flattenMask(mask, 3))
}

func TestEvalConfigValidate(t *testing.T) {
	require.Error(t, DefaultEvalConfig().Validate())

	cfg := DefaultEvalConfig()
	cfg.BatchSizePrompts = 2
	cfg.ComputeKL = true
	cfg.NEvalReconstructionBatches = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultEvalConfig()
	cfg.BatchSizePrompts = 2
	cfg.ComputeSparsityMetrics = true
	cfg.NEvalSparsityVarianceBatches = 0
	require.Error(t, cfg.Validate())

	require.NoError(t, EverythingConfig(2, 2, 1).Validate())
}

func TestRunnerEverything(t *testing.T) {
	s := newTestSetup(t, true)
	runner := &Runner{
		Model:  s.model,
		Pair:   s.pair,
		Store:  s.store,
		Config: EverythingConfig(2, 2, 1),
	}

	results, err := runner.Run()
	require.NoError(t, err)
	byName := metricMap(t, results.Metrics)

	require.Contains(t, byName, "model_behavior_preservation/kl_div_score")
	require.Contains(t, byName, "model_performance_preservation/ce_loss_score2")
	require.Contains(t, byName, "reconstruction_quality/explained_variance")
	require.Contains(t, byName, "shrinkage/l2_ratio")
	require.Contains(t, byName, "sparsity/l0")
	require.Contains(t, byName, "jacobian_sparsity/jac_l1")
	require.Contains(t, byName, "jacobian_sparsity/jac_l2b_norm_")

	// Nominal token counts: context * batches * prompts
	reconTokens, ok := results.Metric("token_stats/total_tokens_eval_reconstruction")
	require.True(t, ok)
	require.Equal(t, float64(8*2*2), reconTokens)
	svTokens, ok := results.Metric("token_stats/total_tokens_eval_sparsity_variance")
	require.True(t, ok)
	require.Equal(t, float64(8*1*2), svTokens)

	// Feature vectors: density pair plus weight metrics for both sites
	featNames := make([]string, len(results.Features))
	for i, f := range results.Features {
		featNames[i] = f.Name
		require.Len(t, f.Values, s.pair.Config.DSae)
	}
	require.Equal(t, []string{
		"feature_density",
		"consistent_activation_heuristic",
		"encoder_bias",
		"encoder_norm",
		"encoder_decoder_cosine_sim",
		"encoder_bias2",
		"encoder_norm2",
		"encoder_decoder_cosine_sim2",
	}, featNames)

	// Encoder/decoder cosine similarity is a cosine
	for _, f := range results.Features {
		if !strings.HasPrefix(f.Name, "encoder_decoder_cosine_sim") {
			continue
		}
		for _, v := range f.Values {
			require.LessOrEqual(t, math.Abs(float64(v)), 1.0+1e-5)
		}
	}
}

func TestRunnerDeterministic(t *testing.T) {
	run := func() *Results {
		s := newTestSetup(t, true)
		runner := &Runner{
			Model:  s.model,
			Pair:   s.pair,
			Store:  s.store,
			Config: EverythingConfig(2, 1, 1),
		}
		results, err := runner.Run()
		require.NoError(t, err)
		return results
	}
	require.Equal(t, run(), run())
}

func TestAssembleResultsRejectsUnknownMetric(t *testing.T) {
	_, err := assembleResults([]Metric{{Name: "mystery_metric"}})
	require.Error(t, err)
}
