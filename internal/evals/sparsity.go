package evals

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bmac3/jacobian-saes/internal/device"
	"github.com/bmac3/jacobian-saes/internal/model"
	"github.com/bmac3/jacobian-saes/internal/sae"
	"github.com/bmac3/jacobian-saes/internal/store"
)

// l2RatioFloor guards the l2_ratio division: input norms below this are
// treated as 1 so near-zero activations do not blow up the ratio.
const l2RatioFloor = 1e-4

// SparsityVarianceEvaluator captures SAE inputs, feature activations and
// reconstructions at each site, and computes the sparsity, variance, L2
// and Jacobian-sparsity metric families over them. The model runs stop at
// the hook layer; nothing downstream of the MLP is needed.
type SparsityVarianceEvaluator struct {
	Model *model.Model
	Pair  *sae.Pair
	Store *store.Store

	ComputeL2Norms            bool
	ComputeSparsity           bool
	ComputeVariance           bool
	ComputeFeaturewiseDensity bool

	IgnoreTokens map[int]bool
}

// FeatureMetrics are the per-feature aggregates across all batches.
type FeatureMetrics struct {
	// FeatureDensity is the fraction of kept tokens on which each feature
	// fired.
	FeatureDensity []float32

	// ConsistentActivationHeuristic is mean activations per prompt among
	// prompts where the feature fired at all. NaN for features that never
	// fired.
	ConsistentActivationHeuristic []float32
}

// siteCapture holds the masked per-token values captured at one site.
type siteCapture struct {
	input device.Tensor // (kept, dModel), scaled as the SAE saw it
	feats device.Tensor // (kept, dSae)
	out   device.Tensor // (kept, dModel), unscaled reconstruction
	topk  [][]int       // per kept token, active feature indices
}

// Run evaluates nBatches batches of batchSize prompts. FeatureMetrics is
// nil unless featurewise density is enabled.
func (e *SparsityVarianceEvaluator) Run(nBatches, batchSize int) ([]Metric, *FeatureMetrics, error) {
	if !e.ComputeL2Norms && !e.ComputeSparsity && !e.ComputeVariance && !e.ComputeFeaturewiseDensity {
		return nil, nil, fmt.Errorf("evals: sparsity run with no metric family enabled")
	}
	if nBatches <= 0 {
		return nil, nil, fmt.Errorf("evals: sparsity needs at least one batch, got %d", nBatches)
	}
	if e.Pair.Config.DModel != e.Model.Config.HiddenSize {
		return nil, nil, fmt.Errorf("evals: pair d_model %d does not match model hidden size %d",
			e.Pair.Config.DModel, e.Model.Config.HiddenSize)
	}

	layer := e.Pair.Config.HookLayer
	useJacobian := e.Pair.Config.UseJacobian
	mlp := e.Model.Blocks[layer].MLP

	var builder *Builder
	if useJacobian && e.ComputeSparsity {
		builder = NewBuilder(e.Pair, mlp, e.Model.Backend)
	}

	acc := NewAccumulator()
	dSae := e.Pair.Config.DSae
	totalFeatureActs := make([]float64, dSae)
	totalFeaturePrompts := make([]float64, dSae)
	var totalTokens float64

	for batch := 0; batch < nBatches; batch++ {
		start := time.Now()
		tokens, err := e.Store.GetBatchTokens(batchSize)
		if err != nil {
			return nil, nil, err
		}
		mask := tokenMask(tokens, e.IgnoreTokens)
		seqLen := len(tokens[0])
		kept := countKept(mask, seqLen)
		if kept == 0 {
			return nil, nil, fmt.Errorf("evals: sparsity batch %d fully masked", batch)
		}
		TokensEvaluated.WithLabelValues("sparsity").Add(float64(kept))

		capIn, fullFeats, err := e.captureSite(tokens, mask, sae.SiteInput)
		if err != nil {
			return nil, nil, fmt.Errorf("evals: sparsity batch %d: %w", batch, err)
		}

		var capOut *siteCapture
		if useJacobian {
			capOut, _, err = e.captureSite(tokens, mask, sae.SiteOutput)
			if err != nil {
				return nil, nil, fmt.Errorf("evals: sparsity batch %d: %w", batch, err)
			}
		}

		if e.ComputeL2Norms {
			if err := recordL2Norms(acc, capIn, ""); err != nil {
				return nil, nil, err
			}
			if useJacobian {
				if err := recordL2Norms(acc, capOut, "2"); err != nil {
					return nil, nil, err
				}
			}
		}

		if e.ComputeSparsity {
			if err := recordActivationSparsity(acc, capIn.feats); err != nil {
				return nil, nil, err
			}
			if useJacobian {
				if err := e.recordJacobianSparsity(acc, builder, mlp, capIn); err != nil {
					return nil, nil, err
				}
			}
		}

		if e.ComputeVariance {
			if err := recordVariance(acc, capIn, kept, ""); err != nil {
				return nil, nil, err
			}
			if useJacobian {
				if err := recordVariance(acc, capOut, kept, "2"); err != nil {
					return nil, nil, err
				}
			}
		}

		if e.ComputeFeaturewiseDensity {
			accumulateDensity(fullFeats, mask, seqLen, totalFeatureActs, totalFeaturePrompts)
			totalTokens += float64(kept)
		}

		BatchDuration.WithLabelValues("sparsity").Observe(time.Since(start).Seconds())
		BatchesEvaluated.WithLabelValues("sparsity").Inc()
	}

	metrics, err := acc.Finalize()
	if err != nil {
		return nil, nil, err
	}

	var features *FeatureMetrics
	if e.ComputeFeaturewiseDensity {
		features = &FeatureMetrics{
			FeatureDensity:                make([]float32, dSae),
			ConsistentActivationHeuristic: make([]float32, dSae),
		}
		for f := 0; f < dSae; f++ {
			features.FeatureDensity[f] = float32(totalFeatureActs[f] / totalTokens)
			features.ConsistentActivationHeuristic[f] = float32(totalFeatureActs[f] / totalFeaturePrompts[f])
		}
	}

	log.Debug().Int("metrics", len(metrics)).Msg("sparsity evaluation finalized")
	return metrics, features, nil
}

// captureSite runs the model up to the hook layer with a capturing hook at
// the given site and returns the masked capture plus the full (unmasked)
// feature activations for density accumulation.
func (e *SparsityVarianceEvaluator) captureSite(tokens [][]int, mask [][]bool, site sae.Site) (*siteCapture, device.Tensor, error) {
	layer := e.Pair.Config.HookLayer
	hookSite := model.MLPInSite(layer)
	if site == sae.SiteOutput {
		hookSite = model.MLPOutSite(layer)
	}

	var captured siteCapture
	var fullFeats device.Tensor
	hook := func(_ string, act device.Tensor) (device.Tensor, error) {
		e.Store.ApplyNormScaling(act)
		feats, topk := e.Pair.EncodeTopK(act, site)
		out := e.Pair.Decode(feats, site)
		e.Store.Unscale(out)

		seqLen := len(tokens[0])
		flat := flattenMask(mask, seqLen)
		captured.input = keepRows(e.Model.Backend, act, flat)
		captured.feats = keepRows(e.Model.Backend, feats, flat)
		captured.out = keepRows(e.Model.Backend, out, flat)
		captured.topk = keepIndexRows(topk, flat)
		fullFeats = feats
		return out, nil
	}

	if _, err := e.Model.Run(tokens, map[string]model.Hook{hookSite: hook}, layer); err != nil {
		return nil, nil, err
	}
	if captured.input == nil {
		return nil, nil, fmt.Errorf("evals: hook at %s never fired", hookSite)
	}
	return &captured, fullFeats, nil
}

// recordJacobianSparsity reconstructs the downstream pass from the input
// site's reconstruction: MLP with activation gradients, downstream top-k,
// then the Jacobian and its statistic grid.
func (e *SparsityVarianceEvaluator) recordJacobianSparsity(acc *Accumulator, builder *Builder, mlp *model.MLP, capIn *siteCapture) error {
	mlpOut, actGrads := mlp.ForwardWithGrads(capIn.out)
	_, topk2 := e.Pair.EncodeTopK(mlpOut, sae.SiteOutput)

	jac, err := builder.Build(capIn.topk, topk2, actGrads)
	if err != nil {
		return err
	}

	if err := acc.Record("jac_l1", JacL1(jac)); err != nil {
		return err
	}
	if err := acc.Record("jac_gini", JacGini(jac)); err != nil {
		return err
	}
	if err := acc.Record("jac_kurtosis", JacKurtosis(jac)); err != nil {
		return err
	}

	for _, n := range Norms {
		div := n.Divisor(jac)
		normed := Normalize(jac, div)

		for _, s := range JacStats {
			if err := acc.Record(JacKey(n, s), s.Apply(normed)); err != nil {
				return err
			}
		}

		if n.PerToken() {
			for _, s := range TokenNormStats {
				if err := acc.Record(NormKey(n, s.Code()), s.Apply(div)); err != nil {
					return err
				}
			}
		} else if n.PerBatch() {
			if err := acc.Record(NormKey(n, BatchNormStatCode), BatchNormValue(div)); err != nil {
				return err
			}
		}
	}
	return nil
}

// recordL2Norms records the reconstruction magnitude family: input and
// output norms per token, their ratio, and the relative reconstruction
// bias (equation 10 of the Gated SAE paper).
func recordL2Norms(acc *Accumulator, cap *siteCapture, sfx string) error {
	rows, _ := cap.input.Dims()
	normIn := make([]float32, rows)
	normOut := make([]float32, rows)
	ratio := make([]float32, rows)

	var sumOutSq, sumDot float64
	for i := 0; i < rows; i++ {
		in := cap.input.Row(i)
		out := cap.out.Row(i)

		var inSq, outSq, dot float64
		for j := range in {
			inSq += float64(in[j]) * float64(in[j])
			outSq += float64(out[j]) * float64(out[j])
			dot += float64(in[j]) * float64(out[j])
		}
		normIn[i] = float32(math.Sqrt(inSq))
		normOut[i] = float32(math.Sqrt(outSq))

		div := normIn[i]
		if abs32(div) < l2RatioFloor {
			div = 1
		}
		ratio[i] = normOut[i] / div

		sumOutSq += outSq
		sumDot += dot
	}

	if err := acc.Record("l2_norm_in"+sfx, BatchValue{Rows: rows, Cols: 1, Data: normIn}); err != nil {
		return err
	}
	if err := acc.Record("l2_norm_out"+sfx, BatchValue{Rows: rows, Cols: 1, Data: normOut}); err != nil {
		return err
	}
	if err := acc.Record("l2_ratio"+sfx, BatchValue{Rows: rows, Cols: 1, Data: ratio}); err != nil {
		return err
	}
	bias := float32((sumOutSq / float64(rows)) / (sumDot / float64(rows)))
	return acc.Record("relative_reconstruction_bias"+sfx,
		BatchValue{Rows: 1, Cols: 1, Data: []float32{bias}})
}

// recordActivationSparsity records l0 (active feature count) and l1
// (total activation mass) per token.
func recordActivationSparsity(acc *Accumulator, feats device.Tensor) error {
	rows, _ := feats.Dims()
	l0 := make([]float32, rows)
	l1 := make([]float32, rows)
	for i := 0; i < rows; i++ {
		var count int
		var sum float64
		for _, v := range feats.Row(i) {
			if v > 0 {
				count++
			}
			sum += float64(v)
		}
		l0[i] = float32(count)
		l1[i] = float32(sum)
	}
	if err := acc.Record("l0", BatchValue{Rows: rows, Cols: 1, Data: l0}); err != nil {
		return err
	}
	return acc.Record("l1", BatchValue{Rows: rows, Cols: 1, Data: l1})
}

// recordVariance records mse, explained_variance and cossim between SAE
// input and reconstruction.
func recordVariance(acc *Accumulator, cap *siteCapture, kept int, sfx string) error {
	rows, cols := cap.input.Dims()

	colMean := make([]float64, cols)
	for i := 0; i < rows; i++ {
		for j, v := range cap.input.Row(i) {
			colMean[j] += float64(v)
		}
	}
	for j := range colMean {
		colMean[j] /= float64(rows)
	}

	mse := make([]float32, rows)
	ev := make([]float32, rows)
	cossim := make([]float32, rows)
	for i := 0; i < rows; i++ {
		in := cap.input.Row(i)
		out := cap.out.Row(i)

		var ssr, tss, inSq, outSq, dot float64
		for j := range in {
			d := float64(in[j]) - float64(out[j])
			ssr += d * d
			c := float64(in[j]) - colMean[j]
			tss += c * c
			inSq += float64(in[j]) * float64(in[j])
			outSq += float64(out[j]) * float64(out[j])
			dot += float64(in[j]) * float64(out[j])
		}
		mse[i] = float32(ssr / float64(kept))
		ev[i] = float32(1 - ssr/tss)
		cossim[i] = float32(dot / (math.Sqrt(inSq) * math.Sqrt(outSq)))
	}

	if err := acc.Record("mse"+sfx, BatchValue{Rows: rows, Cols: 1, Data: mse}); err != nil {
		return err
	}
	if err := acc.Record("explained_variance"+sfx, BatchValue{Rows: rows, Cols: 1, Data: ev}); err != nil {
		return err
	}
	return acc.Record("cossim"+sfx, BatchValue{Rows: rows, Cols: 1, Data: cossim})
}

// accumulateDensity folds one batch's full feature activations into the
// per-feature running totals, counting only unmasked positions.
func accumulateDensity(feats device.Tensor, mask [][]bool, seqLen int, acts, prompts []float64) {
	dSae := len(acts)
	promptActive := make([]bool, dSae)
	for b, row := range mask {
		for f := range promptActive {
			promptActive[f] = false
		}
		for p := 0; p < seqLen; p++ {
			if !row[p] {
				continue
			}
			for f, v := range feats.Row(b*seqLen + p) {
				if v > 0 {
					acts[f]++
					promptActive[f] = true
				}
			}
		}
		for f, active := range promptActive {
			if active {
				prompts[f]++
			}
		}
	}
}

// flattenMask flattens a (batch, seq) mask to token-row order.
func flattenMask(mask [][]bool, seqLen int) []bool {
	flat := make([]bool, 0, len(mask)*seqLen)
	for _, row := range mask {
		flat = append(flat, row[:seqLen]...)
	}
	return flat
}

// keepRows copies the unmasked rows of t into a fresh tensor.
func keepRows(backend device.Backend, t device.Tensor, flat []bool) device.Tensor {
	_, cols := t.Dims()
	var kept int
	for _, keep := range flat {
		if keep {
			kept++
		}
	}
	out := backend.NewTensor(kept, cols, nil)
	i := 0
	for r, keep := range flat {
		if !keep {
			continue
		}
		copy(out.Row(i), t.Row(r))
		i++
	}
	return out
}

func keepIndexRows(rows [][]int, flat []bool) [][]int {
	out := make([][]int, 0, len(rows))
	for r, keep := range flat {
		if keep {
			out = append(out, rows[r])
		}
	}
	return out
}
