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

// klEps is added inside the log of both distributions when computing KL
// divergence, so ablation runs that zero out a token's probability mass
// stay finite.
const klEps = 1e-8

// ReconstructionEvaluator measures how much of the model's behavior
// survives replacing an activation site with its SAE reconstruction,
// scored against a zero-ablation floor. Three model runs per site per
// batch: clean, SAE-replaced, zero-ablated.
type ReconstructionEvaluator struct {
	Model *model.Model
	Pair  *sae.Pair
	Store *store.Store

	ComputeKL bool
	ComputeCE bool

	// IgnoreTokens drops positions holding these token ids (padding, BOS)
	// from every aggregate.
	IgnoreTokens map[int]bool
}

// Run evaluates nBatches batches of batchSize prompts and returns the
// finalized metrics, including the derived kl_div_score and ce_loss_score
// entries.
func (e *ReconstructionEvaluator) Run(nBatches, batchSize int) ([]Metric, error) {
	if !e.ComputeKL && !e.ComputeCE {
		return nil, fmt.Errorf("evals: reconstruction run with neither KL nor CE enabled")
	}
	if nBatches <= 0 {
		return nil, fmt.Errorf("evals: reconstruction needs at least one batch, got %d", nBatches)
	}

	sites := sae.Sites(e.Pair.Config.UseJacobian)
	acc := NewAccumulator()

	for batch := 0; batch < nBatches; batch++ {
		start := time.Now()
		tokens, err := e.Store.GetBatchTokens(batchSize)
		if err != nil {
			return nil, err
		}
		if err := e.evalBatch(acc, tokens, sites); err != nil {
			return nil, fmt.Errorf("evals: reconstruction batch %d: %w", batch, err)
		}
		BatchDuration.WithLabelValues("reconstruction").Observe(time.Since(start).Seconds())
		BatchesEvaluated.WithLabelValues("reconstruction").Inc()
	}

	metrics, err := acc.Finalize()
	if err != nil {
		return nil, err
	}
	return e.appendScores(metrics), nil
}

func (e *ReconstructionEvaluator) evalBatch(acc *Accumulator, tokens [][]int, sites []sae.Site) error {
	clean, err := e.Model.Run(tokens, nil, -1)
	if err != nil {
		return err
	}

	mask := tokenMask(tokens, e.IgnoreTokens)
	seqLen := len(tokens[0])
	TokensEvaluated.WithLabelValues("reconstruction").Add(float64(countKept(mask, seqLen)))

	if e.ComputeCE {
		if err := acc.Record("ce_loss_without_sae", maskedLoss(clean.Loss, mask)); err != nil {
			return err
		}
	}

	for _, site := range sites {
		hookSite := e.hookSite(site)
		sfx := site.Suffix()

		saeRun, err := e.Model.Run(tokens, map[string]model.Hook{hookSite: e.replacementHook(site)}, -1)
		if err != nil {
			return err
		}
		ablRun, err := e.Model.Run(tokens, map[string]model.Hook{hookSite: e.zeroHook()}, -1)
		if err != nil {
			return err
		}

		if e.ComputeKL {
			if err := acc.Record("kl_div_with_sae"+sfx, maskedKL(clean.Logits, saeRun.Logits, mask, seqLen)); err != nil {
				return err
			}
			if err := acc.Record("kl_div_with_ablation"+sfx, maskedKL(clean.Logits, ablRun.Logits, mask, seqLen)); err != nil {
				return err
			}
		}
		if e.ComputeCE {
			if err := acc.Record("ce_loss_with_sae"+sfx, maskedLoss(saeRun.Loss, mask)); err != nil {
				return err
			}
			if err := acc.Record("ce_loss_with_ablation"+sfx, maskedLoss(ablRun.Loss, mask)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *ReconstructionEvaluator) hookSite(site sae.Site) string {
	layer := e.Pair.Config.HookLayer
	if site == sae.SiteOutput {
		return model.MLPOutSite(layer)
	}
	return model.MLPInSite(layer)
}

// replacementHook routes the site's activations through the SAE: scale,
// encode, decode, unscale.
func (e *ReconstructionEvaluator) replacementHook(site sae.Site) model.Hook {
	return func(_ string, act device.Tensor) (device.Tensor, error) {
		e.Store.ApplyNormScaling(act)
		feats := e.Pair.Encode(act, site)
		out := e.Pair.Decode(feats, site)
		e.Store.Unscale(out)
		return out, nil
	}
}

func (e *ReconstructionEvaluator) zeroHook() model.Hook {
	return func(_ string, act device.Tensor) (device.Tensor, error) {
		r, c := act.Dims()
		return e.Model.Backend.NewTensor(r, c, nil), nil
	}
}

// appendScores derives the summary scores from the finalized means.
// kl_div_score is 1 when the SAE run matches the clean run exactly, 0 when
// it is as bad as zero-ablation; ce_loss_score likewise but anchored to
// the clean CE loss. The output site shares the clean CE anchor. The
// divisions are not guarded: a degenerate batch yields a non-finite score
// that serializes as the -1 sentinel.
func (e *ReconstructionEvaluator) appendScores(metrics []Metric) []Metric {
	byName := make(map[string]float64, len(metrics))
	for _, m := range metrics {
		byName[m.Name] = m.Scalar
	}

	for _, site := range sae.Sites(e.Pair.Config.UseJacobian) {
		sfx := site.Suffix()
		if e.ComputeKL {
			abl := byName["kl_div_with_ablation"+sfx]
			score := (abl - byName["kl_div_with_sae"+sfx]) / abl
			metrics = append(metrics, Metric{Name: "kl_div_score" + sfx, Scalar: score})
		}
		if e.ComputeCE {
			abl := byName["ce_loss_with_ablation"+sfx]
			clean := byName["ce_loss_without_sae"]
			score := (abl - byName["ce_loss_with_sae"+sfx]) / (abl - clean)
			metrics = append(metrics, Metric{Name: "ce_loss_score" + sfx, Scalar: score})
		}
	}

	log.Debug().Int("metrics", len(metrics)).Msg("reconstruction evaluation finalized")
	return metrics
}

// maskedKL computes the per-token KL divergence between clean and
// perturbed logits, keeping only unmasked positions.
func maskedKL(cleanLogits, newLogits device.Tensor, mask [][]bool, seqLen int) BatchValue {
	out := make([]float32, 0, countKept(mask, seqLen))
	for b, row := range mask {
		for p := 0; p < seqLen; p++ {
			if !row[p] {
				continue
			}
			i := b*seqLen + p
			out = append(out, klRow(cleanLogits.Row(i), newLogits.Row(i)))
		}
	}
	return BatchValue{Rows: len(out), Cols: 1, Data: out}
}

// klRow is sum_v p(v) * (log(p(v)+eps) - log(q(v)+eps)) with p, q the
// softmax of each logit row.
func klRow(orig, repl []float32) float32 {
	p := softmax64(orig)
	q := softmax64(repl)
	var kl float64
	for v := range p {
		kl += p[v] * (math.Log(p[v]+klEps) - math.Log(q[v]+klEps))
	}
	return float32(kl)
}

func softmax64(logits []float32) []float64 {
	max := logits[0]
	for _, v := range logits {
		if v > max {
			max = v
		}
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(float64(v - max))
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// maskedLoss flattens a (batch, seq-1) per-token loss under the mask. The
// loss has one fewer position than the mask; the trailing mask column is
// dropped since the last token has no next-token target.
func maskedLoss(loss device.Tensor, mask [][]bool) BatchValue {
	_, cols := loss.Dims()
	out := make([]float32, 0, countKept(mask, cols))
	for b, row := range mask {
		for p := 0; p < cols; p++ {
			if !row[p] {
				continue
			}
			out = append(out, loss.At(b, p))
		}
	}
	return BatchValue{Rows: len(out), Cols: 1, Data: out}
}
