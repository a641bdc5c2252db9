package evals

import "math"

// normEps keeps divisors away from zero. Matches the constant every
// normalization historically added.
const normEps = 1e-20

// Norm enumerates the Jacobian normalizations. The trailing letter of the
// code distinguishes batch-granular ("b": one divisor for the whole batch)
// from token-granular ("t": one divisor per token, broadcast over the
// feature-pair axes).
type Norm int

const (
	NormNone Norm = iota
	NormL2Batch
	NormL2Token
	NormL4Batch
	NormL4Token
	NormLInfBatch
	NormLInfToken
)

// Norms fixes the iteration order of the registry so metric keys are
// reproducible run-to-run.
var Norms = []Norm{
	NormNone,
	NormL2Batch,
	NormL2Token,
	NormL4Batch,
	NormL4Token,
	NormLInfBatch,
	NormLInfToken,
}

// Code returns the short registry key.
func (n Norm) Code() string {
	switch n {
	case NormNone:
		return ""
	case NormL2Batch:
		return "l2b"
	case NormL2Token:
		return "l2t"
	case NormL4Batch:
		return "l4b"
	case NormL4Token:
		return "l4t"
	case NormLInfBatch:
		return "linfb"
	case NormLInfToken:
		return "linft"
	}
	return ""
}

// PerToken reports whether the norm yields one divisor per token.
func (n Norm) PerToken() bool {
	switch n {
	case NormL2Token, NormL4Token, NormLInfToken:
		return true
	}
	return false
}

// PerBatch reports whether the norm yields a single whole-batch divisor.
func (n Norm) PerBatch() bool {
	switch n {
	case NormL2Batch, NormL4Batch, NormLInfBatch:
		return true
	}
	return false
}

// Divisor is the result of a normalization: a single scalar for batch
// norms, one scalar per token for token norms. The identity norm reports
// Batch == 1 with PerToken == false.
type Divisor struct {
	PerToken bool
	Batch    float32
	Token    []float32
}

// Divisor computes the rescaling for a Jacobian, so that sparsity and
// concentration are comparable across tokens or batches of differing
// magnitude.
func (n Norm) Divisor(j *Jacobian) Divisor {
	switch n {
	case NormNone:
		return Divisor{Batch: 1}
	case NormL2Batch:
		return Divisor{Batch: batchPowerMean(j, 2)}
	case NormL2Token:
		return Divisor{PerToken: true, Token: tokenPowerMeans(j, 2)}
	case NormL4Batch:
		return Divisor{Batch: batchPowerMean(j, 4)}
	case NormL4Token:
		return Divisor{PerToken: true, Token: tokenPowerMeans(j, 4)}
	case NormLInfBatch:
		max := float32(0)
		for _, v := range j.Data() {
			if a := abs32(v); a > max {
				max = a
			}
		}
		return Divisor{Batch: max + normEps}
	case NormLInfToken:
		maxes := make([]float32, j.Tokens)
		for t := 0; t < j.Tokens; t++ {
			var max float32
			for _, v := range j.TokenBlock(t) {
				if a := abs32(v); a > max {
					max = a
				}
			}
			maxes[t] = max + normEps
		}
		return Divisor{PerToken: true, Token: maxes}
	}
	return Divisor{Batch: 1}
}

// Normalize returns a copy of j divided by the divisor. The identity
// divisor returns j itself unchanged.
func Normalize(j *Jacobian, d Divisor) *Jacobian {
	if !d.PerToken && d.Batch == 1 {
		return j
	}
	out := j.clone()
	if d.PerToken {
		for t := 0; t < out.Tokens; t++ {
			block := out.TokenBlock(t)
			inv := 1.0 / d.Token[t]
			for i := range block {
				block[i] *= inv
			}
		}
		return out
	}
	inv := 1.0 / d.Batch
	for i := range out.data {
		out.data[i] *= inv
	}
	return out
}

// batchPowerMean computes (mean |x|^p)^(1/p) + eps over the whole batch.
func batchPowerMean(j *Jacobian, p float64) float32 {
	var sum float64
	for _, v := range j.Data() {
		sum += math.Pow(float64(v), p)
	}
	mean := sum / float64(len(j.Data()))
	return float32(math.Pow(mean, 1/p)) + normEps
}

// tokenPowerMeans computes (mean |x|^p)^(1/p) + eps per token.
func tokenPowerMeans(j *Jacobian, p float64) []float32 {
	out := make([]float32, j.Tokens)
	for t := 0; t < j.Tokens; t++ {
		block := j.TokenBlock(t)
		var sum float64
		for _, v := range block {
			sum += math.Pow(float64(v), p)
		}
		mean := sum / float64(len(block))
		out[t] = float32(math.Pow(mean, 1/p)) + normEps
	}
	return out
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
