package evals

import (
	"fmt"
	"math"

	"github.com/bmac3/jacobian-saes/internal/device"
	"github.com/bmac3/jacobian-saes/internal/model"
	"github.com/bmac3/jacobian-saes/internal/sae"
	"github.com/bmac3/jacobian-saes/internal/simd"
)

// Jacobian is the batched derivative of the downstream SAE's active
// features with respect to the upstream SAE's active features, through the
// MLP nonlinearity: one dense (kOut, kIn) block per token. Only entries for
// currently-active feature pairs exist; every other feature-pair derivative
// is structurally absent. Built once per batch, consumed, discarded.
type Jacobian struct {
	Tokens int
	KOut   int
	KIn    int

	data []float32 // (Tokens, KOut, KIn) row-major
}

// At returns the entry for token t, downstream feature o, upstream feature i.
func (j *Jacobian) At(t, o, i int) float32 {
	return j.data[(t*j.KOut+o)*j.KIn+i]
}

// TokenBlock returns the flattened (KOut*KIn) block of one token.
func (j *Jacobian) TokenBlock(t int) []float32 {
	size := j.KOut * j.KIn
	return j.data[t*size : (t+1)*size]
}

// Data returns the full backing slice.
func (j *Jacobian) Data() []float32 {
	return j.data
}

// BlockSize returns KOut*KIn.
func (j *Jacobian) BlockSize() int {
	return j.KOut * j.KIn
}

// clone returns a deep copy, used when normalizing without destroying the
// raw Jacobian.
func (j *Jacobian) clone() *Jacobian {
	data := make([]float32, len(j.data))
	copy(data, j.data)
	return &Jacobian{Tokens: j.Tokens, KOut: j.KOut, KIn: j.KIn, data: data}
}

// Builder constructs per-batch Jacobians from two fixed projections:
// wd1 = W_dec(in)·W_in maps upstream features into the MLP hidden space,
// w2e = W_out·W_enc(out) maps it back out to downstream features (held
// transposed so feature rows are contiguous). The full (dSae, dSae)
// Jacobian is never materialized; that is the memory constraint that makes
// this evaluation feasible at all.
type Builder struct {
	wd1  device.Tensor // (dSae, dMlp)
	w2eT device.Tensor // (dSae, dMlp); row f is column f of W_out·W_enc(out)
	dMlp int
}

// NewBuilder computes the two projections once per evaluation run.
func NewBuilder(pair *sae.Pair, mlp *model.MLP, backend device.Backend) *Builder {
	_, dMlp := mlp.WIn.Dims()
	dSae := pair.Config.DSae

	wd1 := backend.NewTensor(dSae, dMlp, nil)
	wd1.Mul(pair.WDec(sae.SiteInput), mlp.WIn)

	w2eT := backend.NewTensor(dSae, dMlp, nil)
	w2eT.Mul(pair.WEnc(sae.SiteOutput).T(), mlp.WOut.T())

	return &Builder{wd1: wd1, w2eT: w2eT, dMlp: dMlp}
}

// Build contracts the projections through the per-token activation
// gradient. topkIn/topkOut hold each valid token's active feature indices
// at the upstream/downstream site; actGrads is (tokens, dMlp). Masked-out
// tokens must already be excluded.
func (b *Builder) Build(topkIn, topkOut [][]int, actGrads device.Tensor) (*Jacobian, error) {
	tokens := len(topkIn)
	if tokens == 0 {
		return nil, fmt.Errorf("jacobian: empty token batch after masking")
	}
	if len(topkOut) != tokens {
		return nil, fmt.Errorf("jacobian: %d upstream vs %d downstream tokens", tokens, len(topkOut))
	}
	gr, gc := actGrads.Dims()
	if gr != tokens || gc != b.dMlp {
		return nil, fmt.Errorf("jacobian: activation grads are (%d,%d), want (%d,%d)", gr, gc, tokens, b.dMlp)
	}

	kIn := len(topkIn[0])
	kOut := len(topkOut[0])

	j := &Jacobian{
		Tokens: tokens,
		KOut:   kOut,
		KIn:    kIn,
		data:   make([]float32, tokens*kOut*kIn),
	}

	// Per token: J[o,i] = Σ_m wd1[in_i, m] · g[m] · w2e[m, out_o].
	// Fold the gradient into the downstream row once, then contract each
	// upstream row against it.
	scratch := make([]float32, b.dMlp)
	for t := 0; t < tokens; t++ {
		if len(topkIn[t]) != kIn || len(topkOut[t]) != kOut {
			return nil, fmt.Errorf("jacobian: ragged top-k at token %d", t)
		}
		g := actGrads.Row(t)
		for o, fo := range topkOut[t] {
			simd.VecMul(scratch, b.w2eT.Row(fo), g)
			base := (t*kOut + o) * kIn
			for i, fi := range topkIn[t] {
				j.data[base+i] = simd.DotProduct(b.wd1.Row(fi), scratch)
			}
		}
	}

	for _, v := range j.data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("jacobian: non-finite entry produced from finite inputs")
		}
	}
	return j, nil
}
