package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/bmac3/jacobian-saes/internal/device"
	"github.com/bmac3/jacobian-saes/internal/simd"
)

// Config holds the configuration for the hooked transformer.
type Config struct {
	VocabSize        int
	HiddenSize       int
	NumLayers        int
	NumHeads         int
	IntermediateSize int
	ContextSize      int
}

// DefaultTinyConfig returns a small decoder configuration usable for
// smoke runs and tests.
func DefaultTinyConfig() Config {
	return Config{
		VocabSize:        256,
		HiddenSize:       64,
		NumLayers:        2,
		NumHeads:         2,
		IntermediateSize: 256,
		ContextSize:      64,
	}
}

// Hook receives the activation tensor at a named site and returns the tensor
// to substitute downstream. The returned tensor must have the same shape.
type Hook func(site string, act device.Tensor) (device.Tensor, error)

// Model is a pre-norm decoder transformer with named activation sites.
// Activations flow as (batch*seq, hidden) tensors on a single backend.
type Model struct {
	Config  Config
	Backend device.Backend

	TokenEmbedding device.Tensor // (vocab, hidden)
	PosEmbedding   device.Tensor // (context, hidden)
	Blocks         []*Block
	FinalNorm      *LayerNorm
	Unembed        device.Tensor // (hidden, vocab)
}

// Block is one transformer layer: attention and MLP sublayers with
// pre-normalization and residual connections.
type Block struct {
	LN1  *LayerNorm
	Attn *SelfAttention
	LN2  *LayerNorm
	MLP  *MLP
}

// LayerNorm holds per-feature gain and shift.
type LayerNorm struct {
	Gamma []float32
	Beta  []float32
	Eps   float32
}

func NewLayerNorm(size int) *LayerNorm {
	gamma := make([]float32, size)
	for i := range gamma {
		gamma[i] = 1.0
	}
	return &LayerNorm{
		Gamma: gamma,
		Beta:  make([]float32, size),
		Eps:   1e-5,
	}
}

// Forward normalizes in-place and returns its input.
func (l *LayerNorm) Forward(x device.Tensor) device.Tensor {
	x.LayerNorm(l.Gamma, l.Beta, l.Eps)
	return x
}

// New creates a model with Xavier-initialized weights from the given seed.
func New(config Config, backend device.Backend, seed int64) *Model {
	rng := rand.New(rand.NewSource(seed))

	m := &Model{
		Config:         config,
		Backend:        backend,
		TokenEmbedding: backend.NewTensor(config.VocabSize, config.HiddenSize, nil),
		PosEmbedding:   backend.NewTensor(config.ContextSize, config.HiddenSize, nil),
		Blocks:         make([]*Block, config.NumLayers),
		FinalNorm:      NewLayerNorm(config.HiddenSize),
		Unembed:        backend.NewTensor(config.HiddenSize, config.VocabSize, nil),
	}
	for i := range m.Blocks {
		m.Blocks[i] = &Block{
			LN1:  NewLayerNorm(config.HiddenSize),
			Attn: NewSelfAttention(config, backend),
			LN2:  NewLayerNorm(config.HiddenSize),
			MLP:  NewMLP(config, backend),
		}
	}

	xavierInit(rng, m.TokenEmbedding)
	xavierInit(rng, m.PosEmbedding)
	xavierInit(rng, m.Unembed)
	for _, b := range m.Blocks {
		xavierInit(rng, b.Attn.Query)
		xavierInit(rng, b.Attn.Key)
		xavierInit(rng, b.Attn.Value)
		xavierInit(rng, b.Attn.Output)
		xavierInit(rng, b.MLP.WIn)
		xavierInit(rng, b.MLP.WOut)
	}
	return m
}

// xavierInit fills a tensor with Xavier/Glorot uniform values.
func xavierInit(rng *rand.Rand, t device.Tensor) {
	r, c := t.Dims()
	limit := float32(math.Sqrt(6.0 / float64(r+c)))

	data := make([]float32, r*c)
	for i := range data {
		data[i] = (rng.Float32()*2 - 1) * limit
	}
	t.CopyFromFloat32(data)
}

// Output carries the results of a model run. Logits is (batch*seq, vocab)
// and Loss is (batch, seq-1); both are nil when the run stopped early.
type Output struct {
	Logits device.Tensor
	Loss   device.Tensor
}

// Run executes the forward pass over a batch of equal-length sequences.
// hooks maps site names to replacement functions; stopAtLayer < 0 runs to
// the logits, otherwise the pass stops after completing that layer and the
// returned Output has nil Logits/Loss.
func (m *Model) Run(tokens [][]int, hooks map[string]Hook, stopAtLayer int) (*Output, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("model: empty token batch")
	}
	seqLen := len(tokens[0])
	for i, seq := range tokens {
		if len(seq) != seqLen {
			return nil, fmt.Errorf("model: ragged batch, sequence %d has length %d, want %d", i, len(seq), seqLen)
		}
	}
	if seqLen > m.Config.ContextSize {
		return nil, fmt.Errorf("model: sequence length %d exceeds context size %d", seqLen, m.Config.ContextSize)
	}
	for site := range hooks {
		layer, _, err := ParseSite(site)
		if err != nil {
			return nil, err
		}
		if layer >= m.Config.NumLayers {
			return nil, fmt.Errorf("model: hook site %q beyond %d layers", site, m.Config.NumLayers)
		}
	}

	batchSize := len(tokens)
	x := m.embed(tokens, batchSize, seqLen)

	for li, block := range m.Blocks {
		var err error
		x, err = m.runBlock(li, block, x, hooks, batchSize, seqLen)
		if err != nil {
			return nil, err
		}
		if stopAtLayer >= 0 && li >= stopAtLayer {
			return &Output{}, nil
		}
	}

	m.FinalNorm.Forward(x)

	rows, _ := x.Dims()
	logits := m.Backend.GetTensor(rows, m.Config.VocabSize)
	logits.Mul(x, m.Unembed)

	loss := m.perTokenLoss(logits, tokens, batchSize, seqLen)
	return &Output{Logits: logits, Loss: loss}, nil
}

func (m *Model) embed(tokens [][]int, batchSize, seqLen int) device.Tensor {
	flat := make([]int, 0, batchSize*seqLen)
	pos := make([]int, 0, batchSize*seqLen)
	for _, seq := range tokens {
		for p, id := range seq {
			flat = append(flat, id)
			pos = append(pos, p)
		}
	}
	x := m.TokenEmbedding.Gather(flat)
	x.Add(m.PosEmbedding.Gather(pos))
	return x
}

func (m *Model) runBlock(layer int, block *Block, x device.Tensor, hooks map[string]Hook, batchSize, seqLen int) (device.Tensor, error) {
	rows, cols := x.Dims()

	// Attention sublayer with residual
	normed := m.Backend.GetTensor(rows, cols)
	normed.Copy(x)
	block.LN1.Forward(normed)
	attnOut := block.Attn.Forward(normed, batchSize, seqLen)
	m.Backend.PutTensor(normed)
	x.Add(attnOut)
	m.Backend.PutTensor(attnOut)

	// MLP sublayer with residual; both MLP sites are hookable
	mlpIn := m.Backend.GetTensor(rows, cols)
	mlpIn.Copy(x)
	block.LN2.Forward(mlpIn)

	mlpIn, err := m.applyHook(hooks, MLPInSite(layer), mlpIn)
	if err != nil {
		return nil, err
	}

	mlpOut := block.MLP.Forward(mlpIn)

	mlpOut, err = m.applyHook(hooks, MLPOutSite(layer), mlpOut)
	if err != nil {
		return nil, err
	}

	x.Add(mlpOut)
	return x, nil
}

func (m *Model) applyHook(hooks map[string]Hook, site string, act device.Tensor) (device.Tensor, error) {
	hook, ok := hooks[site]
	if !ok {
		return act, nil
	}
	r, c := act.Dims()
	replaced, err := hook(site, act)
	if err != nil {
		return nil, fmt.Errorf("hook at %s: %w", site, err)
	}
	rr, rc := replaced.Dims()
	if rr != r || rc != c {
		return nil, fmt.Errorf("hook at %s returned shape (%d,%d), want (%d,%d)", site, rr, rc, r, c)
	}
	return replaced, nil
}

// perTokenLoss computes the next-token cross-entropy per position. The last
// position of each sequence has no target, so the result is (batch, seq-1).
func (m *Model) perTokenLoss(logits device.Tensor, tokens [][]int, batchSize, seqLen int) device.Tensor {
	loss := m.Backend.NewTensor(batchSize, seqLen-1, nil)
	for b := 0; b < batchSize; b++ {
		for p := 0; p < seqLen-1; p++ {
			row := logits.Row(b*seqLen + p)
			target := tokens[b][p+1]
			loss.Set(b, p, crossEntropy(row, target))
		}
	}
	return loss
}

// crossEntropy is -log softmax(row)[target], computed with a stable
// log-sum-exp in float64.
func crossEntropy(row []float32, target int) float32 {
	max := row[0]
	for _, v := range row {
		if v > max {
			max = v
		}
	}
	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v - max))
	}
	logSumExp := float64(max) + math.Log(sum)
	return float32(logSumExp - float64(row[target]))
}

// SelfAttention is causal multi-head attention over flattened activations.
type SelfAttention struct {
	Backend  device.Backend
	NumHeads int
	HeadSize int

	Query  device.Tensor
	Key    device.Tensor
	Value  device.Tensor
	Output device.Tensor
}

func NewSelfAttention(config Config, backend device.Backend) *SelfAttention {
	return &SelfAttention{
		Backend:  backend,
		NumHeads: config.NumHeads,
		HeadSize: config.HiddenSize / config.NumHeads,
		Query:    backend.NewTensor(config.HiddenSize, config.HiddenSize, nil),
		Key:      backend.NewTensor(config.HiddenSize, config.HiddenSize, nil),
		Value:    backend.NewTensor(config.HiddenSize, config.HiddenSize, nil),
		Output:   backend.NewTensor(config.HiddenSize, config.HiddenSize, nil),
	}
}

// Forward computes causal attention per sequence and head.
func (s *SelfAttention) Forward(x device.Tensor, batchSize, seqLen int) device.Tensor {
	rows, cols := x.Dims()

	q := project(s.Backend, x, s.Query)
	k := project(s.Backend, x, s.Key)
	v := project(s.Backend, x, s.Value)

	ctx := s.Backend.GetTensor(rows, cols)
	scale := float32(1.0 / math.Sqrt(float64(s.HeadSize)))

	for b := 0; b < batchSize; b++ {
		offset := b * seqLen
		for h := 0; h < s.NumHeads; h++ {
			hOff := h * s.HeadSize
			scores := make([]float32, seqLen)
			for qi := 0; qi < seqLen; qi++ {
				qRow := q.Row(offset + qi)[hOff : hOff+s.HeadSize]
				// Causal: keys at positions <= qi only
				for ki := 0; ki <= qi; ki++ {
					kRow := k.Row(offset + ki)[hOff : hOff+s.HeadSize]
					scores[ki] = simd.DotProduct(qRow, kRow) * scale
				}
				simd.SoftmaxFast(scores[:qi+1])

				out := ctx.Row(offset + qi)[hOff : hOff+s.HeadSize]
				for ki := 0; ki <= qi; ki++ {
					vRow := v.Row(offset + ki)[hOff : hOff+s.HeadSize]
					simd.VecAddScaled(out, vRow, scores[ki])
				}
			}
		}
	}

	s.Backend.PutTensor(q)
	s.Backend.PutTensor(k)
	s.Backend.PutTensor(v)

	out := project(s.Backend, ctx, s.Output)
	s.Backend.PutTensor(ctx)
	return out
}

func project(backend device.Backend, input, weight device.Tensor) device.Tensor {
	r, _ := input.Dims()
	_, wc := weight.Dims()

	output := backend.GetTensor(r, wc)
	output.Mul(input, weight)
	return output
}
