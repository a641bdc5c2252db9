// Package sae implements the sparse-autoencoder pair attached to the two
// activation sites around one MLP: the input SAE on the normalized MLP
// input, the output SAE on the MLP output.
package sae

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/bmac3/jacobian-saes/internal/device"
)

// Site selects which half of the pair an operation addresses.
type Site int

const (
	SiteInput Site = iota
	SiteOutput
)

// Suffix returns the metric-name suffix for the site. The output-site
// duplicate of every metric historically carries a "2"; this is produced
// only at the naming boundary so serialized keys stay stable.
func (s Site) Suffix() string {
	if s == SiteOutput {
		return "2"
	}
	return ""
}

func (s Site) String() string {
	if s == SiteOutput {
		return "output"
	}
	return "input"
}

// Sites returns the sites to evaluate: both when the pair was trained
// jointly with the Jacobian objective, otherwise just the input site.
func Sites(useJacobian bool) []Site {
	if useJacobian {
		return []Site{SiteInput, SiteOutput}
	}
	return []Site{SiteInput}
}

// Config describes the pair. Both SAEs share the model dimension, feature
// count and sparsity budget.
type Config struct {
	DModel      int  `cbor:"d_model"`
	DSae        int  `cbor:"d_sae"`
	K           int  `cbor:"k"`
	HookLayer   int  `cbor:"hook_layer"`
	UseJacobian bool `cbor:"use_jacobian"`
}

func (c Config) validate() error {
	if c.DModel <= 0 || c.DSae <= 0 {
		return fmt.Errorf("sae: non-positive dimensions %d/%d", c.DModel, c.DSae)
	}
	if c.K <= 0 || c.K > c.DSae {
		return fmt.Errorf("sae: sparsity budget k=%d out of range (d_sae=%d)", c.K, c.DSae)
	}
	return nil
}

// Pair holds encoder/decoder weights for both sites on one backend.
type Pair struct {
	Config  Config
	Backend device.Backend

	wEnc [2]device.Tensor // (dModel, dSae)
	wDec [2]device.Tensor // (dSae, dModel)
	bEnc [2][]float32
	bDec [2][]float32
}

// NewRandom creates a pair with small random weights, usable for smoke
// runs and tests. Decoder rows are unit-normalized.
func NewRandom(cfg Config, backend device.Backend, seed int64) (*Pair, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))

	p := &Pair{Config: cfg, Backend: backend}
	for s := 0; s < 2; s++ {
		p.wEnc[s] = randomTensor(rng, backend, cfg.DModel, cfg.DSae)
		p.wDec[s] = randomTensor(rng, backend, cfg.DSae, cfg.DModel)
		normalizeRows(p.wDec[s])
		p.bEnc[s] = make([]float32, cfg.DSae)
		p.bDec[s] = make([]float32, cfg.DModel)
	}
	return p, nil
}

func randomTensor(rng *rand.Rand, backend device.Backend, r, c int) device.Tensor {
	limit := float32(math.Sqrt(6.0 / float64(r+c)))
	data := make([]float32, r*c)
	for i := range data {
		data[i] = (rng.Float32()*2 - 1) * limit
	}
	return backend.NewTensor(r, c, data)
}

func normalizeRows(t device.Tensor) {
	r, c := t.Dims()
	for i := 0; i < r; i++ {
		row := t.Row(i)
		var sq float64
		for _, v := range row {
			sq += float64(v) * float64(v)
		}
		norm := float32(math.Sqrt(sq))
		if norm == 0 {
			continue
		}
		for j := 0; j < c; j++ {
			row[j] /= norm
		}
	}
}

// WEnc returns the (dModel, dSae) encoder weight for a site.
func (p *Pair) WEnc(site Site) device.Tensor { return p.wEnc[site] }

// WDec returns the (dSae, dModel) decoder weight for a site.
func (p *Pair) WDec(site Site) device.Tensor { return p.wDec[site] }

// BEnc returns the encoder bias for a site.
func (p *Pair) BEnc(site Site) []float32 { return p.bEnc[site] }

// BDec returns the decoder bias for a site.
func (p *Pair) BDec(site Site) []float32 { return p.bDec[site] }

// Encode maps activations (rows, dModel) to sparse feature activations
// (rows, dSae): ReLU of the affine encoder, with everything below each
// row's k-th largest value zeroed.
func (p *Pair) Encode(acts device.Tensor, site Site) device.Tensor {
	feats, _ := p.encode(acts, site, false)
	return feats
}

// EncodeTopK is Encode plus, per row, the indices of the k surviving
// features sorted by descending activation. Indices are unique per row.
func (p *Pair) EncodeTopK(acts device.Tensor, site Site) (device.Tensor, [][]int) {
	return p.encode(acts, site, true)
}

func (p *Pair) encode(acts device.Tensor, site Site, wantIndices bool) (device.Tensor, [][]int) {
	rows, _ := acts.Dims()
	k := p.Config.K

	pre := p.Backend.GetTensor(rows, p.Config.DSae)
	pre.Mul(acts, p.wEnc[site])
	pre.AddBias(p.bEnc[site])

	feats := p.Backend.NewTensor(rows, p.Config.DSae, nil)
	var indices [][]int
	if wantIndices {
		indices = make([][]int, rows)
	}

	order := make([]int, p.Config.DSae)
	for i := 0; i < rows; i++ {
		row := pre.Row(i)
		for j := range order {
			order[j] = j
		}
		// Descending by post-ReLU value; ties broken by index so the
		// selection is deterministic.
		sort.SliceStable(order, func(a, b int) bool {
			va, vb := relu(row[order[a]]), relu(row[order[b]])
			if va != vb {
				return va > vb
			}
			return order[a] < order[b]
		})

		kept := make([]int, k)
		copy(kept, order[:k])
		for _, j := range kept {
			feats.Set(i, j, relu(row[j]))
		}
		if wantIndices {
			indices[i] = kept
		}
	}
	p.Backend.PutTensor(pre)
	return feats, indices
}

func relu(v float32) float32 {
	if v < 0 {
		return 0
	}
	return v
}

// Decode maps feature activations (rows, dSae) back to model space
// (rows, dModel).
func (p *Pair) Decode(feats device.Tensor, site Site) device.Tensor {
	rows, _ := feats.Dims()
	out := p.Backend.GetTensor(rows, p.Config.DModel)
	out.Mul(feats, p.wDec[site])
	out.AddBias(p.bDec[site])
	return out
}
