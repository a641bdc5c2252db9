package sae

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/bmac3/jacobian-saes/internal/device"
)

// checkpoint is the on-disk CBOR layout of a pair. Weights are stored
// row-major per site.
type checkpoint struct {
	Config Config       `cbor:"config"`
	WEnc   [2][]float32 `cbor:"w_enc"`
	WDec   [2][]float32 `cbor:"w_dec"`
	BEnc   [2][]float32 `cbor:"b_enc"`
	BDec   [2][]float32 `cbor:"b_dec"`
}

// Save writes the pair to a CBOR checkpoint file.
func (p *Pair) Save(path string) error {
	ckpt := checkpoint{Config: p.Config}
	for s := 0; s < 2; s++ {
		ckpt.WEnc[s] = p.wEnc[s].ToHost()
		ckpt.WDec[s] = p.wDec[s].ToHost()
		ckpt.BEnc[s] = append([]float32(nil), p.bEnc[s]...)
		ckpt.BDec[s] = append([]float32(nil), p.bDec[s]...)
	}

	data, err := cbor.Marshal(ckpt)
	if err != nil {
		return fmt.Errorf("sae: encode checkpoint: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("sae: write checkpoint: %w", err)
	}
	return nil
}

// Load reads a CBOR checkpoint and materializes the pair on the backend.
func Load(path string, backend device.Backend) (*Pair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sae: read checkpoint: %w", err)
	}

	var ckpt checkpoint
	if err := cbor.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("sae: decode checkpoint: %w", err)
	}
	if err := ckpt.Config.validate(); err != nil {
		return nil, err
	}

	cfg := ckpt.Config
	p := &Pair{Config: cfg, Backend: backend}
	for s := 0; s < 2; s++ {
		if len(ckpt.WEnc[s]) != cfg.DModel*cfg.DSae || len(ckpt.WDec[s]) != cfg.DSae*cfg.DModel {
			return nil, fmt.Errorf("sae: checkpoint weight size mismatch for site %d", s)
		}
		if len(ckpt.BEnc[s]) != cfg.DSae || len(ckpt.BDec[s]) != cfg.DModel {
			return nil, fmt.Errorf("sae: checkpoint bias size mismatch for site %d", s)
		}
		p.wEnc[s] = backend.NewTensor(cfg.DModel, cfg.DSae, ckpt.WEnc[s])
		p.wDec[s] = backend.NewTensor(cfg.DSae, cfg.DModel, ckpt.WDec[s])
		p.bEnc[s] = ckpt.BEnc[s]
		p.bDec[s] = ckpt.BDec[s]
	}
	return p, nil
}
