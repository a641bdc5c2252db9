// Package store supplies token batches to the evaluators and carries the
// activation-normalization convention the SAEs were trained under.
package store

import (
	"fmt"

	"github.com/bmac3/jacobian-saes/internal/device"
)

// Normalization names the activation scaling mode.
type Normalization string

const (
	// NormalizationNone feeds raw activations to the SAE.
	NormalizationNone Normalization = ""
	// NormalizationExpectedOnlyIn scales activations so their expected
	// norm is one before encoding, and unscales reconstructions after
	// decoding.
	NormalizationExpectedOnlyIn Normalization = "expected_average_only_in"
)

// Source produces batches of equal-length token sequences.
type Source interface {
	// GetBatchTokens returns batchSize sequences of ContextSize tokens.
	GetBatchTokens(batchSize int) ([][]int, error)

	// Reset rewinds the source to its beginning.
	Reset()

	// ContextSize returns the fixed sequence length.
	ContextSize() int
}

// Store pairs a token source with the normalization convention.
type Store struct {
	Source
	Normalization Normalization

	// ScalingFactor multiplies activations entering the SAE when
	// NormalizationExpectedOnlyIn is active.
	ScalingFactor float32
}

// NewStore wraps a source. scalingFactor is ignored unless the mode
// requires it.
func NewStore(src Source, mode Normalization, scalingFactor float32) (*Store, error) {
	if mode == NormalizationExpectedOnlyIn && scalingFactor <= 0 {
		return nil, fmt.Errorf("store: normalization %q needs a positive scaling factor", mode)
	}
	return &Store{Source: src, Normalization: mode, ScalingFactor: scalingFactor}, nil
}

// ApplyNormScaling scales activations in-place for SAE consumption.
func (s *Store) ApplyNormScaling(t device.Tensor) {
	if s.Normalization == NormalizationExpectedOnlyIn {
		t.Scale(s.ScalingFactor)
	}
}

// Unscale undoes ApplyNormScaling on a reconstruction.
func (s *Store) Unscale(t device.Tensor) {
	if s.Normalization == NormalizationExpectedOnlyIn {
		t.Scale(1.0 / s.ScalingFactor)
	}
}

// MemorySource serves sequences from a token slice, chunked into
// fixed-length windows, cycling when exhausted.
type MemorySource struct {
	tokens      []int
	contextSize int
	cursor      int
}

func NewMemorySource(tokens []int, contextSize int) (*MemorySource, error) {
	if contextSize <= 0 {
		return nil, fmt.Errorf("store: non-positive context size %d", contextSize)
	}
	if len(tokens) < contextSize {
		return nil, fmt.Errorf("store: %d tokens cannot fill a context of %d", len(tokens), contextSize)
	}
	return &MemorySource{tokens: tokens, contextSize: contextSize}, nil
}

func (m *MemorySource) GetBatchTokens(batchSize int) ([][]int, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("store: non-positive batch size %d", batchSize)
	}
	batch := make([][]int, batchSize)
	for i := range batch {
		if m.cursor+m.contextSize > len(m.tokens) {
			m.cursor = 0
		}
		seq := make([]int, m.contextSize)
		copy(seq, m.tokens[m.cursor:m.cursor+m.contextSize])
		m.cursor += m.contextSize
		batch[i] = seq
	}
	return batch, nil
}

func (m *MemorySource) Reset() {
	m.cursor = 0
}

func (m *MemorySource) ContextSize() int {
	return m.contextSize
}
