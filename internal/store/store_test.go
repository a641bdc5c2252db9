package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bmac3/jacobian-saes/internal/device"
)

func TestMemorySourceChunksAndCycles(t *testing.T) {
	tokens := []int{0, 1, 2, 3, 4, 5, 6, 7}
	src, err := NewMemorySource(tokens, 4)
	require.NoError(t, err)

	batch, err := src.GetBatchTokens(2)
	require.NoError(t, err)
	require.Equal(t, [][]int{{0, 1, 2, 3}, {4, 5, 6, 7}}, batch)

	// Exhausted source cycles back to the start
	batch, err = src.GetBatchTokens(1)
	require.NoError(t, err)
	require.Equal(t, [][]int{{0, 1, 2, 3}}, batch)

	src.Reset()
	batch, err = src.GetBatchTokens(1)
	require.NoError(t, err)
	require.Equal(t, [][]int{{0, 1, 2, 3}}, batch)
}

func TestMemorySourceValidation(t *testing.T) {
	_, err := NewMemorySource([]int{1, 2}, 4)
	require.Error(t, err)

	src, err := NewMemorySource([]int{1, 2, 3, 4}, 2)
	require.NoError(t, err)
	_, err = src.GetBatchTokens(0)
	require.Error(t, err)
}

func TestStoreScaling(t *testing.T) {
	src, err := NewMemorySource([]int{1, 2, 3, 4}, 2)
	require.NoError(t, err)

	s, err := NewStore(src, NormalizationExpectedOnlyIn, 2.0)
	require.NoError(t, err)

	backend := device.NewCPUBackend()
	act := backend.NewTensor(1, 4, []float32{1, 2, 3, 4})

	s.ApplyNormScaling(act)
	require.Equal(t, []float32{2, 4, 6, 8}, act.ToHost())

	s.Unscale(act)
	require.Equal(t, []float32{1, 2, 3, 4}, act.ToHost())

	// None mode is a no-op
	none, err := NewStore(src, NormalizationNone, 0)
	require.NoError(t, err)
	none.ApplyNormScaling(act)
	require.Equal(t, []float32{1, 2, 3, 4}, act.ToHost())
}

func TestStoreScalingFactorRequired(t *testing.T) {
	src, err := NewMemorySource([]int{1, 2, 3, 4}, 2)
	require.NoError(t, err)
	_, err = NewStore(src, NormalizationExpectedOnlyIn, 0)
	require.Error(t, err)
}

func TestArrowRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.arrow")
	tokens := []int{10, 20, 30, 40, 50, 60}

	require.NoError(t, WriteArrowTokens(path, tokens))

	src, err := OpenArrowSource(path, 3)
	require.NoError(t, err)
	require.Equal(t, 3, src.ContextSize())

	batch, err := src.GetBatchTokens(2)
	require.NoError(t, err)
	require.Equal(t, [][]int{{10, 20, 30}, {40, 50, 60}}, batch)
}

func TestArrowMissingFile(t *testing.T) {
	_, err := OpenArrowSource(filepath.Join(t.TempDir(), "nope.arrow"), 4)
	require.Error(t, err)
}

func TestTokenizerNormalization(t *testing.T) {
	require.Equal(t, "cafe", Normalize("Café"))
	require.Equal(t, "uber", Normalize("Über"))
}

func TestTokenizerEncode(t *testing.T) {
	tok := NewTokenizer(map[string]int{"the": 1, "cat": 2, "sat": 3})

	ids := tok.Encode("The cat sat, the dog sat.")
	require.Equal(t, []int{1, 2, 3, 1, 0, 3}, ids)
}

func TestGrowingTokenizer(t *testing.T) {
	tok := NewGrowingTokenizer(3)

	ids := tok.Encode("a b a c")
	// a=1, b=2, then the cap is hit and c falls back to unk
	require.Equal(t, []int{1, 2, 1, 0}, ids)
}
