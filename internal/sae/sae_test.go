package sae

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bmac3/jacobian-saes/internal/device"
)

func testPair(t *testing.T, useJacobian bool) *Pair {
	t.Helper()
	p, err := NewRandom(Config{
		DModel:      8,
		DSae:        32,
		K:           4,
		HookLayer:   0,
		UseJacobian: useJacobian,
	}, device.NewCPUBackend(), 7)
	require.NoError(t, err)
	return p
}

func TestEncodeRespectsSparsityBudget(t *testing.T) {
	p := testPair(t, true)

	acts := p.Backend.NewTensor(5, 8, nil)
	for i := 0; i < 5; i++ {
		for j := 0; j < 8; j++ {
			acts.Set(i, j, float32(i*8+j)*0.1-2)
		}
	}

	feats, indices := p.EncodeTopK(acts, SiteInput)

	r, c := feats.Dims()
	require.Equal(t, 5, r)
	require.Equal(t, 32, c)
	require.Len(t, indices, 5)

	for i := 0; i < 5; i++ {
		require.Len(t, indices[i], p.Config.K)

		// Indices must be unique per token
		seen := map[int]bool{}
		for _, idx := range indices[i] {
			require.False(t, seen[idx], "duplicate index %d in row %d", idx, i)
			seen[idx] = true
		}

		// At most k nonzero activations, all non-negative, all at kept indices
		nonzero := 0
		for j := 0; j < 32; j++ {
			v := feats.At(i, j)
			require.GreaterOrEqual(t, v, float32(0))
			if v > 0 {
				nonzero++
				require.True(t, seen[j], "nonzero activation at unkept index %d", j)
			}
		}
		require.LessOrEqual(t, nonzero, p.Config.K)
	}
}

func TestTopKSelectsLargest(t *testing.T) {
	p := testPair(t, false)

	acts := p.Backend.NewTensor(1, 8, nil)
	for j := 0; j < 8; j++ {
		acts.Set(0, j, float32(j))
	}

	feats, indices := p.EncodeTopK(acts, SiteInput)
	row := feats.Row(0)

	// Every zeroed activation must be <= the smallest kept one
	minKept := float32(1e30)
	for _, idx := range indices[0] {
		if row[idx] < minKept {
			minKept = row[idx]
		}
	}

	pre := p.Backend.GetTensor(1, p.Config.DSae)
	pre.Mul(acts, p.WEnc(SiteInput))
	pre.AddBias(p.BEnc(SiteInput))
	kept := map[int]bool{}
	for _, idx := range indices[0] {
		kept[idx] = true
	}
	for j := 0; j < p.Config.DSae; j++ {
		if kept[j] {
			continue
		}
		require.LessOrEqual(t, relu(pre.At(0, j)), minKept)
	}
}

func TestDecodeShape(t *testing.T) {
	p := testPair(t, false)

	feats := p.Backend.NewTensor(3, 32, nil)
	feats.Set(0, 1, 1)
	out := p.Decode(feats, SiteInput)

	r, c := out.Dims()
	require.Equal(t, 3, r)
	require.Equal(t, 8, c)
}

func TestSites(t *testing.T) {
	require.Equal(t, []Site{SiteInput}, Sites(false))
	require.Equal(t, []Site{SiteInput, SiteOutput}, Sites(true))
	require.Equal(t, "", SiteInput.Suffix())
	require.Equal(t, "2", SiteOutput.Suffix())
}

func TestCheckpointRoundTrip(t *testing.T) {
	p := testPair(t, true)
	path := filepath.Join(t.TempDir(), "pair.cbor")

	require.NoError(t, p.Save(path))

	loaded, err := Load(path, p.Backend)
	require.NoError(t, err)
	require.Equal(t, p.Config, loaded.Config)
	require.Equal(t, p.WEnc(SiteInput).ToHost(), loaded.WEnc(SiteInput).ToHost())
	require.Equal(t, p.WDec(SiteOutput).ToHost(), loaded.WDec(SiteOutput).ToHost())

	// Loaded pair must encode identically
	acts := p.Backend.NewTensor(2, 8, []float32{
		1, 0, -1, 2, 0.5, -0.5, 3, 0,
		0, 1, 2, -2, 1.5, 0.5, -3, 1,
	})
	a := p.Encode(acts, SiteInput).ToHost()
	b := loaded.Encode(acts, SiteInput).ToHost()
	require.Equal(t, a, b)
}

func TestConfigValidation(t *testing.T) {
	_, err := NewRandom(Config{DModel: 8, DSae: 4, K: 5}, device.NewCPUBackend(), 1)
	require.Error(t, err)

	_, err = NewRandom(Config{DModel: 0, DSae: 4, K: 2}, device.NewCPUBackend(), 1)
	require.Error(t, err)
}
