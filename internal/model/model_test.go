package model

import (
	"errors"
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/23skdu/longbow-assay/internal/config"
	"github.com/23skdu/longbow-assay/internal/gguf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func maxOf(tokens []int) int {
	m := tokens[0]
	for _, t := range tokens[1:] {
		if t > m {
			m = t
		}
	}
	return m
}

func forEachSequence(vocab, n int, fn func([]int)) {
	seq := make([]int, n)
	var rec func(i int)
	rec = func(i int) {
		if i == n {
			fn(seq)
			return
		}
		for t := 0; t < vocab; t++ {
			seq[i] = t
			rec(i + 1)
		}
	}
	rec(0)
}

func TestMaxOfNIsPerfect(t *testing.T) {
	tests := []struct {
		vocab, n int
	}{
		{4, 2},
		{6, 3},
		{5, 1},
	}
	for _, tt := range tests {
		m, err := MaxOfN(DefaultMaxOfN(tt.vocab, tt.n))
		require.NoError(t, err)
		forEachSequence(tt.vocab, tt.n, func(seq []int) {
			got, err := m.Predict(seq)
			require.NoError(t, err)
			require.Equal(t, maxOf(seq), got, "sequence %v", seq)
		})
	}
}

func TestMaxOfNValueLogits(t *testing.T) {
	m, err := MaxOfN(DefaultMaxOfN(4, 2))
	require.NoError(t, err)
	logits, err := m.Forward([]int{3, 3})
	require.NoError(t, err)
	for o, l := range logits {
		assert.InDelta(t, float64(2*o*3-o*o), l, 1e-9)
	}
}

func TestForwardRejects(t *testing.T) {
	m, err := MaxOfN(DefaultMaxOfN(4, 2))
	require.NoError(t, err)

	_, err = m.Forward(nil)
	assert.Error(t, err)
	_, err = m.Forward([]int{0, 1, 2})
	assert.Error(t, err)
	_, err = m.Forward([]int{0, 4})
	assert.Error(t, err)
}

func TestForwardShorterPrefix(t *testing.T) {
	m, err := MaxOfN(DefaultMaxOfN(5, 3))
	require.NoError(t, err)
	got, err := m.Predict([]int{1, 4})
	require.NoError(t, err)
	assert.Equal(t, 4, got)
}

func TestValidateCatchesShapes(t *testing.T) {
	m, err := MaxOfN(DefaultMaxOfN(4, 2))
	require.NoError(t, err)

	broken := m.Clone()
	broken.Blocks[0].Heads[0].WO = nil
	assert.True(t, errors.Is(broken.Validate(), ErrShape))

	broken = m.Clone()
	broken.Config.NCtx = 3
	assert.True(t, errors.Is(broken.Validate(), ErrShape))

	broken = m.Clone()
	broken.Blocks = nil
	assert.True(t, errors.Is(broken.Validate(), ErrShape))
}

func TestCheckFinite(t *testing.T) {
	m, err := MaxOfN(DefaultMaxOfN(4, 2))
	require.NoError(t, err)
	require.NoError(t, m.CheckFinite())

	bad := m.Clone()
	bad.U.Set(0, 0, math.NaN())
	assert.Error(t, bad.CheckFinite())
}

func TestContentHash(t *testing.T) {
	m, err := MaxOfN(DefaultMaxOfN(4, 2))
	require.NoError(t, err)

	assert.Len(t, m.ContentHash(), 32)
	assert.Equal(t, m.ContentID(), m.Clone().ContentID())

	renamed := m.Clone()
	renamed.Config.Name = "other"
	assert.Equal(t, m.ContentID(), renamed.ContentID(), "name is not content")

	nudged := m.Clone()
	nudged.E.Set(0, 0, math.Nextafter(nudged.E.At(0, 0), math.Inf(1)))
	assert.NotEqual(t, m.ContentID(), nudged.ContentID())

	rescaled := m.Clone()
	rescaled.Config.AttnScale = 2
	assert.NotEqual(t, m.ContentID(), rescaled.ContentID())
}

func TestGGUFRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	cfg := config.Default()
	cfg.VocabSize, cfg.VocabSizeOut, cfg.DModel, cfg.DHead = 8, 8, 6, 3
	cfg.Layers, cfg.Heads = 2, 2
	cfg.Seed = 17
	m, err := Random(cfg, rng)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "m.gguf")
	require.NoError(t, m.Save(path, gguf.GGMLTypeF64))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, m.Config, loaded.Config)
	assert.Equal(t, m.ContentID(), loaded.ContentID())

	seq := []int{3, 7}
	want, err := m.Forward(seq)
	require.NoError(t, err)
	got, err := loaded.Forward(seq)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestGGUFRoundTripF32IsClose(t *testing.T) {
	m, err := MaxOfN(DefaultMaxOfN(4, 2))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "m32.gguf")
	require.NoError(t, m.Save(path, gguf.GGMLTypeF32))
	loaded, err := Load(path)
	require.NoError(t, err)

	r, c := m.U.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			assert.InDelta(t, m.U.At(i, j), loaded.U.At(i, j), 1e-6)
		}
	}
}

func TestNoiseHelpers(t *testing.T) {
	m, err := MaxOfN(DefaultMaxOfN(4, 2))
	require.NoError(t, err)

	noisy := m.WithDirectNoise(0.5, rand.New(rand.NewPCG(2, 2)))
	assert.NotEqual(t, m.ContentID(), noisy.ContentID())
	for j := 0; j < 4; j++ {
		assert.Equal(t, m.U.At(2, j), noisy.U.At(2, j))
		assert.Equal(t, m.U.At(3, j), noisy.U.At(3, j))
	}

	same := m.WithNoise(0, rand.New(rand.NewPCG(3, 3)))
	assert.Equal(t, m.ContentID(), same.ContentID())
}

func TestMaxOfNRejectsBadOptions(t *testing.T) {
	_, err := MaxOfN(MaxOfNOptions{Vocab: 1, NCtx: 2, Bias: 1, Sharpness: 1})
	assert.Error(t, err)
	_, err = MaxOfN(MaxOfNOptions{Vocab: 4, NCtx: 2, Bias: 0, Sharpness: 1})
	assert.Error(t, err)
}

func TestName(t *testing.T) {
	m, err := MaxOfN(DefaultMaxOfN(4, 2))
	require.NoError(t, err)
	assert.Equal(t, "max-of-2-handcrafted", m.Name())
	m.Config.Name = ""
	assert.Equal(t, "attnonly-l1-h1-v4-n2", m.Name())
}
