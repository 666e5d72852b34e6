package verify

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/23skdu/longbow-assay/internal/config"
	"github.com/23skdu/longbow-assay/internal/instr"
	"github.com/23skdu/longbow-assay/internal/model"
	"github.com/23skdu/longbow-assay/internal/tricks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func maxOfN(t *testing.T, vocab, n int) *model.Model {
	t.Helper()
	m, err := model.MaxOfN(model.DefaultMaxOfN(vocab, n))
	require.NoError(t, err)
	return m
}

func TestPerfectModelCertifiesFully(t *testing.T) {
	for _, tc := range []struct{ vocab, n int }{{4, 2}, {5, 3}, {6, 1}} {
		m := maxOfN(t, tc.vocab, tc.n)
		for _, tr := range []tricks.Tricks{{}, tricks.Default()} {
			res, err := Verify(context.Background(), m, tr, Options{Check: true})
			require.NoError(t, err, "%s", tr)
			assert.Equal(t, 1.0, res.AccuracyLowerBound, "vocab=%d n=%d %s", tc.vocab, tc.n, tr)
			assert.Equal(t, uint64(0), res.Dropped)
			assert.Equal(t, res.Total, res.Certified)
		}
	}
}

func TestBoundNonIncreasingInDirectNoise(t *testing.T) {
	base := maxOfN(t, 6, 2)
	prev := 2.0
	var last float64
	for _, eps := range []float64{0, 0.01, 0.1, 1, 10, 100} {
		noisy := base.WithDirectNoise(eps, rand.New(rand.NewPCG(42, 42)))
		res, err := Verify(context.Background(), noisy, tricks.Default(), Options{})
		require.NoError(t, err)
		assert.LessOrEqual(t, res.AccuracyLowerBound, prev, "eps=%g", eps)
		prev = res.AccuracyLowerBound
		last = res.AccuracyLowerBound
		if eps == 0 {
			assert.Equal(t, 1.0, res.AccuracyLowerBound)
		}
	}
	assert.Less(t, last, 1.0)
}

func TestEveryTrickIsNoTighterThanExact(t *testing.T) {
	m := maxOfN(t, 5, 3).WithNoise(0.2, rand.New(rand.NewPCG(7, 7)))
	exact, err := Verify(context.Background(), m, tricks.Tricks{}, Options{})
	require.NoError(t, err)
	for _, tr := range tricks.All() {
		res, err := Verify(context.Background(), m, tr, Options{})
		require.NoError(t, err, "%s", tr)
		assert.LessOrEqual(t, res.Certified, exact.Certified, "%s", tr)
	}
}

func TestBoundIsSound(t *testing.T) {
	models := map[string]*model.Model{
		"noisy max":       maxOfN(t, 5, 3).WithNoise(0.3, rand.New(rand.NewPCG(1, 9))),
		"noisy max short": maxOfN(t, 8, 2).WithNoise(0.5, rand.New(rand.NewPCG(2, 9))),
	}
	cfg := config.Default()
	cfg.VocabSize, cfg.VocabSizeOut, cfg.NCtx, cfg.DModel, cfg.DHead, cfg.AttnScale = 4, 5, 3, 4, 4, 0.25
	random, err := model.Random(cfg, rand.New(rand.NewPCG(3, 9)))
	require.NoError(t, err)
	models["random wide output"] = random

	for name, m := range models {
		t.Run(name, func(t *testing.T) {
			bf, err := BruteForce(context.Background(), m, DefaultBruteForceLimit)
			require.NoError(t, err)
			for _, tr := range tricks.All() {
				res, err := Verify(context.Background(), m, tr, Options{})
				require.NoError(t, err, "%s", tr)
				assert.LessOrEqual(t, res.Certified, bf.Correct, "%s", tr)
				assert.Equal(t, bf.Total, res.Total)
			}
		})
	}
}

func TestVerifyRejects(t *testing.T) {
	ctx := context.Background()
	m := maxOfN(t, 4, 2)

	_, err := Verify(ctx, m, tricks.Tricks{Attention: 7}, Options{})
	assert.Error(t, err)

	_, err = Verify(ctx, nil, tricks.Default(), Options{})
	assert.Error(t, err)

	cfg := config.Default()
	cfg.VocabSize, cfg.VocabSizeOut, cfg.DModel, cfg.DHead, cfg.Layers = 4, 4, 4, 2, 2
	deep, err := model.Random(cfg, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)
	_, err = Verify(ctx, deep, tricks.Default(), Options{})
	assert.ErrorIs(t, err, ErrUnsupportedArchitecture)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = Verify(cancelled, m, tricks.Default(), Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInstructionCounting(t *testing.T) {
	m := maxOfN(t, 6, 3)

	plain, err := Verify(context.Background(), m, tricks.Default(), Options{})
	require.NoError(t, err)
	assert.Nil(t, plain.Instructions)

	count := func(tr tricks.Tricks) instr.Count {
		res, err := Verify(context.Background(), m, tr, Options{Counter: instr.New()})
		require.NoError(t, err)
		require.NotNil(t, res.Instructions)
		assert.Equal(t, plain.Certified, res.Certified, "counting must not change the proof")
		return *res.Instructions
	}
	first := count(tricks.Default())
	assert.Positive(t, first.Flop)
	assert.Positive(t, first.Branch)
	assert.Equal(t, first, count(tricks.Default()))

	// Counts come from the cost model, so a same-shape model with other
	// weights costs the same.
	noisy := m.WithNoise(0.3, rand.New(rand.NewPCG(5, 5)))
	res, err := Verify(context.Background(), noisy, tricks.Default(), Options{Counter: instr.New()})
	require.NoError(t, err)
	require.NotNil(t, res.Instructions)
	assert.Equal(t, first, *res.Instructions)
}

func TestResultFields(t *testing.T) {
	m := maxOfN(t, 4, 2)
	m.Config.Seed = 99
	res, err := Verify(context.Background(), m, tricks.Default(), Options{})
	require.NoError(t, err)

	assert.Equal(t, m.Name(), res.Model)
	assert.Equal(t, m.ContentID(), res.ModelID)
	assert.Equal(t, int64(99), res.Seed)
	assert.Equal(t, tricks.Default(), res.Tricks)
	assert.Equal(t, uint64(16), res.Total)
	assert.Zero(t, res.DroppedFraction())
	assert.Positive(t, res.Gap.Min)
	assert.GreaterOrEqual(t, res.ErrUpperBound, 0.0)
	assert.Positive(t, res.Duration)
}

func TestBruteForce(t *testing.T) {
	ctx := context.Background()
	m := maxOfN(t, 5, 2)

	res, err := BruteForce(ctx, m, DefaultBruteForceLimit)
	require.NoError(t, err)
	assert.Equal(t, uint64(25), res.Total)
	assert.Equal(t, res.Total, res.Correct)
	assert.Equal(t, 1.0, res.Accuracy)
	assert.Positive(t, res.MinMargin)
	assert.Len(t, res.WorstSeq, 2)
	assert.Less(t, res.Loss, 1.0)

	_, err = BruteForce(ctx, m, 24)
	assert.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = BruteForce(cancelled, m, DefaultBruteForceLimit)
	assert.ErrorIs(t, err, context.Canceled)
}

func buildCertifier(t *testing.T, m *model.Model, tr tricks.Tricks) *certifier {
	t.Helper()
	cir, err := newCircuit(m, nil)
	require.NoError(t, err)
	dec, err := cir.decompose(tr.Attention, DecomposeOptions{})
	require.NoError(t, err)
	gaps, err := BuildGapTable(dec, tr.Position, cir.scale, nil)
	require.NoError(t, err)
	return newCertifier(cir, tr, gaps, nil)
}

func TestPeeledDirectBoundIsTighter(t *testing.T) {
	m := maxOfN(t, 8, 3).WithDirectNoise(0.5, rand.New(rand.NewPCG(1, 1)))
	for _, eupu := range []tricks.EUPUHandling{tricks.EUPUMaxDiff, tricks.EUPUSVD} {
		tr := tricks.Default()
		tr.EUPU = eupu
		c := buildCertifier(t, m, tr)
		require.Len(t, c.residBound, 8, "%s", tr)
		require.Len(t, c.peelQ, 8)
		require.Len(t, c.peelOut, 8)
		for q := range c.residBound {
			assert.Less(t, c.residBound[q], c.eupuBound[q], "%s q=%d", tr, q)
		}

		res, err := Verify(context.Background(), m, tr, Options{})
		require.NoError(t, err)
		assert.InDelta(t, floats.Max(c.residBound), res.EUPUBound, 1e-9)
		assert.Less(t, res.EUPUBound, floats.Max(c.eupuBound), "%s", tr)
	}
}

func TestPeelingCertifiesMoreUnderDirectNoise(t *testing.T) {
	ctx := context.Background()
	base := maxOfN(t, 8, 3)
	var peeled, unpeeled uint64
	for _, eps := range []float64{0.02, 0.05, 0.1} {
		for seed := uint64(1); seed <= 3; seed++ {
			m := base.WithDirectNoise(eps, rand.New(rand.NewPCG(seed, seed)))
			c := buildCertifier(t, m, tricks.Default())
			got, err := c.run(ctx)
			require.NoError(t, err)
			c.peelQ = nil
			without, err := c.run(ctx)
			require.NoError(t, err)

			assert.GreaterOrEqual(t, got, without, "eps=%g seed=%d", eps, seed)
			bf, err := BruteForce(ctx, m, DefaultBruteForceLimit)
			require.NoError(t, err)
			assert.LessOrEqual(t, got, bf.Correct, "eps=%g seed=%d", eps, seed)
			peeled += got
			unpeeled += without
		}
	}
	assert.Greater(t, peeled, unpeeled)
}
