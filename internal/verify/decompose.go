package verify

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-assay/internal/decomp"
	"github.com/23skdu/longbow-assay/internal/instr"
	"github.com/23skdu/longbow-assay/internal/lowrank"
	"github.com/23skdu/longbow-assay/internal/model"
	"github.com/23skdu/longbow-assay/internal/tricks"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var ErrUnsupportedArchitecture = errors.New("verify: only one-layer one-head attention-only models are supported")

// circuit holds the path matrices every stage reads. Key-side embeddings
// absorb the mean position so that the position term is centered.
type circuit struct {
	vocab, vocabOut, nCtx int
	scale                 float64

	eq *mat.Dense // E + P[n-1], vocab × d_model
	ek *mat.Dense // E + mean(P), vocab × d_model
	pc *mat.Dense // P - mean(P), n_ctx × d_model
	u  *mat.Dense
	h  model.Head
}

func newCircuit(m *model.Model, ctr *instr.Counter) (*circuit, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	c := m.Config
	if c.Layers != 1 || !c.IsSingleHead() {
		return nil, fmt.Errorf("%w: %d layers, %d heads", ErrUnsupportedArchitecture, c.Layers, c.Heads)
	}
	n := c.NCtx
	mean := make([]float64, c.DModel)
	for i := 0; i < n; i++ {
		floats.Add(mean, m.P.RawRowView(i))
	}
	floats.Scale(1/float64(n), mean)

	cir := &circuit{
		vocab:    c.VocabSize,
		vocabOut: c.VocabSizeOut,
		nCtx:     n,
		scale:    c.AttnScale,
		eq:       mat.DenseCopyOf(m.E),
		ek:       mat.DenseCopyOf(m.E),
		pc:       mat.DenseCopyOf(m.P),
		u:        m.U,
		h:        m.Blocks[0].Heads[0],
	}
	last := m.P.RawRowView(n - 1)
	for t := 0; t < c.VocabSize; t++ {
		floats.Add(cir.eq.RawRowView(t), last)
		floats.Add(cir.ek.RawRowView(t), mean)
	}
	for i := 0; i < n; i++ {
		floats.Sub(cir.pc.RawRowView(i), mean)
	}
	ctr.Elementwise(n*c.DModel + 3*c.VocabSize*c.DModel + n*c.DModel)
	return cir, nil
}

// dModel and dHead are read off the head weights.
func (c *circuit) dims() (dModel, dHead int) {
	return c.h.WQ.Dims()
}

// project multiplies a through the chain left to right, recording each
// product.
func project(ctr *instr.Counter, a mat.Matrix, chain ...mat.Matrix) *mat.Dense {
	out := mat.DenseCopyOf(a)
	for _, b := range chain {
		r, k := out.Dims()
		_, cols := b.Dims()
		var next mat.Dense
		next.Mul(out, b)
		ctr.Matmul(r, k, cols)
		out = &next
	}
	return out
}

// queryKey is E_q·W_Q·W_Kᵀ·E_kᵀ computed as (E_q·W_Q)·(E_k·W_K)ᵀ.
func (c *circuit) queryKey(ctr *instr.Counter) *mat.Dense {
	return project(ctr, project(ctr, c.eq, c.h.WQ), project(ctr, c.ek, c.h.WK).T())
}

// queryPosition is EQKP, vocab × n_ctx.
func (c *circuit) queryPosition(ctr *instr.Counter) *mat.Dense {
	return project(ctr, project(ctr, c.eq, c.h.WQ), project(ctr, c.pc, c.h.WK).T())
}

// evou is E_k·W_V·W_O·U, vocab × vocab_out.
func (c *circuit) evou(ctr *instr.Counter) *mat.Dense {
	return project(ctr, c.ek, c.h.WV, c.h.WO, c.u)
}

// pvou is P_c·W_V·W_O·U, n_ctx × vocab_out.
func (c *circuit) pvou(ctr *instr.Counter) *mat.Dense {
	return project(ctr, c.pc, c.h.WV, c.h.WO, c.u)
}

// eupu is E_q·U, vocab × vocab_out.
func (c *circuit) eupu(ctr *instr.Counter) *mat.Dense {
	return project(ctr, c.eq, c.u)
}

// Decomposition splits the query-key score table into a part computed
// exactly and a residual that is only bounded.
//
// For every query q and keys i, j the true score difference satisfies
//
//	EQKE[q,i] - EQKE[q,j] >= QueryKey[q,i] - QueryKey[q,j] - ErrBound[q]
//
// and the position contribution EQKP is kept exact in Position.
type Decomposition struct {
	Attention tricks.AttentionHandling
	QueryKey  *mat.Dense // vocab × vocab
	Position  *mat.Dense // vocab × n_ctx
	ErrBound  []float64  // per query

	// Peeled directions and the residual factors they leave behind; nil
	// under exact handling.
	QueryDir, KeyDir     []float64
	ResidualQ, ResidualK *mat.Dense
}

// ErrUpperBound is the largest per-query residual bound.
func (d *Decomposition) ErrUpperBound() float64 {
	if len(d.ErrBound) == 0 {
		return 0
	}
	return floats.Max(d.ErrBound)
}

// DecomposeOptions tune Decompose.
type DecomposeOptions struct {
	// Check recomputes every low-rank composition densely and fails on
	// disagreement.
	Check   bool
	Counter *instr.Counter
}

// Decompose builds the query-key decomposition for the handling in t.
//
// Exact handling keeps the full score table and a zero error bound. The
// other handlings peel the dominant right singular direction off both the
// query and key embeddings. With E_q = EQc + EQe and E_k = EKc + EKe the
// peeled part EQc·QK·E_kᵀ + EQe·QK·EKcᵀ stays rank two and is computed
// exactly, and only EQe·QK·EKeᵀ is bounded, by max_row_diffs or by the
// SVD bound.
func Decompose(m *model.Model, t tricks.Tricks, opts DecomposeOptions) (*Decomposition, error) {
	cir, err := newCircuit(m, opts.Counter)
	if err != nil {
		return nil, err
	}
	return cir.decompose(t.Attention, opts)
}

func (c *circuit) decompose(h tricks.AttentionHandling, opts DecomposeOptions) (*Decomposition, error) {
	ctr := opts.Counter
	d := &Decomposition{
		Attention: h,
		Position:  c.queryPosition(ctr),
		ErrBound:  make([]float64, c.vocab),
	}
	if h == tricks.AttentionExact {
		d.QueryKey = c.queryKey(ctr)
		return d, nil
	}

	var lrOpts []lowrank.Option
	if opts.Check {
		lrOpts = append(lrOpts, lowrank.WithCheck(lowrank.DefaultAtol, lowrank.DefaultRtol))
	}
	dModel, dHead := c.dims()
	_, d.QueryDir, _ = decomp.TopSingularVectors(c.eq)
	_, d.KeyDir, _ = decomp.TopSingularVectors(c.ek)
	ctr.SVD(c.vocab, dModel)
	ctr.SVD(c.vocab, dModel)

	eqc, eqe := decomp.FactorRightContribution(c.eq, d.QueryDir, lrOpts...)
	ekc, eke := decomp.FactorRightContribution(c.ek, d.KeyDir, lrOpts...)
	ctr.Matmul(c.vocab, dModel, 1)
	ctr.Matmul(c.vocab, dModel, 1)
	ctr.Elementwise(2 * c.vocab * dModel)
	d.ResidualQ, d.ResidualK = eqe, eke

	wkT := c.h.WK.T()
	// EQc·W_Q·W_Kᵀ·E_kᵀ: the right factor grows 1×d → 1×vocab.
	peeledQ := eqc.MulDense(c.h.WQ).MulDense(wkT).MulDense(c.ek.T())
	ctr.Matmul(1, dModel, dHead)
	ctr.Matmul(1, dHead, dModel)
	ctr.Matmul(1, dModel, c.vocab)
	// EQe·W_Q·W_Kᵀ·EKcᵀ: the left factor grows d×1 → vocab×1.
	peeledK := ekc.Transpose().LeftMulDense(wkT).LeftMulDense(c.h.WQ).LeftMulDense(eqe)
	ctr.Matmul(dHead, dModel, 1)
	ctr.Matmul(dModel, dHead, 1)
	ctr.Matmul(c.vocab, dModel, 1)

	d.QueryKey = peeledQ.AddDense(peeledK.Dense())
	ctr.Matmul(c.vocab, 1, c.vocab)
	ctr.Matmul(c.vocab, 1, c.vocab)
	ctr.Elementwise(c.vocab * c.vocab)

	chain := []mat.Matrix{eqe, c.h.WQ, wkT, eke.T()}
	switch h {
	case tricks.AttentionMaxDiff:
		copy(d.ErrBound, decomp.MaxRowDiffsPerDim(chain...))
		ctr.RowDiffChain([]int{c.vocab, dModel, dHead, dModel, c.vocab})
	case tricks.AttentionSVD:
		b := decomp.BoundMaxRowDiffBySVD(chain...)
		for i := range d.ErrBound {
			d.ErrBound[i] = b
		}
		ctr.SVD(c.vocab, dModel)
		ctr.SVD(dModel, dHead)
		ctr.SVD(dHead, dModel)
		ctr.SVD(dModel, c.vocab)
	default:
		return nil, fmt.Errorf("verify: unknown attention handling %d", h)
	}

	if opts.Check {
		if err := d.check(c); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// check confirms that QueryKey plus the dense residual reproduces the full
// score table and that ErrBound covers the residual's row spread.
func (d *Decomposition) check(c *circuit) error {
	full := c.queryKey(nil)
	residual := project(nil, project(nil, d.ResidualQ, c.h.WQ), project(nil, d.ResidualK, c.h.WK).T())
	var sum mat.Dense
	sum.Add(d.QueryKey, residual)
	if !mat.EqualApprox(&sum, full, lowrank.DefaultRtol) {
		return fmt.Errorf("verify: query-key decomposition does not reproduce EQKE")
	}
	spread := decomp.MaxRowDiff(residual)
	for q, s := range spread {
		if s > d.ErrBound[q]*(1+lowrank.DefaultRtol)+lowrank.DefaultAtol {
			return fmt.Errorf("verify: residual spread %g exceeds bound %g at query %d", s, d.ErrBound[q], q)
		}
	}
	return nil
}
