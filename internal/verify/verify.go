// Package verify certifies a lower bound on the max-of-N accuracy of a
// one-layer attention-only transformer without enumerating its inputs.
//
// Sequences are grouped into classes by query token, maximum token and the
// number of positions holding something other than the maximum. For each
// class the proof bounds how much attention the maximum receives and how
// far the resulting logits can drift, and counts the class as correct only
// if every wrong output loses.
package verify

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-assay/internal/decomp"
	"github.com/23skdu/longbow-assay/internal/instr"
	"github.com/23skdu/longbow-assay/internal/logger"
	"github.com/23skdu/longbow-assay/internal/metrics"
	"github.com/23skdu/longbow-assay/internal/model"
	"github.com/23skdu/longbow-assay/internal/tricks"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Options tune a proof run. The zero value runs without self-checks or
// instruction counting.
type Options struct {
	Check   bool
	Counter *instr.Counter
}

// Result is the outcome of one proof.
type Result struct {
	Model   string
	ModelID string
	Seed    int64
	Tricks  tricks.Tricks

	AccuracyLowerBound float64
	Certified          uint64
	Dropped            uint64
	Total              uint64

	// ErrUpperBound is the largest per-query attention residual bound.
	// EUPUBound is the largest bound on the direct path after its leading
	// rank-1 term is taken exactly. Both are zero under exact handling.
	ErrUpperBound float64
	EUPUBound     float64
	Gap           GapSummary

	Duration time.Duration
	// Instructions is set when the run was counted. The counts are modelled
	// from closed-form per-primitive costs, not observed from hardware.
	Instructions *instr.Count
}

// DroppedFraction is Dropped / Total.
func (r *Result) DroppedFraction() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Dropped) / float64(r.Total)
}

// Verify proves a lower bound on the fraction of all vocab^n_ctx inputs for
// which the model's top logit is the maximum token. The bound is sound for
// every tricks configuration; cheaper configurations give looser bounds.
func Verify(ctx context.Context, m *model.Model, t tricks.Tricks, opts Options) (*Result, error) {
	if m == nil {
		return nil, fmt.Errorf("verify: nil model")
	}
	start := time.Now()
	res, err := verify(ctx, m, t, opts)
	if err != nil {
		metrics.RecordProof(t.String(), "error", 0, m.Name())
		return nil, err
	}
	res.Duration = time.Since(start)
	metrics.RecordProof(t.String(), "ok", res.AccuracyLowerBound, res.Model)
	metrics.RecordDropped(t.String(), res.Dropped)
	metrics.RecordErrUpperBound(res.ErrUpperBound)
	logger.Log.Debug("proof complete",
		"model", res.Model,
		"tricks", t.String(),
		"bound", res.AccuracyLowerBound,
		"dropped", res.Dropped,
		"duration", res.Duration)
	return res, nil
}

func verify(ctx context.Context, m *model.Model, t tricks.Tricks, opts Options) (*Result, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("verify: invalid tricks %+v", t)
	}
	ctr := opts.Counter

	stage := time.Now()
	cir, err := newCircuit(m, ctr)
	if err != nil {
		return nil, err
	}
	if err := m.CheckFinite(); err != nil {
		return nil, err
	}
	total, err := TotalSequences(cir.vocab, cir.nCtx)
	if err != nil {
		return nil, err
	}
	dec, err := cir.decompose(t.Attention, DecomposeOptions{Check: opts.Check, Counter: ctr})
	if err != nil {
		return nil, err
	}
	metrics.RecordStage("decompose", time.Since(stage))
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stage = time.Now()
	gaps, err := BuildGapTable(dec, t.Position, cir.scale, ctr)
	if err != nil {
		return nil, err
	}
	metrics.RecordStage("gaps", time.Since(stage))

	stage = time.Now()
	cert := newCertifier(cir, t, gaps, ctr)
	certified, err := cert.run(ctx)
	if err != nil {
		return nil, err
	}
	metrics.RecordStage("certify", time.Since(stage))

	res := &Result{
		Model:              m.Name(),
		ModelID:            m.ContentID(),
		Seed:               m.Config.Seed,
		Tricks:             t,
		AccuracyLowerBound: float64(certified) / float64(total),
		Certified:          certified,
		Dropped:            total - certified,
		Total:              total,
		ErrUpperBound:      dec.ErrUpperBound(),
		EUPUBound:          cert.eupuBoundMax(),
		Gap:                gaps.Summary(),
	}
	if math.IsNaN(res.ErrUpperBound) {
		metrics.RecordNumericalInstability("err_upper_bound", 1, 0)
	}
	if ctr != nil {
		snap := ctr.Snapshot()
		res.Instructions = &snap
	}
	return res, nil
}

// certifier decides each class. For a class with gap g and k = n - c
// positions holding the maximum, softmax puts at least
// A = k / (k + c·e^(-g)) of the attention on the maximum. Per wrong output o
// the attended logit difference is then at least
//
//	min(A·dmax(o) + (1-A)·dnon(o), dmax(o))
//
// where dmax bounds the contribution of a position holding the maximum and
// dnon that of any smaller token, and the direct path adds its own bound.
//
// Unless the direct path is exact it is split along the top right singular
// vector d of eq: EUPU = (eq·d)(dᵀ·U) + R·U. The rank-1 term is kept
// exactly and only R·U is bounded.
type certifier struct {
	cir  *circuit
	t    tricks.Tricks
	gaps *GapTable
	ctr  *instr.Counter

	evou *mat.Dense
	// worstNon[m] is the largest EVOU row spread over tokens below m.
	worstNon []float64

	// Position handling: exact slot differences or a single spread.
	queryDiff *mat.Dense // PVOU[n-1,m] - PVOU[n-1,o]
	freeDiff  *mat.Dense // min over free slots of PVOU[i,m] - PVOU[i,o]
	pvWorst   float64

	// Direct path: the exact table or a per-query bound.
	eupu      *mat.Dense
	eupuBound []float64

	// Peeled direct path. peelQ[q]·peelOut[o] is the rank-1 term and
	// residBound[q] bounds the row spread of R·U. peelHi[m] and peelLo[m]
	// are the extremes of peelOut over o != m.
	peelQ, peelOut []float64
	peelHi, peelLo []float64
	residBound     []float64
}

func newCertifier(cir *circuit, t tricks.Tricks, gaps *GapTable, ctr *instr.Counter) *certifier {
	v, vo, n := cir.vocab, cir.vocabOut, cir.nCtx
	dModel, _ := cir.dims()
	c := &certifier{cir: cir, t: t, gaps: gaps, ctr: ctr}

	c.evou = cir.evou(ctr)
	spread := decomp.MaxRowDiff(c.evou)
	ctr.Reduce(v * vo)
	c.worstNon = make([]float64, v)
	c.worstNon[0] = math.Inf(1)
	running := math.Inf(-1)
	for m := 1; m < v; m++ {
		running = math.Max(running, spread[m-1])
		c.worstNon[m] = running
	}

	pvou := cir.pvou(ctr)
	switch t.Position {
	case tricks.PositionExact:
		c.queryDiff = mat.NewDense(v, vo, nil)
		c.freeDiff = mat.NewDense(v, vo, nil)
		last := pvou.RawRowView(n - 1)
		for m := 0; m < v; m++ {
			qrow := c.queryDiff.RawRowView(m)
			frow := c.freeDiff.RawRowView(m)
			for o := 0; o < vo; o++ {
				qrow[o] = last[m] - last[o]
				best := math.Inf(1)
				for i := 0; i < n-1; i++ {
					row := pvou.RawRowView(i)
					best = math.Min(best, row[m]-row[o])
				}
				frow[o] = best
			}
		}
		ctr.Elementwise(v * vo * n)
		ctr.Reduce(v * vo * n)
	default:
		c.pvWorst = floats.Max(decomp.MaxRowDiff(pvou))
		ctr.Reduce(n * vo)
	}

	switch t.EUPU {
	case tricks.EUPUExact:
		c.eupu = cir.eupu(ctr)
	case tricks.EUPUMaxDiff:
		resid := c.peel(ctr)
		c.eupuBound = decomp.MaxRowDiffsPerDim(cir.eq, cir.u)
		c.residBound = decomp.MaxRowDiffsPerDim(resid, cir.u)
		ctr.RowDiffChain([]int{v, dModel, vo})
		ctr.RowDiffChain([]int{v, dModel, vo})
	case tricks.EUPUSVD:
		resid := c.peel(ctr)
		c.eupuBound = constant(v, decomp.BoundMaxRowDiffBySVD(cir.eq, cir.u))
		c.residBound = constant(v, decomp.BoundMaxRowDiffBySVD(resid, cir.u))
		ctr.SVD(v, dModel)
		ctr.SVD(v, dModel)
		ctr.SVD(dModel, vo)
	}
	return c
}

// peel splits eq along its top right singular vector, stores the rank-1
// direct term and returns the residual.
func (c *certifier) peel(ctr *instr.Counter) *mat.Dense {
	cir := c.cir
	v, vo := cir.vocab, cir.vocabOut
	dModel, _ := cir.dims()

	_, dir, _ := decomp.TopSingularVectors(cir.eq)
	ctr.SVD(v, dModel)
	contrib, resid := decomp.FactorRightContribution(cir.eq, dir)
	ctr.Matmul(v, dModel, 1)
	ctr.Elementwise(v * dModel)

	var out mat.Dense
	out.Mul(contrib.V(), cir.u)
	ctr.Matmul(1, dModel, vo)
	c.peelQ = contrib.U().RawMatrix().Data
	c.peelOut = out.RawMatrix().Data
	c.peelHi, c.peelLo = othersExtremes(c.peelOut, v)
	ctr.Reduce(2 * vo)
	return resid
}

// othersExtremes returns, for each i < n, the largest and smallest entries
// of xs excluding xs[i]. With a single entry there is nothing to exclude
// against and the entry itself is returned.
func othersExtremes(xs []float64, n int) (hi, lo []float64) {
	if len(xs) == 1 {
		return constant(n, xs[0]), constant(n, xs[0])
	}
	top, bot := 0, 0
	for i, x := range xs {
		if x > xs[top] {
			top = i
		}
		if x < xs[bot] {
			bot = i
		}
	}
	hi2, lo2 := math.Inf(-1), math.Inf(1)
	for i, x := range xs {
		if i != top {
			hi2 = math.Max(hi2, x)
		}
		if i != bot {
			lo2 = math.Min(lo2, x)
		}
	}
	hi = make([]float64, n)
	lo = make([]float64, n)
	for i := range hi {
		hi[i], lo[i] = xs[top], xs[bot]
		if i == top {
			hi[i] = hi2
		}
		if i == bot {
			lo[i] = lo2
		}
	}
	return hi, lo
}

func constant(n int, x float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = x
	}
	return out
}

// directMin bounds min over o != m of EUPU[q,m] - EUPU[q,o] from below. It
// takes the better of the unsplit bound and the exact rank-1 term less the
// residual bound.
func (c *certifier) directMin(q, m int) float64 {
	out := -c.eupuBound[q]
	if c.peelQ == nil {
		return out
	}
	p := c.peelQ[q]
	worst := c.peelHi[m]
	if p < 0 {
		worst = c.peelLo[m]
	}
	return math.Max(out, p*(c.peelOut[m]-worst)-c.residBound[q])
}

func (c *certifier) eupuBoundMax() float64 {
	if len(c.residBound) > 0 {
		return floats.Max(c.residBound)
	}
	if len(c.eupuBound) == 0 {
		return 0
	}
	return floats.Max(c.eupuBound)
}

// pvMin bounds PVOU[i,m] - PVOU[i,o] from below over the slots in set.
func (c *certifier) pvMin(m, o int, set slots) float64 {
	if c.queryDiff == nil {
		if set == 0 {
			return math.Inf(1)
		}
		return -c.pvWorst
	}
	out := math.Inf(1)
	if set&slotQuery != 0 {
		out = c.queryDiff.At(m, o)
	}
	if set&slotFree != 0 {
		out = math.Min(out, c.freeDiff.At(m, o))
	}
	return out
}

func (c *certifier) dmax(m, o int, set slots) float64 {
	return c.evou.At(m, m) - c.evou.At(m, o) + c.pvMin(m, o, set)
}

func (c *certifier) dnon(m, o int, set slots) float64 {
	return -c.worstNon[m] + c.pvMin(m, o, set)
}

// attended combines the two position bounds under attention weight at
// least a on the maximum.
func attended(dmax, dnon, a float64, c int) float64 {
	if c == 0 {
		return dmax
	}
	return math.Min(a*dmax+(1-a)*dnon, dmax)
}

// attentionOnMax is the softmax weight lower bound for gap g.
func attentionOnMax(g float64, c, n int) float64 {
	if c == 0 {
		return 1
	}
	k := float64(n - c)
	return k / (k + float64(c)*math.Exp(-g))
}

// run returns the number of certified sequences.
func (c *certifier) run(ctx context.Context) (uint64, error) {
	v, vo, n := c.cir.vocab, c.cir.vocabOut, c.cir.nCtx

	// Without the exact direct path the margin separates into a per-query
	// term and per-max minima over o, so the o loop runs once per (m, set).
	var minMax, minNon [][4]float64
	if c.eupu == nil {
		minMax = make([][4]float64, v)
		minNon = make([][4]float64, v)
		for m := 0; m < v; m++ {
			for s := slots(1); s < 4; s++ {
				lo, ln := math.Inf(1), math.Inf(1)
				for o := 0; o < vo; o++ {
					if o == m {
						continue
					}
					lo = math.Min(lo, c.dmax(m, o, s))
					ln = math.Min(ln, c.dnon(m, o, s))
				}
				minMax[m][s], minNon[m][s] = lo, ln
			}
		}
		c.ctr.Elementwise(18 * v * vo)
		c.ctr.Reduce(3 * 2 * v * vo)
	}

	var certified uint64
	for q := 0; q < v; q++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		for m := q; m < v; m++ {
			for cnt := 0; cnt < n; cnt++ {
				if !ValidClass(q, m, cnt, n) {
					continue
				}
				l := classLayout(q, m, cnt, n)
				ms, ns := l.maxSlots(), l.nonSlots()
				a := attentionOnMax(c.gaps.At(q, m, cnt), cnt, n)
				c.ctr.Elementwise(4)

				ok := true
				if c.eupu == nil {
					margin := c.directMin(q, m) + attended(minMax[m][ms], minNon[m][ns], a, cnt)
					ok = margin > 0
					c.ctr.Elementwise(9)
					c.ctr.Branches(2)
				} else {
					row := c.eupu.RawRowView(q)
					for o := 0; o < vo && ok; o++ {
						if o == m {
							continue
						}
						margin := row[m] - row[o] + attended(c.dmax(m, o, ms), c.dnon(m, o, ns), a, cnt)
						ok = margin > 0
						c.ctr.Elementwise(10)
						c.ctr.Branches(3)
					}
				}
				if ok {
					certified += SequenceCount(q, m, cnt, n)
				}
			}
		}
	}
	return certified, nil
}
