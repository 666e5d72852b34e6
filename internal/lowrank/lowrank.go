// Package lowrank represents matrices as a product of two factors U·V and
// composes them under matrix multiplication without materializing the full
// product. Element-wise operations are only available on the dense form and
// are named accordingly.
package lowrank

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Default tolerances for Check, matching the usual allclose defaults.
const (
	DefaultAtol = 1e-8
	DefaultRtol = 1e-5
)

// Tensor is the matrix U·V where U is r×k and V is k×c.
// A Tensor is immutable; every operation returns a new value.
type Tensor struct {
	u, v *mat.Dense
	tol  *tolerance
}

type tolerance struct {
	atol, rtol float64
}

// Option configures a Tensor.
type Option func(*Tensor)

// WithCheck enables the dense self-check: every composition recomputes the
// dense product and panics with a *CheckError on disagreement. It costs a
// full materialization per operation and is meant for tests.
func WithCheck(atol, rtol float64) Option {
	return func(t *Tensor) {
		t.tol = &tolerance{atol: atol, rtol: rtol}
	}
}

// New builds U·V. It panics if the inner dimensions disagree.
func New(u, v mat.Matrix, opts ...Option) *Tensor {
	ur, uc := u.Dims()
	vr, vc := v.Dims()
	if uc != vr {
		panic(fmt.Sprintf("lowrank: factor mismatch: u is %dx%d, v is %dx%d", ur, uc, vr, vc))
	}
	t := &Tensor{u: mat.DenseCopyOf(u), v: mat.DenseCopyOf(v)}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// FromVectors builds the outer product of u (as a column) and v (as a row).
func FromVectors(u, v []float64, opts ...Option) *Tensor {
	if len(u) == 0 || len(v) == 0 {
		panic("lowrank: empty factor vector")
	}
	col := mat.NewDense(len(u), 1, append([]float64(nil), u...))
	row := mat.NewDense(1, len(v), append([]float64(nil), v...))
	return New(col, row, opts...)
}

// Dims returns the shape of the represented matrix.
func (t *Tensor) Dims() (r, c int) {
	r, _ = t.u.Dims()
	_, c = t.v.Dims()
	return r, c
}

// Rank returns the inner dimension k, an upper bound on the true rank.
func (t *Tensor) Rank() int {
	_, k := t.u.Dims()
	return k
}

// U returns a copy of the left factor.
func (t *Tensor) U() *mat.Dense { return mat.DenseCopyOf(t.u) }

// V returns a copy of the right factor.
func (t *Tensor) V() *mat.Dense { return mat.DenseCopyOf(t.v) }

// Dense materializes U·V.
func (t *Tensor) Dense() *mat.Dense {
	var d mat.Dense
	d.Mul(t.u, t.v)
	return &d
}

// Transpose returns Vᵀ·Uᵀ. Stays low-rank.
func (t *Tensor) Transpose() *Tensor {
	return t.derive(mat.DenseCopyOf(t.v.T()), mat.DenseCopyOf(t.u.T()), "transpose", func() *mat.Dense {
		return mat.DenseCopyOf(t.Dense().T())
	})
}

// MulLowRank returns t·o. Stays low-rank: of the two groupings
// U·((V·U')·V') and (U·(V·U'))·V' it keeps the one whose inner dimension
// is smaller.
func (t *Tensor) MulLowRank(o *Tensor) *Tensor {
	_, tc := t.Dims()
	or, _ := o.Dims()
	if tc != or {
		panic(fmt.Sprintf("lowrank: mul mismatch: %d columns vs %d rows", tc, or))
	}
	var mid mat.Dense
	mid.Mul(t.v, o.u)
	mr, mc := mid.Dims()

	var u, v mat.Dense
	if mr <= mc {
		v.Mul(&mid, o.v)
		u.CloneFrom(t.u)
	} else {
		u.Mul(t.u, &mid)
		v.CloneFrom(o.v)
	}
	out := t.derive(&u, &v, "mul", func() *mat.Dense {
		var d mat.Dense
		d.Mul(t.Dense(), o.Dense())
		return &d
	})
	if out.tol == nil && o.tol != nil {
		out.tol = o.tol
	}
	return out
}

// MulDense returns t·m by extending V. Stays low-rank.
func (t *Tensor) MulDense(m mat.Matrix) *Tensor {
	_, tc := t.Dims()
	mr, _ := m.Dims()
	if tc != mr {
		panic(fmt.Sprintf("lowrank: mul mismatch: %d columns vs %d rows", tc, mr))
	}
	var v mat.Dense
	v.Mul(t.v, m)
	return t.derive(mat.DenseCopyOf(t.u), &v, "mul-dense", func() *mat.Dense {
		var d mat.Dense
		d.Mul(t.Dense(), m)
		return &d
	})
}

// LeftMulDense returns m·t by extending U. Stays low-rank.
func (t *Tensor) LeftMulDense(m mat.Matrix) *Tensor {
	tr, _ := t.Dims()
	_, mc := m.Dims()
	if mc != tr {
		panic(fmt.Sprintf("lowrank: mul mismatch: %d columns vs %d rows", mc, tr))
	}
	var u mat.Dense
	u.Mul(m, t.u)
	return t.derive(&u, mat.DenseCopyOf(t.v), "left-mul-dense", func() *mat.Dense {
		var d mat.Dense
		d.Mul(m, t.Dense())
		return &d
	})
}

// AddDense returns t + m. Materializes.
func (t *Tensor) AddDense(m mat.Matrix) *mat.Dense {
	d := t.Dense()
	d.Add(d, m)
	return d
}

// SubDense returns t - m. Materializes.
func (t *Tensor) SubDense(m mat.Matrix) *mat.Dense {
	d := t.Dense()
	d.Sub(d, m)
	return d
}

// SubFromDense returns m - t. Materializes.
func (t *Tensor) SubFromDense(m mat.Matrix) *mat.Dense {
	d := t.Dense()
	d.Sub(m, d)
	return d
}

// Check compares the materialized tensor against want elementwise with
// |got-want| <= atol + rtol*|want|. The tensor's own tolerance is used when
// check mode is on, the defaults otherwise.
func (t *Tensor) Check(want mat.Matrix) error {
	tol := tolerance{atol: DefaultAtol, rtol: DefaultRtol}
	if t.tol != nil {
		tol = *t.tol
	}
	return compare("check", t.Dense(), want, tol)
}

func (t *Tensor) derive(u, v *mat.Dense, op string, dense func() *mat.Dense) *Tensor {
	out := &Tensor{u: u, v: v, tol: t.tol}
	if t.tol != nil {
		if err := compare(op, out.Dense(), dense(), *t.tol); err != nil {
			panic(err)
		}
	}
	return out
}

// CheckError reports the first element where a low-rank result disagrees
// with its dense recomputation.
type CheckError struct {
	Op       string
	Row, Col int
	Got      float64
	Want     float64
}

func (e *CheckError) Error() string {
	if e.Row < 0 {
		return fmt.Sprintf("lowrank: %s: shape mismatch", e.Op)
	}
	return fmt.Sprintf("lowrank: %s: element (%d,%d) = %g, dense recomputation = %g", e.Op, e.Row, e.Col, e.Got, e.Want)
}

func compare(op string, got, want mat.Matrix, tol tolerance) error {
	gr, gc := got.Dims()
	wr, wc := want.Dims()
	if gr != wr || gc != wc {
		return &CheckError{Op: op, Row: -1, Col: -1}
	}
	for i := 0; i < gr; i++ {
		for j := 0; j < gc; j++ {
			g, w := got.At(i, j), want.At(i, j)
			if math.Abs(g-w) > tol.atol+tol.rtol*math.Abs(w) || math.IsNaN(g) != math.IsNaN(w) {
				return &CheckError{Op: op, Row: i, Col: j, Got: g, Want: w}
			}
		}
	}
	return nil
}
