// Package decomp peels rank-1 contributions off matrices and bounds the
// spread of entries within rows of matrix-chain products.
package decomp

import (
	"fmt"

	"github.com/23skdu/longbow-assay/internal/lowrank"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Side selects which index of a matrix a direction lives on.
type Side int

const (
	// Left factors along a row direction: the contribution is v·(vᵀm).
	Left Side = iota
	// Right factors along a column direction: the contribution is (m·v)·vᵀ.
	Right
)

func (s Side) String() string {
	switch s {
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return fmt.Sprintf("side(%d)", int(s))
	}
}

// FactorRightContribution splits m into the rank-1 contribution along the
// unit direction v̂ = v/|v| and the residual, so that
// contribution.Dense() + residual == m.
func FactorRightContribution(m mat.Matrix, v []float64, opts ...lowrank.Option) (*lowrank.Tensor, *mat.Dense) {
	r, c := m.Dims()
	if len(v) != c {
		panic(fmt.Sprintf("decomp: direction has %d entries, matrix has %d columns", len(v), c))
	}
	norm := floats.Norm(v, 2)
	if norm == 0 {
		panic("decomp: zero direction")
	}
	unit := make([]float64, c)
	floats.ScaleTo(unit, 1/norm, v)

	proj := mat.NewVecDense(r, nil)
	proj.MulVec(m, mat.NewVecDense(c, unit))

	contribution := lowrank.FromVectors(proj.RawVector().Data, unit, opts...)
	return contribution, contribution.SubFromDense(m)
}

// FactorLeftContribution is the transpose dual of FactorRightContribution:
// v has one entry per row of m and the contribution is v̂·(v̂ᵀm).
func FactorLeftContribution(m mat.Matrix, v []float64, opts ...lowrank.Option) (*lowrank.Tensor, *mat.Dense) {
	contribution, residual := FactorRightContribution(m.T(), v, opts...)
	return contribution.Transpose(), mat.DenseCopyOf(residual.T())
}

// FactorContribution dispatches on side.
func FactorContribution(m mat.Matrix, v []float64, side Side, opts ...lowrank.Option) (*lowrank.Tensor, *mat.Dense) {
	switch side {
	case Left:
		return FactorLeftContribution(m, v, opts...)
	case Right:
		return FactorRightContribution(m, v, opts...)
	default:
		panic(fmt.Sprintf("decomp: invalid side %v", side))
	}
}

// TopSingularVectors returns the leading left and right singular vectors of
// m with its largest singular value. The sign is fixed so that the largest
// magnitude entry of right is positive, which keeps repeated runs
// bit-identical.
func TopSingularVectors(m mat.Matrix) (left, right []float64, sigma float64) {
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDThin); !ok {
		panic("decomp: SVD failed to converge")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	sigma = svd.Values(nil)[0]

	r, c := m.Dims()
	left = make([]float64, r)
	right = make([]float64, c)
	mat.Col(left, 0, &u)
	mat.Col(right, 0, &v)

	pivot := 0
	for i, x := range right {
		if abs(x) > abs(right[pivot]) {
			pivot = i
		}
	}
	if right[pivot] < 0 {
		floats.Scale(-1, left)
		floats.Scale(-1, right)
	}
	return left, right, sigma
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
