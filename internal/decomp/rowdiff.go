package decomp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// MaxRowDiff returns, for each row of m, max - min over that row. This is
// the exact quantity the bounds below over-approximate.
func MaxRowDiff(m mat.Matrix) []float64 {
	r, c := m.Dims()
	out := make([]float64, r)
	row := make([]float64, c)
	for i := 0; i < r; i++ {
		mat.Row(row, i, m)
		out[i] = floats.Max(row) - floats.Min(row)
	}
	return out
}

// MaxRowDiffsPerDim2 bounds the same-row spread of a·b by |a|·range(b),
// where range(b)_k is max - min over row k of b. Every entry difference is
// Σ_k a_rk (b_ki - b_kj), and each term is at most |a_rk|·range_k.
func MaxRowDiffsPerDim2(a, b mat.Matrix) []float64 {
	ar, ac := a.Dims()
	br, _ := b.Dims()
	if ac != br {
		panic(fmt.Sprintf("decomp: chain mismatch: %d columns vs %d rows", ac, br))
	}
	spread := mat.NewVecDense(br, MaxRowDiff(b))

	absA := mat.DenseCopyOf(a)
	absA.Apply(func(_, _ int, x float64) float64 { return math.Abs(x) }, absA)

	out := mat.NewVecDense(ar, nil)
	out.MulVec(absA, spread)
	return out.RawVector().Data
}

// MaxRowDiffsPerDim bounds the same-row spread of the product m0·m1·…·mk
// by trying every split point of the chain and keeping the elementwise
// minimum. A single matrix yields its exact row spread.
func MaxRowDiffsPerDim(ms ...mat.Matrix) []float64 {
	if len(ms) == 0 {
		panic("decomp: empty matrix chain")
	}
	checkChain(ms)
	if len(ms) == 1 {
		return MaxRowDiff(ms[0])
	}

	n := len(ms)
	left := make([]*mat.Dense, n-1)
	left[0] = mat.DenseCopyOf(ms[0])
	for i := 1; i < n-1; i++ {
		left[i] = new(mat.Dense)
		left[i].Mul(left[i-1], ms[i])
	}
	right := make([]*mat.Dense, n-1)
	right[n-2] = mat.DenseCopyOf(ms[n-1])
	for i := n - 3; i >= 0; i-- {
		right[i] = new(mat.Dense)
		right[i].Mul(ms[i+1], right[i+1])
	}

	best := MaxRowDiffsPerDim2(left[0], right[0])
	for i := 1; i < n-1; i++ {
		split := MaxRowDiffsPerDim2(left[i], right[i])
		for r, x := range split {
			if x < best[r] {
				best[r] = x
			}
		}
	}
	return best
}

// BoundMaxRowDiffBySVD bounds the same-row spread of the whole chain by
// √2·Π σ_max(m_i): |M_ri - M_rj| = |e_rᵀ M (e_i - e_j)| ≤ ‖M‖₂·√2.
func BoundMaxRowDiffBySVD(ms ...mat.Matrix) float64 {
	if len(ms) == 0 {
		panic("decomp: empty matrix chain")
	}
	checkChain(ms)
	bound := math.Sqrt2
	for _, m := range ms {
		bound *= LargestSingularValue(m)
	}
	return bound
}

// LargestSingularValue returns σ_max(m).
func LargestSingularValue(m mat.Matrix) float64 {
	r, c := m.Dims()
	if r == 0 || c == 0 {
		return 0
	}
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDNone); !ok {
		panic("decomp: SVD failed to converge")
	}
	return svd.Values(nil)[0]
}

func checkChain(ms []mat.Matrix) {
	for i := 1; i < len(ms); i++ {
		_, c := ms[i-1].Dims()
		r, _ := ms[i].Dims()
		if c != r {
			panic(fmt.Sprintf("decomp: chain mismatch at %d: %d columns vs %d rows", i, c, r))
		}
	}
}
