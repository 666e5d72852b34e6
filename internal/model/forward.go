package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Forward returns the logits at the last position for a token sequence of
// length at most n_ctx, using causal attention and no normalization.
func (m *Model) Forward(tokens []int) ([]float64, error) {
	n := len(tokens)
	if n == 0 || n > m.Config.NCtx {
		return nil, fmt.Errorf("model: sequence length %d outside [1, %d]", n, m.Config.NCtx)
	}
	d := m.Config.DModel

	resid := mat.NewDense(n, d, nil)
	for i, tok := range tokens {
		if tok < 0 || tok >= m.Config.VocabSize {
			return nil, fmt.Errorf("model: token %d at position %d outside vocabulary of %d", tok, i, m.Config.VocabSize)
		}
		row := resid.RawRowView(i)
		floats.Add(row, m.E.RawRowView(tok))
		floats.Add(row, m.P.RawRowView(i))
	}

	for _, b := range m.Blocks {
		next := mat.DenseCopyOf(resid)
		for _, h := range b.Heads {
			next.Add(next, m.attend(resid, h))
		}
		resid = next
	}

	logits := make([]float64, m.Config.VocabSizeOut)
	out := mat.NewVecDense(len(logits), logits)
	out.MulVec(m.U.T(), resid.RowView(n-1))
	return logits, nil
}

// Predict returns the argmax of Forward, lowest index on ties.
func (m *Model) Predict(tokens []int) (int, error) {
	logits, err := m.Forward(tokens)
	if err != nil {
		return 0, err
	}
	return floats.MaxIdx(logits), nil
}

func (m *Model) attend(x *mat.Dense, h Head) *mat.Dense {
	n, _ := x.Dims()
	var q, k, v mat.Dense
	q.Mul(x, h.WQ)
	k.Mul(x, h.WK)
	v.Mul(x, h.WV)

	var scores mat.Dense
	scores.Mul(&q, k.T())
	scores.Scale(1/m.Config.AttnScale, &scores)
	for i := 0; i < n; i++ {
		row := scores.RawRowView(i)
		for j := i + 1; j < n; j++ {
			row[j] = math.Inf(-1)
		}
		softmax(row)
	}

	var z, out mat.Dense
	z.Mul(&scores, &v)
	out.Mul(&z, h.WO)
	return &out
}

func softmax(row []float64) {
	peak := floats.Max(row)
	sum := 0.0
	for i, x := range row {
		row[i] = math.Exp(x - peak)
		sum += row[i]
	}
	floats.Scale(1/sum, row)
}
