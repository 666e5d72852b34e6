package verify

import (
	"context"
	"fmt"
	"math"

	"github.com/23skdu/longbow-assay/internal/model"
	"gonum.org/v1/gonum/floats"
)

// DefaultBruteForceLimit caps enumeration at about a million forward passes.
const DefaultBruteForceLimit = 1 << 20

// BruteForceResult is the exact accuracy and mean loss over every input.
type BruteForceResult struct {
	Correct   uint64
	Total     uint64
	Accuracy  float64
	Loss      float64 // mean cross-entropy against the max token
	WorstSeq  []int   // the sequence with the smallest correct-logit margin
	MinMargin float64
}

// BruteForce runs the reference forward pass on all vocab^n_ctx sequences.
// A sequence counts as correct only when the max token's logit is strictly
// above every other, matching what the proof certifies. It refuses to run
// when the sequence count exceeds limit.
func BruteForce(ctx context.Context, m *model.Model, limit uint64) (*BruteForceResult, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	v, n := m.Config.VocabSize, m.Config.NCtx
	total, err := TotalSequences(v, n)
	if err != nil {
		return nil, err
	}
	if total > limit {
		return nil, fmt.Errorf("verify: brute force over %d sequences exceeds limit %d", total, limit)
	}

	res := &BruteForceResult{Total: total, MinMargin: math.Inf(1)}
	seq := make([]int, n)
	var lossSum float64
	for idx := uint64(0); idx < total; idx++ {
		if idx%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		// idx in base vocab, least significant digit last
		rem := idx
		for i := n - 1; i >= 0; i-- {
			seq[i] = int(rem % uint64(v))
			rem /= uint64(v)
		}
		want := seq[0]
		for _, t := range seq[1:] {
			if t > want {
				want = t
			}
		}

		logits, err := m.Forward(seq)
		if err != nil {
			return nil, err
		}
		margin := math.Inf(1)
		for o, l := range logits {
			if o != want {
				margin = math.Min(margin, logits[want]-l)
			}
		}
		if margin > 0 {
			res.Correct++
		}
		if margin < res.MinMargin {
			res.MinMargin = margin
			res.WorstSeq = append(res.WorstSeq[:0], seq...)
		}
		lossSum += floats.LogSumExp(logits) - logits[want]
	}
	res.Accuracy = float64(res.Correct) / float64(total)
	res.Loss = lossSum / float64(total)
	return res, nil
}
