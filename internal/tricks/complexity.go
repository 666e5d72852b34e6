package tricks

import (
	"fmt"
	"math"
)

// Complexity is the asymptotic class of the configurable stages of a proof
// in the vocabulary size V, with d_model treated as at most V. It ranks only
// what the tricks change: every configuration also computes EVOU exactly at
// O(V·d_model·V_out), and that shared cost is left out of the class.
type Complexity uint8

const (
	// AlmostQuadratic proofs only use split-point row-diff bounds, costing
	// O(V² + V·d²).
	AlmostQuadratic Complexity = iota
	// Subcubic proofs additionally take SVDs of V×d matrices.
	Subcubic
	// Cubic proofs materialize a V×V score matrix through d_model or loop
	// over every output for every input class.
	Cubic
)

func (c Complexity) String() string {
	switch c {
	case AlmostQuadratic:
		return "almost-quadratic"
	case Subcubic:
		return "subcubic"
	case Cubic:
		return "cubic"
	default:
		return fmt.Sprintf("complexity(%d)", uint8(c))
	}
}

// LeadingComplexity is the worst class among the configured strategies.
// The always-exact EVOU table is not counted, so a configuration of
// row-diff bounds alone is AlmostQuadratic even though the full proof
// still pays V·d_model·V_out for EVOU.
func (t Tricks) LeadingComplexity() Complexity {
	if t.Attention == AttentionExact || t.EUPU == EUPUExact {
		return Cubic
	}
	if t.Attention == AttentionSVD || t.EUPU == EUPUSVD {
		return Subcubic
	}
	return AlmostQuadratic
}

// IsSubcubic reports whether the proof avoids every cubic step.
func (t Tricks) IsSubcubic() bool {
	return t.LeadingComplexity() != Cubic
}

// EffectiveDimension estimates how many scalars the proof keeps from the
// model's behaviour: exact tables count in full, bounds count one scalar
// per row they cover.
func (t Tricks) EffectiveDimension(vocab, vocabOut, nCtx int) int {
	dim := vocab * vocabOut // EVOU is always exact

	switch t.Attention {
	case AttentionExact:
		dim += vocab * vocab
	case AttentionMaxDiff:
		// two rank-one terms plus one bound per query
		dim += 4*vocab + vocab
	case AttentionSVD:
		dim += 4*vocab + 1
	}

	switch t.EUPU {
	case EUPUExact:
		dim += vocab * vocabOut
	case EUPUMaxDiff:
		dim += vocab
	case EUPUSVD:
		dim++
	}

	switch t.Position {
	case PositionExact:
		dim += vocab*nCtx + nCtx*vocabOut
	case PositionMaxDiff:
		dim += vocab + 1
	}
	return dim
}

// BruteForceCost is the number of (sequence, output) pairs a brute-force
// check inspects: vocab^nCtx sequences times vocab outputs.
func BruteForceCost(vocab, nCtx int) float64 {
	return math.Pow(float64(vocab), float64(nCtx+1))
}
