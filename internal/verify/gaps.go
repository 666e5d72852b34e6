package verify

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/23skdu/longbow-assay/internal/decomp"
	"github.com/23skdu/longbow-assay/internal/instr"
	"github.com/23skdu/longbow-assay/internal/tricks"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	gapMagic   = "GAPT"
	gapVersion = 1
)

var errGapEncoding = errors.New("verify: malformed gap table encoding")

// GapTable holds, for every class (q, m, c), a lower bound on the attention
// logit of any position holding the maximum minus that of any position
// holding a smaller token, already divided by the attention scale. Classes
// with c = 0 have no competitor and hold +Inf; impossible classes hold -Inf.
type GapTable struct {
	Vocab     int
	NCtx      int
	AttnScale float64
	data      []float64 // ((q*Vocab)+m)*NCtx + c
}

func newGapTable(vocab, nCtx int, scale float64) *GapTable {
	return &GapTable{Vocab: vocab, NCtx: nCtx, AttnScale: scale, data: make([]float64, vocab*vocab*nCtx)}
}

func (g *GapTable) index(q, m, c int) int {
	return (q*g.Vocab+m)*g.NCtx + c
}

// At returns the gap for class (q, m, c), -Inf for out-of-range or
// impossible classes.
func (g *GapTable) At(q, m, c int) float64 {
	if !g.Valid(q, m, c) {
		return math.Inf(-1)
	}
	return g.data[g.index(q, m, c)]
}

// Valid reports whether class (q, m, c) is possible for this table.
func (g *GapTable) Valid(q, m, c int) bool {
	return m < g.Vocab && ValidClass(q, m, c, g.NCtx)
}

// BuildGapTable fills the gap table from a decomposition. Position handling
// picks between exact position extremes over the slots a class allows and
// the whole-row spread of EQKP.
//
// For a class, the query slot is fixed and the free slots are split between
// the maximum and smaller tokens by the layout; the worst arrangement pairs
// the lowest EQKP among slots that may hold m with the highest among slots
// that may hold a smaller token.
func BuildGapTable(dec *Decomposition, pos tricks.PositionHandling, scale float64, ctr *instr.Counter) (*GapTable, error) {
	if dec == nil || dec.QueryKey == nil || dec.Position == nil {
		return nil, errors.New("verify: incomplete decomposition")
	}
	if scale <= 0 || math.IsNaN(scale) {
		return nil, fmt.Errorf("verify: invalid attention scale %g", scale)
	}
	vocab, _ := dec.QueryKey.Dims()
	_, n := dec.Position.Dims()
	g := newGapTable(vocab, n, scale)

	var ext *slotExtremes
	var spread []float64
	switch pos {
	case tricks.PositionExact:
		ext = newSlotExtremes(dec.Position, ctr)
	case tricks.PositionMaxDiff:
		spread = decomp.MaxRowDiff(dec.Position)
		ctr.Reduce(vocab * n)
	default:
		return nil, fmt.Errorf("verify: unknown position handling %v", pos)
	}

	inf, ninf := math.Inf(1), math.Inf(-1)
	for q := 0; q < vocab; q++ {
		row := dec.QueryKey.RawRowView(q)
		below := ninf // running max of row[t] for t < m
		for m := 0; m < vocab; m++ {
			if m > 0 && row[m-1] > below {
				below = row[m-1]
			}
			ctr.Reduce(1)
			for c := 0; c < n; c++ {
				i := g.index(q, m, c)
				switch {
				case !ValidClass(q, m, c, n):
					g.data[i] = ninf
					continue
				case c == 0:
					g.data[i] = inf
					continue
				}
				tokenGap := row[m] - below - dec.ErrBound[q]
				var posGap float64
				if ext != nil {
					l := classLayout(q, m, c, n)
					posGap = ext.min(q, l.maxSlots()) - ext.max(q, l.nonSlots())
				} else {
					posGap = -spread[q]
				}
				g.data[i] = (tokenGap + posGap) / scale
				ctr.Elementwise(4)
				ctr.Branches(3)
			}
		}
	}
	return g, nil
}

// slotExtremes caches per query the EQKP value at the query slot and the
// extremes over the free slots.
type slotExtremes struct {
	query            []float64
	freeMin, freeMax []float64
}

func newSlotExtremes(pos *mat.Dense, ctr *instr.Counter) *slotExtremes {
	vocab, n := pos.Dims()
	s := &slotExtremes{
		query:   make([]float64, vocab),
		freeMin: make([]float64, vocab),
		freeMax: make([]float64, vocab),
	}
	for q := 0; q < vocab; q++ {
		row := pos.RawRowView(q)
		s.query[q] = row[n-1]
		if n > 1 {
			s.freeMin[q] = floats.Min(row[:n-1])
			s.freeMax[q] = floats.Max(row[:n-1])
		} else {
			s.freeMin[q] = math.Inf(1)
			s.freeMax[q] = math.Inf(-1)
		}
	}
	ctr.Reduce(2 * vocab * n)
	return s
}

func (s *slotExtremes) min(q int, set slots) float64 {
	out := math.Inf(1)
	if set&slotQuery != 0 {
		out = s.query[q]
	}
	if set&slotFree != 0 {
		out = math.Min(out, s.freeMin[q])
	}
	return out
}

func (s *slotExtremes) max(q int, set slots) float64 {
	out := math.Inf(-1)
	if set&slotQuery != 0 {
		out = s.query[q]
	}
	if set&slotFree != 0 {
		out = math.Max(out, s.freeMax[q])
	}
	return out
}

// GapSummary describes the finite gaps weighted by how many sequences each
// class covers.
type GapSummary struct {
	Min           float64
	Mean          float64
	Std           float64
	Sequences     uint64
	NonPositive   uint64
	FiniteClasses int
}

// Summary computes count-weighted statistics over the classes with a
// finite gap. Min is +Inf when there are none.
func (g *GapTable) Summary() GapSummary {
	s := GapSummary{Min: math.Inf(1)}
	var wsum, mean, m2 float64
	for q := 0; q < g.Vocab; q++ {
		for m := q; m < g.Vocab; m++ {
			for c := 1; c < g.NCtx; c++ {
				gap := g.At(q, m, c)
				if math.IsInf(gap, 0) || math.IsNaN(gap) {
					continue
				}
				n := SequenceCount(q, m, c, g.NCtx)
				w := float64(n)
				s.FiniteClasses++
				s.Sequences += n
				if gap <= 0 {
					s.NonPositive += n
				}
				s.Min = math.Min(s.Min, gap)
				// West's weighted incremental mean and variance
				wsum += w
				delta := gap - mean
				mean += w / wsum * delta
				m2 += w * delta * (gap - mean)
			}
		}
	}
	if wsum > 0 {
		s.Mean = mean
		s.Std = math.Sqrt(m2 / wsum)
	}
	return s
}

// MarshalBinary encodes the table as a little-endian header followed by the
// raw float64 bits of every entry, so equal tables encode to equal bytes.
func (g *GapTable) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 4+4*3+8+8*len(g.data))
	buf = append(buf, gapMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, gapVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(g.Vocab))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(g.NCtx))
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(g.AttnScale))
	for _, x := range g.data {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(x))
	}
	return buf, nil
}

// UnmarshalBinary decodes the MarshalBinary format.
func (g *GapTable) UnmarshalBinary(b []byte) error {
	const header = 4 + 4*3 + 8
	if len(b) < header || string(b[:4]) != gapMagic {
		return errGapEncoding
	}
	if v := binary.LittleEndian.Uint32(b[4:]); v != gapVersion {
		return fmt.Errorf("%w: version %d", errGapEncoding, v)
	}
	vocab := uint64(binary.LittleEndian.Uint32(b[8:]))
	n := uint64(binary.LittleEndian.Uint32(b[12:]))
	scale := math.Float64frombits(binary.LittleEndian.Uint64(b[16:]))
	body := b[header:]
	size, ok := gapBodySize(vocab, n)
	if !ok || vocab == 0 || n == 0 || size != uint64(len(body)) {
		return fmt.Errorf("%w: %d body bytes for %dx%dx%d", errGapEncoding, len(body), vocab, vocab, n)
	}
	out := newGapTable(int(vocab), int(n), scale)
	for i := range out.data {
		out.data[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[8*i:]))
	}
	*g = *out
	return nil
}

// gapBodySize is 8·vocab²·n, computed without overflow; ok is false when it
// does not fit in 64 bits.
func gapBodySize(vocab, n uint64) (size uint64, ok bool) {
	hi, sq := bits.Mul64(vocab, vocab)
	if hi != 0 {
		return 0, false
	}
	hi, cells := bits.Mul64(sq, n)
	if hi != 0 {
		return 0, false
	}
	hi, size = bits.Mul64(cells, 8)
	return size, hi == 0
}
