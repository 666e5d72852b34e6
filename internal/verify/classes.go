package verify

import (
	"fmt"
	"math/bits"

	"gonum.org/v1/gonum/stat/combin"
)

// A class groups every sequence of length n with query token q (the token
// at the last position), maximum token m, and c positions holding a token
// other than m. The query slot is position n-1; the other n-1 positions are
// free slots.

// ValidClass reports whether any sequence falls in class (q, m, c).
func ValidClass(q, m, c, n int) bool {
	switch {
	case q < 0 || m < 0 || q > m:
		return false
	case c < 0 || c > n-1:
		return false
	case m == 0:
		return c == 0
	case q < m:
		return c >= 1
	default:
		return true
	}
}

// layout describes which slots may hold the maximum and which hold smaller
// tokens for a class.
type layout struct {
	queryIsMax bool
	freeMax    int // free slots holding m
	freeNon    int // free slots holding a token below m
}

func classLayout(q, m, c, n int) layout {
	if q == m {
		return layout{queryIsMax: true, freeMax: n - 1 - c, freeNon: c}
	}
	return layout{queryIsMax: false, freeMax: n - c, freeNon: c - 1}
}

// slots names a subset of {query slot, free slots}.
type slots uint8

const (
	slotQuery slots = 1 << iota
	slotFree
)

func (l layout) maxSlots() slots {
	var s slots
	if l.queryIsMax {
		s |= slotQuery
	}
	if l.freeMax > 0 {
		s |= slotFree
	}
	return s
}

func (l layout) nonSlots() slots {
	var s slots
	if !l.queryIsMax {
		s |= slotQuery
	}
	if l.freeNon > 0 {
		s |= slotFree
	}
	return s
}

// SequenceCount is the number of length-n sequences in class (q, m, c):
// C(n-1, c)·m^c when the query is the max, C(n-1, c-1)·m^(c-1) otherwise.
// Invalid classes count zero. Summed over all classes with q, m < vocab the
// counts give vocab^n.
func SequenceCount(q, m, c, n int) uint64 {
	if !ValidClass(q, m, c, n) {
		return 0
	}
	if q == m {
		return uint64(combin.Binomial(n-1, c)) * pow(uint64(m), c)
	}
	return uint64(combin.Binomial(n-1, c-1)) * pow(uint64(m), c-1)
}

// TotalSequences is vocab^n, or an error if it does not fit in 64 bits.
func TotalSequences(vocab, n int) (uint64, error) {
	total := uint64(1)
	for i := 0; i < n; i++ {
		hi, lo := bits.Mul64(total, uint64(vocab))
		if hi != 0 {
			return 0, fmt.Errorf("verify: %d^%d sequences overflow uint64", vocab, n)
		}
		total = lo
	}
	return total, nil
}

func pow(b uint64, e int) uint64 {
	out := uint64(1)
	for i := 0; i < e; i++ {
		out *= b
	}
	return out
}
