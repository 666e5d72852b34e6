package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidClass(t *testing.T) {
	tests := []struct {
		name    string
		q, m, c int
		n       int
		want    bool
	}{
		{"all zeros", 0, 0, 0, 3, true},
		{"zero max with competitors", 0, 0, 1, 3, false},
		{"query above max", 2, 1, 1, 3, false},
		{"query below max needs a competitor", 1, 2, 0, 3, false},
		{"query below max", 1, 2, 1, 3, true},
		{"query is max, all others smaller", 2, 2, 2, 3, true},
		{"too many competitors", 2, 2, 3, 3, false},
		{"single position", 1, 1, 0, 1, true},
		{"single position below max", 0, 1, 0, 1, false},
		{"negative count", 1, 1, -1, 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidClass(tt.q, tt.m, tt.c, tt.n))
		})
	}
}

func TestSequenceCountsSumToTotal(t *testing.T) {
	for _, tc := range []struct{ vocab, n int }{{2, 1}, {2, 2}, {3, 3}, {5, 4}, {7, 2}, {4, 6}} {
		total, err := TotalSequences(tc.vocab, tc.n)
		require.NoError(t, err)

		var sum uint64
		for q := 0; q < tc.vocab; q++ {
			for m := 0; m < tc.vocab; m++ {
				for c := 0; c < tc.n; c++ {
					sum += SequenceCount(q, m, c, tc.n)
				}
			}
		}
		assert.Equal(t, total, sum, "vocab=%d n=%d", tc.vocab, tc.n)
	}
}

func TestSequenceCountMatchesEnumeration(t *testing.T) {
	const vocab, n = 4, 3
	counts := map[[3]int]uint64{}
	seq := make([]int, n)
	var rec func(i int)
	rec = func(i int) {
		if i == n {
			m := 0
			for _, x := range seq {
				if x > m {
					m = x
				}
			}
			c := 0
			for _, x := range seq {
				if x != m {
					c++
				}
			}
			counts[[3]int{seq[n-1], m, c}]++
			return
		}
		for x := 0; x < vocab; x++ {
			seq[i] = x
			rec(i + 1)
		}
	}
	rec(0)

	for q := 0; q < vocab; q++ {
		for m := 0; m < vocab; m++ {
			for c := 0; c < n; c++ {
				assert.Equal(t, counts[[3]int{q, m, c}], SequenceCount(q, m, c, n), "class (%d,%d,%d)", q, m, c)
			}
		}
	}
}

func TestTotalSequencesOverflow(t *testing.T) {
	_, err := TotalSequences(1<<16, 4)
	assert.Error(t, err)

	got, err := TotalSequences(1<<16, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(1)<<48, got)
}
