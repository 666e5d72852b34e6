// Package instr counts the floating-point, integer and branch operations a
// proof performs, using closed-form costs for each primitive. A nil
// *Counter is valid and counts nothing.
package instr

import (
	"fmt"
	"sync/atomic"
)

// Count is a snapshot of a Counter.
type Count struct {
	Flop   int64
	IntOp  int64
	Branch int64
}

// Add returns c + o.
func (c Count) Add(o Count) Count {
	return Count{Flop: c.Flop + o.Flop, IntOp: c.IntOp + o.IntOp, Branch: c.Branch + o.Branch}
}

func (c Count) String() string {
	return fmt.Sprintf("flop=%d int=%d branch=%d", c.Flop, c.IntOp, c.Branch)
}

// Counter accumulates operation counts. Safe for concurrent use.
type Counter struct {
	flop   atomic.Int64
	intOp  atomic.Int64
	branch atomic.Int64
}

// New returns an empty Counter.
func New() *Counter { return &Counter{} }

// Snapshot returns the current totals.
func (c *Counter) Snapshot() Count {
	if c == nil {
		return Count{}
	}
	return Count{Flop: c.flop.Load(), IntOp: c.intOp.Load(), Branch: c.branch.Load()}
}

// Flops records n floating-point operations.
func (c *Counter) Flops(n int) {
	if c != nil {
		c.flop.Add(int64(n))
	}
}

// IntOps records n integer operations (indexing, counting, combinatorics).
func (c *Counter) IntOps(n int) {
	if c != nil {
		c.intOp.Add(int64(n))
	}
}

// Branches records n data-dependent comparisons.
func (c *Counter) Branches(n int) {
	if c != nil {
		c.branch.Add(int64(n))
	}
}

// Matmul records an (r×k)·(k×c) product: one multiply and one add per term.
func (c *Counter) Matmul(r, k, cols int) {
	c.Flops(2 * r * k * cols)
	c.IntOps(r * cols)
}

// Elementwise records n independent arithmetic operations.
func (c *Counter) Elementwise(n int) {
	c.Flops(n)
}

// Reduce records a max/min reduction over n values.
func (c *Counter) Reduce(n int) {
	c.Branches(n)
	c.IntOps(n)
}

// SVD records a singular value decomposition of an r×c matrix, costed as
// the usual O(r·c·min(r,c)) Golub-Kahan estimate.
func (c *Counter) SVD(r, cols int) {
	m := r
	if cols < m {
		m = cols
	}
	c.Flops(4 * r * cols * m)
	c.Branches(r * cols)
}

// RowDiffChain records max_row_diffs over a chain with the given dims
// (len(dims) = number of matrices + 1): every split's partial products,
// spreads and the final weighted sum.
func (c *Counter) RowDiffChain(dims []int) {
	if c == nil || len(dims) < 2 {
		return
	}
	n := len(dims) - 1
	if n == 1 {
		c.Reduce(dims[0] * dims[1])
		return
	}
	rows, cols := dims[0], dims[n]
	for i := 1; i < n-1; i++ {
		// left prefix products and right suffix products
		c.Matmul(rows, dims[i], dims[i+1])
		c.Matmul(dims[i], dims[i+1], cols)
	}
	for split := 1; split < n; split++ {
		c.Reduce(dims[split] * cols)
		c.Matmul(rows, dims[split], 1)
		c.Branches(rows)
	}
}
