// Package model holds the weights of an attention-only transformer and a
// reference forward pass over them.
package model

import (
	"errors"
	"fmt"
	"math"

	"github.com/23skdu/longbow-assay/internal/config"
	"github.com/23skdu/longbow-assay/internal/metrics"
	"gonum.org/v1/gonum/mat"
)

var ErrShape = errors.New("model: shape mismatch")

// Head is one attention head. WQ, WK, WV are d_model×d_head, WO is
// d_head×d_model.
type Head struct {
	WQ, WK, WV, WO *mat.Dense
}

type Block struct {
	Heads []Head
}

// Model is read-only once built; proofs share it across goroutines.
type Model struct {
	Config config.ModelConfig
	E      *mat.Dense // vocab × d_model
	P      *mat.Dense // n_ctx × d_model
	U      *mat.Dense // d_model × vocab_out
	Blocks []Block
}

// Validate checks the config and every weight shape against it.
func (m *Model) Validate() error {
	c := m.Config
	if err := c.Validate(); err != nil {
		return err
	}
	if err := checkShape("E", m.E, c.VocabSize, c.DModel); err != nil {
		return err
	}
	if err := checkShape("P", m.P, c.NCtx, c.DModel); err != nil {
		return err
	}
	if err := checkShape("U", m.U, c.DModel, c.VocabSizeOut); err != nil {
		return err
	}
	if len(m.Blocks) != c.Layers {
		return fmt.Errorf("%w: %d blocks, config says %d layers", ErrShape, len(m.Blocks), c.Layers)
	}
	for l, b := range m.Blocks {
		if len(b.Heads) != c.Heads {
			return fmt.Errorf("%w: block %d has %d heads, config says %d", ErrShape, l, len(b.Heads), c.Heads)
		}
		for h, head := range b.Heads {
			prefix := fmt.Sprintf("blk.%d.head.%d.", l, h)
			if err := checkShape(prefix+"WQ", head.WQ, c.DModel, c.DHead); err != nil {
				return err
			}
			if err := checkShape(prefix+"WK", head.WK, c.DModel, c.DHead); err != nil {
				return err
			}
			if err := checkShape(prefix+"WV", head.WV, c.DModel, c.DHead); err != nil {
				return err
			}
			if err := checkShape(prefix+"WO", head.WO, c.DHead, c.DModel); err != nil {
				return err
			}
		}
	}
	return nil
}

// CheckFinite reports the first weight holding NaN or Inf and counts the
// offending entries in metrics.
func (m *Model) CheckFinite() error {
	var firstErr error
	m.eachMatrix(func(name string, w *mat.Dense) {
		nan, inf := 0, 0
		r, c := w.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				x := w.At(i, j)
				if math.IsNaN(x) {
					nan++
				} else if math.IsInf(x, 0) {
					inf++
				}
			}
		}
		metrics.RecordNumericalInstability(name, nan, inf)
		if (nan > 0 || inf > 0) && firstErr == nil {
			firstErr = fmt.Errorf("model: %s has %d NaN and %d Inf entries", name, nan, inf)
		}
	})
	return firstErr
}

// Clone deep-copies the weights.
func (m *Model) Clone() *Model {
	out := &Model{
		Config: m.Config,
		E:      mat.DenseCopyOf(m.E),
		P:      mat.DenseCopyOf(m.P),
		U:      mat.DenseCopyOf(m.U),
		Blocks: make([]Block, len(m.Blocks)),
	}
	for l, b := range m.Blocks {
		out.Blocks[l].Heads = make([]Head, len(b.Heads))
		for h, head := range b.Heads {
			out.Blocks[l].Heads[h] = Head{
				WQ: mat.DenseCopyOf(head.WQ),
				WK: mat.DenseCopyOf(head.WK),
				WV: mat.DenseCopyOf(head.WV),
				WO: mat.DenseCopyOf(head.WO),
			}
		}
	}
	return out
}

// Name is the configured name or a shape-derived fallback.
func (m *Model) Name() string {
	if m.Config.Name != "" {
		return m.Config.Name
	}
	return fmt.Sprintf("attnonly-l%d-h%d-v%d-n%d", m.Config.Layers, m.Config.Heads, m.Config.VocabSize, m.Config.NCtx)
}

// eachMatrix visits weights in a fixed order; hashing and serialization
// depend on it.
func (m *Model) eachMatrix(fn func(name string, w *mat.Dense)) {
	fn(tensorEmbed, m.E)
	fn(tensorPosition, m.P)
	fn(tensorOutput, m.U)
	for l, b := range m.Blocks {
		for h, head := range b.Heads {
			fn(headTensor(l, "q", h), head.WQ)
			fn(headTensor(l, "k", h), head.WK)
			fn(headTensor(l, "v", h), head.WV)
			fn(headTensor(l, "o", h), head.WO)
		}
	}
}

func checkShape(name string, w *mat.Dense, rows, cols int) error {
	if w == nil {
		return fmt.Errorf("%w: %s is missing", ErrShape, name)
	}
	r, c := w.Dims()
	if r != rows || c != cols {
		return fmt.Errorf("%w: %s is %dx%d, want %dx%d", ErrShape, name, r, c, rows, cols)
	}
	return nil
}
