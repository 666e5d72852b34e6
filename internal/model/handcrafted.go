package model

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/23skdu/longbow-assay/internal/config"
	"gonum.org/v1/gonum/mat"
)

// MaxOfNOptions shapes the handcrafted max-of-N construction.
type MaxOfNOptions struct {
	Vocab int
	NCtx  int
	// Bias is the constant first embedding coordinate the query reads.
	Bias float64
	// Sharpness multiplies the key-token score slope: the score of key t
	// for any query is Sharpness·Bias·(t - mean token).
	Sharpness float64
}

// DefaultMaxOfN gives attention gaps of 40 logits per token step.
func DefaultMaxOfN(vocab, nCtx int) MaxOfNOptions {
	return MaxOfNOptions{Vocab: vocab, NCtx: nCtx, Bias: 10, Sharpness: 4}
}

// MaxOfN builds a one-layer one-head model that answers max-of-N exactly.
//
// Embeddings are E[t] = (Bias, t-μ, 0, 0) with μ the mean token and no
// positional signal. The head attends by Sharpness·Bias·(t-μ), copies
// (Bias, t-μ) into coordinates 2 and 3, and the unembedding reads output o
// as 2·o·t - o², whose argmax over o is the nearest integer to the attended
// token. The direct path contributes nothing.
func MaxOfN(opts MaxOfNOptions) (*Model, error) {
	if opts.Vocab < 2 || opts.NCtx < 1 || opts.Bias <= 0 || opts.Sharpness <= 0 {
		return nil, fmt.Errorf("model: invalid max-of-n options %+v", opts)
	}
	const dModel, dHead = 4, 2
	v := opts.Vocab
	mu := float64(v-1) / 2
	a := math.Sqrt(opts.Sharpness)

	cfg := config.ModelConfig{
		Architecture: config.ArchAttnOnly,
		Name:         fmt.Sprintf("max-of-%d-handcrafted", opts.NCtx),
		DModel:       dModel,
		DHead:        dHead,
		Layers:       1,
		Heads:        1,
		VocabSize:    v,
		VocabSizeOut: v,
		NCtx:         opts.NCtx,
		AttnScale:    1,
	}

	e := mat.NewDense(v, dModel, nil)
	for t := 0; t < v; t++ {
		e.Set(t, 0, opts.Bias)
		e.Set(t, 1, float64(t)-mu)
	}

	wq := mat.NewDense(dModel, dHead, nil)
	wq.Set(0, 0, a)
	wk := mat.NewDense(dModel, dHead, nil)
	wk.Set(1, 0, a)
	wv := mat.NewDense(dModel, dHead, nil)
	wv.Set(0, 0, 1)
	wv.Set(1, 1, 1)
	wo := mat.NewDense(dHead, dModel, nil)
	wo.Set(0, 2, 1)
	wo.Set(1, 3, 1)

	u := mat.NewDense(dModel, v, nil)
	for o := 0; o < v; o++ {
		fo := float64(o)
		u.Set(2, o, (2*fo*mu-fo*fo)/opts.Bias)
		u.Set(3, o, 2*fo)
	}

	m := &Model{
		Config: cfg,
		E:      e,
		P:      mat.NewDense(opts.NCtx, dModel, nil),
		U:      u,
		Blocks: []Block{{Heads: []Head{{WQ: wq, WK: wk, WV: wv, WO: wo}}}},
	}
	return m, m.Validate()
}

// WithDirectNoise returns a copy whose unembedding rows 0 and 1, the only
// rows the direct embedding path reads, get eps-scaled Gaussian noise.
// The same rng seed gives the same noise direction for every eps.
func (m *Model) WithDirectNoise(eps float64, rng *rand.Rand) *Model {
	out := m.Clone()
	_, c := out.U.Dims()
	for i := 0; i < 2 && i < out.Config.DModel; i++ {
		for j := 0; j < c; j++ {
			out.U.Set(i, j, out.U.At(i, j)+eps*rng.NormFloat64())
		}
	}
	return out
}

// WithNoise returns a copy with eps-scaled Gaussian noise on every weight.
func (m *Model) WithNoise(eps float64, rng *rand.Rand) *Model {
	out := m.Clone()
	out.eachMatrix(func(_ string, w *mat.Dense) {
		w.Apply(func(_, _ int, x float64) float64 { return x + eps*rng.NormFloat64() }, w)
	})
	return out
}

// Random builds a model with N(0, 1/d) weights.
func Random(cfg config.ModelConfig, rng *rand.Rand) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	gauss := func(r, c int, scale float64) *mat.Dense {
		data := make([]float64, r*c)
		for i := range data {
			data[i] = scale * rng.NormFloat64()
		}
		return mat.NewDense(r, c, data)
	}
	s := 1 / math.Sqrt(float64(cfg.DModel))
	m := &Model{
		Config: cfg,
		E:      gauss(cfg.VocabSize, cfg.DModel, 1),
		P:      gauss(cfg.NCtx, cfg.DModel, 1),
		U:      gauss(cfg.DModel, cfg.VocabSizeOut, s),
		Blocks: make([]Block, cfg.Layers),
	}
	for l := range m.Blocks {
		m.Blocks[l].Heads = make([]Head, cfg.Heads)
		for h := range m.Blocks[l].Heads {
			m.Blocks[l].Heads[h] = Head{
				WQ: gauss(cfg.DModel, cfg.DHead, s),
				WK: gauss(cfg.DModel, cfg.DHead, s),
				WV: gauss(cfg.DModel, cfg.DHead, s),
				WO: gauss(cfg.DHead, cfg.DModel, 1/math.Sqrt(float64(cfg.DHead))),
			}
		}
	}
	return m, nil
}
