package model

import (
	"fmt"

	"github.com/23skdu/longbow-assay/internal/config"
	"github.com/23skdu/longbow-assay/internal/gguf"
	"github.com/23skdu/longbow-assay/internal/logger"
	"gonum.org/v1/gonum/mat"
)

// Tensor names. Matrices are stored row-major in the orientation the
// Model uses, so U is d_model×vocab_out and WO is d_head×d_model.
const (
	tensorEmbed    = "token_embd.weight"
	tensorPosition = "position_embd.weight"
	tensorOutput   = "output.weight"
)

func headTensor(layer int, proj string, head int) string {
	return fmt.Sprintf("blk.%d.attn_%s.%d.weight", layer, proj, head)
}

// Load reads a model from a GGUF file.
func Load(path string) (*Model, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	m, err := FromGGUF(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	logger.Log.Debug("model loaded", "path", path, "name", m.Name(), "vocab", m.Config.VocabSize, "n_ctx", m.Config.NCtx)
	return m, nil
}

// FromGGUF decodes hyperparameters and weights. The result does not alias
// the file's memory.
func FromGGUF(f *gguf.GGUFFile) (*Model, error) {
	report, err := gguf.NewMetadataAnalyzer(f).Analyze()
	if err != nil {
		return nil, err
	}
	if report.Architecture != config.ArchAttnOnly {
		return nil, fmt.Errorf("unsupported architecture %q", report.Architecture)
	}
	cfg := config.ModelConfig{
		Architecture: report.Architecture,
		Name:         report.ModelName,
		DModel:       report.EmbeddingLength,
		DHead:        report.HeadDim,
		Layers:       report.BlockCount,
		Heads:        report.HeadCount,
		VocabSize:    report.VocabSize,
		VocabSizeOut: report.VocabSizeOut,
		NCtx:         report.ContextLength,
		AttnScale:    report.AttnScale,
	}
	if seed, ok := f.KV["general.seed"].(uint64); ok {
		cfg.Seed = int64(seed)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Model{Config: cfg, Blocks: make([]Block, cfg.Layers)}
	if m.E, err = readMatrix(f, tensorEmbed); err != nil {
		return nil, err
	}
	if m.P, err = readMatrix(f, tensorPosition); err != nil {
		return nil, err
	}
	if m.U, err = readMatrix(f, tensorOutput); err != nil {
		return nil, err
	}
	for l := range m.Blocks {
		m.Blocks[l].Heads = make([]Head, cfg.Heads)
		for h := range m.Blocks[l].Heads {
			head := &m.Blocks[l].Heads[h]
			for _, p := range []struct {
				proj string
				dst  **mat.Dense
			}{{"q", &head.WQ}, {"k", &head.WK}, {"v", &head.WV}, {"o", &head.WO}} {
				if *p.dst, err = readMatrix(f, headTensor(l, p.proj, h)); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Save writes the model as a GGUF file with tensors encoded as typ.
func (m *Model) Save(path string, typ gguf.GGMLType) error {
	w, err := m.GGUFWriter(typ)
	if err != nil {
		return err
	}
	return w.WriteFile(path)
}

// GGUFWriter encodes the model without touching the filesystem.
func (m *Model) GGUFWriter(typ gguf.GGMLType) (*gguf.Writer, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	c := m.Config
	arch := config.ArchAttnOnly
	w := gguf.NewWriter()
	w.SetString("general.architecture", arch)
	w.SetString("general.name", m.Name())
	w.SetUint64("general.seed", uint64(c.Seed))
	w.SetUint32(arch+".context_length", uint32(c.NCtx))
	w.SetUint32(arch+".embedding_length", uint32(c.DModel))
	w.SetUint32(arch+".attention.head_dim", uint32(c.DHead))
	w.SetUint32(arch+".attention.head_count", uint32(c.Heads))
	w.SetUint32(arch+".block_count", uint32(c.Layers))
	w.SetUint32(arch+".vocab_size", uint32(c.VocabSize))
	w.SetUint32(arch+".vocab_size_out", uint32(c.VocabSizeOut))
	w.SetFloat64(arch+".attention.scale", c.AttnScale)

	var addErr error
	m.eachMatrix(func(name string, d *mat.Dense) {
		if addErr != nil {
			return
		}
		r, cols := d.Dims()
		addErr = w.AddMatrix(name, r, cols, mat.DenseCopyOf(d).RawMatrix().Data, typ)
	})
	if addErr != nil {
		return nil, addErr
	}
	return w, nil
}

func readMatrix(f *gguf.GGUFFile, name string) (*mat.Dense, error) {
	t, err := f.Tensor(name)
	if err != nil {
		return nil, err
	}
	r, c := t.Rows(), t.Cols()
	if r == 0 || c == 0 {
		return nil, fmt.Errorf("%w: %s has dims %v", ErrShape, name, t.Dimensions)
	}
	data, err := t.Float64s()
	if err != nil {
		return nil, err
	}
	return mat.NewDense(r, c, data), nil
}
