package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/23skdu/longbow-assay/internal/config"
	"github.com/23skdu/longbow-assay/internal/gguf"
	"github.com/23skdu/longbow-assay/internal/logger"
	"github.com/23skdu/longbow-assay/internal/model"
)

// Writes a handcrafted or random attention-only model as GGUF.
func main() {
	out := flag.String("out", "max-of-n.gguf", "Output GGUF path")
	vocab := flag.Int("vocab", 64, "Vocabulary size")
	nCtx := flag.Int("n", 2, "Sequence length")
	noise := flag.Float64("noise", 0, "Gaussian noise added to every weight")
	random := flag.Bool("random", false, "Write N(0, 1/d) weights instead of the handcrafted model")
	seed := flag.Uint64("seed", 0, "Noise or weight seed")
	f16 := flag.Bool("f16", false, "Store tensors as F16 instead of F32")
	flag.Parse()
	logger.Setup("INFO", "console")

	rng := rand.New(rand.NewPCG(*seed, 0))
	var m *model.Model
	var err error
	if *random {
		cfg := config.Default()
		cfg.Name = fmt.Sprintf("max-of-%d-random", *nCtx)
		cfg.VocabSize, cfg.VocabSizeOut, cfg.NCtx = *vocab, *vocab, *nCtx
		m, err = model.Random(cfg, rng)
	} else {
		m, err = model.MaxOfN(model.DefaultMaxOfN(*vocab, *nCtx))
	}
	if err != nil {
		logger.Log.Error("build model", "error", err)
		os.Exit(1)
	}
	if *noise != 0 {
		m = m.WithNoise(*noise, rng)
	}
	m.Config.Seed = int64(*seed)

	typ := gguf.GGMLTypeF32
	if *f16 {
		typ = gguf.GGMLTypeF16
	}
	if err := m.Save(*out, typ); err != nil {
		logger.Log.Error("write model", "path", *out, "error", err)
		os.Exit(1)
	}
	logger.Log.Info("model written", "path", *out, "name", m.Name(), "id", m.ContentID())
}
