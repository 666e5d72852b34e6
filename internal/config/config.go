package config

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ArchAttnOnly is the only architecture the GGUF loader understands.
const ArchAttnOnly = "attnonly"

// ModelConfig holds the hyperparameters of an attention-only transformer.
type ModelConfig struct {
	Architecture string
	Name         string
	DModel       int
	DHead        int
	Layers       int
	Heads        int
	VocabSize    int
	VocabSizeOut int
	NCtx         int
	AttnScale    float64
	Seed         int64
}

func (c *ModelConfig) Validate() error {
	if c.DModel <= 0 {
		return fmt.Errorf("invalid d_model: %d (must be positive)", c.DModel)
	}
	if c.DHead <= 0 {
		return fmt.Errorf("invalid d_head: %d (must be positive)", c.DHead)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.VocabSize <= 1 {
		return fmt.Errorf("invalid vocab_size: %d (must be at least 2)", c.VocabSize)
	}
	if c.VocabSizeOut < c.VocabSize {
		return fmt.Errorf("invalid vocab_size_out: %d (must be >= vocab_size: %d)", c.VocabSizeOut, c.VocabSize)
	}
	if c.NCtx <= 0 {
		return fmt.Errorf("invalid n_ctx: %d (must be positive)", c.NCtx)
	}
	if !(c.AttnScale > 0) || math.IsInf(c.AttnScale, 0) {
		return fmt.Errorf("invalid attn_scale: %f (must be positive and finite)", c.AttnScale)
	}
	return nil
}

func (c *ModelConfig) GetArchitecture() string {
	return strings.ToLower(c.Architecture)
}

// IsSingleHead reports whether the model is the one-layer one-head shape
// the proofs target.
func (c *ModelConfig) IsSingleHead() bool {
	return c.Layers == 1 && c.Heads == 1
}

// Default returns the max-of-N model shape.
func Default() ModelConfig {
	return ModelConfig{
		Architecture: ArchAttnOnly,
		Name:         "max-of-2",
		DModel:       32,
		DHead:        32,
		Layers:       1,
		Heads:        1,
		VocabSize:    64,
		VocabSizeOut: 64,
		NCtx:         2,
		AttnScale:    math.Sqrt(32),
	}
}

// SweepConfig controls a batch of proofs.
type SweepConfig struct {
	Workers           int
	Tricks            string
	CacheDir          string
	RemoteStoreAddr   string
	RemoteTimeout     time.Duration
	BruteForceLimit   uint64
	Check             bool
	CountInstructions bool
}

func (c *SweepConfig) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("invalid workers: %d (must be positive)", c.Workers)
	}
	if c.RemoteStoreAddr != "" && c.RemoteTimeout <= 0 {
		return fmt.Errorf("invalid remote_timeout: %v (must be positive when remote store is set)", c.RemoteTimeout)
	}
	return nil
}

// DefaultSweep runs every configuration on four workers.
func DefaultSweep() SweepConfig {
	return SweepConfig{
		Workers:         4,
		Tricks:          "all",
		RemoteTimeout:   30 * time.Second,
		BruteForceLimit: 1 << 20,
	}
}
