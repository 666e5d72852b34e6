package config

import (
	"math"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.NCtx != 2 {
		t.Errorf("expected NCtx 2, got %d", cfg.NCtx)
	}
	if cfg.VocabSize != 64 {
		t.Errorf("expected VocabSize 64, got %d", cfg.VocabSize)
	}
	if cfg.AttnScale != math.Sqrt(32) {
		t.Errorf("expected AttnScale sqrt(32), got %v", cfg.AttnScale)
	}
	if !cfg.IsSingleHead() {
		t.Error("expected default model to be single-head")
	}
	if cfg.GetArchitecture() != ArchAttnOnly {
		t.Errorf("expected architecture %q, got %q", ArchAttnOnly, cfg.GetArchitecture())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := Default()

	tests := []struct {
		name    string
		mutate  func(c *ModelConfig)
		wantErr string
	}{
		{"valid config", func(c *ModelConfig) {}, ""},
		{"invalid d_model", func(c *ModelConfig) { c.DModel = 0 }, "d_model"},
		{"invalid d_head", func(c *ModelConfig) { c.DHead = -1 }, "d_head"},
		{"invalid layers", func(c *ModelConfig) { c.Layers = 0 }, "layers"},
		{"invalid heads", func(c *ModelConfig) { c.Heads = 0 }, "heads"},
		{"vocab too small", func(c *ModelConfig) { c.VocabSize = 1 }, "vocab_size"},
		{"vocab out too small", func(c *ModelConfig) { c.VocabSizeOut = 10 }, "vocab_size_out"},
		{"invalid n_ctx", func(c *ModelConfig) { c.NCtx = 0 }, "n_ctx"},
		{"zero attn scale", func(c *ModelConfig) { c.AttnScale = 0 }, "attn_scale"},
		{"nan attn scale", func(c *ModelConfig) { c.AttnScale = math.NaN() }, "attn_scale"},
		{"inf attn scale", func(c *ModelConfig) { c.AttnScale = math.Inf(1) }, "attn_scale"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error mentioning %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestIsSingleHead(t *testing.T) {
	cfg := Default()
	cfg.Layers = 2
	if cfg.IsSingleHead() {
		t.Error("two-layer model reported as single-head")
	}
}

func TestSweepConfig(t *testing.T) {
	cfg := DefaultSweep()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default sweep config should validate: %v", err)
	}

	cfg.Workers = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero workers")
	}

	cfg = DefaultSweep()
	cfg.RemoteStoreAddr = "localhost:3000"
	cfg.RemoteTimeout = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for remote store without timeout")
	}

	cfg.RemoteTimeout = time.Second
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
