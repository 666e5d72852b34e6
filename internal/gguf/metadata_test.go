package gguf

import (
	"math"
	"strings"
	"testing"
)

func TestMetadataAnalyzerBasic(t *testing.T) {
	file := &GGUFFile{
		KV: map[string]interface{}{
			"general.architecture":           "attnonly",
			"general.name":                   "max-of-2",
			"attnonly.context_length":        uint32(2),
			"attnonly.embedding_length":      uint32(32),
			"attnonly.attention.head_dim":    uint32(32),
			"attnonly.attention.head_count":  uint32(1),
			"attnonly.block_count":           uint64(1),
			"attnonly.vocab_size":            uint32(64),
			"attnonly.attention.scale":       float64(5.5),
			"general.quantization_version":   uint32(1),
			"attnonly.unrelated_string_flag": "x",
		},
		Tensors: []*TensorInfo{
			{Name: "token_embd.weight", Dimensions: []uint64{32, 64}, Type: GGMLTypeF32},
			{Name: "position_embd.weight", Dimensions: []uint64{32, 2}, Type: GGMLTypeF16},
		},
	}

	report, err := NewMetadataAnalyzer(file).Analyze()
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if report.Architecture != "attnonly" {
		t.Errorf("Expected architecture 'attnonly', got '%s'", report.Architecture)
	}
	if report.ModelName != "max-of-2" {
		t.Errorf("Expected model name 'max-of-2', got '%s'", report.ModelName)
	}
	if report.ContextLength != 2 || report.EmbeddingLength != 32 || report.HeadDim != 32 {
		t.Errorf("unexpected dims: %+v", report)
	}
	if report.BlockCount != 1 || report.HeadCount != 1 {
		t.Errorf("unexpected layout: %+v", report)
	}
	if report.VocabSize != 64 || report.VocabSizeOut != 64 {
		t.Errorf("vocab_size_out should default to vocab_size: %+v", report)
	}
	if report.AttnScale != 5.5 {
		t.Errorf("AttnScale = %v, want 5.5", report.AttnScale)
	}
	if report.TotalParameters != 32*64+32*2 {
		t.Errorf("TotalParameters = %d", report.TotalParameters)
	}
	if report.DataBytes != 32*64*4+32*2*2 {
		t.Errorf("DataBytes = %d", report.DataBytes)
	}
	if report.TensorTypes["F32"] != 1 || report.TensorTypes["F16"] != 1 {
		t.Errorf("TensorTypes = %v", report.TensorTypes)
	}
	if !strings.Contains(report.String(), "max-of-2") {
		t.Errorf("String() missing name: %s", report.String())
	}
}

func TestMetadataAnalyzerDefaultsScale(t *testing.T) {
	file := &GGUFFile{KV: map[string]interface{}{
		"general.architecture":        "attnonly",
		"attnonly.attention.head_dim": uint32(16),
	}}
	report, err := NewMetadataAnalyzer(file).Analyze()
	if err != nil {
		t.Fatal(err)
	}
	if report.AttnScale != math.Sqrt(16) {
		t.Errorf("AttnScale = %v, want 4", report.AttnScale)
	}
}

func TestMetadataAnalyzerRequiresArchitecture(t *testing.T) {
	if _, err := NewMetadataAnalyzer(&GGUFFile{KV: map[string]interface{}{}}).Analyze(); err == nil {
		t.Error("expected error for missing architecture")
	}
}

func TestGetKVInt(t *testing.T) {
	kv := map[string]interface{}{
		"a": uint8(3),
		"b": int32(7),
		"c": "nope",
	}
	if got := getKVInt(kv, "missing", "a"); got != 3 {
		t.Errorf("fallback key: got %d", got)
	}
	if got := getKVInt(kv, "b"); got != 7 {
		t.Errorf("int32: got %d", got)
	}
	if got := getKVInt(kv, "c", ""); got != 0 {
		t.Errorf("string value: got %d", got)
	}
}
