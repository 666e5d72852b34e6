package gguf

import (
	"fmt"
	"math"
	"strings"
)

type MetadataAnalyzer struct {
	file *GGUFFile
}

func NewMetadataAnalyzer(file *GGUFFile) *MetadataAnalyzer {
	return &MetadataAnalyzer{file: file}
}

type AnalysisReport struct {
	Architecture    string
	ModelName       string
	ContextLength   int
	EmbeddingLength int
	HeadDim         int
	HeadCount       int
	BlockCount      int
	VocabSize       int
	VocabSizeOut    int
	AttnScale       float64
	TotalParameters int64
	TensorCount     int
	DataBytes       int64
	TensorTypes     map[string]int
}

func (a *MetadataAnalyzer) Analyze() (*AnalysisReport, error) {
	report := &AnalysisReport{
		TensorCount: len(a.file.Tensors),
		TensorTypes: make(map[string]int),
	}

	arch, ok := a.file.KV["general.architecture"].(string)
	if !ok || arch == "" {
		return nil, fmt.Errorf("missing general.architecture")
	}
	report.Architecture = arch
	report.ModelName, _ = a.file.KV["general.name"].(string)

	prefix := arch + "."
	report.ContextLength = int(getKVInt(a.file.KV, prefix+"context_length", "general.context_length"))
	report.EmbeddingLength = int(getKVInt(a.file.KV, prefix+"embedding_length", prefix+"hidden_size"))
	report.HeadDim = int(getKVInt(a.file.KV, prefix+"attention.head_dim", prefix+"attention.key_length"))
	report.HeadCount = int(getKVInt(a.file.KV, prefix+"attention.head_count", ""))
	report.BlockCount = int(getKVInt(a.file.KV, prefix+"block_count", ""))
	report.VocabSize = int(getKVInt(a.file.KV, prefix+"vocab_size", ""))
	report.VocabSizeOut = int(getKVInt(a.file.KV, prefix+"vocab_size_out", prefix+"vocab_size"))

	report.AttnScale = getKVFloat(a.file.KV, prefix+"attention.scale")
	if report.AttnScale == 0 && report.HeadDim > 0 {
		report.AttnScale = math.Sqrt(float64(report.HeadDim))
	}

	for _, t := range a.file.Tensors {
		report.TotalParameters += int64(t.NumElements())
		report.DataBytes += int64(t.SizeBytes())
		report.TensorTypes[t.Type.String()]++
	}
	return report, nil
}

func (r *AnalysisReport) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "architecture: %s\n", r.Architecture)
	if r.ModelName != "" {
		fmt.Fprintf(&sb, "name:         %s\n", r.ModelName)
	}
	fmt.Fprintf(&sb, "n_ctx:        %d\n", r.ContextLength)
	fmt.Fprintf(&sb, "d_model:      %d\n", r.EmbeddingLength)
	fmt.Fprintf(&sb, "d_head:       %d\n", r.HeadDim)
	fmt.Fprintf(&sb, "heads:        %d\n", r.HeadCount)
	fmt.Fprintf(&sb, "layers:       %d\n", r.BlockCount)
	fmt.Fprintf(&sb, "vocab:        %d -> %d\n", r.VocabSize, r.VocabSizeOut)
	fmt.Fprintf(&sb, "attn_scale:   %g\n", r.AttnScale)
	fmt.Fprintf(&sb, "parameters:   %d in %d tensors (%d bytes)\n", r.TotalParameters, r.TensorCount, r.DataBytes)
	return sb.String()
}

func getKVInt(kv map[string]interface{}, keys ...string) uint64 {
	for _, key := range keys {
		if key == "" {
			continue
		}
		switch v := kv[key].(type) {
		case uint8:
			return uint64(v)
		case int8:
			return uint64(v)
		case uint16:
			return uint64(v)
		case int16:
			return uint64(v)
		case uint32:
			return uint64(v)
		case int32:
			return uint64(v)
		case uint64:
			return v
		case int64:
			return uint64(v)
		}
	}
	return 0
}

func getKVFloat(kv map[string]interface{}, key string) float64 {
	switch v := kv[key].(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	}
	return 0
}
