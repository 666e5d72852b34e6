package main

import (
	"flag"
	"fmt"
	"log"
	"sort"

	"github.com/23skdu/longbow-assay/internal/gguf"
	"github.com/23skdu/longbow-assay/internal/model"
)

func main() {
	modelPath := flag.String("model", "", "Path to GGUF model file")
	showKV := flag.Bool("kv", false, "Print every metadata key")
	flag.Parse()

	if *modelPath == "" {
		log.Fatal("--model is required")
	}

	f, err := gguf.LoadFile(*modelPath)
	if err != nil {
		log.Fatalf("Failed to load model: %v", err)
	}
	defer f.Close()

	report, err := gguf.NewMetadataAnalyzer(f).Analyze()
	if err != nil {
		log.Fatalf("Failed to analyze metadata: %v", err)
	}
	fmt.Print(report.String())

	types := make([]string, 0, len(report.TensorTypes))
	for t := range report.TensorTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Printf("  %-8s %d tensors\n", t, report.TensorTypes[t])
	}

	if *showKV {
		keys := make([]string, 0, len(f.KV))
		for k := range f.KV {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Println("\n=== Metadata ===")
		for _, k := range keys {
			fmt.Printf("%-40s %v\n", k, f.KV[k])
		}
	}

	m, err := model.FromGGUF(f)
	if err != nil {
		fmt.Printf("\nnot provable: %v\n", err)
		return
	}
	if err := m.CheckFinite(); err != nil {
		fmt.Printf("\nnot provable: %v\n", err)
		return
	}
	fmt.Printf("\nid:           %s\n", m.ContentID())
	fmt.Printf("single head:  %v\n", m.Config.IsSingleHead())
}
