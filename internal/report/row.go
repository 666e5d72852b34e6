// Package report collects proof results into an upsert-by-key table and
// encodes it as Arrow IPC or CSV.
package report

import (
	"math"

	"github.com/23skdu/longbow-assay/internal/config"
	"github.com/23skdu/longbow-assay/internal/verify"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// Row is one proof of one model under one tricks configuration.
type Row struct {
	Model   string
	ModelID string
	Seed    int64
	Tricks  string

	AccuracyBound float64
	Certified     uint64
	Dropped       uint64
	Total         uint64
	DroppedFrac   float64
	ErrUpperBound float64
	EUPUBound     float64
	MinGap        float64
	MeanGap       float64

	DurationSeconds float64
	Flop            int64
	IntOp           int64
	Branch          int64

	EffectiveDimension int64
	LeadingComplexity  string

	// NaN when brute force was not run.
	BruteForceAccuracy float64
	BruteForceLoss     float64
}

// Key identifies a row for upserts.
type Key struct {
	Model  string
	Seed   int64
	Tricks string
}

func (r *Row) Key() Key {
	return Key{Model: r.Model, Seed: r.Seed, Tricks: r.Tricks}
}

// FromResult flattens a proof result. bf may be nil.
func FromResult(res *verify.Result, cfg config.ModelConfig, bf *verify.BruteForceResult) Row {
	r := Row{
		Model:              res.Model,
		ModelID:            res.ModelID,
		Seed:               res.Seed,
		Tricks:             res.Tricks.String(),
		AccuracyBound:      res.AccuracyLowerBound,
		Certified:          res.Certified,
		Dropped:            res.Dropped,
		Total:              res.Total,
		DroppedFrac:        res.DroppedFraction(),
		ErrUpperBound:      res.ErrUpperBound,
		EUPUBound:          res.EUPUBound,
		MinGap:             res.Gap.Min,
		MeanGap:            res.Gap.Mean,
		DurationSeconds:    res.Duration.Seconds(),
		EffectiveDimension: int64(res.Tricks.EffectiveDimension(cfg.VocabSize, cfg.VocabSizeOut, cfg.NCtx)),
		LeadingComplexity:  res.Tricks.LeadingComplexity().String(),
		BruteForceAccuracy: math.NaN(),
		BruteForceLoss:     math.NaN(),
	}
	if res.Instructions != nil {
		r.Flop = res.Instructions.Flop
		r.IntOp = res.Instructions.IntOp
		r.Branch = res.Instructions.Branch
	}
	if bf != nil {
		r.BruteForceAccuracy = bf.Accuracy
		r.BruteForceLoss = bf.Loss
	}
	return r
}

// column binds one Arrow field to one Row field.
type column struct {
	field arrow.Field
	put   func(b array.Builder, r *Row)
	get   func(a arrow.Array, i int, r *Row)
}

func stringCol(name string, f func(*Row) *string) column {
	return column{
		field: arrow.Field{Name: name, Type: arrow.BinaryTypes.String},
		put:   func(b array.Builder, r *Row) { b.(*array.StringBuilder).Append(*f(r)) },
		get:   func(a arrow.Array, i int, r *Row) { *f(r) = a.(*array.String).Value(i) },
	}
}

func float64Col(name string, f func(*Row) *float64) column {
	return column{
		field: arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Float64},
		put:   func(b array.Builder, r *Row) { b.(*array.Float64Builder).Append(*f(r)) },
		get:   func(a arrow.Array, i int, r *Row) { *f(r) = a.(*array.Float64).Value(i) },
	}
}

func int64Col(name string, f func(*Row) *int64) column {
	return column{
		field: arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Int64},
		put:   func(b array.Builder, r *Row) { b.(*array.Int64Builder).Append(*f(r)) },
		get:   func(a arrow.Array, i int, r *Row) { *f(r) = a.(*array.Int64).Value(i) },
	}
}

func uint64Col(name string, f func(*Row) *uint64) column {
	return column{
		field: arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Uint64},
		put:   func(b array.Builder, r *Row) { b.(*array.Uint64Builder).Append(*f(r)) },
		get:   func(a arrow.Array, i int, r *Row) { *f(r) = a.(*array.Uint64).Value(i) },
	}
}

var columns = []column{
	stringCol("model", func(r *Row) *string { return &r.Model }),
	stringCol("model_id", func(r *Row) *string { return &r.ModelID }),
	int64Col("seed", func(r *Row) *int64 { return &r.Seed }),
	stringCol("tricks", func(r *Row) *string { return &r.Tricks }),
	float64Col("accuracy_bound", func(r *Row) *float64 { return &r.AccuracyBound }),
	uint64Col("certified", func(r *Row) *uint64 { return &r.Certified }),
	uint64Col("dropped", func(r *Row) *uint64 { return &r.Dropped }),
	uint64Col("total", func(r *Row) *uint64 { return &r.Total }),
	float64Col("dropped_frac", func(r *Row) *float64 { return &r.DroppedFrac }),
	float64Col("err_upper_bound", func(r *Row) *float64 { return &r.ErrUpperBound }),
	float64Col("eupu_bound", func(r *Row) *float64 { return &r.EUPUBound }),
	float64Col("min_gap", func(r *Row) *float64 { return &r.MinGap }),
	float64Col("mean_gap", func(r *Row) *float64 { return &r.MeanGap }),
	float64Col("duration_seconds", func(r *Row) *float64 { return &r.DurationSeconds }),
	int64Col("flop", func(r *Row) *int64 { return &r.Flop }),
	int64Col("int_op", func(r *Row) *int64 { return &r.IntOp }),
	int64Col("branch", func(r *Row) *int64 { return &r.Branch }),
	int64Col("effective_dimension", func(r *Row) *int64 { return &r.EffectiveDimension }),
	stringCol("leading_complexity", func(r *Row) *string { return &r.LeadingComplexity }),
	float64Col("brute_force_accuracy", func(r *Row) *float64 { return &r.BruteForceAccuracy }),
	float64Col("brute_force_loss", func(r *Row) *float64 { return &r.BruteForceLoss }),
}

// Schema is the Arrow schema of a results record.
var Schema = func() *arrow.Schema {
	fields := make([]arrow.Field, len(columns))
	for i, c := range columns {
		fields[i] = c.field
	}
	return arrow.NewSchema(fields, nil)
}()
