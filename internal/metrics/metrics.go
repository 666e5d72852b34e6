package metrics

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	proofsCompleted atomic.Int64
	proofsFailed    atomic.Int64
)

var (
	ProofsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assay_proofs_total",
		Help: "Proof runs by tricks configuration and outcome",
	}, []string{"tricks", "status"})

	ProofDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "assay_proof_stage_duration_seconds",
		Help:    "Duration of proof stages (decompose, gaps, verify, brute_force)",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
	}, []string{"stage"})

	CertifiedFraction = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "assay_certified_fraction",
		Help: "Latest accuracy lower bound per model and tricks configuration",
	}, []string{"model", "tricks"})

	DroppedSequences = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assay_dropped_sequences_total",
		Help: "Sequences left uncertified by proofs",
	}, []string{"tricks"})

	ErrUpperBound = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "assay_attention_err_upper_bound",
		Help:    "Largest per-query bound on the attention residual",
		Buckets: []float64{0, 0.001, 0.01, 0.1, 1, 10, 100, 1000},
	})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assay_cache_lookups_total",
		Help: "Memoization lookups by tier (memory, store) and result (hit, miss, error)",
	}, []string{"tier", "result"})

	RemoteStoreDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "assay_remote_store_duration_seconds",
		Help:    "Arrow Flight remote store round trips",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	SweepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assay_sweep_failures_total",
		Help: "Sweep units that returned an error or panicked",
	}, []string{"kind"})

	SweepInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "assay_sweep_in_flight",
		Help: "Sweep units currently running",
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assay_numerical_instability_total",
		Help: "NaN/Inf values detected in weights or bounds",
	}, []string{"tensor", "type"})
)

func RecordProof(tricks, status string, certified float64, model string) {
	ProofsTotal.WithLabelValues(tricks, status).Inc()
	if status == "ok" {
		proofsCompleted.Add(1)
		CertifiedFraction.WithLabelValues(model, tricks).Set(certified)
	} else {
		proofsFailed.Add(1)
	}
}

func RecordStage(stage string, d time.Duration) {
	ProofDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func RecordDropped(tricks string, dropped uint64) {
	if dropped > 0 {
		DroppedSequences.WithLabelValues(tricks).Add(float64(dropped))
	}
}

func RecordErrUpperBound(bound float64) {
	if !math.IsNaN(bound) {
		ErrUpperBound.Observe(bound)
	}
}

func RecordCacheLookup(tier, result string) {
	CacheLookups.WithLabelValues(tier, result).Inc()
}

func RecordRemoteStore(op string, d time.Duration) {
	RemoteStoreDuration.WithLabelValues(op).Observe(d.Seconds())
}

func RecordSweepFailure(kind string) {
	SweepFailures.WithLabelValues(kind).Inc()
}

// RecordNumericalInstability counts NaN and Inf entries found in a tensor.
func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

// ProofCounts returns the process-lifetime completed and failed proof totals.
func ProofCounts() (completed, failed int64) {
	return proofsCompleted.Load(), proofsFailed.Load()
}
