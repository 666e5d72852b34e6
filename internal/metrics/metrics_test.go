package metrics

import (
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordProof(t *testing.T) {
	beforeOK, beforeFail := ProofCounts()

	RecordProof("attn-exact_eupu-exact_pos-exact", "ok", 0.75, "m1")
	RecordProof("attn-exact_eupu-exact_pos-exact", "error", 0, "m1")

	afterOK, afterFail := ProofCounts()
	if afterOK != beforeOK+1 || afterFail != beforeFail+1 {
		t.Errorf("proof counts: got ok=%d fail=%d, want %d %d", afterOK, afterFail, beforeOK+1, beforeFail+1)
	}

	got := testutil.ToFloat64(CertifiedFraction.WithLabelValues("m1", "attn-exact_eupu-exact_pos-exact"))
	if got != 0.75 {
		t.Errorf("certified fraction = %v, want 0.75", got)
	}
}

func TestRecordDroppedSkipsZero(t *testing.T) {
	RecordDropped("zero-test", 0)
	RecordDropped("some-test", 5)
	RecordDropped("some-test", 2)

	if got := testutil.ToFloat64(DroppedSequences.WithLabelValues("some-test")); got != 7 {
		t.Errorf("dropped = %v, want 7", got)
	}
}

func TestRecordCacheLookup(t *testing.T) {
	RecordCacheLookup("memory", "hit")
	RecordCacheLookup("memory", "hit")
	if got := testutil.ToFloat64(CacheLookups.WithLabelValues("memory", "hit")); got < 2 {
		t.Errorf("cache hits = %v, want >= 2", got)
	}
}

func TestRecordNumericalInstability(t *testing.T) {
	RecordNumericalInstability("E", 5, 0)
	RecordNumericalInstability("U", 0, 3)

	if got := testutil.ToFloat64(NumericalInstability.WithLabelValues("E", "nan")); got != 5 {
		t.Errorf("nan count = %v, want 5", got)
	}
	if got := testutil.ToFloat64(NumericalInstability.WithLabelValues("U", "inf")); got != 3 {
		t.Errorf("inf count = %v, want 3", got)
	}
}

func TestObserversDoNotPanic(t *testing.T) {
	RecordStage("decompose", 3*time.Millisecond)
	RecordStage("gaps", time.Millisecond)
	RecordErrUpperBound(0.25)
	RecordErrUpperBound(math.NaN())
	RecordRemoteStore("put", 10*time.Millisecond)
	RecordSweepFailure("panic")
	SweepInFlight.Inc()
	SweepInFlight.Dec()
}
