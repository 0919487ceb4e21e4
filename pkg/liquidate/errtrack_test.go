package liquidate

import (
	"errors"
	"testing"
	"time"

	"github.com/helioslabs/solvent/pkg/chain"
	"github.com/helioslabs/solvent/pkg/rpc"
)

func trackerAt(now *time.Time) *ErrorTracker {
	t := NewErrorTracker()
	t.Now = func() time.Time { return *now }
	return t
}

func TestErrorTrackerSkipWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	tr := trackerAt(&now)
	var a chain.Address
	a[0] = 1

	for i := 0; i < 4; i++ {
		tr.RecordFailure(a)
	}
	if tr.ShouldSkip(a) {
		t.Error("below threshold must not skip")
	}
	tr.RecordFailure(a)
	if !tr.ShouldSkip(a) {
		t.Error("at threshold must skip")
	}

	// past the skip duration the account is retried
	now = now.Add(3 * time.Minute)
	if tr.ShouldSkip(a) {
		t.Error("skip must expire after the skip duration")
	}

	// old errors reset the counter on the next failure
	now = now.Add(10 * time.Minute)
	tr.RecordFailure(a)
	if got := tr.Count(a); got != 1 {
		t.Errorf("count after reset = %d, want 1", got)
	}

	tr.RecordSuccess(a)
	if tr.Count(a) != 0 || tr.ShouldSkip(a) {
		t.Error("success must erase the entry")
	}
}

func TestClassify(t *testing.T) {
	precond := &rpc.PreflightError{
		Message: "simulation failed",
		Logs:    []string{"Program log: custom program error", "Program log: HealthMustBeNegative"},
	}
	if got := Classify(precond); got != KindLiqeePrecondFailed {
		t.Errorf("classify precond = %v", got)
	}

	reject := &rpc.PreflightError{Message: "simulation failed", Logs: []string{"Program log: arithmetic overflow"}}
	if got := Classify(reject); got != KindProtocolReject {
		t.Errorf("classify reject = %v", got)
	}

	if got := Classify(errors.New("connection refused")); got != KindTransientRpc {
		t.Errorf("classify transient = %v", got)
	}

	fatal := wrapKind(KindFatal, "broken invariant")
	if got := Classify(fatal); got != KindFatal {
		t.Errorf("classify fatal = %v", got)
	}
}
