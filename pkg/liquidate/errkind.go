package liquidate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/helioslabs/solvent/pkg/rpc"
)

// Kind buckets decision errors for logging and retry policy.
type Kind int

const (
	KindTransientRpc Kind = iota
	KindForkLag
	// the liqee stopped being liquidatable between decision and landing;
	// an expected race, logged at trace level and not counted as an error
	KindLiqeePrecondFailed
	KindProtocolReject
	// a reachable-but-impossible branch, e.g. no asset token found
	KindInvalidDecision
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransientRpc:
		return "transient-rpc"
	case KindForkLag:
		return "fork-lag"
	case KindLiqeePrecondFailed:
		return "liqee-precond-failed"
	case KindProtocolReject:
		return "protocol-reject"
	case KindInvalidDecision:
		return "invalid-decision"
	default:
		return "fatal"
	}
}

// Error is a classified decision error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrapKind(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// preflight log fragments that mean "the precondition we checked no longer
// holds on chain" rather than a real failure
var precondFragments = []string{
	"HealthMustBeNegative",
	"HealthMustBePositive",
	"IsNotBankrupt",
	"TokenConditionalSwapNotStarted",
	"StopLossPriceThresholdNotReached",
	"BeingLiquidated",
}

// Classify maps an arbitrary error onto a Kind. Preflight failures are
// inspected for the protocol's own precondition messages.
func Classify(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	var preflight *rpc.PreflightError
	if errors.As(err, &preflight) {
		for _, line := range preflight.Logs {
			for _, frag := range precondFragments {
				if strings.Contains(line, frag) {
					return KindLiqeePrecondFailed
				}
			}
		}
		return KindProtocolReject
	}
	return KindTransientRpc
}
