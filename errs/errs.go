// Package errs defines the error kinds of the matching engine: every
// fatal or recoverable condition the pipeline can raise is an
// *EngineError carrying a machine-readable Code, the Scope it is
// handled at, and whether it is Recoverable.
//
// Call sites branch on kind either with errors.Is against a value built
// by the matching constructor below (Is compares Codes), or by taking
// the *EngineError out with As and comparing its Code to the constants
// below.
package errs

import (
	"errors"
	"fmt"
)

// Scope indicates whether an EngineError is handled by the worker that
// detected it (Local) or requires a coordinated abort across all
// workers (Global).
type Scope int

const (
	// ScopeLocal errors are handled by the detecting worker alone.
	ScopeLocal Scope = iota
	// ScopeGlobal errors require a coordinated abort of the whole run.
	ScopeGlobal
)

func (s Scope) String() string {
	if s == ScopeGlobal {
		return "global"
	}
	return "local"
}

// Code values are the short machine-readable tags surfaced on fatal
// exit.
const (
	CodeBallOverflow        = "BALL_OVERFLOW"
	CodeBudgetExceededSoft  = "BUDGET_EXCEEDED_SOFT"
	CodeBudgetExceededHard  = "BUDGET_EXCEEDED_HARD"
	CodeInvariantViolation  = "INVARIANT_VIOLATION"
	CodeSymmetricIdFailure  = "SYMMETRIC_ID_FAILURE"
	CodeFabricError         = "FABRIC_ERROR"
	CodeMalformedGraph      = "MALFORMED_GRAPH"
	CodeProgressStall       = "PROGRESS_STALL"
	CodeMissingEndpoint     = "MISSING_ENDPOINT"
)

// EngineError is the single error type returned by every package in
// this module. It implements Unwrap so callers
// can use errors.Is/errors.As through wrapping, and Is so
// that errors.Is matches by Code rather than by pointer identity (two
// independently constructed EngineErrors of the same Code compare equal).
type EngineError struct {
	Code        string
	Scope       Scope
	Recoverable bool
	Message     string
	Err         error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s/%s] %s: %v", e.Code, e.Scope, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Code, e.Scope, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *EngineError) Unwrap() error { return e.Err }

// Is reports whether target is an *EngineError with the same Code,
// allowing errors.Is(err, errs.BallOverflow("")) style checks regardless
// of Message/Err payload.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func newErr(code string, scope Scope, recoverable bool, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Scope: scope, Recoverable: recoverable, Message: msg, Err: cause}
}

// BallOverflow reports |B(e)| > S mid-exponentiation for edge eid.
// Local, recoverable: the caller stalls eid for the current phase and
// continues.
func BallOverflow(eid uint64) *EngineError {
	return newErr(CodeBallOverflow, ScopeLocal, true,
		fmt.Sprintf("ball for eid=%d exceeded the memory budget", eid), nil)
}

// BudgetExceededSoft reports worker RSS crossed the soft (75%) threshold.
// Local, recoverable: free transient arenas and log.
func BudgetExceededSoft(rssFrac float64) *EngineError {
	return newErr(CodeBudgetExceededSoft, ScopeLocal, true,
		fmt.Sprintf("resident set at %.1f%% of budget, soft threshold crossed", rssFrac*100), nil)
}

// BudgetExceededHard reports worker RSS crossed the hard (90%) threshold.
// Global, fatal: coordinated abort.
func BudgetExceededHard(rssFrac float64) *EngineError {
	return newErr(CodeBudgetExceededHard, ScopeGlobal, false,
		fmt.Sprintf("resident set at %.1f%% of budget, hard threshold crossed", rssFrac*100), nil)
}

// InvariantViolation reports a failed matching-validity or edge-count
// consistency check. Global, fatal.
func InvariantViolation(detail string) *EngineError {
	return newErr(CodeInvariantViolation, ScopeGlobal, false, detail, nil)
}

// SymmetricIdFailure reports eid(u,v) != eid(v,u) detected by a sampled
// check. Global, fatal.
func SymmetricIdFailure(u, v uint64) *EngineError {
	return newErr(CodeSymmetricIdFailure, ScopeGlobal, false,
		fmt.Sprintf("eid(%d,%d) is not symmetric", u, v), nil)
}

// FabricError wraps a transport-layer failure from the exchange fabric.
// Global, fatal.
func FabricError(cause error) *EngineError {
	return newErr(CodeFabricError, ScopeGlobal, false, "exchange fabric returned an error", cause)
}

// MalformedGraph reports a participation or sparsify message referencing
// an unknown vertex. Global, fatal.
func MalformedGraph(detail string) *EngineError {
	return newErr(CodeMalformedGraph, ScopeGlobal, false, detail, nil)
}

// ProgressStall reports the phase budget was exhausted with active edges
// remaining. Global, non-fatal in the sense that the caller returns an
// incomplete matching with an explicit flag rather than aborting.
func ProgressStall(activeEdges int) *EngineError {
	return newErr(CodeProgressStall, ScopeGlobal, true,
		fmt.Sprintf("phase budget exhausted with %d active edges remaining", activeEdges), nil)
}

// MissingEndpoint reports state-store corruption: an edge references an
// endpoint the local store has no record of. Fatal, indicates corruption.
func MissingEndpoint(eid, vertex uint64) *EngineError {
	return newErr(CodeMissingEndpoint, ScopeGlobal, false,
		fmt.Sprintf("eid=%d references unknown endpoint vertex=%d", eid, vertex), nil)
}

// As is a convenience wrapper over errors.As for *EngineError, returning
// the typed error and whether err was (or wrapped) one.
func As(err error) (*EngineError, bool) {
	var ee *EngineError
	ok := errors.As(err, &ee)
	return ee, ok
}
