package model

import "fmt"

// Terminal reports whether the status is terminal.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known execution status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case StatusSubmitted, StatusRunning, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// CheckExecutionTransition validates an execution status change.
//
// SUBMITTED may fail directly when an execution is aborted before its
// handler starts (deadline, shutdown, crash sweep).
func CheckExecutionTransition(from, to ExecutionStatus) error {
	if !isAllowedExecutionTransition(from, to) {
		return fmt.Errorf("disallowed execution transition: %s -> %s", from, to)
	}
	return nil
}

func isAllowedExecutionTransition(from, to ExecutionStatus) bool {
	switch from {
	case StatusSubmitted:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Valid reports whether s is a known lifecycle state.
func (s LifecycleState) Valid() bool {
	switch s {
	case StatePending, StateReady, StateActive, StateTerminated:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further lifecycle transition is possible.
func (s LifecycleState) Terminal() bool {
	return s == StateReady || s == StateTerminated
}

// Mutable reports whether a copy in this state may be stale relative to
// another tier. READY and TERMINATED never change again.
func (s LifecycleState) Mutable() bool {
	return s == StatePending || s == StateActive
}

// CheckLifecycleTransition validates an artifact lifecycle change.
//
// PENDING is the staging state of both tracks: it commits to READY on the
// normal path or to ACTIVE for session-like artifacts. Transitions never
// move backwards.
func CheckLifecycleTransition(from, to LifecycleState) error {
	if !isAllowedLifecycleTransition(from, to) {
		return NewValidationError("disallowed lifecycle transition: %s -> %s", from, to)
	}
	return nil
}

func isAllowedLifecycleTransition(from, to LifecycleState) bool {
	switch from {
	case StatePending:
		return to == StateReady || to == StateActive
	case StateActive:
		return to == StateTerminated
	default:
		return false
	}
}

// CommittedState returns the state an artifact enters on durable commit,
// given the state its handler requested.
func CommittedState(requested LifecycleState) LifecycleState {
	if requested == StateActive {
		return StateActive
	}
	return StateReady
}

// Rank orders lifecycle states along their track so divergent tier copies
// can be reconciled: the higher rank is the more advanced copy.
func (s LifecycleState) Rank() int {
	switch s {
	case StatePending:
		return 1
	case StateReady, StateActive:
		return 2
	case StateTerminated:
		return 3
	default:
		return 0
	}
}

// Reusable reports whether a later submission with the same idempotency
// key should be answered with this execution instead of running again.
// Only failures that may succeed on retry release the key.
func (e Execution) Reusable() bool {
	if e.Status != StatusFailed {
		return true
	}
	return e.Error == nil || !e.Error.Code.Retryable()
}
