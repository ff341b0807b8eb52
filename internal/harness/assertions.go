package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/intentd/internal/model"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s", event.Seq, event.Label())
			if event.ExecutionID != "" {
				fmt.Fprintf(&buf, " %s", event.ExecutionID)
			}
			if event.ArtifactID != "" {
				fmt.Fprintf(&buf, " %s", event.ArtifactID)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// check evaluates one assertion against the run's trace and the engine's
// final state.
func (h *Harness) check(ctx context.Context, result *Result, assertion Assertion) error {
	switch assertion.Type {
	case AssertTraceContains:
		return assertTraceContains(result.Trace, assertion)
	case AssertTraceOrder:
		return assertTraceOrder(result.Trace, assertion)
	case AssertTraceCount:
		return assertTraceCount(result.Trace, assertion)
	case AssertExecution:
		return h.assertExecution(ctx, assertion)
	case AssertArtifact:
		return h.assertArtifact(ctx, assertion)
	case AssertLineage:
		return h.assertLineage(ctx, assertion)
	case AssertHandlerCalls:
		return h.assertHandlerCalls(assertion)
	default:
		return fmt.Errorf("unknown assertion type: %s", assertion.Type)
	}
}

// assertTraceContains checks that some trace event carries the label.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Label() == assertion.Label {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: assertion.Label,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the labels first appear in the given order.
// Other events may appear in between. A label listed twice must occur at
// least twice, each occurrence after the previous one.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	pos := -1
	for _, want := range assertion.Labels {
		found := -1
		for i := pos + 1; i < len(trace); i++ {
			if trace[i].Label() == want {
				found = i
				break
			}
		}
		if found < 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: strings.Join(assertion.Labels, " -> "),
				Actual:   fmt.Sprintf("%s not found after position %d", want, pos+1),
				Trace:    trace,
			}
		}
		pos = found
	}
	return nil
}

// assertTraceCount checks the exact number of events with the label.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Label() == assertion.Label {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Label),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

func (h *Harness) assertExecution(ctx context.Context, assertion Assertion) error {
	id, err := h.resolve(assertion.Ref)
	if err != nil {
		return err
	}
	exec, err := h.app.Manager.Status(ctx, id)
	if err != nil {
		return &AssertionError{
			Type:     AssertExecution,
			Expected: fmt.Sprintf("execution %s with status %s", assertion.Ref, assertion.Status),
			Actual:   err.Error(),
		}
	}

	code := ""
	if exec.Error != nil {
		code = string(exec.Error.Code)
	}
	if string(exec.Status) != assertion.Status || (assertion.ErrorCode != "" && code != assertion.ErrorCode) {
		return &AssertionError{
			Type:     AssertExecution,
			Expected: describeOutcome(assertion.Status, assertion.ErrorCode),
			Actual:   describeOutcome(string(exec.Status), code),
		}
	}
	return nil
}

func describeOutcome(status, code string) string {
	if code == "" {
		return status
	}
	return status + " (" + code + ")"
}

// assertArtifact reads the durable record, which is authoritative.
func (h *Harness) assertArtifact(ctx context.Context, assertion Assertion) error {
	id, err := h.resolve(assertion.Ref)
	if err != nil {
		return err
	}
	a, err := h.app.Store.GetArtifact(ctx, id)
	if err != nil {
		actual := err.Error()
		if model.IsNotFound(err) {
			actual = "artifact not found"
		}
		return &AssertionError{
			Type:     AssertArtifact,
			Expected: fmt.Sprintf("artifact %s in state %s", assertion.Ref, assertion.State),
			Actual:   actual,
		}
	}
	if string(a.LifecycleState) != assertion.State {
		return &AssertionError{
			Type:     AssertArtifact,
			Expected: fmt.Sprintf("artifact %s in state %s", assertion.Ref, assertion.State),
			Actual:   string(a.LifecycleState),
		}
	}
	return nil
}

func (h *Harness) assertLineage(ctx context.Context, assertion Assertion) error {
	id, err := h.resolve(assertion.Ref)
	if err != nil {
		return err
	}
	want := make([]string, 0, len(assertion.Expect))
	for _, ref := range assertion.Expect {
		r, err := h.resolve(ref)
		if err != nil {
			return err
		}
		want = append(want, r)
	}

	var got []string
	if assertion.Direction == "descendants" {
		got, err = h.app.Store.DescendantIDs(ctx, id)
	} else {
		got, err = h.app.Store.AncestorIDs(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("lineage of %s: %w", assertion.Ref, err)
	}
	if !slices.Equal(got, want) {
		return &AssertionError{
			Type:     AssertLineage,
			Expected: fmt.Sprintf("%v", want),
			Actual:   fmt.Sprintf("%v", got),
		}
	}
	return nil
}

func (h *Harness) assertHandlerCalls(assertion Assertion) error {
	h.mu.Lock()
	got := h.calls[assertion.IntentType]
	h.mu.Unlock()
	if got != assertion.Count {
		return &AssertionError{
			Type:     AssertHandlerCalls,
			Expected: fmt.Sprintf("%d calls to %s", assertion.Count, assertion.IntentType),
			Actual:   fmt.Sprintf("%d calls", got),
		}
	}
	return nil
}
