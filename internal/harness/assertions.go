package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// AssertionError describes a failed expectation with the trace so far.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s%s\n", ev.Seq, ev.Step, traceDetail(ev))
	}
	return buf.String()
}

func traceDetail(ev TraceEvent) string {
	switch {
	case ev.EventID != "":
		return " " + ev.EventID
	case ev.IDs != nil:
		return fmt.Sprintf(" %v", ev.IDs)
	case ev.Count != nil:
		return fmt.Sprintf(" %d", *ev.Count)
	case ev.Capsule != "":
		return " " + ev.Capsule
	}
	return ""
}

// checkExpect compares one step's trace entry with its expect clause.
func checkExpect(index int, want *ExpectClause, got *TraceEvent, result *Result) {
	if want == nil {
		return
	}
	fail := func(field, expected, actual string) {
		result.AddError(fmt.Sprintf("flow[%d] %s: %s: expected %s, got %s", index, got.Step, field, expected, actual))
	}

	if want.Accepted != nil {
		if got.Accepted == nil || *got.Accepted != *want.Accepted {
			fail("accepted", fmt.Sprint(*want.Accepted), fmt.Sprint(got.Accepted != nil && *got.Accepted))
		}
	}
	if want.Replaced != "" && got.Replaced != want.Replaced {
		fail("replaced", want.Replaced, quoteEmpty(got.Replaced))
	}
	if want.Reason != "" && !strings.HasPrefix(got.Reason, want.Reason) {
		fail("reason", want.Reason, quoteEmpty(got.Reason))
	}
	if want.IDs != nil && !slices.Equal(want.IDs, got.IDs) && !(len(want.IDs) == 0 && len(got.IDs) == 0) {
		fail("ids", fmt.Sprint(want.IDs), fmt.Sprint(got.IDs))
	}
	if want.Count != nil && (got.Count == nil || *got.Count != *want.Count) {
		actual := "none"
		if got.Count != nil {
			actual = fmt.Sprint(*got.Count)
		}
		fail("count", fmt.Sprint(*want.Count), actual)
	}
	if want.Capsule != "" && got.Capsule != want.Capsule {
		fail("capsule", want.Capsule, quoteEmpty(got.Capsule))
	}
	if want.Events != nil && got.Events != *want.Events {
		fail("events", fmt.Sprint(*want.Events), fmt.Sprint(got.Events))
	}
	if want.Failed != (got.Error != "") && got.Step == StepRotate {
		fail("failed", fmt.Sprint(want.Failed), fmt.Sprint(got.Error != ""))
	}
}

func quoteEmpty(s string) string {
	if s == "" {
		return `""`
	}
	return s
}

// EvaluateAssertions checks final state and returns one message per failed
// assertion.
func EvaluateAssertions(ctx context.Context, h *Harness, result *Result, assertions []Assertion) []string {
	var errs []string
	for _, a := range assertions {
		if err := evaluate(ctx, h, result, a); err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func evaluate(ctx context.Context, h *Harness, result *Result, a Assertion) error {
	switch a.Type {
	case AssertBufferIDs:
		var got []string
		for _, ev := range h.buf.Events() {
			got = append(got, ev.ID)
		}
		if !sameIDs(a.IDs, got) {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprint(a.IDs), Actual: fmt.Sprint(got), Trace: result.Trace}
		}

	case AssertNotified:
		if !sameIDs(a.IDs, result.Notified) {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprint(a.IDs), Actual: fmt.Sprint(result.Notified), Trace: result.Trace}
		}

	case AssertCapsuleCount:
		if got := h.reg.Len(); got != a.Count {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprint(a.Count), Actual: fmt.Sprint(got), Trace: result.Trace}
		}

	case AssertCatalogHas, AssertCatalogMissing:
		want := a.Type == AssertCatalogHas
		for _, id := range a.IDs {
			found, err := h.store.HasEvent(ctx, id)
			if err != nil {
				return fmt.Errorf("%s: %w", a.Type, err)
			}
			if found != want {
				return &AssertionError{
					Type:     a.Type,
					Expected: fmt.Sprintf("%s cataloged=%v", id, want),
					Actual:   fmt.Sprintf("cataloged=%v", found),
					Trace:    result.Trace,
				}
			}
		}

	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func sameIDs(want, got []string) bool {
	if len(want) == 0 && len(got) == 0 {
		return true
	}
	return slices.Equal(want, got)
}
