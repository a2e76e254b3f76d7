package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/snapper/internal/store"
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
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, describe(event))
		}
	}
	return buf.String()
}

func describe(e TraceEvent) string {
	switch e.Type {
	case EventTransform:
		return fmt.Sprintf("step %d transform %q", e.Step, e.Item)
	case EventCommit, EventCommitFailed:
		return fmt.Sprintf("step %d %s %d", e.Step, e.Type, e.Size)
	case EventFinish:
		return fmt.Sprintf("step %d finish %s %s", e.Step, e.Summary.Phase, e.Error)
	case EventLoad:
		return fmt.Sprintf("step %d load %v", e.Step, e.Outputs)
	default:
		return fmt.Sprintf("step %d %s %s", e.Step, e.Type, e.Version)
	}
}

// assertTraceCount checks that the event type appears exactly the specified number of times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == assertion.Event {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Event),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertTransformOrder checks the transform saw exactly the expected items,
// in order, across all steps.
func assertTransformOrder(result *Result, assertion Assertion) error {
	got := result.Transforms()
	if !slices.Equal(got, assertion.Items) {
		return &AssertionError{
			Type:     AssertTransformOrder,
			Expected: fmt.Sprintf("%v", assertion.Items),
			Actual:   fmt.Sprintf("%v", got),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertCommitSizes(result *Result, assertion Assertion) error {
	got := result.CommitSizes()
	if !slices.Equal(got, assertion.Sizes) {
		return &AssertionError{
			Type:     AssertCommitSizes,
			Expected: fmt.Sprintf("%v", assertion.Sizes),
			Actual:   fmt.Sprintf("%v", got),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertStoredOutputs counts outputs in storage, the latest per item.
func assertStoredOutputs(ctx context.Context, st store.Storage, assertion Assertion) error {
	entries, err := st.LoadAllOutputs(ctx)
	if err != nil {
		return fmt.Errorf("stored_outputs: %w", err)
	}
	if len(entries) != assertion.Count {
		return &AssertionError{
			Type:     AssertStoredOutputs,
			Expected: fmt.Sprintf("%d stored outputs", assertion.Count),
			Actual:   fmt.Sprintf("%d stored outputs", len(entries)),
		}
	}
	return nil
}

// assertRunOutcomes compares recorded run outcomes, oldest first.
func assertRunOutcomes(ctx context.Context, rs store.RunStorage, assertion Assertion) error {
	runs, err := rs.ListRuns(ctx, 0)
	if err != nil {
		return fmt.Errorf("run_outcomes: %w", err)
	}
	got := make([]string, len(runs))
	for i, run := range runs {
		got[len(runs)-1-i] = string(run.Outcome)
	}
	if !slices.Equal(got, assertion.Outcomes) {
		return &AssertionError{
			Type:     AssertRunOutcomes,
			Expected: fmt.Sprintf("%v", assertion.Outcomes),
			Actual:   fmt.Sprintf("%v", got),
		}
	}
	return nil
}

// AssertionContext provides storage access for assertions that inspect the
// final storage contents.
type AssertionContext struct {
	Store interface {
		store.Storage
		store.RunStorage
	}
	Ctx context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides storage access for stored_outputs and run_outcomes.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertTransformOrder:
			err = assertTransformOrder(result, assertion)
		case AssertCommitSizes:
			err = assertCommitSizes(result, assertion)
		case AssertStoredOutputs, AssertRunOutcomes:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: %s requires storage context", i, assertion.Type)
			} else if assertion.Type == AssertStoredOutputs {
				err = assertStoredOutputs(actx.Ctx, actx.Store, assertion)
			} else {
				err = assertRunOutcomes(actx.Ctx, actx.Store, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
