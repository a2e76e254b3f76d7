package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/roach88/snapper/internal/engine"
	"github.com/roach88/snapper/internal/store"
	"github.com/roach88/snapper/internal/store/storetest"
	"github.com/roach88/snapper/internal/testutil"
)

// Harness is the test execution engine.
// It runs scenario steps against one in-memory storage with sequential
// run ids, so identical scenarios produce identical traces.
type Harness struct {
	store     *tracingStore
	runIDs    *testutil.SequentialRunIDs
	logger    *slog.Logger
	batchSize int
	result    *Result
	step      int
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against fresh storage for isolation.
//
// Execution flow:
// 1. Create a fresh in-memory storage
// 2. Execute steps in order, tracing runs, transform calls and commits
// 3. Check each step's expect clause
// 4. Evaluate assertions against the trace and final storage
func Run(scenario *Scenario) (*Result, error) {
	result := NewResult()
	h := &Harness{
		store:     &tracingStore{Memory: storetest.NewMemory(), result: result},
		runIDs:    testutil.NewSequentialRunIDs(""),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
		batchSize: scenario.BatchSize,
		result:    result,
	}
	defer h.store.Close()

	ctx := context.Background()
	for i, step := range scenario.Steps {
		h.step = i + 1
		h.store.step = h.step

		var err error
		if step.Run != nil {
			err = h.executeRun(ctx, step.Run, step.Expect)
		} else {
			err = h.executeLoad(ctx, step.Load, step.Expect)
		}
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", h.step, err)
		}
	}

	actx := &AssertionContext{
		Store: h.store.Memory,
		Ctx:   ctx,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

// executeRun starts one run. Run failures are part of the trace; only
// harness failures are returned.
func (h *Harness) executeRun(ctx context.Context, step *RunStep, expect *ExpectClause) error {
	h.store.FailCommits(step.FailCommits)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	calls := 0
	fn := func(_ context.Context, item string) (string, error) {
		calls++
		h.result.AddEvent(TraceEvent{Type: EventTransform, Step: h.step, Item: item})
		if step.InterruptAfter > 0 && calls == step.InterruptAfter {
			cancel()
		}
		if slices.Contains(step.Fail, item) {
			return "", fmt.Errorf("rejected %s", item)
		}
		return step.Version + ":" + item, nil
	}

	batchSize := step.BatchSize
	if batchSize == 0 {
		batchSize = h.batchSize
	}
	s, err := engine.New(slices.Values(step.Items), fn, store.Storage(h.store),
		engine.WithLogger(h.logger),
		engine.WithRunIDGenerator(h.runIDs),
		engine.WithFunctionVersion(step.Version),
		engine.WithBatchSize(batchSize),
		engine.WithSkipItemErrors(step.SkipErrors),
		engine.WithMaxConsecutiveErrors(step.MaxConsecutiveErrors))
	if err != nil {
		return err
	}
	defer s.Close()

	h.result.AddEvent(TraceEvent{Type: EventStart, Step: h.step, Version: step.Version})
	summary, runErr := s.Start(ctx)
	finish := TraceEvent{
		Type: EventFinish,
		Step: h.step,
		Summary: &StepSummary{
			RunID:     summary.RunID,
			Phase:     string(summary.Phase),
			Processed: summary.Processed,
			Skipped:   summary.Skipped,
			Failed:    summary.Failed,
			Flushed:   summary.Flushed,
		},
		Error: errorLabel(runErr),
	}
	h.result.AddEvent(finish)

	if expect != nil {
		h.checkRun(finish, expect)
	}
	return nil
}

func (h *Harness) executeLoad(ctx context.Context, step *LoadStep, expect *ExpectClause) error {
	s, err := engine.New(slices.Values(step.Items), noTransform, store.Storage(h.store),
		engine.WithLogger(h.logger),
		engine.WithFunctionVersion(step.Version))
	if err != nil {
		return err
	}
	defer s.Close()

	var outputs []string
	if step.All {
		outputs, err = s.LoadAll(ctx)
	} else {
		outputs, err = s.Load(ctx)
	}
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	h.result.AddEvent(TraceEvent{Type: EventLoad, Step: h.step, Version: step.Version, Outputs: outputs})

	if expect != nil && expect.Outputs != nil && !slices.Equal(outputs, expect.Outputs) {
		h.result.AddError(fmt.Sprintf("step %d: expected outputs %v, got %v", h.step, expect.Outputs, outputs))
	}
	return nil
}

func (h *Harness) checkRun(finish TraceEvent, expect *ExpectClause) {
	got := finish.Summary
	if expect.Phase != "" && expect.Phase != got.Phase {
		h.result.AddError(fmt.Sprintf("step %d: expected phase %s, got %s", h.step, expect.Phase, got.Phase))
	}
	checkCount := func(name string, want *int, got int) {
		if want != nil && *want != got {
			h.result.AddError(fmt.Sprintf("step %d: expected %s %d, got %d", h.step, name, *want, got))
		}
	}
	checkCount("processed", expect.Processed, got.Processed)
	checkCount("skipped", expect.Skipped, got.Skipped)
	checkCount("failed", expect.Failed, got.Failed)
	if expect.Error != finish.Error {
		h.result.AddError(fmt.Sprintf("step %d: expected error %q, got %q", h.step, expect.Error, finish.Error))
	}
}

func noTransform(context.Context, string) (string, error) {
	return "", errors.New("load steps do not transform")
}

// errorLabel reduces a run error to the labels a scenario can expect:
// "interrupted" for cancellation and the RunError code otherwise, joined
// with "+" when both apply.
func errorLabel(err error) string {
	if err == nil {
		return ""
	}
	var labels []string
	if errors.Is(err, context.Canceled) {
		labels = append(labels, "interrupted")
	}
	var runErr *engine.RunError
	if errors.As(err, &runErr) {
		labels = append(labels, string(runErr.Code))
	}
	if len(labels) == 0 {
		return err.Error()
	}
	return strings.Join(labels, "+")
}

// tracingStore records commits into the scenario trace.
type tracingStore struct {
	*storetest.Memory
	result *Result
	step   int
}

func (t *tracingStore) Commit(ctx context.Context, records []store.Record) error {
	err := t.Memory.Commit(ctx, records)
	switch {
	case len(records) == 0:
	case err != nil:
		t.result.AddEvent(TraceEvent{Type: EventCommitFailed, Step: t.step, Size: len(records)})
	default:
		t.result.AddEvent(TraceEvent{Type: EventCommit, Step: t.step, Size: len(records)})
	}
	return err
}
