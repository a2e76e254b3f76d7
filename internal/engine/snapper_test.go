package engine

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/snapper/internal/fingerprint"
	"github.com/roach88/snapper/internal/keys"
	"github.com/roach88/snapper/internal/store"
	"github.com/roach88/snapper/internal/store/storetest"
	"github.com/roach88/snapper/internal/testutil"
)

func TestNew_ValidatesArguments(t *testing.T) {
	st := storetest.NewMemory()

	_, err := New[int, int](nil, double, st)
	assert.Error(t, err)

	_, err = New[int, int](seq(1, 3), nil, st)
	assert.Error(t, err)

	_, err = New[int, int](seq(1, 3), double, nil)
	assert.Error(t, err)
}

func TestStart_ProcessesEveryItem(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemory()
	rec := &recorder{}
	s := newTestSnapper(t, seq(1, 3), rec.times(2), st)

	summary, err := s.Start(ctx)
	require.NoError(t, err)

	assert.Equal(t, "run-1", summary.RunID)
	assert.Equal(t, PhaseDone, summary.Phase)
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, 3, summary.Flushed)
	assert.Equal(t, []int{1, 2, 3}, rec.seen())

	out, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 6}, out)

	assert.Equal(t, []Phase{PhaseInit, PhaseReconciling, PhaseRunning, PhaseFlushing, PhaseDone}, s.PhaseHistory())
}

func TestStart_SecondRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemory()
	rec := &recorder{}
	s := newTestSnapper(t, seq(1, 3), rec.times(2), st)

	_, err := s.Start(ctx)
	require.NoError(t, err)

	summary, err := s.Start(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 3, summary.Skipped)
	assert.Equal(t, []int{1, 2, 3}, rec.seen(), "no item transformed twice")
	assert.Equal(t, []Phase{PhaseInit, PhaseReconciling, PhaseDone}, s.PhaseHistory())

	out, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 6}, out)
}

func TestStart_EmptySource(t *testing.T) {
	st := storetest.NewMemory()
	s := newTestSnapper(t, seq(1, 0), double, st)

	summary, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, summary.Phase)
	assert.Zero(t, summary.Processed)
	assert.Empty(t, st.CommitSizes())
}

func TestStart_GrowingSequence(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemory()
	rec := &recorder{}

	first := newTestSnapper(t, seq(1, 5), rec.times(2), st)
	_, err := first.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := newTestSnapper(t, seq(1, 10), rec.times(2), st)
	summary, err := second.Start(ctx)
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Processed)
	assert.Equal(t, 5, summary.Skipped)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, rec.seen())

	out, err := second.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 6, 8, 10, 12, 14, 16, 18, 20}, out)
}

func TestStart_DeclaredVersionChangeReprocesses(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemory()
	rec := &recorder{}

	first := newTestSnapper(t, seq(1, 3), rec.times(2), st, WithFunctionVersion("double"))
	_, err := first.Start(ctx)
	require.NoError(t, err)
	out, err := first.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 6}, out)
	require.NoError(t, first.Close())

	second := newTestSnapper(t, seq(1, 3), rec.times(3), st, WithFunctionVersion("triple"))
	summary, err := second.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Processed)

	out, err = second.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 6, 9}, out)

	stored, ok, err := st.LoadFunctionVersion(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fingerprint.Declared("triple"), stored)
}

func TestStart_SourceVersionChangeReprocesses(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemory()

	first, err := New(seq(1, 3), Transform[int, int](double), st, WithLogger(quietLogger()))
	require.NoError(t, err)
	v1, tier := first.Version()
	assert.Equal(t, fingerprint.TierSource, tier)
	_, err = first.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := New(seq(1, 3), Transform[int, int](triple), st, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer second.Close()
	v2, _ := second.Version()
	assert.NotEqual(t, v1, v2)

	summary, err := second.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Processed)

	out, err := second.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 6, 9}, out)
}

type labeledDouble func(context.Context, int) (int, error)

func (labeledDouble) FunctionVersion() string { return "double/v2" }

func TestNew_VersionedTransform(t *testing.T) {
	st := storetest.NewMemory()
	fn := labeledDouble(double)

	s, err := New(seq(1, 2), Transform[int, int](fn), st,
		WithLogger(quietLogger()),
		WithVersioned(fn))
	require.NoError(t, err)
	defer s.Close()

	v, tier := s.Version()
	assert.Equal(t, fingerprint.TierDeclared, tier)
	assert.Equal(t, fingerprint.Declared("double/v2"), v)
}

func TestNew_VersionedOverridesEarlierLabel(t *testing.T) {
	fn := labeledDouble(double)
	s := newTestSnapper(t, seq(1, 2), Transform[int, int](fn), storetest.NewMemory(), WithVersioned(fn))

	v, _ := s.Version()
	assert.Equal(t, fingerprint.Declared("double/v2"), v)
}

func TestStart_SwitchingBackReusesResults(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemory()
	rec := &recorder{}

	for _, label := range []string{"double", "triple"} {
		s := newTestSnapper(t, seq(1, 2), rec.times(len(label)), st, WithFunctionVersion(label))
		_, err := s.Start(ctx)
		require.NoError(t, err)
		require.NoError(t, s.Close())
	}

	s := newTestSnapper(t, seq(1, 2), rec.times(99), st, WithFunctionVersion("double"))
	summary, err := s.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed, "results under the declared version are still current")
	assert.Equal(t, 2, summary.Skipped)
}

func TestStart_DuplicateItems(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemory()
	rec := &recorder{}
	s := newTestSnapper(t, slices.Values([]int{1, 1, 2}), rec.times(2), st)

	summary, err := s.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, []int{1, 2}, rec.seen())

	out, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 4}, out, "one output per occurrence")
}

func TestStart_ResumesAfterInterrupt(t *testing.T) {
	st := storetest.NewMemory()
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	counted := rec.times(2)
	fn := func(ctx context.Context, x int) (int, error) {
		if x == 3 {
			cancel()
			return 0, ctx.Err()
		}
		return counted(ctx, x)
	}

	s := newTestSnapper(t, seq(1, 5), fn, st, WithBatchSize(10))
	summary, err := s.Start(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, PhaseInterrupted, summary.Phase)
	assert.Equal(t, PhaseInterrupted, s.Phase())
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, []int{2}, st.CommitSizes(), "buffered results flushed on interrupt")

	s.fn = rec.times(2)
	summary, err = s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, rec.seen())

	out, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 6, 8, 10}, out)
}

func TestStart_InterruptReturnsContextErrorUnchanged(t *testing.T) {
	st := storetest.NewMemory()
	rec := &recorder{}
	s := newTestSnapper(t, seq(1, 3), rec.times(2), st)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := s.Start(ctx)
	assert.Equal(t, context.Canceled, err)
	assert.Equal(t, PhaseInterrupted, summary.Phase)
	assert.Empty(t, rec.seen())
}

func TestStart_BatchThreshold(t *testing.T) {
	st := storetest.NewMemory()
	s := newTestSnapper(t, seq(1, 5), double, st, WithBatchSize(2))

	summary, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, st.CommitSizes())
	assert.Equal(t, 5, summary.Flushed)
}

func TestStart_MaxWaitFlushes(t *testing.T) {
	st := storetest.NewMemory()
	clock := testutil.NewFakeClock(testStart)
	fn := func(_ context.Context, x int) (int, error) {
		clock.Advance(time.Second)
		return x, nil
	}

	s := newTestSnapper(t, seq(1, 5), fn, st,
		WithBatchSize(100),
		WithMaxWait(2*time.Second),
		WithClock(clock.Now))

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, st.CommitSizes())
}

func TestStart_MaxWaitFlushesWhileItemsFail(t *testing.T) {
	st := storetest.NewMemory()
	clock := testutil.NewFakeClock(testStart)
	var midRun []int
	fn := func(_ context.Context, x int) (int, error) {
		if x == 1 {
			return x, nil
		}
		if x == 5 {
			midRun = st.CommitSizes()
		}
		clock.Advance(time.Minute)
		return 0, errBoom
	}

	s := newTestSnapper(t, seq(1, 5), fn, st,
		WithBatchSize(100),
		WithMaxWait(2*time.Second),
		WithSkipItemErrors(true),
		WithClock(clock.Now))

	summary, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Failed)
	assert.Equal(t, []int{1}, midRun, "result flushed before the run ended")
	assert.Equal(t, []int{1}, st.CommitSizes())
}

func TestStart_MaxWaitFlushesWhileItemsAreSkipped(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemory()
	clock := testutil.NewFakeClock(testStart)
	var midRun []int
	src := func(yield func(int) bool) {
		if !yield(1) {
			return
		}
		for x := 2; x <= 4; x++ {
			clock.Advance(time.Minute)
			if x == 4 {
				midRun = st.CommitSizes()
			}
			if !yield(x) {
				return
			}
		}
	}

	s := newTestSnapper(t, src, double, st,
		WithBatchSize(100),
		WithMaxWait(2*time.Second),
		WithClock(clock.Now))
	for x := 2; x <= 4; x++ {
		require.NoError(t, st.StoreOutput(ctx, keys.Normalize(x), []byte("0"), s.version))
	}

	summary, err := s.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 3, summary.Skipped)
	assert.Equal(t, []int{1}, midRun, "result flushed before the run ended")
}

func TestStart_CrashLosesLessThanOneBatch(t *testing.T) {
	const batchSize = 3
	ctx := context.Background()
	st := storetest.NewMemory()

	var s *Snapper[int, int]
	completed := 0
	fn := func(ctx context.Context, x int) (int, error) {
		stored, err := st.LoadOutputsForVersion(ctx, s.version)
		require.NoError(t, err)
		assert.LessOrEqual(t, completed-len(stored), batchSize-1, "item %d", x)
		completed++
		return x, nil
	}

	s = newTestSnapper(t, seq(1, 10), fn, st, WithBatchSize(batchSize))
	_, err := s.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3, 3, 1}, st.CommitSizes())
}

func TestStart_PanicFlushesAndRepanics(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemory()
	fn := func(_ context.Context, x int) (int, error) {
		if x == 4 {
			panic("boom")
		}
		return x * 2, nil
	}

	s := newTestSnapper(t, seq(1, 5), fn, st, WithBatchSize(10))
	require.PanicsWithValue(t, "boom", func() {
		_, _ = s.Start(ctx)
	})

	assert.Equal(t, PhaseInterrupted, s.Phase())
	assert.Equal(t, []int{3}, st.CommitSizes())

	out, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 6}, out)

	// The run flag is cleared; a later Start is accepted.
	s.fn = double
	summary, err := s.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)
}

func TestStart_FinalFlushFailure(t *testing.T) {
	st := storetest.NewMemory()
	st.FailCommits(1)
	s := newTestSnapper(t, seq(1, 3), double, st, WithBatchSize(10))

	summary, err := s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsFlushError(err))
	assert.ErrorIs(t, err, storetest.ErrInjected)
	assert.Equal(t, PhaseFailed, summary.Phase)
	assert.Empty(t, st.CommitSizes())
}

func TestStart_MidRunFlushFailureRetainsResults(t *testing.T) {
	st := storetest.NewMemory()
	st.FailCommits(1)
	s := newTestSnapper(t, seq(1, 4), double, st, WithBatchSize(2))

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1}, st.CommitSizes())

	out, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 6, 8}, out)
}

func TestStart_InterruptWithFailedFlushJoinsErrors(t *testing.T) {
	st := storetest.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fn := func(ctx context.Context, x int) (int, error) {
		if x == 3 {
			st.FailCommits(1)
			cancel()
			return 0, ctx.Err()
		}
		return x, nil
	}

	s := newTestSnapper(t, seq(1, 3), fn, st, WithBatchSize(10))
	summary, err := s.Start(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsFlushError(err))
	assert.Equal(t, PhaseInterrupted, summary.Phase)
}

func TestStart_RunInProgress(t *testing.T) {
	st := storetest.NewMemory()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fn := func(_ context.Context, x int) (int, error) {
		once.Do(func() { close(entered) })
		<-release
		return x, nil
	}

	s := newTestSnapper(t, seq(1, 2), fn, st)

	done := make(chan error, 1)
	go func() {
		_, err := s.Start(context.Background())
		done <- err
	}()

	<-entered
	_, err := s.Start(context.Background())
	assert.True(t, IsRunInProgress(err))
	assert.Equal(t, PhaseRunning, s.Phase())

	close(release)
	require.NoError(t, <-done)
}

func TestNew_StorageInUse(t *testing.T) {
	st := storetest.NewMemory()
	first := newTestSnapper(t, seq(1, 3), double, st)

	_, err := New(seq(1, 3), Transform[int, int](double), st)
	require.ErrorIs(t, err, ErrStorageInUse)

	require.NoError(t, first.Close())
	second, err := New(seq(1, 3), Transform[int, int](double), st, WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemory()
	s := newTestSnapper(t, seq(1, 3), double, st)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.False(t, st.Closed(), "storage belongs to the caller")

	_, err := s.Start(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Load(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.LoadAll(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLoad_OnlyCurrentSourceItems(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemory()

	first := newTestSnapper(t, seq(1, 3), double, st)
	_, err := first.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := newTestSnapper(t, seq(2, 3), double, st)

	out, err := second.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 6}, out)

	all, err := second.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 6}, all)
}

func TestLoad_FallsBackToLatestResult(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemory()

	first := newTestSnapper(t, seq(1, 3), double, st, WithFunctionVersion("double"))
	_, err := first.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := newTestSnapper(t, seq(1, 3), triple, st, WithFunctionVersion("triple"))
	out, err := second.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 6}, out, "stale results until reprocessed")
	require.NoError(t, second.Close())

	partial := newTestSnapper(t, seq(1, 2), triple, st, WithFunctionVersion("triple"))
	_, err = partial.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, partial.Close())

	third := newTestSnapper(t, seq(1, 3), triple, st, WithFunctionVersion("triple"))
	out, err = third.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 6, 6}, out)
}

func TestLoad_NothingStored(t *testing.T) {
	s := newTestSnapper(t, seq(1, 3), double, storetest.NewMemory())

	out, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestLoad_UndecodableOutputIsAbsent(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemory()
	s := newTestSnapper(t, seq(1, 3), double, st)

	_, err := s.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, st.StoreOutput(ctx, keys.Normalize(2), []byte("{not json"), s.version))

	out, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 6}, out)
}

func TestCacheIterable(t *testing.T) {
	ctx := context.Background()
	iterations := 0
	src := func(yield func(int) bool) {
		iterations++
		for i := 1; i <= 3; i++ {
			if !yield(i) {
				return
			}
		}
	}

	s := newTestSnapper(t, src, double, storetest.NewMemory(), WithCacheIterable(true))

	_, err := s.Start(ctx)
	require.NoError(t, err)
	_, err = s.Start(ctx)
	require.NoError(t, err)
	out, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 6}, out)
	assert.Equal(t, 1, iterations)

	s.ClearCache()
	_, err = s.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, iterations)
}

func TestWithoutCacheIteratesEachTime(t *testing.T) {
	ctx := context.Background()
	iterations := 0
	src := func(yield func(int) bool) {
		iterations++
		yield(1)
	}

	s := newTestSnapper(t, src, double, storetest.NewMemory())
	_, err := s.Start(ctx)
	require.NoError(t, err)
	_, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, iterations)
}

type point struct {
	Name string `json:"name" yaml:"name"`
	X    int    `json:"x" yaml:"x"`
}

func TestYAMLCodec(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemory()
	fn := func(_ context.Context, name string) (point, error) {
		return point{Name: name, X: len(name)}, nil
	}

	s := newTestSnapper(t, slices.Values([]string{"a", "bb"}), fn, st, WithCodec(YAMLCodec{}))
	_, err := s.Start(ctx)
	require.NoError(t, err)

	stored, err := st.LoadOutputsForVersion(ctx, s.version)
	require.NoError(t, err)
	assert.Contains(t, string(stored[keys.Normalize("bb")]), "name: bb")

	out, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []point{{Name: "a", X: 1}, {Name: "bb", X: 2}}, out)
}

func TestStart_RecordsRunHistory(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemory()
	clock := testutil.NewFakeClock(testStart)
	s := newTestSnapper(t, seq(1, 3), double, st, WithClock(clock.Now))

	_, err := s.Start(ctx)
	require.NoError(t, err)
	_, err = s.Start(ctx)
	require.NoError(t, err)

	runs, err := st.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, 3, runs[0].Skipped)
	assert.Equal(t, "run-1", runs[1].ID)
	assert.Equal(t, 3, runs[1].Processed)
	assert.Equal(t, store.OutcomeDone, runs[1].Outcome)
	assert.Equal(t, testStart, runs[1].StartedAt)
	assert.Equal(t, s.version, runs[1].Version)
}

func TestStart_PersistsMetrics(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemory()
	clock := testutil.NewFakeClock(testStart)
	boom := errors.New("boom")
	fn := func(_ context.Context, x int) (int, error) {
		clock.Advance(time.Second)
		if x == 2 {
			return 0, boom
		}
		return x, nil
	}

	s := newTestSnapper(t, seq(1, 3), fn, st,
		WithMetrics(true),
		WithSkipItemErrors(true),
		WithClock(clock.Now))
	_, err := s.Start(ctx)
	require.NoError(t, err)

	ms, err := st.LoadMetrics(ctx)
	require.NoError(t, err)
	require.Len(t, ms, 3)
	assert.True(t, ms[0].Success)
	assert.Equal(t, time.Second, ms[0].Duration())
	assert.False(t, ms[1].Success)
	assert.Equal(t, "boom", ms[1].Error)
	assert.JSONEq(t, "2", string(ms[1].Input))
}

func TestStart_MetricsOffByDefault(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemory()
	s := newTestSnapper(t, seq(1, 3), double, st)

	_, err := s.Start(ctx)
	require.NoError(t, err)

	ms, err := st.LoadMetrics(ctx)
	require.NoError(t, err)
	assert.Empty(t, ms)
}
