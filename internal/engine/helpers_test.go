package engine

import (
	"context"
	"io"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/snapper/internal/store"
	"github.com/roach88/snapper/internal/testutil"
)

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestSnapper creates a Snapper with a quiet logger, sequential run ids
// and a declared version, then closes it when the test ends. Later options
// override these defaults.
func newTestSnapper[In, Out any](t *testing.T, src iter.Seq[In], fn Transform[In, Out], st store.Storage, opts ...Option) *Snapper[In, Out] {
	t.Helper()
	base := []Option{
		WithLogger(quietLogger()),
		WithRunIDGenerator(testutil.NewSequentialRunIDs("")),
		WithFunctionVersion("v1"),
	}
	s, err := New(src, fn, st, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seq(lo, hi int) iter.Seq[int] {
	return func(yield func(int) bool) {
		for i := lo; i <= hi; i++ {
			if !yield(i) {
				return
			}
		}
	}
}

// recorder counts transform calls per input.
type recorder struct {
	mu    sync.Mutex
	calls []int
}

func (r *recorder) times(k int) Transform[int, int] {
	return func(_ context.Context, x int) (int, error) {
		r.mu.Lock()
		r.calls = append(r.calls, x)
		r.mu.Unlock()
		return x * k, nil
	}
}

func (r *recorder) seen() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

func double(_ context.Context, x int) (int, error) {
	return x * 2, nil
}

func triple(_ context.Context, x int) (int, error) {
	return x * 3, nil
}
