package engine

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/snapper/internal/batch"
	"github.com/roach88/snapper/internal/fingerprint"
	"github.com/roach88/snapper/internal/keys"
	"github.com/roach88/snapper/internal/store"
)

var tracer = otel.Tracer("snapper/engine")

// Transform maps one item to its output. It receives the Start context and
// should return promptly once that context is cancelled.
type Transform[In, Out any] func(ctx context.Context, item In) (Out, error)

// FailedItem is an item whose transform failed while item errors were
// being skipped.
type FailedItem[In any] struct {
	Index int
	Item  In
	Key   keys.Key
	Err   error
}

// RunSummary describes one Start call.
type RunSummary struct {
	RunID   string
	Version fingerprint.Version
	Tier    fingerprint.Tier
	Phase   Phase

	// Processed counts successful transform calls, Skipped counts items
	// that already had a current result, Failed counts skipped errors.
	Processed int
	Skipped   int
	Failed    int

	// Flushed counts records committed to storage during the run.
	Flushed int

	StartedAt  time.Time
	FinishedAt time.Time
}

// Snapper is a resumable map of a transform over a source sequence.
type Snapper[In, Out any] struct {
	source iter.Seq[In]
	fn     Transform[In, Out]
	store  store.Storage
	cfg    config

	version fingerprint.Version
	tier    fingerprint.Tier
	id      string

	running   atomic.Bool
	closeOnce sync.Once

	mu      sync.Mutex
	phase   Phase
	history []Phase
	cache   []In
	failed  []FailedItem[In]
	closed  bool
	lastRun *RunSummary
	active  *batch.Buffer
}

// New creates a Snapper and claims st for this process. It returns an error
// wrapping ErrStorageInUse if another open Snapper holds the same storage.
//
// The caller keeps ownership of st and closes it after Close.
func New[In, Out any](source iter.Seq[In], fn Transform[In, Out], st store.Storage, opts ...Option) (*Snapper[In, Out], error) {
	if source == nil {
		return nil, errors.New("engine: source is nil")
	}
	if fn == nil {
		return nil, errors.New("engine: transform is nil")
	}
	if st == nil {
		return nil, errors.New("engine: storage is nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Snapper[In, Out]{
		source:  source,
		fn:      fn,
		store:   st,
		cfg:     cfg,
		id:      st.Identifier(),
		phase:   PhaseInit,
		history: []Phase{PhaseInit},
	}

	if cfg.hasDeclared {
		s.version, s.tier = fingerprint.Declared(cfg.declared), fingerprint.TierDeclared
	} else {
		s.version, s.tier = fingerprint.Of(fn)
	}
	if s.tier == fingerprint.TierUnknown {
		cfg.logger.Warn("transform version unknown, changes to the transform will not invalidate stored results",
			"storage", s.id)
	}

	if err := claim(s.id); err != nil {
		return nil, err
	}
	return s, nil
}

// Version returns the function version results are recorded under.
func (s *Snapper[In, Out]) Version() (fingerprint.Version, fingerprint.Tier) {
	return s.version, s.tier
}

// Phase returns the current phase.
func (s *Snapper[In, Out]) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// PhaseHistory returns the phases of the current or most recent run.
func (s *Snapper[In, Out]) PhaseHistory() []Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

func (s *Snapper[In, Out]) setPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == p {
		return
	}
	s.phase = p
	s.history = append(s.history, p)
}

// FailedItems returns the items skipped by the error policy in the most
// recent run.
func (s *Snapper[In, Out]) FailedItems() []FailedItem[In] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.failed)
}

// ClearCache drops the materialized source. Stored results are untouched.
func (s *Snapper[In, Out]) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = nil
}

// Close releases the storage claim. It does not close the storage and is
// safe to call more than once.
func (s *Snapper[In, Out]) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		release(s.id)
	})
	return nil
}

func (s *Snapper[In, Out]) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// items returns the sequence to iterate, materializing the cache on first
// use when caching is enabled.
func (s *Snapper[In, Out]) items() iter.Seq[In] {
	if !s.cfg.cacheIterable {
		return s.source
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache == nil {
		s.cache = slices.Collect(s.source)
		if s.cache == nil {
			s.cache = []In{}
		}
	}
	return slices.Values(s.cache)
}

// Start processes every item that has no result under the current function
// version, flushing results as the batch thresholds are met and once more
// before returning.
//
// Errors:
//   - ctx.Err(), unchanged, when the context is cancelled
//   - *RunError TRANSFORM_FAILED wrapping the transform's error
//   - *RunError TOO_MANY_ERRORS when the consecutive error limit is reached
//   - *RunError FLUSH_FAILED, joined with any of the above, when the final
//     flush fails
//
// A panic in the transform is re-raised after the final flush.
func (s *Snapper[In, Out]) Start(ctx context.Context) (summary RunSummary, err error) {
	if s.isClosed() {
		return RunSummary{}, ErrClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return RunSummary{}, &RunError{Code: ErrCodeRunInProgress, Message: "a run is already active", Index: -1}
	}
	defer s.running.Store(false)

	r := newRun(s)

	ctx, span := tracer.Start(ctx, "Snapper.Start", trace.WithAttributes(
		attribute.String("snapper.run_id", r.id),
		attribute.String("snapper.version", string(s.version)),
		attribute.String("snapper.storage", s.id),
	))
	defer span.End()

	defer func() {
		summary = r.summary()
		s.mu.Lock()
		s.lastRun = &summary
		s.mu.Unlock()
		span.SetAttributes(
			attribute.Int("snapper.processed", summary.Processed),
			attribute.Int("snapper.skipped", summary.Skipped),
			attribute.Int("snapper.failed", summary.Failed),
			attribute.String("snapper.phase", string(summary.Phase)),
		)
		if err != nil {
			span.RecordError(err)
		}
	}()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("transform panicked, flushing completed results", "panic", p)
			_ = r.stop(ctx, PhaseInterrupted, nil)
			panic(p)
		}
	}()

	err = r.execute(ctx)
	return r.summary(), err
}

// Load returns the stored outputs for the items of the current source, in
// source order, one per occurrence. Results under the current version are
// preferred; otherwise the most recent stored result for the key is used.
// Items without any stored result are omitted.
func (s *Snapper[In, Out]) Load(ctx context.Context) ([]Out, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	current, err := s.store.LoadOutputsForVersion(ctx, s.version)
	if err != nil {
		return nil, err
	}

	var latest map[keys.Key]store.Entry
	out := []Out{}
	for item := range s.items() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := keys.Normalize(item)
		data, ok := current[key]
		if !ok {
			if latest == nil {
				entries, err := s.store.LoadAllOutputs(ctx)
				if err != nil {
					return nil, err
				}
				latest = store.LatestByKey(entries)
			}
			e, found := latest[key]
			if !found {
				continue
			}
			data = e.Output
		}
		if v, ok := s.decode(key, data); ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// LoadAll returns every stored output, the most recent per key, in commit
// order, whether or not the key appears in the current source.
func (s *Snapper[In, Out]) LoadAll(ctx context.Context) ([]Out, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	entries, err := s.store.LoadAllOutputs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Out, 0, len(entries))
	for _, e := range entries {
		if v, ok := s.decode(e.Key, e.Output); ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// decode treats undecodable outputs as absent.
func (s *Snapper[In, Out]) decode(key keys.Key, data []byte) (Out, bool) {
	var v Out
	if err := s.cfg.codec.Unmarshal(data, &v); err != nil {
		s.cfg.logger.Warn("stored output does not decode, treating as absent",
			"key", key,
			"codec", s.cfg.codec.Name(),
			"error", errors.Join(store.ErrCorrupt, err))
		return v, false
	}
	return v, true
}
