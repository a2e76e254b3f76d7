package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/snapper/internal/batch"
	"github.com/roach88/snapper/internal/keys"
	"github.com/roach88/snapper/internal/metrics"
	"github.com/roach88/snapper/internal/store"
)

// run holds the state of one Start call.
type run[In, Out any] struct {
	s      *Snapper[In, Out]
	id     string
	logger *slog.Logger
	buf    *batch.Buffer

	started  time.Time
	finished time.Time
	phase    Phase

	// done holds keys with a result under the current version, including
	// results still pending in buf.
	done map[keys.Key]bool

	processed   int
	skipped     int
	failed      int
	flushed     int
	consecutive int

	metrics []metrics.Metric
}

func newRun[In, Out any](s *Snapper[In, Out]) *run[In, Out] {
	id := s.cfg.runIDs.Generate()
	r := &run[In, Out]{
		s:       s,
		id:      id,
		logger:  s.cfg.logger.With("run_id", id),
		started: s.cfg.now(),
		phase:   PhaseInit,
		buf: batch.New(s.store, batch.Config{
			BatchSize: s.cfg.batchSize,
			MaxWait:   s.cfg.maxWait,
			Now:       s.cfg.now,
		}),
	}

	s.mu.Lock()
	s.phase = PhaseInit
	s.history = []Phase{PhaseInit}
	s.failed = nil
	s.active = r.buf
	s.mu.Unlock()
	return r
}

func (r *run[In, Out]) setPhase(p Phase) {
	r.phase = p
	r.s.setPhase(p)
}

func (r *run[In, Out]) summary() RunSummary {
	return RunSummary{
		RunID:      r.id,
		Version:    r.s.version,
		Tier:       r.s.tier,
		Phase:      r.phase,
		Processed:  r.processed,
		Skipped:    r.skipped,
		Failed:     r.failed,
		Flushed:    r.flushed,
		StartedAt:  r.started,
		FinishedAt: r.finished,
	}
}

func (r *run[In, Out]) execute(ctx context.Context) error {
	s := r.s
	r.logger.Info("run starting",
		"storage", s.id,
		"version", s.version,
		"tier", s.tier.String(),
		"batch_size", s.cfg.batchSize,
		"max_wait", s.cfg.maxWait)

	if err := ctx.Err(); err != nil {
		return r.stop(ctx, PhaseInterrupted, err)
	}

	r.setPhase(PhaseReconciling)
	if err := r.reconcile(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return r.stop(ctx, PhaseInterrupted, ctxErr)
		}
		return r.stop(ctx, PhaseFailed, fmt.Errorf("reconcile: %w", err))
	}

	index := -1
	for item := range s.items() {
		index++
		if err := ctx.Err(); err != nil {
			return r.stop(ctx, PhaseInterrupted, err)
		}

		key := keys.Normalize(item)
		if r.done[key] {
			r.skipped++
		} else {
			r.setPhase(PhaseRunning)
			rec, err := r.apply(ctx, index, key, item)
			switch {
			case err == nil:
				r.consecutive = 0
				r.processed++
				r.done[key] = true
				r.buf.Add(rec)
			case ctx.Err() != nil:
				return r.stop(ctx, PhaseInterrupted, ctx.Err())
			default:
				if halt := r.onItemError(index, key, item, err); halt != nil {
					return r.stop(ctx, PhaseFailed, halt)
				}
			}
		}

		// Checked on every item so MaxWait also fires while items are
		// skipped or failing.
		if r.buf.ShouldFlush() {
			// Failures keep the records pending for the next trigger.
			_ = r.flush(ctx)
		}
	}

	return r.stop(ctx, PhaseDone, nil)
}

// reconcile records the current function version and loads the keys that
// already have a result under it.
func (r *run[In, Out]) reconcile(ctx context.Context) error {
	s := r.s
	ctx, span := tracer.Start(ctx, "Snapper.reconcile")
	defer span.End()

	stored, ok, err := s.store.LoadFunctionVersion(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("load function version: %w", err)
	}
	if ok && stored != s.version {
		r.logger.Info("function version changed, stored results are stale",
			"previous", stored,
			"version", s.version)
	}
	if !ok || stored != s.version {
		if err := s.store.StoreFunctionVersion(ctx, s.version); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("store function version: %w", err)
		}
	}

	current, err := s.store.LoadOutputsForVersion(ctx, s.version)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("load outputs: %w", err)
	}
	r.done = make(map[keys.Key]bool, len(current))
	for k := range current {
		r.done[k] = true
	}
	span.SetAttributes(attribute.Int("snapper.current_results", len(current)))
	r.logger.Debug("reconciled", "current_results", len(current))
	return nil
}

// apply calls the transform and encodes the result.
func (r *run[In, Out]) apply(ctx context.Context, index int, key keys.Key, item In) (store.Record, error) {
	s := r.s
	start := s.cfg.now()
	out, err := s.fn(ctx, item)
	end := s.cfg.now()

	var rec store.Record
	if err == nil {
		rec, err = r.encode(index, key, item, out)
	}
	if s.cfg.collectMetrics {
		r.metrics = append(r.metrics, metrics.New(string(key), item, start, end, err))
	}
	return rec, err
}

func (r *run[In, Out]) encode(index int, key keys.Key, item In, out Out) (store.Record, error) {
	codec := r.s.cfg.codec
	input, err := codec.Marshal(item)
	if err != nil {
		return store.Record{}, fmt.Errorf("encode input: %w", err)
	}
	output, err := codec.Marshal(out)
	if err != nil {
		return store.Record{}, fmt.Errorf("encode output: %w", err)
	}
	return store.Record{
		Key:     key,
		Input:   input,
		Output:  output,
		Version: r.s.version,
		Index:   index,
	}, nil
}

// onItemError applies the item error policy. It returns the error that
// halts the run, or nil to skip the item and continue.
func (r *run[In, Out]) onItemError(index int, key keys.Key, item In, err error) error {
	cfg := &r.s.cfg
	if !cfg.skipItemErrors || cfg.isFatal(err) {
		return newTransformError(index, key, err)
	}

	r.failed++
	r.consecutive++
	r.s.mu.Lock()
	r.s.failed = append(r.s.failed, FailedItem[In]{Index: index, Item: item, Key: key, Err: err})
	r.s.mu.Unlock()
	r.logger.Warn("skipping failed item", "index", index, "key", key, "error", err)

	if cfg.maxConsecutive > 0 && r.consecutive >= cfg.maxConsecutive {
		return newTooManyErrors(index, key, cfg.maxConsecutive, err)
	}
	return nil
}

// flush commits pending records, then pending metrics. Failures are logged
// and returned; records and metrics stay pending.
func (r *run[In, Out]) flush(ctx context.Context) error {
	pending := r.buf.Len()
	ctx, span := tracer.Start(ctx, "Snapper.flush", trace.WithAttributes(
		attribute.Int("snapper.batch", pending),
	))
	defer span.End()

	n, err := r.buf.Flush(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("flush failed, results retained", "batch", pending, "error", err)
		return err
	}
	r.flushed += n
	if n > 0 {
		r.logger.Debug("flushed", "batch", n)
	}

	r.flushMetrics(ctx)
	return nil
}

func (r *run[In, Out]) flushMetrics(ctx context.Context) {
	if len(r.metrics) == 0 {
		return
	}
	ms, ok := r.s.store.(store.MetricsStorage)
	if !ok {
		r.metrics = nil
		return
	}
	if err := ms.StoreMetrics(ctx, r.metrics); err != nil {
		r.logger.Warn("storing metrics failed", "count", len(r.metrics), "error", err)
		return
	}
	r.metrics = nil
}

// stop performs the final flush, records the run and settles the terminal
// phase. cause is nil for a normal finish.
func (r *run[In, Out]) stop(ctx context.Context, terminal Phase, cause error) error {
	flushCtx := context.WithoutCancel(ctx)

	if r.phase == PhaseRunning || r.buf.Len() > 0 {
		r.setPhase(PhaseFlushing)
	}
	var flushErr error
	if err := r.flush(flushCtx); err != nil {
		flushErr = newFlushError(r.buf.Len(), err)
		if terminal == PhaseDone {
			terminal = PhaseFailed
		}
	}

	r.finished = r.s.cfg.now()
	r.setPhase(terminal)
	r.record(flushCtx, terminal)

	r.logger.Info("run finished",
		"phase", terminal,
		"processed", r.processed,
		"skipped", r.skipped,
		"failed", r.failed,
		"flushed", r.flushed,
		"elapsed", r.finished.Sub(r.started))

	switch {
	case cause == nil:
		if flushErr != nil {
			return flushErr
		}
		return nil
	case flushErr != nil:
		return errors.Join(cause, flushErr)
	default:
		return cause
	}
}

func (r *run[In, Out]) record(ctx context.Context, terminal Phase) {
	rs, ok := r.s.store.(store.RunStorage)
	if !ok {
		return
	}
	outcome := store.OutcomeDone
	switch terminal {
	case PhaseInterrupted:
		outcome = store.OutcomeInterrupted
	case PhaseFailed:
		outcome = store.OutcomeFailed
	}
	err := rs.RecordRun(ctx, store.RunInfo{
		ID:         r.id,
		Version:    r.s.version,
		StartedAt:  r.started,
		FinishedAt: r.finished,
		Processed:  r.processed,
		Skipped:    r.skipped,
		Failed:     r.failed,
		Outcome:    outcome,
	})
	if err != nil {
		r.logger.Warn("recording run history failed", "error", err)
	}
}
