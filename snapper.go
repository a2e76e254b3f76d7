package snapper

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"github.com/roach88/snapper/internal/engine"
	"github.com/roach88/snapper/internal/fingerprint"
	"github.com/roach88/snapper/internal/keys"
	"github.com/roach88/snapper/internal/metrics"
	"github.com/roach88/snapper/internal/store"
	"github.com/roach88/snapper/internal/store/filestore"
	"github.com/roach88/snapper/internal/store/sqlstore"
)

// --- Types ---

// Snapper is a resumable map over a sequence. See New.
type Snapper[In, Out any] = engine.Snapper[In, Out]

// Transform is the per-item function a Snapper applies.
type Transform[In, Out any] = engine.Transform[In, Out]

// FailedItem is an item whose transform error was skipped.
type FailedItem[In any] = engine.FailedItem[In]

// RunSummary reports the outcome of one Start.
type RunSummary = engine.RunSummary

// Phase is the position of a Snapper in its run state machine.
type Phase = engine.Phase

// Run phases.
const (
	PhaseInit        = engine.PhaseInit
	PhaseReconciling = engine.PhaseReconciling
	PhaseRunning     = engine.PhaseRunning
	PhaseFlushing    = engine.PhaseFlushing
	PhaseDone        = engine.PhaseDone
	PhaseInterrupted = engine.PhaseInterrupted
	PhaseFailed      = engine.PhaseFailed
)

// Key is the normalized identity of an item.
type Key = keys.Key

// Keyer lets an item choose its own key.
type Keyer = keys.Keyer

// Version is a function version fingerprint.
type Version = fingerprint.Version

// Versioned is implemented by transforms that declare their own version.
// Pass such a transform to WithVersioned as well as to New.
type Versioned = fingerprint.Versioned

// Codec encodes items and outputs for storage.
type Codec = engine.Codec

// JSONCodec is the default Codec.
type JSONCodec = engine.JSONCodec

// YAMLCodec stores values as YAML.
type YAMLCodec = engine.YAMLCodec

// --- Storage ---

// Storage is the contract every backend implements.
type Storage = store.Storage

// MetricsStorage is implemented by backends that persist processing metrics.
type MetricsStorage = store.MetricsStorage

// RunStorage is implemented by backends that keep run history.
type RunStorage = store.RunStorage

// Record is one unit of completed work.
type Record = store.Record

// Entry is a stored output with its key and version.
type Entry = store.Entry

// RunInfo is one entry of run history.
type RunInfo = store.RunInfo

// SQLStore is the SQLite and PostgreSQL backend.
type SQLStore = sqlstore.Store

// SQLOption configures an SQLStore.
type SQLOption = sqlstore.Option

// FileStore is the JSON state file backend.
type FileStore = filestore.Store

// FileOption configures a FileStore.
type FileOption = filestore.Option

// OpenSQL opens an SQLite database, or a PostgreSQL database when dsn is a
// postgres URL or keyword DSN.
func OpenSQL(ctx context.Context, dsn string, opts ...SQLOption) (*SQLStore, error) {
	return sqlstore.Open(ctx, dsn, opts...)
}

// OpenFile opens a JSON state file, creating it on first commit.
func OpenFile(path string, opts ...FileOption) (*FileStore, error) {
	return filestore.Open(path, opts...)
}

// SQLWithLogger sets the logger of an SQLStore.
func SQLWithLogger(l *slog.Logger) SQLOption {
	return sqlstore.WithLogger(l)
}

// FileWithLogger sets the logger of a FileStore.
func FileWithLogger(l *slog.Logger) FileOption {
	return filestore.WithLogger(l)
}

// --- Errors ---

// RunError represents a failure detected while driving a run.
type RunError = engine.RunError

// RunErrorCode categorizes run errors.
type RunErrorCode = engine.RunErrorCode

// Run error codes.
const (
	ErrCodeTransformFailed = engine.ErrCodeTransformFailed
	ErrCodeFlushFailed     = engine.ErrCodeFlushFailed
	ErrCodeStorageInUse    = engine.ErrCodeStorageInUse
	ErrCodeTooManyErrors   = engine.ErrCodeTooManyErrors
	ErrCodeRunInProgress   = engine.ErrCodeRunInProgress
)

// Sentinel errors.
var (
	ErrStorageInUse = engine.ErrStorageInUse
	ErrClosed       = engine.ErrClosed
	ErrCorrupt      = store.ErrCorrupt
)

// IsTransformError reports whether err is a halting transform error.
func IsTransformError(err error) bool { return engine.IsTransformError(err) }

// IsFlushError reports whether err is a failed final flush.
func IsFlushError(err error) bool { return engine.IsFlushError(err) }

// IsTooManyErrors reports whether err is the consecutive error limit.
func IsTooManyErrors(err error) bool { return engine.IsTooManyErrors(err) }

// --- Configuration ---

// Option configures a Snapper.
type Option = engine.Option

// RunIDGenerator produces run ids.
type RunIDGenerator = engine.RunIDGenerator

// DefaultBatchSize flushes after every result.
const DefaultBatchSize = engine.DefaultBatchSize

// WithBatchSize sets how many results are buffered before a flush.
func WithBatchSize(n int) Option { return engine.WithBatchSize(n) }

// WithMaxWait flushes buffered results once d has passed since the last flush.
func WithMaxWait(d time.Duration) Option { return engine.WithMaxWait(d) }

// WithCacheIterable materializes the source on first use.
func WithCacheIterable(enabled bool) Option { return engine.WithCacheIterable(enabled) }

// WithCodec sets the storage codec. The default JSONCodec replaces invalid
// UTF-8 in strings; YAMLCodec keeps it.
func WithCodec(codec Codec) Option { return engine.WithCodec(codec) }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return engine.WithLogger(l) }

// WithFunctionVersion declares the transform version.
func WithFunctionVersion(label string) Option { return engine.WithFunctionVersion(label) }

// WithVersioned declares the version a Versioned transform reports.
func WithVersioned(v Versioned) Option { return engine.WithVersioned(v) }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return engine.WithClock(now) }

// WithSkipItemErrors records failing items and continues.
func WithSkipItemErrors(enabled bool) Option { return engine.WithSkipItemErrors(enabled) }

// WithFatalErrors lists errors that halt the run even when skipping.
func WithFatalErrors(targets ...error) Option { return engine.WithFatalErrors(targets...) }

// WithMaxConsecutiveErrors halts after n skipped errors in a row.
func WithMaxConsecutiveErrors(n int) Option { return engine.WithMaxConsecutiveErrors(n) }

// WithMetrics collects per-item processing metrics.
func WithMetrics(enabled bool) Option { return engine.WithMetrics(enabled) }

// WithRunIDGenerator replaces the UUIDv7 run ids.
func WithRunIDGenerator(g RunIDGenerator) Option { return engine.WithRunIDGenerator(g) }

// --- Factory ---

// New creates a Snapper applying fn to every item of source and recording
// results in st.
func New[In, Out any](source iter.Seq[In], fn Transform[In, Out], st Storage, opts ...Option) (*Snapper[In, Out], error) {
	return engine.New(source, fn, st, opts...)
}

// Normalize returns the key of an item.
func Normalize(item any) Key {
	return keys.Normalize(item)
}

// --- Metrics ---

// Metric is the processing record of one item.
type Metric = metrics.Metric

// Report summarizes metrics.
type Report = metrics.Report

// Summarize builds a Report.
func Summarize(ms []Metric) Report {
	return metrics.Summarize(ms)
}

// RenderMarkdown renders a metrics report as Markdown.
func RenderMarkdown(ms []Metric) string {
	return metrics.RenderMarkdown(ms)
}
