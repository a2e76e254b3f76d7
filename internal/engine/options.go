package engine

import (
	"errors"
	"log/slog"
	"time"

	"github.com/roach88/snapper/internal/fingerprint"
)

// DefaultBatchSize flushes after every result.
const DefaultBatchSize = 1

type config struct {
	batchSize      int
	maxWait        time.Duration
	cacheIterable  bool
	codec          Codec
	logger         *slog.Logger
	declared       string
	hasDeclared    bool
	now            func() time.Time
	skipItemErrors bool
	fatal          []error
	maxConsecutive int
	collectMetrics bool
	runIDs         RunIDGenerator
}

func defaultConfig() config {
	return config{
		batchSize: DefaultBatchSize,
		codec:     JSONCodec{},
		logger:    slog.Default(),
		now:       time.Now,
		runIDs:    UUIDv7Generator{},
	}
}

// Option configures a Snapper.
type Option func(*config)

// WithBatchSize sets how many results are buffered before a flush.
//
// Default: 1 (DefaultBatchSize). Larger values amortize storage writes at
// the cost of losing up to n-1 results on a crash.
func WithBatchSize(n int) Option {
	return func(c *config) {
		if n < 1 {
			n = 1
		}
		c.batchSize = n
	}
}

// WithMaxWait flushes buffered results once d has passed since the last
// flush. The check happens as results are added. Zero disables it.
func WithMaxWait(d time.Duration) Option {
	return func(c *config) {
		c.maxWait = max(d, 0)
	}
}

// WithCacheIterable materializes the source on the first Start and reuses
// it for later Start and Load calls until ClearCache.
func WithCacheIterable(enabled bool) Option {
	return func(c *config) {
		c.cacheIterable = enabled
	}
}

// WithCodec sets the codec for stored inputs and outputs. Default: JSON,
// which replaces invalid UTF-8 in strings; see JSONCodec.
func WithCodec(codec Codec) Option {
	return func(c *config) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithFunctionVersion declares the transform's version instead of deriving
// it from source. Change the label whenever the transform's logic changes.
func WithFunctionVersion(label string) Option {
	return func(c *config) {
		c.declared = label
		c.hasDeclared = true
	}
}

// WithVersioned declares the version v reports. New receives the transform
// as a plain Transform, so a transform type implementing
// fingerprint.Versioned is only seen through this option.
func WithVersioned(v fingerprint.Versioned) Option {
	return func(c *config) {
		if v != nil {
			c.declared = v.FunctionVersion()
			c.hasDeclared = true
		}
	}
}

// WithClock sets the wall clock used for batching, metrics and run history.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSkipItemErrors records failing items and continues instead of halting
// on the first transform error.
func WithSkipItemErrors(enabled bool) Option {
	return func(c *config) {
		c.skipItemErrors = enabled
	}
}

// WithFatalErrors lists errors that always halt the run, matched with
// errors.Is, even when item errors are skipped.
func WithFatalErrors(targets ...error) Option {
	return func(c *config) {
		c.fatal = append(c.fatal, targets...)
	}
}

// WithMaxConsecutiveErrors halts a run after n consecutive item errors.
// Only meaningful with WithSkipItemErrors. Zero disables the limit.
func WithMaxConsecutiveErrors(n int) Option {
	return func(c *config) {
		c.maxConsecutive = max(n, 0)
	}
}

// WithMetrics collects per-item timing. Metrics are persisted with each
// flush when the storage implements store.MetricsStorage.
func WithMetrics(enabled bool) Option {
	return func(c *config) {
		c.collectMetrics = enabled
	}
}

// WithRunIDGenerator sets the run id source. Default: UUIDv7Generator.
func WithRunIDGenerator(g RunIDGenerator) Option {
	return func(c *config) {
		if g != nil {
			c.runIDs = g
		}
	}
}

func (c *config) isFatal(err error) bool {
	for _, target := range c.fatal {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
