package store

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/snapper/internal/fingerprint"
	"github.com/roach88/snapper/internal/keys"
	"github.com/roach88/snapper/internal/metrics"
)

// ErrCorrupt marks persisted state that could not be decoded.
var ErrCorrupt = errors.New("store: persisted state is corrupt")

// Record is one unit of completed work, ready to be committed.
type Record struct {
	Key     keys.Key
	Input   []byte
	Output  []byte
	Version fingerprint.Version
	// Index is the position of the item in the source sequence.
	Index int
}

// Entry is a stored output together with the version that produced it.
type Entry struct {
	Key     keys.Key
	Output  []byte
	Version fingerprint.Version
	Index   int
}

// Storage is the contract every backend implements.
type Storage interface {
	StoreInput(ctx context.Context, key keys.Key, input []byte) error
	LoadInputs(ctx context.Context) (map[keys.Key][]byte, error)

	StoreOutput(ctx context.Context, key keys.Key, output []byte, version fingerprint.Version) error
	LoadOutputsForVersion(ctx context.Context, version fingerprint.Version) (map[keys.Key][]byte, error)
	// LoadAllOutputs returns the most recent entry per key across all
	// versions, in commit order.
	LoadAllOutputs(ctx context.Context) ([]Entry, error)

	StoreFunctionVersion(ctx context.Context, version fingerprint.Version) error
	// LoadFunctionVersion reports false when no version was ever stored.
	LoadFunctionVersion(ctx context.Context) (fingerprint.Version, bool, error)

	// Commit persists every record atomically, output and input together,
	// in slice order. On error nothing is visible.
	Commit(ctx context.Context, records []Record) error

	// Identifier names the underlying resource. Two handles on the same
	// resource return the same identifier.
	Identifier() string
	Close() error
}

// MetricsStorage is implemented by backends that persist per-item metrics.
type MetricsStorage interface {
	StoreMetrics(ctx context.Context, ms []metrics.Metric) error
	LoadMetrics(ctx context.Context) ([]metrics.Metric, error)
}

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeDone        Outcome = "done"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeFailed      Outcome = "failed"
)

// RunInfo summarizes one Start call.
type RunInfo struct {
	ID         string              `json:"id"`
	Version    fingerprint.Version `json:"version"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Processed  int                 `json:"processed"`
	Skipped    int                 `json:"skipped"`
	Failed     int                 `json:"failed"`
	Outcome    Outcome             `json:"outcome"`
}

// RunStorage is implemented by backends that keep run history.
type RunStorage interface {
	RecordRun(ctx context.Context, run RunInfo) error
	// ListRuns returns up to limit runs, most recent first. A limit of zero
	// or less returns all runs.
	ListRuns(ctx context.Context, limit int) ([]RunInfo, error)
}

// LatestByKey indexes LoadAllOutputs results by key.
func LatestByKey(entries []Entry) map[keys.Key]Entry {
	m := make(map[keys.Key]Entry, len(entries))
	for _, e := range entries {
		m[e.Key] = e
	}
	return m
}
