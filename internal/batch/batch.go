// Package batch buffers completed records in memory and commits them to a
// store in bulk.
//
// Records reach the store only through Flush. A record added but not yet
// flushed is lost if the process dies; BatchSize and MaxWait bound that
// window.
package batch

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/roach88/snapper/internal/store"
)

// Committer persists a batch atomically. store.Storage satisfies it.
type Committer interface {
	Commit(ctx context.Context, records []store.Record) error
}

// Config controls when a Buffer reports that it should be flushed.
type Config struct {
	// BatchSize is the pending count that triggers a flush. Values below 1
	// are treated as 1, which flushes after every record.
	BatchSize int

	// MaxWait triggers a flush once this much time has passed since the
	// last successful flush. Zero disables the time trigger.
	MaxWait time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// Buffer is an ordered list of pending records.
//
// Thread-safety: all methods are safe for concurrent use, though a run
// drives a Buffer from a single goroutine.
type Buffer struct {
	mu        sync.Mutex
	sink      Committer
	cfg       Config
	pending   []store.Record
	lastFlush time.Time
	flushes   int
	failures  int
}

// New creates an empty Buffer. The last-flush time starts at creation.
func New(sink Committer, cfg Config) *Buffer {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.MaxWait < 0 {
		cfg.MaxWait = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Buffer{
		sink:      sink,
		cfg:       cfg,
		pending:   make([]store.Record, 0, cfg.BatchSize),
		lastFlush: cfg.Now(),
	}
}

// Add appends a record.
func (b *Buffer) Add(r store.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, r)
}

// ShouldFlush reports whether pending records reached BatchSize or MaxWait
// elapsed since the last flush. An empty buffer never needs flushing.
func (b *Buffer) ShouldFlush() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return false
	}
	if len(b.pending) >= b.cfg.BatchSize {
		return true
	}
	return b.cfg.MaxWait > 0 && b.cfg.Now().Sub(b.lastFlush) >= b.cfg.MaxWait
}

// Flush commits every pending record in one Commit call, in Add order.
// On success the buffer is emptied and the last-flush time reset. On
// failure the records stay pending, in order, for the next attempt.
//
// Flush returns the number of records committed.
func (b *Buffer) Flush(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		b.lastFlush = b.cfg.Now()
		return 0, nil
	}

	if err := b.sink.Commit(ctx, slices.Clone(b.pending)); err != nil {
		b.failures++
		return 0, err
	}

	n := len(b.pending)
	clear(b.pending)
	b.pending = b.pending[:0]
	b.lastFlush = b.cfg.Now()
	b.flushes++
	return n, nil
}

// Len returns the number of pending records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Pending returns a copy of the pending records.
func (b *Buffer) Pending() []store.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.pending)
}

// LastFlush returns the time of the last successful flush, or creation.
func (b *Buffer) LastFlush() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFlush
}

// Stats returns the counts of successful and failed non-empty flushes.
func (b *Buffer) Stats() (flushes, failures int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushes, b.failures
}

// BatchSize returns the effective batch size.
func (b *Buffer) BatchSize() int {
	return b.cfg.BatchSize
}
