// Package storetest provides an in-memory Storage with failure injection and
// a conformance suite shared by every backend's tests.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/snapper/internal/fingerprint"
	"github.com/roach88/snapper/internal/keys"
	"github.com/roach88/snapper/internal/metrics"
	"github.com/roach88/snapper/internal/store"
)

// ErrInjected is returned by operations armed to fail.
var ErrInjected = errors.New("storetest: injected failure")

type outputRow struct {
	output []byte
	index  int
	seq    int64
}

// Memory is a Storage kept in process memory. Every method is safe for
// concurrent use.
type Memory struct {
	mu sync.Mutex

	id       string
	seq      int64
	version  fingerprint.Version
	hasVer   bool
	inputs   map[keys.Key][]byte
	outputs  map[fingerprint.Version]map[keys.Key]outputRow
	metrics  []metrics.Metric
	runs     []store.RunInfo
	closed   bool
	failNext int
	commits  []int
}

var (
	_ store.Storage        = (*Memory)(nil)
	_ store.MetricsStorage = (*Memory)(nil)
	_ store.RunStorage     = (*Memory)(nil)
)

// NewMemory returns an empty store. Its identifier is unique per instance.
func NewMemory() *Memory {
	m := &Memory{
		inputs:  map[keys.Key][]byte{},
		outputs: map[fingerprint.Version]map[keys.Key]outputRow{},
	}
	m.id = fmt.Sprintf("memory:%p", m)
	return m
}

// FailCommits arms the next n Commit calls to fail without side effects.
func (m *Memory) FailCommits(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// CommitSizes returns the record count of each successful Commit.
func (m *Memory) CommitSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.commits)
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Memory) StoreInput(_ context.Context, key keys.Key, input []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs[key] = bytes.Clone(input)
	return nil
}

func (m *Memory) LoadInputs(context.Context) (map[keys.Key][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[keys.Key][]byte, len(m.inputs))
	for k, v := range m.inputs {
		out[k] = bytes.Clone(v)
	}
	return out, nil
}

func (m *Memory) StoreOutput(_ context.Context, key keys.Key, output []byte, version fingerprint.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putOutput(key, output, version, 0)
	return nil
}

func (m *Memory) putOutput(key keys.Key, output []byte, version fingerprint.Version, index int) {
	byKey, ok := m.outputs[version]
	if !ok {
		byKey = map[keys.Key]outputRow{}
		m.outputs[version] = byKey
	}
	m.seq++
	byKey[key] = outputRow{output: bytes.Clone(output), index: index, seq: m.seq}
}

func (m *Memory) LoadOutputsForVersion(_ context.Context, version fingerprint.Version) (map[keys.Key][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[keys.Key][]byte, len(m.outputs[version]))
	for k, row := range m.outputs[version] {
		out[k] = bytes.Clone(row.output)
	}
	return out, nil
}

func (m *Memory) LoadAllOutputs(context.Context) ([]store.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type latest struct {
		store.Entry
		seq int64
	}
	best := map[keys.Key]latest{}
	for v, byKey := range m.outputs {
		for k, row := range byKey {
			if cur, ok := best[k]; ok && cur.seq > row.seq {
				continue
			}
			best[k] = latest{
				Entry: store.Entry{Key: k, Output: bytes.Clone(row.output), Version: v, Index: row.index},
				seq:   row.seq,
			}
		}
	}

	rows := make([]latest, 0, len(best))
	for _, l := range best {
		rows = append(rows, l)
	}
	slices.SortFunc(rows, func(a, b latest) int { return int(a.seq - b.seq) })

	entries := make([]store.Entry, len(rows))
	for i, r := range rows {
		entries[i] = r.Entry
	}
	return entries, nil
}

func (m *Memory) StoreFunctionVersion(_ context.Context, version fingerprint.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version, m.hasVer = version, true
	return nil
}

func (m *Memory) LoadFunctionVersion(context.Context) (fingerprint.Version, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version, m.hasVer, nil
}

func (m *Memory) Commit(ctx context.Context, records []store.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext > 0 {
		m.failNext--
		return ErrInjected
	}
	for _, r := range records {
		m.putOutput(r.Key, r.Output, r.Version, r.Index)
		m.inputs[r.Key] = bytes.Clone(r.Input)
	}
	if len(records) > 0 {
		m.commits = append(m.commits, len(records))
	}
	return nil
}

func (m *Memory) StoreMetrics(_ context.Context, ms []metrics.Metric) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = append(m.metrics, ms...)
	return nil
}

func (m *Memory) LoadMetrics(context.Context) ([]metrics.Metric, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.metrics), nil
}

func (m *Memory) RecordRun(_ context.Context, run store.RunInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *Memory) ListRuns(_ context.Context, limit int) ([]store.RunInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Clone(m.runs)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Identifier() string {
	return m.id
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
