// Package filestore implements store.Storage as a single JSON document.
//
// Every mutation rewrites the whole document through a temp file, fsync and
// rename, so a reader sees either the previous or the new state. The
// in-memory copy is only replaced after the write succeeds. Write cost grows
// with the size of the document.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/roach88/snapper/internal/fingerprint"
	"github.com/roach88/snapper/internal/keys"
	"github.com/roach88/snapper/internal/metrics"
	"github.com/roach88/snapper/internal/store"
)

const documentFormat = 1

type inputEntry struct {
	Payload []byte `json:"payload"`
	Seq     int64  `json:"seq"`
}

type outputEntry struct {
	Payload []byte `json:"payload"`
	Index   int    `json:"index"`
	Seq     int64  `json:"seq"`
}

// document is the persisted state.
type document struct {
	Format          int                               `json:"format"`
	FunctionVersion *string                           `json:"function_version,omitempty"`
	NextSeq         int64                             `json:"next_seq"`
	Inputs          map[string]inputEntry             `json:"inputs"`
	Outputs         map[string]map[string]outputEntry `json:"outputs"`
	Metrics         []metrics.Metric                  `json:"metrics,omitempty"`
	Runs            []store.RunInfo                   `json:"runs,omitempty"`
}

func emptyDocument() *document {
	return &document{
		Format:  documentFormat,
		NextSeq: 1,
		Inputs:  map[string]inputEntry{},
		Outputs: map[string]map[string]outputEntry{},
	}
}

// clone copies the maps and slices a mutation may touch. Payload slices are
// never modified in place, so they are shared.
func (d *document) clone() *document {
	c := *d
	c.Inputs = maps.Clone(d.Inputs)
	c.Outputs = make(map[string]map[string]outputEntry, len(d.Outputs))
	for v, byKey := range d.Outputs {
		c.Outputs[v] = maps.Clone(byKey)
	}
	c.Metrics = slices.Clone(d.Metrics)
	c.Runs = slices.Clone(d.Runs)
	return &c
}

func (d *document) putOutput(key keys.Key, output []byte, version fingerprint.Version, index int) {
	byKey, ok := d.Outputs[string(version)]
	if !ok {
		byKey = map[string]outputEntry{}
		d.Outputs[string(version)] = byKey
	}
	byKey[string(key)] = outputEntry{Payload: output, Index: index, Seq: d.NextSeq}
	d.NextSeq++
}

func (d *document) putInput(key keys.Key, input []byte) {
	d.Inputs[string(key)] = inputEntry{Payload: input, Seq: d.NextSeq}
	d.NextSeq++
}

// Store is a JSON-file-backed store.Storage.
type Store struct {
	mu     sync.RWMutex
	path   string
	doc    *document
	logger *slog.Logger
	now    func() time.Time
}

var (
	_ store.Storage        = (*Store)(nil)
	_ store.MetricsStorage = (*Store)(nil)
	_ store.RunStorage     = (*Store)(nil)
)

// Option configures Open.
type Option func(*Store)

// WithLogger sets the logger used for recovery warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock sets the clock used to name moved-aside corrupt files.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open loads the document at path, creating parent directories as needed.
// A missing file is an empty store. A file that does not decode is moved
// aside to <path>.corrupt-<unix> and the store starts empty.
func Open(path string, opts ...Option) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}
	s := &Store{path: abs, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	s.doc = doc
	return s, nil
}

func (s *Store) load() (*document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return emptyDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	doc := emptyDocument()
	if err := json.Unmarshal(data, doc); err != nil || doc.Format != documentFormat {
		if err == nil {
			err = fmt.Errorf("unsupported format %d", doc.Format)
		}
		aside := fmt.Sprintf("%s.corrupt-%d", s.path, s.now().Unix())
		s.logger.Warn("state file is corrupt, starting empty",
			"path", s.path,
			"moved_to", aside,
			"error", errors.Join(store.ErrCorrupt, err))
		if rerr := os.Rename(s.path, aside); rerr != nil {
			return nil, fmt.Errorf("move corrupt state file aside: %w", rerr)
		}
		return emptyDocument(), nil
	}
	if doc.Inputs == nil {
		doc.Inputs = map[string]inputEntry{}
	}
	if doc.Outputs == nil {
		doc.Outputs = map[string]map[string]outputEntry{}
	}
	return doc, nil
}

// mutate applies fn to a copy of the document, persists the copy and only
// then makes it current. On error the previous state remains.
func (s *Store) mutate(op string, fn func(d *document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.clone()
	fn(next)

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", op, err)
	}
	if err := writeFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.doc = next
	return nil
}

func (s *Store) StoreInput(_ context.Context, key keys.Key, input []byte) error {
	return s.mutate("store input", func(d *document) {
		d.putInput(key, input)
	})
}

func (s *Store) LoadInputs(context.Context) (map[keys.Key][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[keys.Key][]byte, len(s.doc.Inputs))
	for k, e := range s.doc.Inputs {
		out[keys.Key(k)] = e.Payload
	}
	return out, nil
}

func (s *Store) StoreOutput(_ context.Context, key keys.Key, output []byte, version fingerprint.Version) error {
	return s.mutate("store output", func(d *document) {
		d.putOutput(key, output, version, 0)
	})
}

func (s *Store) LoadOutputsForVersion(_ context.Context, version fingerprint.Version) (map[keys.Key][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byKey := s.doc.Outputs[string(version)]
	out := make(map[keys.Key][]byte, len(byKey))
	for k, e := range byKey {
		out[keys.Key(k)] = e.Payload
	}
	return out, nil
}

func (s *Store) LoadAllOutputs(context.Context) ([]store.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type latest struct {
		entry store.Entry
		seq   int64
	}
	best := map[string]latest{}
	for v, byKey := range s.doc.Outputs {
		for k, e := range byKey {
			if cur, ok := best[k]; ok && cur.seq > e.Seq {
				continue
			}
			best[k] = latest{
				entry: store.Entry{Key: keys.Key(k), Output: e.Payload, Version: fingerprint.Version(v), Index: e.Index},
				seq:   e.Seq,
			}
		}
	}

	rows := slices.Collect(maps.Values(best))
	slices.SortFunc(rows, func(a, b latest) int { return int(a.seq - b.seq) })

	entries := make([]store.Entry, len(rows))
	for i, r := range rows {
		entries[i] = r.entry
	}
	return entries, nil
}

func (s *Store) StoreFunctionVersion(_ context.Context, version fingerprint.Version) error {
	return s.mutate("store function version", func(d *document) {
		v := string(version)
		d.FunctionVersion = &v
	})
}

func (s *Store) LoadFunctionVersion(context.Context) (fingerprint.Version, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.doc.FunctionVersion == nil {
		return "", false, nil
	}
	return fingerprint.Version(*s.doc.FunctionVersion), true, nil
}

// Commit writes all records in one document rewrite.
func (s *Store) Commit(ctx context.Context, records []store.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return s.mutate("commit", func(d *document) {
		for _, r := range records {
			d.putOutput(r.Key, r.Output, r.Version, r.Index)
			d.putInput(r.Key, r.Input)
		}
	})
}

func (s *Store) StoreMetrics(_ context.Context, ms []metrics.Metric) error {
	if len(ms) == 0 {
		return nil
	}
	return s.mutate("store metrics", func(d *document) {
		d.Metrics = append(d.Metrics, ms...)
	})
}

func (s *Store) LoadMetrics(context.Context) ([]metrics.Metric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.doc.Metrics), nil
}

func (s *Store) RecordRun(_ context.Context, run store.RunInfo) error {
	return s.mutate("record run", func(d *document) {
		for i := range d.Runs {
			if d.Runs[i].ID == run.ID {
				d.Runs[i] = run
				return
			}
		}
		d.Runs = append(d.Runs, run)
	})
}

func (s *Store) ListRuns(_ context.Context, limit int) ([]store.RunInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := slices.Clone(s.doc.Runs)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []store.RunInfo{}
	}
	return out, nil
}

// Identifier returns the absolute path of the state file.
func (s *Store) Identifier() string {
	return "file:" + s.path
}

// ComponentType implements introspection.Component.
func (s *Store) ComponentType() string {
	return "file"
}

// Close releases nothing; every mutation is already on disk.
func (s *Store) Close() error {
	return nil
}
