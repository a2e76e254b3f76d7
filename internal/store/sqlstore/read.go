package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/snapper/internal/fingerprint"
	"github.com/roach88/snapper/internal/keys"
	"github.com/roach88/snapper/internal/metrics"
	"github.com/roach88/snapper/internal/store"
)

// LoadInputs returns every stored input. Returns an empty map, never nil.
func (s *Store) LoadInputs(ctx context.Context) (map[keys.Key][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT item_key, payload FROM inputs`)
	if err != nil {
		return nil, fmt.Errorf("query inputs: %w", err)
	}
	defer rows.Close()

	return scanKeyed(rows, "inputs")
}

// LoadOutputsForVersion returns the outputs produced by version.
func (s *Store) LoadOutputsForVersion(ctx context.Context, version fingerprint.Version) (map[keys.Key][]byte, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT item_key, payload FROM outputs WHERE function_version = ?
	`), string(version))
	if err != nil {
		return nil, fmt.Errorf("query outputs: %w", err)
	}
	defer rows.Close()

	return scanKeyed(rows, "outputs")
}

func scanKeyed(rows *sql.Rows, what string) (map[keys.Key][]byte, error) {
	out := map[keys.Key][]byte{}
	for rows.Next() {
		var (
			key     string
			payload []byte
		)
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		out[keys.Key(key)] = payload
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return out, nil
}

// LoadAllOutputs returns the most recently written output per key across
// all versions, ordered by write sequence.
func (s *Store) LoadAllOutputs(ctx context.Context) ([]store.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.item_key, o.payload, o.function_version, o.seq_index
		FROM outputs o
		WHERE o.written_seq = (
			SELECT MAX(latest.written_seq) FROM outputs latest
			WHERE latest.item_key = o.item_key
		)
		ORDER BY o.written_seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query all outputs: %w", err)
	}
	defer rows.Close()

	entries := []store.Entry{}
	for rows.Next() {
		var (
			e       store.Entry
			key     string
			version string
		)
		if err := rows.Scan(&key, &e.Output, &version, &e.Index); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		e.Key = keys.Key(key)
		e.Version = fingerprint.Version(version)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outputs: %w", err)
	}
	return entries, nil
}

// LoadFunctionVersion returns the stored function version, if any.
func (s *Store) LoadFunctionVersion(ctx context.Context) (fingerprint.Version, bool, error) {
	value, ok, err := s.readMetadata(ctx, metaFunctionVersion)
	if err != nil {
		return "", false, fmt.Errorf("load function version: %w", err)
	}
	return fingerprint.Version(value), ok, nil
}

func (s *Store) readMetadata(ctx context.Context, name string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT value FROM metadata WHERE name = ?`), name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// LoadMetrics returns stored metrics in insertion order. Rows that do not
// decode are logged and skipped.
func (s *Store) LoadMetrics(ctx context.Context) ([]metrics.Metric, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, metric FROM processing_metrics ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []metrics.Metric
	for rows.Next() {
		var (
			id   int64
			data string
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		var m metrics.Metric
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			s.logger.Warn("skipping corrupt metric row", "id", id, "error", errors.Join(store.ErrCorrupt, err))
			continue
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metrics: %w", err)
	}
	return out, nil
}

// ListRuns returns run summaries, most recent first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]store.RunInfo, error) {
	query := `
		SELECT id, function_version, started_at_ns, finished_at_ns, processed, skipped, failed, outcome
		FROM runs
		ORDER BY written_seq DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []store.RunInfo{}
	for rows.Next() {
		var (
			r                 store.RunInfo
			version, outcome  string
			startedNs, doneNs int64
		)
		if err := rows.Scan(&r.ID, &version, &startedNs, &doneNs, &r.Processed, &r.Skipped, &r.Failed, &outcome); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Version = fingerprint.Version(version)
		r.Outcome = store.Outcome(outcome)
		r.StartedAt = time.Unix(0, startedNs).UTC()
		r.FinishedAt = time.Unix(0, doneNs).UTC()
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}
