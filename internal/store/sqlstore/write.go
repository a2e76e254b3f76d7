package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/snapper/internal/fingerprint"
	"github.com/roach88/snapper/internal/keys"
	"github.com/roach88/snapper/internal/metrics"
	"github.com/roach88/snapper/internal/store"
)

const (
	metaFunctionVersion = "function_version"
	metaSchemaVersion   = "schema_version"
)

const (
	upsertInputSQL = `
		INSERT INTO inputs (item_key, payload, written_seq)
		VALUES (?, ?, ?)
		ON CONFLICT (item_key) DO UPDATE SET
			payload = excluded.payload,
			written_seq = excluded.written_seq`

	upsertOutputSQL = `
		INSERT INTO outputs (item_key, function_version, payload, seq_index, written_seq)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (item_key, function_version) DO UPDATE SET
			payload = excluded.payload,
			seq_index = excluded.seq_index,
			written_seq = excluded.written_seq`
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// nextSeq returns the next write sequence. Callers hold a transaction so the
// value is not reused within one store handle.
func (s *Store) nextSeq(ctx context.Context, q execer, table string) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx, fmt.Sprintf("SELECT COALESCE(MAX(written_seq), 0) FROM %s", table)).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("read write sequence: %w", err)
	}
	return seq + 1, nil
}

// StoreInput upserts a single input.
func (s *Store) StoreInput(ctx context.Context, key keys.Key, input []byte) error {
	return s.inTx(ctx, "store input", func(tx *sql.Tx) error {
		seq, err := s.nextSeq(ctx, tx, "inputs")
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(upsertInputSQL), string(key), nonNil(input), seq)
		return err
	})
}

// StoreOutput upserts a single output under version.
func (s *Store) StoreOutput(ctx context.Context, key keys.Key, output []byte, version fingerprint.Version) error {
	return s.inTx(ctx, "store output", func(tx *sql.Tx) error {
		seq, err := s.nextSeq(ctx, tx, "outputs")
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(upsertOutputSQL), string(key), string(version), nonNil(output), 0, seq)
		return err
	})
}

// StoreFunctionVersion records the current function version.
func (s *Store) StoreFunctionVersion(ctx context.Context, version fingerprint.Version) error {
	if err := s.writeMetadata(ctx, s.db, metaFunctionVersion, string(version)); err != nil {
		return fmt.Errorf("store function version: %w", err)
	}
	return nil
}

func (s *Store) writeMetadata(ctx context.Context, q execer, name, value string) error {
	_, err := q.ExecContext(ctx, s.rebind(`
		INSERT INTO metadata (name, value)
		VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value
	`), name, value)
	return err
}

// Commit writes every record's output and input in one transaction. Records
// receive increasing write sequences in slice order.
func (s *Store) Commit(ctx context.Context, records []store.Record) error {
	if len(records) == 0 {
		return nil
	}
	return s.inTx(ctx, "commit", func(tx *sql.Tx) error {
		outSeq, err := s.nextSeq(ctx, tx, "outputs")
		if err != nil {
			return err
		}
		inSeq, err := s.nextSeq(ctx, tx, "inputs")
		if err != nil {
			return err
		}

		outStmt, err := tx.PrepareContext(ctx, s.rebind(upsertOutputSQL))
		if err != nil {
			return fmt.Errorf("prepare output upsert: %w", err)
		}
		defer outStmt.Close()

		inStmt, err := tx.PrepareContext(ctx, s.rebind(upsertInputSQL))
		if err != nil {
			return fmt.Errorf("prepare input upsert: %w", err)
		}
		defer inStmt.Close()

		for i, r := range records {
			seq := int64(i)
			if _, err := outStmt.ExecContext(ctx, string(r.Key), string(r.Version), nonNil(r.Output), r.Index, outSeq+seq); err != nil {
				return fmt.Errorf("write output %q: %w", r.Key, err)
			}
			if _, err := inStmt.ExecContext(ctx, string(r.Key), nonNil(r.Input), inSeq+seq); err != nil {
				return fmt.Errorf("write input %q: %w", r.Key, err)
			}
		}
		return nil
	})
}

// StoreMetrics appends metrics as JSON rows.
func (s *Store) StoreMetrics(ctx context.Context, ms []metrics.Metric) error {
	if len(ms) == 0 {
		return nil
	}
	return s.inTx(ctx, "store metrics", func(tx *sql.Tx) error {
		for _, m := range ms {
			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("marshal metric: %w", err)
			}
			if _, err := tx.ExecContext(ctx, s.rebind("INSERT INTO processing_metrics (metric) VALUES (?)"), string(data)); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordRun upserts a run summary.
func (s *Store) RecordRun(ctx context.Context, run store.RunInfo) error {
	return s.inTx(ctx, "record run", func(tx *sql.Tx) error {
		seq, err := s.nextSeq(ctx, tx, "runs")
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO runs
			(id, written_seq, function_version, started_at_ns, finished_at_ns, processed, skipped, failed, outcome)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				finished_at_ns = excluded.finished_at_ns,
				processed = excluded.processed,
				skipped = excluded.skipped,
				failed = excluded.failed,
				outcome = excluded.outcome
		`),
			run.ID,
			seq,
			string(run.Version),
			run.StartedAt.UnixNano(),
			run.FinishedAt.UnixNano(),
			run.Processed,
			run.Skipped,
			run.Failed,
			string(run.Outcome),
		)
		return err
	})
}

// inTx runs fn in a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin tx: %w", op, err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(tx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

// nonNil keeps NOT NULL columns satisfied for empty payloads.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
