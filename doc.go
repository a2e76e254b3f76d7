// Package snapper applies a function to every item of a sequence and records
// each result as it completes, so that a run stopped by a crash, a signal or
// an error resumes where it left off.
//
// Each result is stored under the item's key and a fingerprint of the
// function. Items that already have a result for the current fingerprint are
// skipped; changing the function makes every stored result stale. Results
// are buffered and committed in batches, trading at most one batch of
// recomputation after a crash for fewer storage writes.
//
// Backends:
//
//   - SQLite (default) and PostgreSQL, via OpenSQL.
//   - A single JSON state file, via OpenFile.
//   - Anything implementing Storage.
//
// Usage:
//
//	st, err := snapper.OpenSQL(ctx, "./snap.db")
//	if err != nil {
//		return err
//	}
//	defer st.Close()
//
//	s, err := snapper.New(slices.Values(urls), fetch, st,
//		snapper.WithBatchSize(50),
//		snapper.WithSkipItemErrors(true),
//	)
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//
//	summary, err := s.Start(ctx)
//	pages, err := s.Load(ctx)
package snapper
