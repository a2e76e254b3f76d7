// Package engine drives a resumable, checkpointed map over a sequence.
//
// A Snapper applies a transform to every item of a source sequence and
// records each result in a store.Storage, keyed by the item's normalized key
// and the transform's function version. Start skips items that already have
// a result under the current version, so an interrupted run resumes where it
// stopped and a grown sequence only processes the new items.
//
// Run state machine:
//
//	INIT -> RECONCILING -> RUNNING -> FLUSHING -> DONE
//	INIT -> RECONCILING -> DONE                 (nothing to do)
//	RUNNING | FLUSHING -> INTERRUPTED           (cancellation or panic)
//	RUNNING | FLUSHING -> FAILED                (transform or storage error)
//
// Every exit from RUNNING flushes pending results first. Cancellation is
// returned as ctx.Err() and panics are re-raised after the flush.
//
// Concurrency: a Snapper runs one Start at a time and never calls the
// transform concurrently. The store is only touched between transform
// calls. Only one Snapper per storage identifier may exist in a process;
// Close releases the claim.
//
// Sources: without WithCacheIterable, each Start and Load re-iterates the
// source from the beginning. A single-use sequence can therefore only be
// processed once; cache it or rebuild the Snapper.
package engine
