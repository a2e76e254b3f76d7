// Package store defines the persistence boundary of a checkpointed run.
//
// A Storage durably maps (key, function version) to an encoded output and
// keeps the encoded input that produced it. Values cross the boundary as
// bytes; the caller owns the codec.
//
// # Durability
//
// A call that returns nil must survive a crash immediately afterwards. A
// call that returns an error leaves prior state unmodified: no partial
// commit is visible to later reads.
//
// # Corruption
//
// Backends treat unreadable persisted state as absent. They log a warning
// and recover to an empty or partial state instead of returning ErrCorrupt
// to the caller; ErrCorrupt exists so that recovery paths can be matched in
// logs and tests.
//
// # Ordering
//
// Each backend keeps a monotonically increasing write sequence. LoadAllOutputs
// returns the most recent record per key ordered by that sequence, so output
// order is stable between calls.
package store
