// Package storage persists experiments and their runs and hands runs out to
// workers under leased claims.
//
// Backends:
//   - memory: process-local, used by tests and throwaway daemons
//   - file: memory plus a JSONL journal compacted into a snapshot
//   - sqlite: a single database file (modernc.org/sqlite, no cgo)
//   - redis: shared state for several daemons, claims done in Lua
//
// Every backend implements the same claim protocol: ClaimNextRuns issues a
// fresh token per run and all later writes are compare-and-set on it.
package storage
