// Package core provides the storage and retrieval engine for sqrag.
//
// All state lives in SQLite. The engine keeps namespaced, versioned entries
// whose ordered chunks carry embeddings and searchable text, and answers
// hybrid vector and keyword queries over them.
//
// # Key Components
//
//   - Namespaces: immutable (model, dimension, filter schema) versions; a schema change creates a new version.
//   - Entries: per-key version chains. At most one version of a key is ready; PromoteToReady retires the old one first.
//   - Chunks: pending, ready and replaced chunks. Bulk insert, replace and delete run as bounded steps that resume from a cursor.
//   - Vectors: one table per supported dimension with four filter slot columns; importance is folded into the stored vector.
//   - Search: vector search plus optional FTS5 keyword search, fused with reciprocal rank fusion and expanded into context windows.
//
// # Bounded Steps
//
// ReplaceChunksPage, DeleteChunksPage and DeleteEntryPage each touch an
// estimated amount of data limited by Config.Bandwidth. Returning early is not
// an error: callers loop with the returned NextStartOrder until the step
// reports completion. Every step re-checks entry state, so a loop interrupted
// at any point can be re-driven from its last cursor.
//
// # Completion Notifications
//
// Entries name a handler registered with RegisterCompletionHandler. State
// changes queue notifications in the same transaction and deliver them after
// commit, in order. Undelivered notifications are retried by
// DispatchCompletions.
package core
