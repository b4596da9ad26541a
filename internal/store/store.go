// Package store defines the document-store adapter contract of spec.md
// §6.1/§4.G. Implementations back three logical databases — membership,
// watch list, and results — each a flat id → JSON-document map with a
// continuous change feed.
//
// The contract is intentionally storage-agnostic: spec.md §1 explicitly
// allows "any equivalent document store" behind this interface. The
// reference adapter (internal/store/bolt) is BoltDB-backed; a networked
// document database could implement the same interface without touching
// any caller.
package store

import "context"

// Document is the JSON-object shape exchanged with callers. Read strips
// every key beginning with "_" before returning (those are adapter-private
// metadata, e.g. a revision counter used to detect write conflicts);
// Write may pass such keys through untouched — it is the adapter's job to
// manage them.
type Document map[string]any

// ChangeEvent describes one entry in a database's continuous change feed,
// per spec.md §6.1: "changes(continuous) → sequence of {id, seq, deleted?}
// events".
type ChangeEvent struct {
	ID      string
	Seq     uint64
	Deleted bool
}

// Locker is the minimal interface Watch needs from the lock its caller
// passes in (spec.md §4.E: "The lock passed to the watch feed MUST be the
// Supervisor's heap lock"). *sync.Mutex and *sync.RWMutex both satisfy it.
type Locker interface {
	Lock()
	Unlock()
}

// Database is one logical document database (membership, watch list, or
// results) within a Store adapter.
type Database interface {
	// Read returns the document for id, or an empty Document if it does
	// not exist. Never returns an error for "not found".
	Read(id string) (Document, error)

	// Write upserts the document at id. Implementations retry internally
	// on version/revision conflicts; Write only returns an error for a
	// non-retryable failure (e.g. the underlying store is unreachable).
	Write(id string, doc Document) error

	// List returns every document id currently stored.
	List() ([]string, error)

	// Watch spawns a background goroutine that consumes this database's
	// continuous change feed and invokes handler(id) for each event,
	// holding lock for the duration of each invocation. If documents is
	// non-nil, only ids in that whitelist are delivered; if documents is
	// nil, every id except "self" is delivered (spec.md §6.1). Watch
	// returns immediately; the goroutine stops when ctx is cancelled.
	Watch(ctx context.Context, handler func(id string), documents []string, lock Locker)
}
