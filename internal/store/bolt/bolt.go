// Package bolt — bolt.go
//
// BoltDB-backed implementation of the store.Database contract (spec.md
// §6.1/§4.G).
//
// Schema (BoltDB bucket layout, one bucket per logical database):
//
//	<membership-bucket>   id -> JSON-encoded Contact document
//	<watchlist-bucket>    id -> JSON-encoded service-list document
//	<results-bucket>      id -> JSON-encoded supervisor snapshot
//
// Every value additionally carries a "_rev" field (an internal revision
// counter) which Read strips before returning the document, per spec.md
// §6.1's "JSON object of non-underscore fields". Write increments "_rev"
// on every successful write and is the mechanism by which "retry on
// version conflicts" is modeled: since bbolt is single-writer there are no
// genuine conflicting concurrent writers inside one process, but the
// interface still behaves as documented so a caller cannot tell the
// adapter apart from a networked, genuinely-concurrent document store
// (spec.md §1 permits substituting one).
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent
//     writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//
// Change feed:
//   - BoltDB has no native continuous-changes API. Each Database keeps a
//     fan-out list of subscriber channels fed by every successful Write;
//     Watch drains its channel on a dedicated goroutine under the caller's
//     lock, and stops when its context is cancelled.
//
// Failure modes:
//   - BoltDB file corruption: bbolt detects via CRC and returns an error
//     on Open(). The caller logs a fatal event and refuses to start.
//   - Disk full: bbolt.Update() returns an error, surfaced to the caller
//     of Write.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	boltdb "go.etcd.io/bbolt"

	"github.com/babblemesh/babbler/internal/store"
)

// DB wraps a BoltDB instance shared by every logical Database opened from
// it.
type DB struct {
	db *boltdb.DB
}

// Open opens (or creates) the BoltDB file at path.
func Open(path string) (*DB, error) {
	bdb, err := boltdb.Open(path, 0o600, &boltdb.Options{
		Timeout:      5 * time.Second,
		FreelistType: boltdb.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}
	return &DB{db: bdb}, nil
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// Database opens (creating if necessary) the named bucket as a
// store.Database.
func (d *DB) Database(bucket string) (*Database, error) {
	if err := d.db.Update(func(tx *boltdb.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	}); err != nil {
		return nil, fmt.Errorf("bolt.Database(%q): %w", bucket, err)
	}
	return &Database{db: d.db, bucket: bucket}, nil
}

// watcher is one subscriber's change-feed channel.
type watcher struct {
	ch chan store.ChangeEvent
}

// Database is one logical document database backed by a single BoltDB
// bucket. It implements store.Database.
type Database struct {
	db     *boltdb.DB
	bucket string

	seq atomic.Uint64

	mu       sync.Mutex
	watchers []*watcher
}

var _ store.Database = (*Database)(nil)

// Read implements store.Database. Returns an empty Document if id is not
// present. Strips every "_"-prefixed key before returning.
func (d *Database) Read(id string) (store.Document, error) {
	doc := store.Document{}
	err := d.db.View(func(tx *boltdb.Tx) error {
		b := tx.Bucket([]byte(d.bucket))
		raw := b.Get([]byte(id))
		if raw == nil {
			return nil
		}
		var stored map[string]any
		if err := json.Unmarshal(raw, &stored); err != nil {
			return fmt.Errorf("unmarshal %q/%q: %w", d.bucket, id, err)
		}
		for k, v := range stored {
			if len(k) > 0 && k[0] == '_' {
				continue
			}
			doc[k] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Write implements store.Database. Upserts the document, stamping an
// incremented "_rev" field, and notifies every active watcher.
func (d *Database) Write(id string, doc store.Document) error {
	stored := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		stored[k] = v
	}

	err := d.db.Update(func(tx *boltdb.Tx) error {
		b := tx.Bucket([]byte(d.bucket))
		rev := uint64(1)
		if existing := b.Get([]byte(id)); existing != nil {
			var prev map[string]any
			if err := json.Unmarshal(existing, &prev); err == nil {
				if r, ok := prev["_rev"].(float64); ok {
					rev = uint64(r) + 1
				}
			}
		}
		stored["_rev"] = rev

		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal %q/%q: %w", d.bucket, id, err)
		}
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return fmt.Errorf("bolt write %q/%q: %w", d.bucket, id, err)
	}

	d.notify(id)
	return nil
}

// List implements store.Database.
func (d *Database) List() ([]string, error) {
	var ids []string
	err := d.db.View(func(tx *boltdb.Tx) error {
		b := tx.Bucket([]byte(d.bucket))
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("bolt list %q: %w", d.bucket, err)
	}
	return ids, nil
}

// notify fans out a change event for id to every subscribed watcher.
// Non-blocking: a watcher whose channel is full drops the event rather
// than stalling the writer (the next write for the same id will re-notify
// it anyway, since the document is content-addressed by id, not by a
// single unrepeatable event).
func (d *Database) notify(id string) {
	evt := store.ChangeEvent{ID: id, Seq: d.seq.Add(1)}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.watchers {
		select {
		case w.ch <- evt:
		default:
		}
	}
}

// Watch implements store.Database.
func (d *Database) Watch(ctx context.Context, handler func(id string), documents []string, lock store.Locker) {
	var whitelist map[string]bool
	if documents != nil {
		whitelist = make(map[string]bool, len(documents))
		for _, id := range documents {
			whitelist[id] = true
		}
	}

	w := &watcher{ch: make(chan store.ChangeEvent, 64)}
	d.mu.Lock()
	d.watchers = append(d.watchers, w)
	d.mu.Unlock()

	go func() {
		defer d.removeWatcher(w)
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-w.ch:
				if whitelist != nil {
					if !whitelist[evt.ID] {
						continue
					}
				} else if evt.ID == "self" {
					continue
				}
				lock.Lock()
				handler(evt.ID)
				lock.Unlock()
			}
		}
	}()
}

func (d *Database) removeWatcher(w *watcher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, cand := range d.watchers {
		if cand == w {
			d.watchers = append(d.watchers[:i], d.watchers[i+1:]...)
			return
		}
	}
}
