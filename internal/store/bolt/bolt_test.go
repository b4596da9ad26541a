package bolt_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/babblemesh/babbler/internal/store"
	"github.com/babblemesh/babbler/internal/store/bolt"
)

func openTestDB(t *testing.T) *bolt.Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "babbler.db")
	db, err := bolt.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	dbase, err := db.Database("membership")
	require.NoError(t, err)
	return dbase
}

func TestWriteReadRoundTripStripsInternalFields(t *testing.T) {
	d := openTestDB(t)

	require.NoError(t, d.Write("peer-1", store.Document{"hosts": []string{"h"}, "version": float64(1)}))

	doc, err := d.Read("peer-1")
	require.NoError(t, err)
	require.Equal(t, []any{"h"}, doc["hosts"])
	_, hasRev := doc["_rev"]
	require.False(t, hasRev)
}

func TestReadMissingReturnsEmptyDocument(t *testing.T) {
	d := openTestDB(t)
	doc, err := d.Read("nobody")
	require.NoError(t, err)
	require.Empty(t, doc)
}

func TestListReturnsAllIDs(t *testing.T) {
	d := openTestDB(t)
	require.NoError(t, d.Write("a", store.Document{"x": 1}))
	require.NoError(t, d.Write("b", store.Document{"x": 2}))

	ids, err := d.List()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestWatchDeliversChangesExcludingSelfByDefault(t *testing.T) {
	d := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []string
	d.Watch(ctx, func(id string) {
		seen = append(seen, id)
	}, nil, &mu)

	require.NoError(t, d.Write("self", store.Document{"v": 1}))
	require.NoError(t, d.Write("peer-1", store.Document{"v": 1}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == "peer-1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchHonoursWhitelist(t *testing.T) {
	d := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []string
	d.Watch(ctx, func(id string) {
		seen = append(seen, id)
	}, []string{"peer-1"}, &mu)

	require.NoError(t, d.Write("peer-1", store.Document{"v": 1}))
	require.NoError(t, d.Write("peer-2", store.Document{"v": 1}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == "peer-1"
	}, 2*time.Second, 10*time.Millisecond)
}
