package cache

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BDhanush/vpfs/store"
	"github.com/BDhanush/vpfs/wire"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	base := t.TempDir()
	st, err := store.Open(filepath.Join(base, "files"))
	require.NoError(t, err)
	return st
}

func TestInsertThenGet(t *testing.T) {
	st := newTestStore(t)
	c := New(st, 0)
	loc := wire.Location{NodeName: "n1", URI: "remote-uri"}
	require.NoError(t, c.Insert(loc, []byte("payload")))

	got, ok, err := c.Get(loc)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "payload", string(got))
}

func TestGetMiss(t *testing.T) {
	st := newTestStore(t)
	c := New(st, 0)
	_, ok, err := c.Get(wire.Location{NodeName: "n1", URI: "nope"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvictionStaysUnderBudget(t *testing.T) {
	st := newTestStore(t)
	c := New(st, 10) // 10 bytes max
	for i := 0; i < 5; i++ {
		loc := wire.Location{NodeName: "n1", URI: string(rune('a' + i))}
		require.NoError(t, c.Insert(loc, []byte("12345"))) // 5 bytes each
	}
	require.LessOrEqual(t, c.UsedBytes(), int64(10))
}

func TestInsertOverwriteDoesNotLeakUsedBytes(t *testing.T) {
	st := newTestStore(t)
	c := New(st, 0)
	loc := wire.Location{NodeName: "n1", URI: "u1"}

	require.NoError(t, c.Insert(loc, []byte("aaaaaaaaaa"))) // 10 bytes
	require.Equal(t, int64(10), c.UsedBytes())

	require.NoError(t, c.Insert(loc, []byte("bb"))) // re-cache with 2 bytes
	require.Equal(t, int64(2), c.UsedBytes())

	got, ok, err := c.Get(loc)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "bb", string(got))
}

// TestConcurrentInsertSameLocationDoesNotLeak guards against two
// concurrent Insert calls for the same Location both missing the
// existing-entry check, each allocating and writing their own backing
// file: exactly one body must end up referenced by the index, and
// usedBytes must reflect only that one body's size.
func TestConcurrentInsertSameLocationDoesNotLeak(t *testing.T) {
	st := newTestStore(t)
	c := New(st, 0)
	loc := wire.Location{NodeName: "n1", URI: "u1"}

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, c.Insert(loc, []byte("xxxxxx"))) // 6 bytes, same for all
		}()
	}
	wg.Wait()

	require.Equal(t, int64(6), c.UsedBytes())
	got, ok, err := c.Get(loc)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "xxxxxx", string(got))
}

func TestPersistRestoreRoundTrip(t *testing.T) {
	st := newTestStore(t)
	c := New(st, 0)
	loc1 := wire.Location{NodeName: "n1", URI: "u1"}
	loc2 := wire.Location{NodeName: "n2", URI: "u2"}
	require.NoError(t, c.Insert(loc1, []byte("aaa")))
	require.NoError(t, c.Insert(loc2, []byte("bb")))

	root := wire.VPFSNode{Name: "root-node"}
	var buf bytes.Buffer
	require.NoError(t, c.Persist(&buf, &root))

	c2 := New(st, 0)
	restoredRoot := c2.Restore(&buf)
	require.NotNil(t, restoredRoot)
	require.Equal(t, root, *restoredRoot)
	require.Equal(t, c.UsedBytes(), c2.UsedBytes())

	got1, ok, err := c2.Get(loc1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "aaa", string(got1))
}

func TestPersistRestoreNoRoot(t *testing.T) {
	st := newTestStore(t)
	c := New(st, 0)
	require.NoError(t, c.Insert(wire.Location{NodeName: "n1", URI: "u1"}, []byte("aaa")))

	var buf bytes.Buffer
	require.NoError(t, c.Persist(&buf, nil))

	c2 := New(st, 0)
	require.Nil(t, c2.Restore(&buf))
}

// TestRestoreEvictsDownToNewMaxBytes guards against a cache that was
// persisted under a larger (or unbounded) byte budget staying
// permanently over a smaller budget configured for the next run: a
// read-only workload after restart never calls Insert, the only other
// place eviction runs from, so Restore itself must enforce it.
func TestRestoreEvictsDownToNewMaxBytes(t *testing.T) {
	st := newTestStore(t)
	c := New(st, 0)
	loc1 := wire.Location{NodeName: "n1", URI: "u1"}
	loc2 := wire.Location{NodeName: "n2", URI: "u2"}
	require.NoError(t, c.Insert(loc1, []byte("aaaaa")))
	require.NoError(t, c.Insert(loc2, []byte("bbbbb")))

	var buf bytes.Buffer
	require.NoError(t, c.Persist(&buf, nil))

	c2 := New(st, 5) // smaller budget than the persisted 10 bytes
	c2.Restore(&buf)
	require.LessOrEqual(t, c2.UsedBytes(), int64(5))

	_, ok1, err := c2.Get(loc1)
	require.NoError(t, err)
	_, ok2, err := c2.Get(loc2)
	require.NoError(t, err)
	require.False(t, ok1 && ok2, "both entries survived a restore under a budget that fits only one")
}

func TestRestoreMalformedSnapshotStartsEmpty(t *testing.T) {
	st := newTestStore(t)
	c := New(st, 0)
	require.Nil(t, c.Restore(bytes.NewReader([]byte{0xFF}))) // truncated after presence tag
	require.Equal(t, int64(0), c.UsedBytes())
	_, ok, err := c.Get(wire.Location{NodeName: "n1", URI: "u1"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInsertAutoPersistsSnapshot(t *testing.T) {
	st := newTestStore(t)
	c := New(st, 0)
	snapshotPath := filepath.Join(t.TempDir(), "cache")
	root := wire.VPFSNode{Name: "root-node"}
	c.EnableAutoPersist(snapshotPath, func() *wire.VPFSNode { return &root })

	loc := wire.Location{NodeName: "n1", URI: "u1"}
	require.NoError(t, c.Insert(loc, []byte("aaa")))

	f, err := os.Open(snapshotPath)
	require.NoError(t, err)
	defer f.Close()

	c2 := New(st, 0)
	restoredRoot := c2.Restore(f)
	require.NotNil(t, restoredRoot)
	require.Equal(t, root, *restoredRoot)
	_, ok, err := c2.Get(loc)
	require.NoError(t, err)
	require.True(t, ok)
}
