package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelDBPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	db1, err := NewLevelDB(dir)
	require.NoError(t, err)
	require.NoError(t, db1.Put([]byte("escrow/record/1"), []byte("value")))
	db1.Close()

	db2, err := NewLevelDB(dir)
	require.NoError(t, err)
	defer db2.Close()

	got, err := db2.Get([]byte("escrow/record/1"))
	require.NoError(t, err)
	require.Equal(t, []byte("value"), got)

	_, err = db2.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDatabasesIterateByPrefixInOrder(t *testing.T) {
	level, err := NewLevelDB(t.TempDir())
	require.NoError(t, err)
	defer level.Close()
	boltDB, err := NewBoltDB(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	defer boltDB.Close()

	for name, db := range map[string]Database{"mem": NewMemDB(), "level": level, "bolt": boltDB} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, db.Put([]byte("a/2"), []byte("two")))
			require.NoError(t, db.Put([]byte("a/1"), []byte("one")))
			require.NoError(t, db.Put([]byte("b/1"), []byte("other")))

			var keys []string
			require.NoError(t, db.Iterate([]byte("a/"), func(key, value []byte) bool {
				keys = append(keys, string(key))
				return true
			}))
			require.Equal(t, []string{"a/1", "a/2"}, keys)

			var first []string
			require.NoError(t, db.Iterate([]byte("a/"), func(key, value []byte) bool {
				first = append(first, string(key))
				return false
			}))
			require.Equal(t, []string{"a/1"}, first)
		})
	}
}

func TestBatchWritesAtomically(t *testing.T) {
	db := NewMemDB()
	require.NoError(t, db.Put([]byte("gone"), []byte("x")))

	batch := db.NewBatch()
	batch.Put([]byte("k1"), []byte("v1"))
	batch.Put([]byte("k2"), []byte("v2"))
	batch.Delete([]byte("gone"))
	require.Equal(t, 3, batch.Len())

	ok, err := db.Has([]byte("k1"))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, batch.Write())
	ok, err = db.Has([]byte("k2"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = db.Has([]byte("gone"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBoltDBBatchAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := NewBoltDB(path, nil)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("gone"), []byte("x")))

	batch := db.NewBatch()
	batch.Put([]byte("escrow/record/1"), []byte("v1"))
	batch.Delete([]byte("gone"))
	require.Equal(t, 2, batch.Len())
	require.NoError(t, batch.Write())
	require.Equal(t, 0, batch.Len())
	db.Close()

	reopened, err := NewBoltDB(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get([]byte("escrow/record/1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)
	ok, err := reopened.Has([]byte("gone"))
	require.NoError(t, err)
	require.False(t, ok)
	_, err = reopened.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, reopened.Delete([]byte("escrow/record/1")))
	ok, err = reopened.Has([]byte("escrow/record/1"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOverlayCommitAndDiscard(t *testing.T) {
	parent := NewMemDB()
	require.NoError(t, parent.Put([]byte("p/1"), []byte("base")))
	require.NoError(t, parent.Put([]byte("p/2"), []byte("doomed")))

	overlay := NewOverlay(parent)
	require.NoError(t, overlay.Put([]byte("p/3"), []byte("new")))
	require.NoError(t, overlay.Delete([]byte("p/2")))
	require.True(t, overlay.Dirty())

	got, err := overlay.Get([]byte("p/1"))
	require.NoError(t, err)
	require.Equal(t, []byte("base"), got)
	_, err = overlay.Get([]byte("p/2"))
	require.ErrorIs(t, err, ErrNotFound)

	var keys []string
	require.NoError(t, overlay.Iterate([]byte("p/"), func(key, _ []byte) bool {
		keys = append(keys, string(key))
		return true
	}))
	require.Equal(t, []string{"p/1", "p/3"}, keys)

	// Parent untouched until commit.
	ok, err := parent.Has([]byte("p/3"))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, overlay.Commit())
	ok, err = parent.Has([]byte("p/3"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = parent.Has([]byte("p/2"))
	require.NoError(t, err)
	require.False(t, ok)
	require.Error(t, overlay.Commit())

	discarded := NewOverlay(parent)
	require.NoError(t, discarded.Put([]byte("p/9"), []byte("never")))
	discarded.Discard()
	ok, err = parent.Has([]byte("p/9"))
	require.NoError(t, err)
	require.False(t, ok)
	require.Error(t, discarded.Put([]byte("p/9"), []byte("again")))
}
