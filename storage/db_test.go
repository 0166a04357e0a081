package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemDBBatchAppliesAllWrites(t *testing.T) {
	db := NewMemDB()
	batch := NewBatch()
	batch.Put([]byte("a"), []byte("1"))
	batch.Put([]byte("b"), []byte("2"))
	batch.Put([]byte("a"), []byte("3"))
	require.NoError(t, db.Write(batch))

	got, err := db.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("3"), got)
	require.Equal(t, 2, db.Len())

	_, err = db.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLevelDBPersistsBatchAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	db1, err := NewLevelDB(dir)
	require.NoError(t, err)
	batch := NewBatch()
	batch.Put([]byte("key"), []byte("value"))
	batch.Put([]byte("other"), []byte("x"))
	require.NoError(t, db1.Write(batch))
	db1.Close()

	db2, err := NewLevelDB(dir)
	require.NoError(t, err)
	defer db2.Close()

	got, err := db2.Get([]byte("key"))
	require.NoError(t, err)
	require.Equal(t, []byte("value"), got)

	ok, err := db2.Has([]byte("other"))
	require.NoError(t, err)
	require.True(t, ok)

	_, err = db2.Get([]byte("nope"))
	require.ErrorIs(t, err, ErrNotFound)
}
