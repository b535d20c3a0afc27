package sandbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIndex(t *testing.T, idx Index) {
	t.Helper()
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recs := []Record{
		{FileID: "job-2.tar", Key: "k2", OwnerDN: "/CN=bob", Owner: "bob", OwnerGroup: "user", Size: 20, Digest: "bb", Created: created},
		{FileID: "job-1.tar", Key: "k1", OwnerDN: "/CN=alice", Owner: "alice", OwnerGroup: "user", Size: 10, Digest: "aa", Created: created},
	}
	for _, rec := range recs {
		require.NoError(t, idx.Put(ctx, rec))
	}

	got, err := idx.Get(ctx, "job-1.tar")
	require.NoError(t, err)
	assert.Equal(t, recs[1], got)

	_, err = idx.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := idx.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "job-1.tar", list[0].FileID)
	assert.Equal(t, "job-2.tar", list[1].FileID)

	require.NoError(t, idx.Delete(ctx, "job-1.tar"))
	_, err = idx.Get(ctx, "job-1.tar")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err = idx.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMemoryIndex(t *testing.T) {
	idx := NewMemoryIndex()
	testIndex(t, idx)
	assert.NoError(t, idx.Close())
}

func TestBadgerIndexInMemory(t *testing.T) {
	idx, err := OpenBadgerIndex("")
	require.NoError(t, err)
	defer idx.Close()
	testIndex(t, idx)
}

func TestBadgerIndexPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index")
	ctx := context.Background()

	idx, err := OpenBadgerIndex(path)
	require.NoError(t, err)
	require.NoError(t, idx.Put(ctx, Record{FileID: "job.tar", Key: "k", Size: 3}))
	require.NoError(t, idx.Close())

	idx, err = OpenBadgerIndex(path)
	require.NoError(t, err)
	defer idx.Close()

	rec, err := idx.Get(ctx, "job.tar")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Size)
}

func TestRecordInfo(t *testing.T) {
	rec := Record{FileID: "a", Owner: "alice", Size: 4, Created: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	info := rec.Info()
	assert.Equal(t, "a", info["FileID"])
	assert.Equal(t, int64(4), info["Size"])
	assert.Equal(t, "2026-01-02T03:04:05Z", info["Created"])
	assert.NotContains(t, info, "Key")
}
