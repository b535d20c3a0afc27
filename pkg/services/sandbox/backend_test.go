package sandbox

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	payload := bytes.Repeat([]byte("input.tar "), 5000)
	n, err := b.Put(ctx, "ab12-key", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	rc, err := b.Get(ctx, "ab12-key")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, payload, got)

	// Overwrite.
	_, err = b.Put(ctx, "ab12-key", strings.NewReader("short"))
	require.NoError(t, err)
	rc, err = b.Get(ctx, "ab12-key")
	require.NoError(t, err)
	got, _ = io.ReadAll(rc)
	_ = rc.Close()
	assert.Equal(t, "short", string(got))

	require.NoError(t, b.Delete(ctx, "ab12-key"))
	_, err = b.Get(ctx, "ab12-key")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, b.Delete(ctx, "ab12-key"), "deleting a missing key")
	assert.NoError(t, b.Close())
}

func TestMemoryBackend(t *testing.T) {
	testBackend(t, NewMemoryBackend())
}

func TestFSBackend(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFSBackend(dir)
	require.NoError(t, err)
	testBackend(t, b)

	_, err = NewFSBackend("")
	assert.Error(t, err)
}

func TestFSBackendFailedPutLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFSBackend(dir)
	require.NoError(t, err)

	r := &limitReader{r: strings.NewReader(strings.Repeat("x", 100)), max: 10}
	_, err = b.Put(context.Background(), "cd34-key", r)
	require.ErrorIs(t, err, ErrTooLarge)

	_, err = b.Get(context.Background(), "cd34-key")
	assert.ErrorIs(t, err, ErrNotFound)

	entries, err := os.ReadDir(filepath.Join(dir, "cd"))
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary file removed")
}

func TestLimitReader(t *testing.T) {
	r := &limitReader{r: strings.NewReader("0123456789"), max: 10}
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Len(t, data, 10)

	r = &limitReader{r: strings.NewReader("0123456789A"), max: 10}
	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, ErrTooLarge)
}
