package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	ErrNotFound = errors.New("sandbox: not found")
	ErrTooLarge = errors.New("sandbox: exceeds maximum size")
)

// Backend stores sandbox content under opaque keys.
type Backend interface {
	// Put stores everything r yields under key and returns the size.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)

	// Get opens the content of key. ErrNotFound when absent.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	Close() error
}

// MemoryBackend keeps content in memory. Content is lost on restart.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (b *MemoryBackend) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, r)
	if err != nil {
		return n, fmt.Errorf("store %s: %w", key, err)
	}

	b.mu.Lock()
	b.data[key] = buf.Bytes()
	b.mu.Unlock()
	return n, nil
}

func (b *MemoryBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	data, ok := b.data[key]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("content %s: %w", key, ErrNotFound)
	}
	// Stored slices are never modified, so readers can share them.
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *MemoryBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.data, key)
	b.mu.Unlock()
	return nil
}

// Len is the number of stored objects.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

func (b *MemoryBackend) Close() error { return nil }

// limitReader fails with ErrTooLarge once more than max bytes were read.
type limitReader struct {
	r   io.Reader
	max int64
	n   int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.n += int64(n)
	if l.n > l.max {
		return n, ErrTooLarge
	}
	return n, err
}
