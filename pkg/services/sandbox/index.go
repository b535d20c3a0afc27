package sandbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Record describes one stored sandbox.
type Record struct {
	// FileID is the name the client uploaded the sandbox under.
	FileID string `json:"file_id"`

	// Key locates the content in the backend.
	Key string `json:"key"`

	OwnerDN    string `json:"owner_dn"`
	Owner      string `json:"owner"`
	OwnerGroup string `json:"owner_group"`

	Size   int64  `json:"size"`
	Digest string `json:"digest"`

	Created time.Time `json:"created"`
}

// Info is the wire form of a record.
func (r Record) Info() map[string]any {
	return map[string]any{
		"FileID":     r.FileID,
		"Owner":      r.Owner,
		"OwnerDN":    r.OwnerDN,
		"OwnerGroup": r.OwnerGroup,
		"Size":       r.Size,
		"Digest":     r.Digest,
		"Created":    r.Created.UTC().Format(time.RFC3339),
	}
}

// Index maps file IDs to records.
type Index interface {
	Put(ctx context.Context, rec Record) error

	// Get returns ErrNotFound for unknown file IDs.
	Get(ctx context.Context, fileID string) (Record, error)

	// List returns every record ordered by file ID.
	List(ctx context.Context) ([]Record, error)

	Delete(ctx context.Context, fileID string) error
	Close() error
}

// MemoryIndex keeps records in a map.
type MemoryIndex struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{records: make(map[string]Record)}
}

func (i *MemoryIndex) Put(_ context.Context, rec Record) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.records[rec.FileID] = rec
	return nil
}

func (i *MemoryIndex) Get(_ context.Context, fileID string) (Record, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	rec, ok := i.records[fileID]
	if !ok {
		return Record{}, fmt.Errorf("sandbox %s: %w", fileID, ErrNotFound)
	}
	return rec, nil
}

func (i *MemoryIndex) List(_ context.Context) ([]Record, error) {
	i.mu.RLock()
	out := make([]Record, 0, len(i.records))
	for _, rec := range i.records {
		out = append(out, rec)
	}
	i.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].FileID < out[b].FileID })
	return out, nil
}

func (i *MemoryIndex) Delete(_ context.Context, fileID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.records, fileID)
	return nil
}

func (i *MemoryIndex) Close() error { return nil }
