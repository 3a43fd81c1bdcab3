package blobindex

import (
	"context"
	"sync"

	id "canopy/pkg/domain"
)

// MemoryIndex is the in-process blob index used in unit tests and when Redis
// is not configured (single-node development).
type MemoryIndex struct {
	mu    sync.RWMutex
	sizes map[id.EvidenceRef]int64
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{sizes: make(map[id.EvidenceRef]int64)}
}

// Put records a blob size, standing in for the upload pipeline.
func (i *MemoryIndex) Put(ref id.EvidenceRef, size int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sizes[ref] = size
}

// Exists reports whether the reference resolves to a non-zero-size blob.
func (i *MemoryIndex) Exists(_ context.Context, ref id.EvidenceRef) (bool, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.sizes[ref] > 0, nil
}

// PermissiveIndex accepts every well-formed reference. Used when no Redis
// index is configured and evidence existence cannot be checked.
type PermissiveIndex struct{}

// NewPermissiveIndex creates an index that treats all references as present.
func NewPermissiveIndex() PermissiveIndex {
	return PermissiveIndex{}
}

func (PermissiveIndex) Exists(context.Context, id.EvidenceRef) (bool, error) {
	return true, nil
}
