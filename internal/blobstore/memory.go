package blobstore

import (
	"context"
	"sync"

	"github.com/recordvault/recordvault/internal/errs"
)

// MemoryStore is an in-process Store used by tests and single-node
// development. The fail fields inject transient outages without a network.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte

	// FailPut and FailGet, when set, are returned verbatim from the next
	// calls, simulating an unreachable store.
	FailPut error
	FailGet error
}

// NewMemory constructs a MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Put stores data under its content address.
func (m *MemoryStore) Put(ctx context.Context, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPut != nil {
		return "", errs.E(errs.KindBlobUnavailable, "blobstore.Put", m.FailPut)
	}
	cid := ComputeCID(data)
	buf := make([]byte, len(data))
	copy(buf, data)
	m.blobs[cid] = buf
	return cid, nil
}

// Get returns the bytes stored under cid.
func (m *MemoryStore) Get(ctx context.Context, cid string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailGet != nil {
		return nil, errs.E(errs.KindBlobUnavailable, "blobstore.Get", m.FailGet)
	}
	data, ok := m.blobs[cid]
	if !ok {
		return nil, errs.Errorf(errs.KindBlobMissing, "blobstore.Get", "cid %s", cid)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

// Delete removes the blob stored under cid.
func (m *MemoryStore) Delete(ctx context.Context, cid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, cid)
	return nil
}

// Corrupt flips a byte of the stored blob in place, for integrity tests.
func (m *MemoryStore) Corrupt(cid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[cid]
	if !ok || len(data) == 0 {
		return false
	}
	data[len(data)/2] ^= 0xff
	return true
}

// Len reports the number of stored blobs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

var _ Store = (*MemoryStore)(nil)
