package duplicate

import (
	"context"
	"sync"

	"credledger.org/internal/ledger"
)

type indexKey struct {
	issuer ledger.Address
	hash   string
}

// MemoryIndex is an in-process Index.
type MemoryIndex struct {
	mu   sync.RWMutex
	byID map[indexKey][]uint64
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{byID: make(map[indexKey][]uint64)}
}

var _ Index = (*MemoryIndex)(nil)

func (m *MemoryIndex) Lookup(ctx context.Context, issuer ledger.Address, hash string) ([]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]uint64(nil), m.byID[indexKey{issuer, hash}]...), nil
}

func (m *MemoryIndex) Record(ctx context.Context, issuer ledger.Address, hash string, tokenID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := indexKey{issuer, hash}
	for _, id := range m.byID[k] {
		if id == tokenID {
			return nil
		}
	}
	m.byID[k] = append(m.byID[k], tokenID)
	return nil
}
