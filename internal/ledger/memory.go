package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps transactions in process. Used for local runs and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	byID       map[string]*Transaction
	byKey      map[string]string
	byProvider map[string]string
	byReceipt  map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       map[string]*Transaction{},
		byKey:      map[string]string{},
		byProvider: map[string]string{},
		byReceipt:  map[string]string{},
	}
}

func providerRef(provider, providerTxID string) string {
	return provider + "#" + providerTxID
}

func (m *MemoryStore) Create(_ context.Context, tx *Transaction) (bool, *Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byKey[tx.IdempotencyKey]; ok {
		return false, clone(m.byID[id]), nil
	}
	m.byID[tx.ID] = clone(tx)
	m.byKey[tx.IdempotencyKey] = tx.ID
	return true, nil, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clone(m.byID[id]), nil
}

func (m *MemoryStore) GetByIdempotencyKey(_ context.Context, key string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, nil
	}
	return clone(m.byID[id]), nil
}

func (m *MemoryStore) GetByProviderTransactionID(_ context.Context, provider, providerTxID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref := providerRef(provider, providerTxID)
	id, ok := m.byProvider[ref]
	if !ok {
		id, ok = m.byReceipt[ref]
	}
	if !ok {
		return nil, nil
	}
	return clone(m.byID[id]), nil
}

func (m *MemoryStore) Update(_ context.Context, tx *Transaction, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[tx.ID]
	if !ok || cur.Status != expected {
		return ErrStatusMismatch
	}
	m.byID[tx.ID] = clone(tx)
	if tx.ProviderTransactionID != "" {
		m.byProvider[providerRef(tx.Provider, tx.ProviderTransactionID)] = tx.ID
	}
	if tx.ProviderReceipt != "" {
		m.byReceipt[providerRef(tx.Provider, tx.ProviderReceipt)] = tx.ID
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transaction, 0)
	for _, tx := range m.byID {
		if f.matches(tx) {
			out = append(out, *clone(tx))
		}
	}
	sortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func sortNewestFirst(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].CreatedAt.After(txs[j].CreatedAt)
	})
}
