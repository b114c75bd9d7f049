package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps entries in process. It backs local runs and tests.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]IdempotencyRecord
	nowFunc func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: map[string]IdempotencyRecord{}, nowFunc: time.Now}
}

func (b *MemoryBackend) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.nowFunc()
	if rec, ok := b.entries[key]; ok && rec.ExpiresAt >= now.Unix() {
		return false, nil
	}
	b.entries[key] = IdempotencyRecord{
		IdempotencyKey: key,
		Status:         StatusInProgress,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(ttl).Unix(),
	}
	return true, nil
}

func (b *MemoryBackend) Load(ctx context.Context, key string) (*IdempotencyRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.entries[key]
	if !ok || rec.ExpiresAt < b.nowFunc().Unix() {
		return nil, nil
	}
	return &rec, nil
}

func (b *MemoryBackend) Save(ctx context.Context, key string, resp Response, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.nowFunc()
	rec := b.entries[key]
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.IdempotencyKey = key
	rec.Status = StatusDone
	rec.ResponseBody = string(resp.Body)
	rec.ResponseStatus = resp.StatusCode
	rec.UpdatedAt = now
	rec.ExpiresAt = now.Add(ttl).Unix()
	b.entries[key] = rec
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}
