package journal

import (
	"context"
	"fmt"
	"sort"
	"sync"

	sharederrors "appletkit/errors"
	"appletkit/transaction"
)

// MemoryStore 进程内存储，按 ID 覆盖写入
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Save(ctx context.Context, tx *transaction.Transaction) error {
	if tx == nil {
		return sharederrors.NewValidationError("transaction is nil")
	}
	rec := NewRecord(tx)
	s.mu.Lock()
	s.records[rec.ID] = rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, notFound(id)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, status transaction.Status) ([]*Record, error) {
	s.mu.RLock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		if status != "" && rec.Status != status {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CompletedAt.Equal(out[j].CompletedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CompletedAt.After(out[j].CompletedAt)
	})
	return out, nil
}

func notFound(id string) error {
	return sharederrors.NewError(sharederrors.ErrCodeNotFound, fmt.Sprintf("transaction record %s not found", id)).
		WithContext("transaction_id", id)
}
