package store

import (
	"context"
	"encoding/json"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used in tests and single-node setups.
// Records are returned in insertion order per category.
type MemoryStore struct {
	mu      stdsync.RWMutex
	records map[uuid.UUID]*AdministrativeRecord
	order   []uuid.UUID
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uuid.UUID]*AdministrativeRecord)}
}

func (s *MemoryStore) SaveAdministrativeData(ctx context.Context, category string, data json.RawMessage) (uuid.UUID, error) {
	now := time.Now().UTC()
	rec := &AdministrativeRecord{
		ID:        uuid.New(),
		Category:  category,
		Data:      append(json.RawMessage(nil), data...),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.records[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	s.mu.Unlock()
	return rec.ID, nil
}

func (s *MemoryStore) GetAdministrativeData(ctx context.Context, category string) ([]*AdministrativeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AdministrativeRecord
	for _, id := range s.order {
		rec := s.records[id]
		if rec.Category != category {
			continue
		}
		cp := *rec
		cp.Data = append(json.RawMessage(nil), rec.Data...)
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, category string, id uuid.UUID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.Category != category {
		return ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	return nil
}
