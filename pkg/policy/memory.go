package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/satya-market/access-go/pkg/errdefs"
)

type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Create(ctx context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ID]; ok {
		return fmt.Errorf("policy %s already exists", r.ID)
	}
	s.records[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("policy %s: %w", id, errdefs.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn func(*Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("policy %s: %w", id, errdefs.ErrNotFound)
	}
	cp := r.Clone()
	if err := fn(cp); err != nil {
		return err
	}
	s.records[id] = cp
	return nil
}
