package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/satya-market/access-go/internal/kv"
	"github.com/satya-market/access-go/pkg/errdefs"
	"github.com/satya-market/access-go/pkg/keyserver"
)

// Exported is the portable form of a credential. SessionKey is a JWK and is
// only set when the manager has no export key; otherwise the JWK travels
// sealed in SealedSessionKey.
type Exported struct {
	Address          string                `json:"address"`
	Scope            string                `json:"scope"`
	CreatedAt        int64                 `json:"createdAt"`
	TTLMinutes       int                   `json:"ttlMinutes"`
	Certificate      keyserver.Certificate `json:"certificate"`
	SessionKey       json.RawMessage       `json:"sessionKey,omitempty"`
	SealedSessionKey []byte                `json:"sealedSessionKey,omitempty"`
}

func (e *Exported) ExpiresAt() time.Time {
	return time.UnixMilli(e.CreatedAt).Add(time.Duration(e.TTLMinutes) * time.Minute)
}

// Store is the persistence boundary for exported credentials, namespaced
// by scope and address. Get returns an error wrapping errdefs.ErrNotFound
// for a missing entry.
type Store interface {
	Get(ctx context.Context, scope, address string) (*Exported, error)
	Set(ctx context.Context, exp *Exported) error
	Remove(ctx context.Context, scope, address string) error
	List(ctx context.Context, scope string) ([]*Exported, error)
}

func storeKey(scope, address string) string {
	return "session/" + scope + "/" + address
}

type MemoryStore struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]byte)}
}

func (s *MemoryStore) Get(ctx context.Context, scope, address string) (*Exported, error) {
	s.mu.Lock()
	raw, ok := s.entries[storeKey(scope, address)]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", address, errdefs.ErrNotFound)
	}
	exp := new(Exported)
	if err := json.Unmarshal(raw, exp); err != nil {
		return nil, err
	}
	return exp, nil
}

func (s *MemoryStore) Set(ctx context.Context, exp *Exported) error {
	raw, err := json.Marshal(exp)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[storeKey(exp.Scope, exp.Address)] = raw
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, scope, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, storeKey(scope, address))
	return nil
}

func (s *MemoryStore) List(ctx context.Context, scope string) ([]*Exported, error) {
	prefix := storeKey(scope, "")
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Exported
	for k, raw := range s.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		exp := new(Exported)
		if err := json.Unmarshal(raw, exp); err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	return out, nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// BadgerStore persists credentials in badger. Entries carry a badger TTL
// matching the certificate so stale ones disappear even without a sweep.
type BadgerStore struct {
	kv *kv.Store
}

func NewBadgerStore(store *kv.Store) *BadgerStore {
	return &BadgerStore{kv: store}
}

func (s *BadgerStore) Get(ctx context.Context, scope, address string) (*Exported, error) {
	raw, err := s.kv.Get(storeKey(scope, address))
	if err != nil {
		return nil, err
	}
	exp := new(Exported)
	if err := json.Unmarshal(raw, exp); err != nil {
		return nil, err
	}
	return exp, nil
}

func (s *BadgerStore) Set(ctx context.Context, exp *Exported) error {
	raw, err := json.Marshal(exp)
	if err != nil {
		return err
	}
	ttl := time.Until(exp.ExpiresAt())
	if ttl <= 0 {
		return nil
	}
	return s.kv.Set(storeKey(exp.Scope, exp.Address), raw, ttl)
}

func (s *BadgerStore) Remove(ctx context.Context, scope, address string) error {
	return s.kv.Delete(storeKey(scope, address))
}

func (s *BadgerStore) List(ctx context.Context, scope string) ([]*Exported, error) {
	var out []*Exported
	err := s.kv.Scan(storeKey(scope, ""), func(key string, raw []byte) error {
		exp := new(Exported)
		if err := json.Unmarshal(raw, exp); err != nil {
			return err
		}
		out = append(out, exp)
		return nil
	})
	return out, err
}
