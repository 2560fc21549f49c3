package policy

import (
	"context"
	"encoding/json"

	"github.com/satya-market/access-go/internal/kv"
)

const badgerPrefix = "policy/"

// BadgerStore keeps policies as JSON documents in a local badger store.
type BadgerStore struct {
	kv *kv.Store
}

func NewBadgerStore(store *kv.Store) *BadgerStore {
	return &BadgerStore{kv: store}
}

func (s *BadgerStore) Create(ctx context.Context, r *Record) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.kv.SetIfAbsent(badgerPrefix+r.ID, raw)
}

func (s *BadgerStore) Get(ctx context.Context, id string) (*Record, error) {
	raw, err := s.kv.Get(badgerPrefix + id)
	if err != nil {
		return nil, err
	}
	r := new(Record)
	if err := json.Unmarshal(raw, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *BadgerStore) Update(ctx context.Context, id string, fn func(*Record) error) error {
	return s.kv.Update(badgerPrefix+id, func(old []byte) ([]byte, error) {
		r := new(Record)
		if err := json.Unmarshal(old, r); err != nil {
			return nil, err
		}
		if err := fn(r); err != nil {
			return nil, err
		}
		return json.Marshal(r)
	})
}
