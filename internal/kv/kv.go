package kv

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/satya-market/access-go/pkg/errdefs"
)

const maxUpdateRetries = 5

// Store is a small key-value facade over badger.
type Store struct {
	db *badger.DB
}

type Options struct {
	// Path is the badger directory. Empty means in-memory.
	Path     string
	InMemory bool
}

func Open(opts Options) (*Store, error) {
	var bopts badger.Options
	if opts.InMemory || opts.Path == "" {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(opts.Path)
	}
	db, err := badger.Open(bopts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", opts.Path, err)
	}
	slog.Debug("kv store opened", slog.String("path", opts.Path), slog.Bool("in_memory", bopts.InMemory))
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns a copy of the value at key or an error wrapping
// errdefs.ErrNotFound.
func (s *Store) Get(key string) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s: %w", key, errdefs.ErrNotFound)
	}
	return val, err
}

// Set stores val at key. A positive ttl lets badger expire the entry.
func (s *Store) Set(key string, val []byte, ttl time.Duration) error {
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), val)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

// SetIfAbsent stores val at key unless key already exists.
func (s *Store) SetIfAbsent(key string, val []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return fmt.Errorf("%s already exists", key)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set([]byte(key), val)
	})
}

func (s *Store) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Update runs fn on the current value of key and writes the result in the
// same transaction, retrying on write conflicts.
func (s *Store) Update(key string, fn func(old []byte) ([]byte, error)) error {
	var err error
	for i := 0; i < maxUpdateRetries; i++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%s: %w", key, errdefs.ErrNotFound)
			}
			if err != nil {
				return err
			}
			old, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			val, err := fn(old)
			if err != nil {
				return err
			}
			return txn.Set([]byte(key), val)
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// Scan calls fn for every key with prefix, in key order.
func (s *Store) Scan(prefix string, fn func(key string, val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.KeyCopy(nil)), val); err != nil {
				return err
			}
		}
		return nil
	})
}
