package kv

import (
	"errors"
	"testing"

	"github.com/satya-market/access-go/pkg/errdefs"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetGetDelete(t *testing.T) {
	s := openTest(t)
	if _, err := s.Get("missing"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Set("a", []byte("1"), 0); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "1" {
		t.Fatalf("got %q", got)
	}
	if err := s.Delete("a"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("a"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSetIfAbsent(t *testing.T) {
	s := openTest(t)
	if err := s.SetIfAbsent("k", []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := s.SetIfAbsent("k", []byte("second")); err == nil {
		t.Fatal("second insert should fail")
	}
	got, _ := s.Get("k")
	if string(got) != "first" {
		t.Fatalf("got %q", got)
	}
}

func TestUpdate(t *testing.T) {
	s := openTest(t)
	if err := s.Update("nope", func(b []byte) ([]byte, error) { return b, nil }); !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_ = s.Set("n", []byte("a"), 0)
	if err := s.Update("n", func(b []byte) ([]byte, error) { return append(b, 'b'), nil }); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get("n")
	if string(got) != "ab" {
		t.Fatalf("got %q", got)
	}
	boom := errors.New("boom")
	if err := s.Update("n", func([]byte) ([]byte, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	got, _ = s.Get("n")
	if string(got) != "ab" {
		t.Fatalf("failed update must not write, got %q", got)
	}
}

func TestScanPrefix(t *testing.T) {
	s := openTest(t)
	_ = s.Set("session/a", []byte("1"), 0)
	_ = s.Set("session/b", []byte("2"), 0)
	_ = s.Set("policy/x", []byte("3"), 0)
	var keys []string
	err := s.Scan("session/", func(k string, v []byte) error {
		keys = append(keys, k)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "session/a" || keys[1] != "session/b" {
		t.Fatalf("got %v", keys)
	}
}
