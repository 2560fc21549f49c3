package wallet

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestSignAndVerify(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("Accessing keys of package 0xabc for 30 mins")
	sig, err := kp.SignPersonalMessage(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	addr, err := Verify(msg, sig)
	if err != nil {
		t.Fatal(err)
	}
	if addr != kp.Address() {
		t.Fatalf("verified address %s, want %s", addr, kp.Address())
	}
	if _, err := Verify([]byte("something else"), sig); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestAddressFormat(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	a, err := FromSeed(seed)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := FromSeed(seed)
	if a.Address() != b.Address() {
		t.Fatal("address must be deterministic for a seed")
	}
	if !strings.HasPrefix(a.Address(), "0x") || len(a.Address()) != 66 {
		t.Fatalf("unexpected address %s", a.Address())
	}
	if NormalizeAddress(strings.ToUpper(a.Address()[2:])) != a.Address() {
		t.Fatal("normalize should lowercase and prefix")
	}
}

func TestSignHonorsContext(t *testing.T) {
	kp, _ := Generate()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := kp.SignPersonalMessage(ctx, []byte("x")); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestFromSeedLength(t *testing.T) {
	if _, err := FromSeed([]byte("short")); err == nil {
		t.Fatal("expected seed length error")
	}
}
