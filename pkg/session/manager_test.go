package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/satya-market/access-go/internal/crypto"
	"github.com/satya-market/access-go/internal/kv"
	"github.com/satya-market/access-go/pkg/errdefs"
	"github.com/satya-market/access-go/pkg/wallet"
)

const testScope = "0xpkg"

type countingSigner struct {
	*wallet.KeyPair
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (s *countingSigner) SignPersonalMessage(ctx context.Context, msg []byte) (*wallet.Signature, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.KeyPair.SignPersonalMessage(ctx, msg)
}

func newSigner(t *testing.T) *countingSigner {
	t.Helper()
	kp, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	return &countingSigner{KeyPair: kp}
}

func newExportKey(t *testing.T) *[32]byte {
	t.Helper()
	raw, err := crypto.GenerateKey(32)
	if err != nil {
		t.Fatal(err)
	}
	var key [32]byte
	copy(key[:], raw)
	return &key
}

func TestGetOrCreateCachesCredential(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	m := NewManager(testScope, nil, WithClock(clock))
	signer := newSigner(t)

	c1, err := m.GetOrCreate(context.Background(), signer.Address(), signer, 0)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := m.GetOrCreate(context.Background(), signer.Address(), signer, 0)
	if err != nil {
		t.Fatal(err)
	}
	if c1 != c2 {
		t.Fatal("expected the cached credential")
	}
	if n := signer.calls.Load(); n != 1 {
		t.Fatalf("signer called %d times", n)
	}
	if c1.TTL != DefaultTTL {
		t.Fatalf("ttl %s", c1.TTL)
	}
	if err := c1.Cert.Verify(clock.Now()); err != nil {
		t.Fatalf("certificate should verify: %v", err)
	}
}

func TestGetOrCreateSingleFlight(t *testing.T) {
	m := NewManager(testScope, nil)
	signer := newSigner(t)
	signer.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	creds := make([]*Credential, 8)
	for i := range creds {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := m.GetOrCreate(context.Background(), signer.Address(), signer, 0)
			if err != nil {
				t.Error(err)
				return
			}
			creds[i] = c
		}(i)
	}
	wg.Wait()
	if n := signer.calls.Load(); n != 1 {
		t.Fatalf("concurrent creation should sign once, signed %d times", n)
	}
	for _, c := range creds[1:] {
		if c != creds[0] {
			t.Fatal("all callers should share one credential")
		}
	}
}

func TestGetOrCreateFailures(t *testing.T) {
	m := NewManager(testScope, nil)
	signer := newSigner(t)

	if _, err := m.GetOrCreate(context.Background(), signer.Address(), nil, 0); !errors.Is(err, errdefs.ErrSession) {
		t.Fatalf("no signer: expected ErrSession, got %v", err)
	}

	signer.err = errors.New("user rejected")
	if _, err := m.GetOrCreate(context.Background(), signer.Address(), signer, 0); !errors.Is(err, errdefs.ErrSession) {
		t.Fatalf("rejected signature: expected ErrSession, got %v", err)
	}
	if _, err := m.GetOrCreate(context.Background(), signer.Address(), nil, 0); err == nil {
		t.Fatal("a failed creation must not leave a cached credential")
	}

	other := newSigner(t)
	if _, err := m.GetOrCreate(context.Background(), signer.Address(), other, 0); !errors.Is(err, errdefs.ErrSession) {
		t.Fatalf("foreign signer: expected ErrSession, got %v", err)
	}
}

func TestCredentialExpiry(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	m := NewManager(testScope, nil, WithClock(clock))
	signer := newSigner(t)
	c, err := m.GetOrCreate(context.Background(), signer.Address(), signer, 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(10 * time.Minute)
	if !c.Expired(clock.Now()) {
		t.Fatal("credential should be expired at its ttl")
	}
	if _, err := m.GetOrCreate(context.Background(), signer.Address(), nil, 0); !errors.Is(err, errdefs.ErrSession) {
		t.Fatalf("expected ErrSession for expired credential, got %v", err)
	}
}

func TestRefreshWindow(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	m := NewManager(testScope, nil, WithClock(clock))
	signer := newSigner(t)
	c1, err := m.GetOrCreate(context.Background(), signer.Address(), signer, 0)
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(26 * time.Minute)

	// without a signer the still valid credential is served
	c2, err := m.GetOrCreate(context.Background(), signer.Address(), nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if c2 != c1 {
		t.Fatal("expected the existing credential without a signer")
	}

	c3, err := m.GetOrCreate(context.Background(), signer.Address(), signer, 0)
	if err != nil {
		t.Fatal(err)
	}
	if c3 == c1 {
		t.Fatal("credential inside the refresh window should be renewed")
	}
	if !c1.Expired(clock.Now()) {
		t.Fatal("replaced credential should no longer be live")
	}
	if n := signer.calls.Load(); n != 2 {
		t.Fatalf("signer called %d times", n)
	}

	c4, err := m.Refresh(context.Background(), signer.Address(), signer)
	if err != nil {
		t.Fatal(err)
	}
	if c4 == c3 {
		t.Fatal("explicit refresh should always create a new credential")
	}
	if _, err := m.Refresh(context.Background(), signer.Address(), nil); !errors.Is(err, errdefs.ErrSession) {
		t.Fatalf("refresh without signer: expected ErrSession, got %v", err)
	}
}

func TestReplacedKeyWipedAfterRelease(t *testing.T) {
	m := NewManager(testScope, nil)
	signer := newSigner(t)
	held, err := m.Acquire(context.Background(), signer.Address(), signer, 0)
	if err != nil {
		t.Fatal(err)
	}
	idle, err := m.GetOrCreate(context.Background(), signer.Address(), signer, 0)
	if err != nil {
		t.Fatal(err)
	}
	if idle != held {
		t.Fatal("expected the live credential")
	}

	fresh, err := m.Refresh(context.Background(), signer.Address(), signer)
	if err != nil {
		t.Fatal(err)
	}
	// an in-flight holder can still finish its requests
	if held.Wiped() {
		t.Fatal("held credential wiped before release")
	}
	if _, err := held.SignRequest([]byte(`{}`)); err != nil {
		t.Fatalf("held credential should still sign: %v", err)
	}
	held.Release()
	if !held.Wiped() {
		t.Fatal("replaced credential should be wiped once released")
	}
	if _, err := held.SignRequest([]byte(`{}`)); !errors.Is(err, errdefs.ErrSession) {
		t.Fatalf("expected ErrSession from a wiped credential, got %v", err)
	}

	// nobody holds fresh, so replacing it wipes it right away
	if _, err := m.Refresh(context.Background(), signer.Address(), signer); err != nil {
		t.Fatal(err)
	}
	if !fresh.Wiped() {
		t.Fatal("unheld replaced credential should be wiped immediately")
	}
}

func TestRevokeWipesKey(t *testing.T) {
	m := NewManager(testScope, nil)
	signer := newSigner(t)
	c, err := m.GetOrCreate(context.Background(), signer.Address(), signer, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Revoke(context.Background(), signer.Address()); err != nil {
		t.Fatal(err)
	}
	if !c.Wiped() {
		t.Fatal("revoked credential should be wiped")
	}
	if _, err := m.Acquire(context.Background(), signer.Address(), nil, 0); !errors.Is(err, errdefs.ErrSession) {
		t.Fatalf("expected ErrSession without a signer, got %v", err)
	}
}

func TestExportImport(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	m := NewManager(testScope, nil, WithClock(clock))
	signer := newSigner(t)
	c, err := m.GetOrCreate(context.Background(), signer.Address(), signer, 0)
	if err != nil {
		t.Fatal(err)
	}
	exp, err := m.Export(context.Background(), signer.Address())
	if err != nil {
		t.Fatal(err)
	}
	if len(exp.SessionKey) == 0 || len(exp.SealedSessionKey) != 0 {
		t.Fatal("unsealed export should carry the JWK")
	}

	other := NewManager(testScope, nil, WithClock(clock))
	imported, err := other.Import(context.Background(), exp, nil)
	if err != nil {
		t.Fatal(err)
	}
	if imported.Cert.SessionKey != c.Cert.SessionKey {
		t.Fatal("imported certificate differs")
	}
	if _, err := imported.SignRequest([]byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if n := signer.calls.Load(); n != 1 {
		t.Fatalf("import of a live credential must not sign, signer called %d times", n)
	}

	none, err := m.Export(context.Background(), "0xnobody")
	if err != nil || none != nil {
		t.Fatalf("expected nil export, got %v %v", none, err)
	}
}

func TestSealedExport(t *testing.T) {
	key := newExportKey(t)
	m := NewManager(testScope, nil, WithExportKey(key))
	signer := newSigner(t)
	if _, err := m.GetOrCreate(context.Background(), signer.Address(), signer, 0); err != nil {
		t.Fatal(err)
	}
	exp, err := m.Export(context.Background(), signer.Address())
	if err != nil {
		t.Fatal(err)
	}
	if len(exp.SessionKey) != 0 || len(exp.SealedSessionKey) == 0 {
		t.Fatal("sealed export must not carry the clear JWK")
	}
	if _, err := NewManager(testScope, nil).Import(context.Background(), exp, nil); !errors.Is(err, errdefs.ErrSession) {
		t.Fatalf("import without the export key: expected ErrSession, got %v", err)
	}
	if _, err := NewManager(testScope, nil, WithExportKey(key)).Import(context.Background(), exp, nil); err != nil {
		t.Fatal(err)
	}
}

func TestImportExpiredAndForeignScope(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	m := NewManager(testScope, nil, WithClock(clock))
	signer := newSigner(t)
	if _, err := m.GetOrCreate(context.Background(), signer.Address(), signer, 0); err != nil {
		t.Fatal(err)
	}
	exp, _ := m.Export(context.Background(), signer.Address())

	foreign := NewManager("0xotherpkg", nil, WithClock(clock))
	if _, err := foreign.Import(context.Background(), exp, signer); !errors.Is(err, errdefs.ErrSession) {
		t.Fatalf("foreign scope: expected ErrSession, got %v", err)
	}

	clock.Advance(31 * time.Minute)
	later := NewManager(testScope, nil, WithClock(clock))
	if _, err := later.Import(context.Background(), exp, nil); !errors.Is(err, errdefs.ErrSession) {
		t.Fatalf("expired import: expected ErrSession, got %v", err)
	}
	c, err := later.Import(context.Background(), exp, signer)
	if err != nil {
		t.Fatal(err)
	}
	if c.Expired(clock.Now()) {
		t.Fatal("re-signed credential should be live")
	}
	if n := signer.calls.Load(); n != 2 {
		t.Fatalf("expired import should sign again, signer called %d times", n)
	}
}

func testPersistence(t *testing.T, store Store) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Now())
	key := newExportKey(t)
	signer := newSigner(t)

	first := NewManager(testScope, store, WithClock(clock), WithExportKey(key))
	c, err := first.GetOrCreate(context.Background(), signer.Address(), signer, 0)
	if err != nil {
		t.Fatal(err)
	}

	second := NewManager(testScope, store, WithClock(clock), WithExportKey(key))
	restored, err := second.GetOrCreate(context.Background(), signer.Address(), nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if restored.Cert.SessionKey != c.Cert.SessionKey {
		t.Fatal("restored certificate differs")
	}

	clock.Advance(31 * time.Minute)
	if n := second.Sweep(context.Background()); n != 1 {
		t.Fatalf("sweep removed %d entries", n)
	}
	left, err := store.List(context.Background(), testScope)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Fatalf("%d persisted sessions left after sweep", len(left))
	}
}

func TestPersistenceMemoryStore(t *testing.T) {
	testPersistence(t, NewMemoryStore())
}

func TestPersistenceBadgerStore(t *testing.T) {
	db, err := kv.Open(kv.Options{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	testPersistence(t, NewBadgerStore(db))
}

func TestNoPersistenceWithoutExportKey(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(testScope, store)
	signer := newSigner(t)
	if _, err := m.GetOrCreate(context.Background(), signer.Address(), signer, 0); err != nil {
		t.Fatal(err)
	}
	if store.Len() != 0 {
		t.Fatal("session keys must not be persisted unsealed")
	}
}

func TestRevoke(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(testScope, store, WithExportKey(newExportKey(t)))
	signer := newSigner(t)
	c, err := m.GetOrCreate(context.Background(), signer.Address(), signer, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Revoke(context.Background(), signer.Address()); err != nil {
		t.Fatal(err)
	}
	if !c.Expired(time.Now()) {
		t.Fatal("revoked credential must report expired")
	}
	if store.Len() != 0 {
		t.Fatal("revoke should purge the persisted session")
	}
	if _, err := m.GetOrCreate(context.Background(), signer.Address(), nil, 0); !errors.Is(err, errdefs.ErrSession) {
		t.Fatalf("expected ErrSession after revoke, got %v", err)
	}
}

func TestBackgroundSweep(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	m := NewManager(testScope, nil, WithClock(clock), WithTTL(time.Minute), WithSweepInterval(time.Minute))
	signer := newSigner(t)
	if _, err := m.GetOrCreate(context.Background(), signer.Address(), signer, 0); err != nil {
		t.Fatal(err)
	}
	m.Start(context.Background())
	defer m.Stop()

	if err := clock.BlockUntilContext(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Minute)
	deadline := time.Now().Add(2 * time.Second)
	for {
		m.mu.Lock()
		n := len(m.creds)
		m.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sweep did not drop the expired credential")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := signer.calls.Load(); n != 1 {
		t.Fatalf("sweep must never renew, signer called %d times", n)
	}
}
