package policy

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/satya-market/access-go/pkg/errdefs"
	"github.com/satya-market/access-go/pkg/ledger"
)

const (
	seller = "0x5e11e4"
	buyer  = "0xb0b"
	other  = "0xc0c"
	asset  = "0xa55e7"
)

func newTestEngine(t *testing.T) (*Engine, *ledger.Memory, *clockwork.FakeClock) {
	t.Helper()
	l := ledger.NewMemory()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewEngine(NewMemoryStore(), l, WithClock(clock)), l, clock
}

func putPurchase(l *ledger.Memory, id string, fields map[string]any) {
	l.Put(&ledger.Object{ID: id, Owner: buyer, OwnerKind: ledger.OwnerAddress, Fields: fields})
}

func purchaseFields(purchaseTime time.Time) map[string]any {
	return map[string]any{
		"buyer":              buyer,
		"seller":             seller,
		"asset_id":           asset,
		"purchase_time":      strconv.FormatInt(purchaseTime.UnixMilli(), 10),
		"expires_at":         "0",
		"access_duration_ms": "0",
		"status":             "active",
	}
}

func TestCreatePolicyValidation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	tests := []struct {
		name   string
		typ    Type
		params Params
		ok     bool
	}{
		{"payment ok", PaymentGated, Params{Price: 10, AssetID: asset, SellerAddress: seller}, true},
		{"payment without asset", PaymentGated, Params{SellerAddress: seller}, false},
		{"payment without seller", PaymentGated, Params{AssetID: asset}, false},
		{"time lock ok", TimeLocked, Params{UnlockTime: time.Now()}, true},
		{"time lock without time", TimeLocked, Params{}, false},
		{"allowlist empty", Allowlist, Params{}, true},
		{"tee", TEEOnly, Params{}, true},
		{"unknown type", Type("vibes"), Params{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := e.CreatePolicy(context.Background(), seller, tt.typ, tt.params)
			if tt.ok {
				if err != nil {
					t.Fatal(err)
				}
				if r.ID == "" || r.Type != tt.typ || r.Creator != seller {
					t.Fatalf("unexpected record %+v", r)
				}
				return
			}
			if !errors.Is(err, errdefs.ErrInvalidPolicy) {
				t.Fatalf("expected ErrInvalidPolicy, got %v", err)
			}
		})
	}
	if _, err := e.CreatePolicy(context.Background(), "", TEEOnly, Params{}); !errors.Is(err, errdefs.ErrInvalidPolicy) {
		t.Fatalf("missing creator: expected ErrInvalidPolicy, got %v", err)
	}
}

func TestVerifyUnknownPolicy(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if _, err := e.Verify(context.Background(), "missing", buyer, ""); !errors.Is(err, errdefs.ErrUnknownPolicy) {
		t.Fatalf("expected ErrUnknownPolicy, got %v", err)
	}
}

func TestPaymentGated(t *testing.T) {
	e, l, clock := newTestEngine(t)
	r, err := e.CreatePolicy(context.Background(), seller, PaymentGated, Params{Price: 10, AssetID: asset, SellerAddress: seller})
	if err != nil {
		t.Fatal(err)
	}
	now := clock.Now()

	putPurchase(l, "0xp-ok", purchaseFields(now.Add(-time.Hour)))

	wrongSeller := purchaseFields(now)
	wrongSeller["seller"] = other
	putPurchase(l, "0xp-seller", wrongSeller)

	wrongAsset := purchaseFields(now)
	wrongAsset["asset_id"] = "0xdead"
	putPurchase(l, "0xp-asset", wrongAsset)

	refunded := purchaseFields(now)
	refunded["status"] = "refunded"
	putPurchase(l, "0xp-refunded", refunded)

	expired := purchaseFields(now.Add(-2 * time.Hour))
	expired["expires_at"] = strconv.FormatInt(now.Add(-time.Minute).UnixMilli(), 10)
	putPurchase(l, "0xp-expired", expired)

	notYetExpired := purchaseFields(now.Add(-2 * time.Hour))
	notYetExpired["expires_at"] = strconv.FormatInt(now.Add(time.Minute).UnixMilli(), 10)
	putPurchase(l, "0xp-live", notYetExpired)

	elapsed := purchaseFields(now.Add(-2 * time.Hour))
	elapsed["access_duration_ms"] = strconv.FormatInt(time.Hour.Milliseconds(), 10)
	putPurchase(l, "0xp-elapsed", elapsed)

	within := purchaseFields(now.Add(-30 * time.Minute))
	within["access_duration_ms"] = strconv.FormatInt(time.Hour.Milliseconds(), 10)
	putPurchase(l, "0xp-within", within)

	tests := []struct {
		name      string
		requester string
		ref       string
		want      bool
	}{
		{"buyer with purchase", buyer, "0xp-ok", true},
		{"buyer address case insensitive", "0xB0B", "0xp-ok", true},
		{"someone else's purchase", other, "0xp-ok", false},
		{"missing reference", buyer, "", false},
		{"no such purchase", buyer, "0xp-none", false},
		{"wrong seller", buyer, "0xp-seller", false},
		{"wrong asset", buyer, "0xp-asset", false},
		{"inactive purchase", buyer, "0xp-refunded", false},
		{"expired purchase", buyer, "0xp-expired", false},
		{"unexpired purchase", buyer, "0xp-live", true},
		{"access period elapsed", buyer, "0xp-elapsed", false},
		{"within access period", buyer, "0xp-within", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Verify(context.Background(), r.ID, tt.requester, tt.ref)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPaymentGatedLedgerFailureIsRetryable(t *testing.T) {
	e, l, _ := newTestEngine(t)
	r, _ := e.CreatePolicy(context.Background(), seller, PaymentGated, Params{AssetID: asset, SellerAddress: seller})
	l.FailWith("0xp-1", errors.New("connection refused"))

	ok, err := e.Verify(context.Background(), r.ID, buyer, "0xp-1")
	if ok {
		t.Fatal("a failed lookup must not grant access")
	}
	if !errors.Is(err, errdefs.ErrLedgerUnavailable) || !errdefs.Retryable(err) {
		t.Fatalf("expected retryable ErrLedgerUnavailable, got %v", err)
	}

	l.FailWith("0xp-1", nil)
	ok, err = e.Verify(context.Background(), r.ID, buyer, "0xp-1")
	if err != nil || ok {
		t.Fatalf("not found should be a plain denial, got %v %v", ok, err)
	}
}

func TestPaymentGatedReadsLedgerEveryTime(t *testing.T) {
	e, l, clock := newTestEngine(t)
	r, _ := e.CreatePolicy(context.Background(), seller, PaymentGated, Params{AssetID: asset, SellerAddress: seller})
	putPurchase(l, "0xp-1", purchaseFields(clock.Now()))

	for i := 0; i < 3; i++ {
		if ok, err := e.Verify(context.Background(), r.ID, buyer, "0xp-1"); err != nil || !ok {
			t.Fatalf("verify %d: %v %v", i, ok, err)
		}
	}
	if n := l.Calls("0xp-1"); n != 3 {
		t.Fatalf("expected 3 ledger lookups, got %d", n)
	}

	l.Delete("0xp-1")
	if ok, _ := e.Verify(context.Background(), r.ID, buyer, "0xp-1"); ok {
		t.Fatal("verify must reflect the current ledger state")
	}
}

func TestTimeLockMonotonic(t *testing.T) {
	e, _, clock := newTestEngine(t)
	unlock := clock.Now().Add(time.Hour)
	r, err := e.CreatePolicy(context.Background(), seller, TimeLocked, Params{UnlockTime: unlock})
	if err != nil {
		t.Fatal(err)
	}
	for _, step := range []time.Duration{0, 30 * time.Minute, 29*time.Minute + 59*time.Second, time.Second, time.Second, time.Hour} {
		clock.Advance(step)
		ok, err := e.Verify(context.Background(), r.ID, other, "")
		if err != nil {
			t.Fatal(err)
		}
		want := !clock.Now().Before(unlock)
		if ok != want {
			t.Fatalf("at %s: got %v, want %v", clock.Now().Sub(unlock), ok, want)
		}
	}
}

func TestAllowlistMutation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	r, err := e.CreatePolicy(context.Background(), seller, Allowlist, Params{AllowedAddresses: []string{"0xX", "0xy", "0xY"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Params.AllowedAddresses) != 2 {
		t.Fatalf("addresses not normalized: %v", r.Params.AllowedAddresses)
	}
	verify := func(addr string) bool {
		t.Helper()
		ok, err := e.Verify(context.Background(), r.ID, addr, "")
		if err != nil {
			t.Fatal(err)
		}
		return ok
	}
	if !verify("0xx") || !verify("0xy") || verify(other) {
		t.Fatal("initial membership wrong")
	}

	if err := e.RemoveAllowed(context.Background(), r.ID, seller, "0xX"); err != nil {
		t.Fatal(err)
	}
	if verify("0xx") {
		t.Fatal("removed address should be denied")
	}
	if !verify("0xy") {
		t.Fatal("other members must be unaffected")
	}

	if err := e.AddAllowed(context.Background(), r.ID, other, other); !errors.Is(err, errdefs.ErrUnauthorized) {
		t.Fatalf("non-creator: expected ErrUnauthorized, got %v", err)
	}
	if verify(other) {
		t.Fatal("refused change must not apply")
	}
	if err := e.AddAllowed(context.Background(), r.ID, seller, other); err != nil {
		t.Fatal(err)
	}
	if !verify(other) {
		t.Fatal("added address should be allowed")
	}
	// no-op changes are not audited
	if err := e.AddAllowed(context.Background(), r.ID, seller, other); err != nil {
		t.Fatal(err)
	}

	got, _ := e.Get(context.Background(), r.ID)
	if len(got.Audit) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(got.Audit))
	}
	if got.Audit[0].Action != ActionAllowlistRemove || got.Audit[0].Address != "0xx" || got.Audit[0].Actor != seller {
		t.Fatalf("unexpected audit entry %+v", got.Audit[0])
	}
	if got.Audit[1].Action != ActionAllowlistAdd || got.Type != Allowlist {
		t.Fatalf("unexpected audit entry %+v", got.Audit[1])
	}
}

// conflictStore makes the first Update attempt lose against a concurrent
// writer and then retries fn, the way badger transactions do on conflict.
type conflictStore struct {
	*MemoryStore
	concurrent func(*Record)
}

func (s *conflictStore) Update(ctx context.Context, id string, fn func(*Record) error) error {
	first, err := s.MemoryStore.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(first); err != nil {
		return err
	}
	if err := s.MemoryStore.Update(ctx, id, func(r *Record) error {
		s.concurrent(r)
		return nil
	}); err != nil {
		return err
	}
	return s.MemoryStore.Update(ctx, id, fn)
}

func TestAllowlistRetryBecomingNoOp(t *testing.T) {
	var logs bytes.Buffer
	store := &conflictStore{
		MemoryStore: NewMemoryStore(),
		concurrent: func(r *Record) {
			r.Params.AllowedAddresses = append(r.Params.AllowedAddresses, other)
		},
	}
	e := NewEngine(store, nil, WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))
	r, err := e.CreatePolicy(context.Background(), seller, Allowlist, Params{})
	if err != nil {
		t.Fatal(err)
	}
	logs.Reset()

	if err := e.AddAllowed(context.Background(), r.ID, seller, other); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(logs.String(), "allowlist updated") {
		t.Fatalf("retry that turned into a no-op was logged as a change: %s", logs.String())
	}
	got, _ := e.Get(context.Background(), r.ID)
	if len(got.Audit) != 0 {
		t.Fatalf("expected no audit entries, got %d", len(got.Audit))
	}
}

func TestNegativeExpiryDenies(t *testing.T) {
	e, l, clock := newTestEngine(t)
	r, err := e.CreatePolicy(context.Background(), seller, PaymentGated, Params{AssetID: asset, SellerAddress: seller})
	if err != nil {
		t.Fatal(err)
	}
	fields := purchaseFields(clock.Now().Add(-time.Hour))
	fields["expires_at"] = float64(-1)
	putPurchase(l, "0xp-negative", fields)

	d, err := e.Evaluate(context.Background(), r.ID, buyer, "0xp-negative")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("negative expiry must not read as never expiring")
	}
}

func TestAllowlistMutationWrongType(t *testing.T) {
	e, _, _ := newTestEngine(t)
	r, _ := e.CreatePolicy(context.Background(), seller, TEEOnly, Params{})
	if err := e.AddAllowed(context.Background(), r.ID, seller, other); !errors.Is(err, errdefs.ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
	if err := e.AddAllowed(context.Background(), "missing", seller, other); !errors.Is(err, errdefs.ErrUnknownPolicy) {
		t.Fatalf("expected ErrUnknownPolicy, got %v", err)
	}
}

func TestTEEOnly(t *testing.T) {
	e, _, _ := newTestEngine(t)
	r, _ := e.CreatePolicy(context.Background(), seller, TEEOnly, Params{})
	if ok, err := e.Verify(context.Background(), r.ID, buyer, ""); err != nil || ok {
		t.Fatalf("without an attestor tee-only must deny, got %v %v", ok, err)
	}

	e.attestor = AttestorFunc(func(ctx context.Context, requester string, rec *Record) (bool, error) {
		return requester == buyer, nil
	})
	if ok, _ := e.Verify(context.Background(), r.ID, buyer, ""); !ok {
		t.Fatal("attested requester should be allowed")
	}
	if ok, _ := e.Verify(context.Background(), r.ID, other, ""); ok {
		t.Fatal("unattested requester should be denied")
	}
}

func TestSetFingerprintOnce(t *testing.T) {
	e, _, _ := newTestEngine(t)
	r, _ := e.CreatePolicy(context.Background(), seller, TEEOnly, Params{})
	if err := e.SetFingerprint(context.Background(), r.ID, "abc"); err != nil {
		t.Fatal(err)
	}
	if err := e.SetFingerprint(context.Background(), r.ID, "abc"); err != nil {
		t.Fatalf("same fingerprint should be accepted: %v", err)
	}
	if err := e.SetFingerprint(context.Background(), r.ID, "def"); !errors.Is(err, errdefs.ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
	got, _ := e.Get(context.Background(), r.ID)
	if got.DerivedKeyFingerprint != "abc" {
		t.Fatalf("fingerprint %q", got.DerivedKeyFingerprint)
	}
}
