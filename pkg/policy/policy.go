package policy

import (
	"context"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type Type string

const (
	PaymentGated Type = "payment-gated"
	TimeLocked   Type = "time-locked"
	Allowlist    Type = "allowlist"
	TEEOnly      Type = "tee-only"
)

func (t Type) Valid() bool {
	switch t {
	case PaymentGated, TimeLocked, Allowlist, TEEOnly:
		return true
	}
	return false
}

type Params struct {
	Price            uint64            `json:"price,omitempty"`
	AssetID          string            `json:"assetId,omitempty"`
	SellerAddress    string            `json:"sellerAddress,omitempty"`
	AllowedAddresses []string          `json:"allowedAddresses,omitempty"`
	UnlockTime       time.Time         `json:"unlockTime,omitempty"`
	Conditions       map[string]string `json:"conditions,omitempty"`
}

const (
	ActionAllowlistAdd    = "allowlist.add"
	ActionAllowlistRemove = "allowlist.remove"
)

type AuditEntry struct {
	ID      string    `json:"id"`
	Actor   string    `json:"actor"`
	Action  string    `json:"action"`
	Address string    `json:"address"`
	At      time.Time `json:"at"`
}

// Record is a stored policy. Type never changes after creation.
type Record struct {
	ID                    string       `json:"id"`
	Type                  Type         `json:"type"`
	Creator               string       `json:"creator"`
	CreatedAt             time.Time    `json:"createdAt"`
	Params                Params       `json:"params"`
	DerivedKeyFingerprint string       `json:"derivedKeyFingerprint,omitempty"`
	Audit                 []AuditEntry `json:"audit,omitempty"`
}

func (r *Record) Clone() *Record {
	cp := *r
	cp.Params.AllowedAddresses = slices.Clone(r.Params.AllowedAddresses)
	if r.Params.Conditions != nil {
		cp.Params.Conditions = maps.Clone(r.Params.Conditions)
	}
	cp.Audit = slices.Clone(r.Audit)
	return &cp
}

// Store persists policy records. Get and Update return an error wrapping
// errdefs.ErrNotFound for unknown ids. Update applies fn to a copy and only
// writes it back when fn succeeds.
type Store interface {
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, id string, fn func(*Record) error) error
}

// Attestor answers tee-only policies.
type Attestor interface {
	Attested(ctx context.Context, requester string, r *Record) (bool, error)
}

type AttestorFunc func(ctx context.Context, requester string, r *Record) (bool, error)

func (f AttestorFunc) Attested(ctx context.Context, requester string, r *Record) (bool, error) {
	return f(ctx, requester, r)
}
