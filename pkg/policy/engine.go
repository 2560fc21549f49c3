package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/satya-market/access-go/pkg/errdefs"
	"github.com/satya-market/access-go/pkg/ledger"
	"github.com/satya-market/access-go/pkg/wallet"
	"golang.org/x/exp/slices"
)

// PurchaseActive is the status of a purchase that still grants access.
const PurchaseActive = "active"

// Decision is the outcome of one evaluation. Reason explains a denial.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason string) Decision {
	return Decision{Reason: reason}
}

func denyf(format string, a ...any) Decision {
	return deny(fmt.Sprintf(format, a...))
}

// Engine creates policies and evaluates them. Nothing about a decision is
// cached: every Verify reads the clock and the ledger again.
type Engine struct {
	store    Store
	ledger   ledger.Reader
	attestor Attestor
	clock    clockwork.Clock
	logger   *slog.Logger
}

type Option func(*Engine)

func WithAttestor(a Attestor) Option {
	return func(e *Engine) { e.attestor = a }
}

func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func NewEngine(store Store, l ledger.Reader, opts ...Option) *Engine {
	e := &Engine{store: store, ledger: l}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

func invalid(format string, a ...any) error {
	return fmt.Errorf("%w: %s", errdefs.ErrInvalidPolicy, fmt.Sprintf(format, a...))
}

func normalizeAddresses(in []string) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		if a = wallet.NormalizeAddress(a); a != "" && !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	return out
}

func validate(t Type, p *Params) error {
	switch t {
	case PaymentGated:
		if strings.TrimSpace(p.AssetID) == "" {
			return invalid("payment-gated policy requires an asset id")
		}
		if strings.TrimSpace(p.SellerAddress) == "" {
			return invalid("payment-gated policy requires a seller address")
		}
		p.SellerAddress = wallet.NormalizeAddress(p.SellerAddress)
		p.AssetID = wallet.NormalizeAddress(p.AssetID)
	case TimeLocked:
		if p.UnlockTime.IsZero() {
			return invalid("time-locked policy requires an unlock time")
		}
		p.UnlockTime = p.UnlockTime.UTC()
	case Allowlist:
		p.AllowedAddresses = normalizeAddresses(p.AllowedAddresses)
	case TEEOnly:
	default:
		return invalid("unknown policy type %q", t)
	}
	return nil
}

// CreatePolicy validates params for t and stores a new record.
func (e *Engine) CreatePolicy(ctx context.Context, creator string, t Type, params Params) (*Record, error) {
	creator = wallet.NormalizeAddress(creator)
	if creator == "" {
		return nil, invalid("creator is required")
	}
	if err := validate(t, &params); err != nil {
		return nil, err
	}
	r := &Record{
		ID:        uuid.NewString(),
		Type:      t,
		Creator:   creator,
		CreatedAt: e.clock.Now().UTC(),
		Params:    params,
	}
	if err := e.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("store policy: %w", err)
	}
	e.logger.Info("policy created",
		slog.String("policy", r.ID),
		slog.String("type", string(t)),
		slog.String("creator", creator))
	return r.Clone(), nil
}

// Get returns the record for id or an error wrapping errdefs.ErrUnknownPolicy.
func (e *Engine) Get(ctx context.Context, id string) (*Record, error) {
	r, err := e.store.Get(ctx, id)
	if errors.Is(err, errdefs.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrUnknownPolicy, id)
	}
	return r, err
}

// Verify reports whether requester satisfies policy id right now. A denial
// is (false, nil). Unknown ids and failed ledger lookups are errors.
func (e *Engine) Verify(ctx context.Context, id, requester, purchaseRef string) (bool, error) {
	d, err := e.Evaluate(ctx, id, requester, purchaseRef)
	return d.Allowed, err
}

func (e *Engine) Evaluate(ctx context.Context, id, requester, purchaseRef string) (Decision, error) {
	r, err := e.Get(ctx, id)
	if err != nil {
		return Decision{}, err
	}
	requester = wallet.NormalizeAddress(requester)

	var d Decision
	switch r.Type {
	case PaymentGated:
		d, err = e.verifyPurchase(ctx, r, requester, purchaseRef)
	case TimeLocked:
		if now := e.clock.Now(); now.Before(r.Params.UnlockTime) {
			d = denyf("locked until %s", r.Params.UnlockTime.Format("2006-01-02T15:04:05Z07:00"))
		} else {
			d = allow()
		}
	case Allowlist:
		if slices.Contains(r.Params.AllowedAddresses, requester) {
			d = allow()
		} else {
			d = deny("requester not on allowlist")
		}
	case TEEOnly:
		d, err = e.verifyAttestation(ctx, r, requester)
	default:
		return Decision{}, fmt.Errorf("%w: stored policy %s has unknown type %q", errdefs.ErrInvalidPolicy, id, r.Type)
	}
	if err != nil {
		e.logger.Warn("policy check failed",
			slog.String("policy", id), slog.String("requester", requester), slog.Any("err", err))
		return Decision{}, err
	}
	if !d.Allowed {
		e.logger.Info("access denied",
			slog.String("policy", id),
			slog.String("type", string(r.Type)),
			slog.String("requester", requester),
			slog.String("reason", d.Reason))
	}
	return d, nil
}

func (e *Engine) verifyPurchase(ctx context.Context, r *Record, requester, purchaseRef string) (Decision, error) {
	if strings.TrimSpace(purchaseRef) == "" {
		return deny("missing purchase reference"), nil
	}
	if e.ledger == nil {
		return Decision{}, fmt.Errorf("%w: payment-gated policy needs a ledger", errdefs.ErrConfiguration)
	}
	obj, err := e.ledger.GetObject(ctx, purchaseRef)
	if errors.Is(err, errdefs.ErrNotFound) {
		return deny("purchase record not found"), nil
	}
	if err != nil {
		if !errors.Is(err, errdefs.ErrLedgerUnavailable) {
			err = fmt.Errorf("%w: %w", errdefs.ErrLedgerUnavailable, err)
		}
		return Decision{}, err
	}

	switch {
	case wallet.NormalizeAddress(obj.String("buyer")) != requester:
		return deny("purchase belongs to another buyer"), nil
	case wallet.NormalizeAddress(obj.String("seller")) != r.Params.SellerAddress:
		return deny("purchase seller does not match policy"), nil
	case wallet.NormalizeAddress(obj.String("asset_id")) != r.Params.AssetID:
		return deny("purchase is for another asset"), nil
	case obj.String("status") != PurchaseActive:
		return denyf("purchase status is %q", obj.String("status")), nil
	}

	now := uint64(e.clock.Now().UnixMilli())
	expiresAt, err := obj.Uint64("expires_at")
	if err != nil {
		return deny("malformed purchase expiry"), nil
	}
	if expiresAt != 0 && now > expiresAt {
		return deny("purchase expired"), nil
	}
	duration, err := obj.Uint64("access_duration_ms")
	if err != nil {
		return deny("malformed access duration"), nil
	}
	if duration != 0 {
		purchased, err := obj.Uint64("purchase_time")
		if err != nil {
			return deny("malformed purchase time"), nil
		}
		if now > purchased+duration {
			return deny("access period elapsed"), nil
		}
	}
	return allow(), nil
}

func (e *Engine) verifyAttestation(ctx context.Context, r *Record, requester string) (Decision, error) {
	if e.attestor == nil {
		return deny("no attestation service configured"), nil
	}
	ok, err := e.attestor.Attested(ctx, requester, r)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return deny("requester not attested"), nil
	}
	return allow(), nil
}

func (e *Engine) AddAllowed(ctx context.Context, id, actor, address string) error {
	return e.mutateAllowlist(ctx, id, actor, address, ActionAllowlistAdd)
}

func (e *Engine) RemoveAllowed(ctx context.Context, id, actor, address string) error {
	return e.mutateAllowlist(ctx, id, actor, address, ActionAllowlistRemove)
}

// mutateAllowlist changes membership on behalf of actor, who must be the
// policy creator. Each effective change is audited.
func (e *Engine) mutateAllowlist(ctx context.Context, id, actor, address, action string) error {
	actor = wallet.NormalizeAddress(actor)
	address = wallet.NormalizeAddress(address)
	if address == "" {
		return invalid("address is required")
	}
	changed := false
	err := e.store.Update(ctx, id, func(r *Record) error {
		// stores may retry fn on a write conflict
		changed = false
		if r.Type != Allowlist {
			return invalid("policy %s is %s, not allowlist", id, r.Type)
		}
		if actor != r.Creator {
			return fmt.Errorf("%w: %s may not change allowlist of policy %s", errdefs.ErrUnauthorized, actor, id)
		}
		i := slices.Index(r.Params.AllowedAddresses, address)
		switch {
		case action == ActionAllowlistAdd && i < 0:
			r.Params.AllowedAddresses = append(r.Params.AllowedAddresses, address)
		case action == ActionAllowlistRemove && i >= 0:
			r.Params.AllowedAddresses = slices.Delete(r.Params.AllowedAddresses, i, i+1)
		default:
			return nil
		}
		r.Audit = append(r.Audit, AuditEntry{
			ID:      uuid.NewString(),
			Actor:   actor,
			Action:  action,
			Address: address,
			At:      e.clock.Now().UTC(),
		})
		changed = true
		return nil
	})
	if errors.Is(err, errdefs.ErrNotFound) {
		return fmt.Errorf("%w: %s", errdefs.ErrUnknownPolicy, id)
	}
	if err != nil {
		if errors.Is(err, errdefs.ErrUnauthorized) {
			e.logger.Warn("allowlist change refused", slog.String("policy", id), slog.String("actor", actor))
		}
		return err
	}
	if changed {
		e.logger.Info("allowlist updated",
			slog.String("policy", id),
			slog.String("actor", actor),
			slog.String("action", action),
			slog.String("address", address))
	}
	return nil
}

// SetFingerprint records the fingerprint of the policy's data key. It can
// be set once; setting the same value again is a no-op.
func (e *Engine) SetFingerprint(ctx context.Context, id, fingerprint string) error {
	err := e.store.Update(ctx, id, func(r *Record) error {
		if r.DerivedKeyFingerprint != "" && r.DerivedKeyFingerprint != fingerprint {
			return invalid("policy %s already has a key fingerprint", id)
		}
		r.DerivedKeyFingerprint = fingerprint
		return nil
	})
	if errors.Is(err, errdefs.ErrNotFound) {
		return fmt.Errorf("%w: %s", errdefs.ErrUnknownPolicy, id)
	}
	return err
}
