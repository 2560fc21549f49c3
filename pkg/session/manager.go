package session

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/satya-market/access-go/internal/crypto"
	"github.com/satya-market/access-go/internal/schedule"
	"github.com/satya-market/access-go/pkg/errdefs"
	"github.com/satya-market/access-go/pkg/keyserver"
	"github.com/satya-market/access-go/pkg/wallet"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL           = 30 * time.Minute
	DefaultRefreshBefore = 5 * time.Minute
	DefaultSweepInterval = 60 * time.Second
)

// Manager keeps at most one live credential per address for its scope.
type Manager struct {
	scope         string
	store         Store
	clock         clockwork.Clock
	logger        *slog.Logger
	defaultTTL    time.Duration
	refreshBefore time.Duration
	sweepInterval time.Duration
	exportKey     *[32]byte

	group singleflight.Group
	mu    sync.Mutex
	creds map[string]*Credential
	task  *schedule.Task
}

type Option func(*Manager)

func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithTTL(d time.Duration) Option {
	return func(m *Manager) { m.defaultTTL = d }
}

func WithRefreshBefore(d time.Duration) Option {
	return func(m *Manager) { m.refreshBefore = d }
}

func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) { m.sweepInterval = d }
}

// WithExportKey seals session keys in exported and persisted credentials.
// Without it nothing is persisted and Export hands out the key in clear.
func WithExportKey(key *[32]byte) Option {
	return func(m *Manager) { m.exportKey = key }
}

// NewManager creates a manager for scope, the package id credentials are
// issued for. store may be nil.
func NewManager(scope string, store Store, opts ...Option) *Manager {
	m := &Manager{
		scope:         wallet.NormalizeAddress(scope),
		store:         store,
		defaultTTL:    DefaultTTL,
		refreshBefore: DefaultRefreshBefore,
		sweepInterval: DefaultSweepInterval,
		creds:         make(map[string]*Credential),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

func (m *Manager) Scope() string {
	return m.scope
}

func (m *Manager) live(addr string) *Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[addr]
	if !ok {
		return nil
	}
	if c.Expired(m.clock.Now()) {
		delete(m.creds, addr)
		c.revoke()
		return nil
	}
	return c
}

func (m *Manager) fresh(c *Credential) bool {
	return c.Remaining(m.clock.Now()) >= m.refreshBefore
}

// GetOrCreate returns the live credential for address, restoring it from
// the store when needed. A credential close to expiry is renewed when a
// signer is at hand and returned as is otherwise. Without a live credential
// a signer is required. ttl <= 0 means the default.
func (m *Manager) GetOrCreate(ctx context.Context, address string, signer wallet.Signer, ttl time.Duration) (*Credential, error) {
	addr := wallet.NormalizeAddress(address)
	c := m.live(addr)
	if c == nil {
		c = m.restore(ctx, addr)
	}
	if c != nil && (signer == nil || m.fresh(c)) {
		return c, nil
	}
	if signer == nil {
		return nil, fmt.Errorf("%w: no live session for %s and no signer to create one", errdefs.ErrSession, addr)
	}
	return m.create(ctx, addr, signer, ttl, false)
}

// Acquire is GetOrCreate for callers about to sign with the credential. The
// session key stays intact until Release, even if the credential is
// refreshed or revoked meanwhile.
func (m *Manager) Acquire(ctx context.Context, address string, signer wallet.Signer, ttl time.Duration) (*Credential, error) {
	for attempt := 0; attempt < 3; attempt++ {
		c, err := m.GetOrCreate(ctx, address, signer, ttl)
		if err != nil {
			return nil, err
		}
		if c.hold() {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: session for %s kept being revoked", errdefs.ErrSession, wallet.NormalizeAddress(address))
}

// Refresh replaces the credential for address with a new one.
func (m *Manager) Refresh(ctx context.Context, address string, signer wallet.Signer) (*Credential, error) {
	if signer == nil {
		return nil, fmt.Errorf("%w: refresh requires a signer", errdefs.ErrSession)
	}
	addr := wallet.NormalizeAddress(address)
	var ttl time.Duration
	if c := m.live(addr); c != nil {
		ttl = c.TTL
	}
	return m.create(ctx, addr, signer, ttl, true)
}

// create collapses concurrent creations for one address into one signing
// request.
func (m *Manager) create(ctx context.Context, addr string, signer wallet.Signer, ttl time.Duration, force bool) (*Credential, error) {
	v, err, _ := m.group.Do(addr, func() (any, error) {
		if !force {
			if c := m.live(addr); c != nil && m.fresh(c) {
				return c, nil
			}
		}
		return m.newCredential(ctx, addr, signer, ttl)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credential), nil
}

func (m *Manager) newCredential(ctx context.Context, addr string, signer wallet.Signer, ttl time.Duration) (*Credential, error) {
	if wallet.NormalizeAddress(signer.Address()) != addr {
		return nil, fmt.Errorf("%w: signer %s cannot create a session for %s", errdefs.ErrSession, signer.Address(), addr)
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	ttlMinutes := int(ttl / time.Minute)
	if ttlMinutes < 1 {
		return nil, fmt.Errorf("%w: session ttl must be at least one minute", errdefs.ErrSession)
	}
	ttl = time.Duration(ttlMinutes) * time.Minute

	pub, priv, err := crypto.GenerateEd25519()
	if err != nil {
		return nil, errors.Join(errdefs.ErrSession, err)
	}
	created := m.clock.Now().Truncate(time.Second)
	sig, err := signer.SignPersonalMessage(ctx, keyserver.PersonalMessage(m.scope, ttlMinutes, created, pub))
	if err != nil {
		crypto.Wipe(priv)
		return nil, errors.Join(errdefs.ErrSession, fmt.Errorf("signer rejected session request: %w", err))
	}
	cert := keyserver.Certificate{
		Address:    addr,
		PackageID:  m.scope,
		SessionKey: base64.StdEncoding.EncodeToString(pub),
		CreatedAt:  created.UnixMilli(),
		TTLMinutes: ttlMinutes,
		Signature:  sig,
	}
	if err := cert.Verify(created); err != nil {
		crypto.Wipe(priv)
		return nil, errors.Join(errdefs.ErrSession, err)
	}

	c := &Credential{
		Address:    addr,
		Scope:      m.scope,
		CreatedAt:  created,
		TTL:        ttl,
		ExpiresAt:  created.Add(ttl),
		Cert:       cert,
		sessionKey: priv,
		clock:      m.clock,
	}
	m.mu.Lock()
	old := m.creds[addr]
	m.creds[addr] = c
	m.mu.Unlock()
	if old != nil {
		old.revoke()
	}
	m.persist(ctx, c)
	m.logger.Info("session created",
		slog.String("address", addr),
		slog.String("scope", m.scope),
		slog.Time("expires_at", c.ExpiresAt))
	return c, nil
}

func (m *Manager) persist(ctx context.Context, c *Credential) {
	if m.store == nil || m.exportKey == nil {
		return
	}
	exp, err := m.export(c)
	if err == nil {
		err = m.store.Set(ctx, exp)
	}
	if err != nil {
		m.logger.Warn("could not persist session", slog.String("address", c.Address), slog.Any("err", err))
	}
}

func (m *Manager) restore(ctx context.Context, addr string) *Credential {
	if m.store == nil || m.exportKey == nil {
		return nil
	}
	exp, err := m.store.Get(ctx, m.scope, addr)
	if err != nil {
		if !errors.Is(err, errdefs.ErrNotFound) {
			m.logger.Warn("could not read persisted session", slog.String("address", addr), slog.Any("err", err))
		}
		return nil
	}
	c, err := m.fromExported(exp)
	if err != nil || c.Expired(m.clock.Now()) {
		_ = m.store.Remove(ctx, m.scope, addr)
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.creds[addr]
	if ok && !existing.Expired(m.clock.Now()) {
		return existing
	}
	if ok {
		existing.revoke()
	}
	m.creds[addr] = c
	m.logger.Debug("session restored", slog.String("address", addr))
	return c
}

// Export returns the portable form of the live credential for address, or
// nil when there is none.
func (m *Manager) Export(ctx context.Context, address string) (*Exported, error) {
	c := m.live(wallet.NormalizeAddress(address))
	if c == nil {
		return nil, nil
	}
	if m.exportKey == nil {
		m.logger.Warn("exporting session key without sealing", slog.String("address", c.Address))
	}
	return m.export(c)
}

func (m *Manager) export(c *Credential) (*Exported, error) {
	priv, err := c.exportKey()
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(priv)
	key, err := jwk.FromRaw(priv)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(key)
	if err != nil {
		return nil, err
	}
	exp := &Exported{
		Address:     c.Address,
		Scope:       c.Scope,
		CreatedAt:   c.CreatedAt.UnixMilli(),
		TTLMinutes:  int(c.TTL / time.Minute),
		Certificate: c.Cert,
	}
	if m.exportKey == nil {
		exp.SessionKey = raw
		return exp, nil
	}
	defer crypto.Wipe(raw)
	exp.SealedSessionKey, err = crypto.SecretSeal(raw, m.exportKey)
	if err != nil {
		return nil, err
	}
	return exp, nil
}

// Import rebuilds a credential from its exported form. An expired one is
// replaced through signer, or rejected when there is none.
func (m *Manager) Import(ctx context.Context, exp *Exported, signer wallet.Signer) (*Credential, error) {
	if exp == nil {
		return nil, fmt.Errorf("%w: nothing to import", errdefs.ErrSession)
	}
	if wallet.NormalizeAddress(exp.Scope) != m.scope {
		return nil, fmt.Errorf("%w: session scope %s does not match %s", errdefs.ErrSession, exp.Scope, m.scope)
	}
	addr := wallet.NormalizeAddress(exp.Address)
	now := m.clock.Now()
	if !now.Before(exp.ExpiresAt()) || exp.Certificate.Expired(now) {
		if signer == nil {
			return nil, fmt.Errorf("%w: imported session for %s has expired", errdefs.ErrSession, addr)
		}
		return m.create(ctx, addr, signer, time.Duration(exp.TTLMinutes)*time.Minute, true)
	}
	c, err := m.fromExported(exp)
	if err != nil {
		return nil, errors.Join(errdefs.ErrSession, err)
	}
	m.mu.Lock()
	old := m.creds[addr]
	m.creds[addr] = c
	m.mu.Unlock()
	if old != nil {
		old.revoke()
	}
	m.persist(ctx, c)
	return c, nil
}

func (m *Manager) fromExported(exp *Exported) (*Credential, error) {
	if err := exp.Certificate.Verify(m.clock.Now()); err != nil {
		return nil, err
	}
	if wallet.NormalizeAddress(exp.Certificate.Address) != wallet.NormalizeAddress(exp.Address) {
		return nil, errors.New("certificate belongs to another address")
	}
	raw := []byte(exp.SessionKey)
	if len(exp.SealedSessionKey) > 0 {
		if m.exportKey == nil {
			return nil, errors.New("sealed session key but no export key configured")
		}
		opened, err := crypto.SecretOpen(exp.SealedSessionKey, m.exportKey)
		if err != nil {
			return nil, err
		}
		defer crypto.Wipe(opened)
		raw = opened
	}
	if len(raw) == 0 {
		return nil, errors.New("exported session has no key")
	}
	key, err := jwk.ParseKey(raw)
	if err != nil {
		return nil, err
	}
	var priv ed25519.PrivateKey
	if err := key.Raw(&priv); err != nil {
		return nil, err
	}
	certKey, err := exp.Certificate.SessionPublicKey()
	if err != nil {
		return nil, err
	}
	if !certKey.Equal(priv.Public()) {
		return nil, errors.New("session key does not match certificate")
	}
	created := time.UnixMilli(exp.CreatedAt)
	ttl := time.Duration(exp.TTLMinutes) * time.Minute
	return &Credential{
		Address:    wallet.NormalizeAddress(exp.Address),
		Scope:      m.scope,
		CreatedAt:  created,
		TTL:        ttl,
		ExpiresAt:  created.Add(ttl),
		Cert:       exp.Certificate,
		sessionKey: priv,
		clock:      m.clock,
	}, nil
}

// Revoke drops the credential for address and its persisted form.
func (m *Manager) Revoke(ctx context.Context, address string) error {
	addr := wallet.NormalizeAddress(address)
	m.mu.Lock()
	c, ok := m.creds[addr]
	delete(m.creds, addr)
	m.mu.Unlock()
	if ok {
		c.revoke()
		m.logger.Info("session revoked", slog.String("address", addr))
	}
	if m.store != nil {
		return m.store.Remove(ctx, m.scope, addr)
	}
	return nil
}

// Sweep drops expired credentials from memory and from the store. It never
// renews anything. It returns the number of entries removed.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.clock.Now()
	var expired []*Credential
	m.mu.Lock()
	for addr, c := range m.creds {
		if c.Expired(now) {
			expired = append(expired, c)
			delete(m.creds, addr)
		}
	}
	m.mu.Unlock()

	removed := map[string]bool{}
	for _, c := range expired {
		c.revoke()
		removed[c.Address] = true
		m.logger.Info("session expired", slog.String("address", c.Address))
		if m.store != nil {
			if err := m.store.Remove(ctx, m.scope, c.Address); err != nil {
				m.logger.Warn("could not purge persisted session", slog.String("address", c.Address), slog.Any("err", err))
			}
		}
	}
	if m.store != nil {
		persisted, err := m.store.List(ctx, m.scope)
		if err != nil {
			m.logger.Warn("could not list persisted sessions", slog.Any("err", err))
		}
		for _, exp := range persisted {
			addr := wallet.NormalizeAddress(exp.Address)
			if removed[addr] || now.Before(exp.ExpiresAt()) {
				continue
			}
			if err := m.store.Remove(ctx, m.scope, addr); err == nil {
				removed[addr] = true
			}
		}
	}
	return len(removed)
}

// Start runs Sweep on the configured interval.
func (m *Manager) Start(ctx context.Context) *schedule.Task {
	task := schedule.Every(ctx, m.clock, "session-sweep", m.sweepInterval, false, func(ctx context.Context) {
		if n := m.Sweep(ctx); n > 0 {
			m.logger.Debug("session sweep", slog.Int("removed", n))
		}
	})
	m.mu.Lock()
	prev := m.task
	m.task = task
	m.mu.Unlock()
	prev.Stop()
	return task
}

func (m *Manager) Stop() {
	m.mu.Lock()
	task := m.task
	m.task = nil
	m.mu.Unlock()
	task.Stop()
}
