package access

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/satya-market/access-go/internal/crypto"
	"github.com/satya-market/access-go/internal/schedule"
	"github.com/satya-market/access-go/pkg/errdefs"
	"github.com/satya-market/access-go/pkg/keycache"
	"github.com/satya-market/access-go/pkg/ledger"
	"github.com/satya-market/access-go/pkg/policy"
	"github.com/satya-market/access-go/pkg/registry"
	"github.com/satya-market/access-go/pkg/session"
	"github.com/satya-market/access-go/pkg/threshold"
	"github.com/satya-market/access-go/pkg/wallet"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultThreshold = 2

var tracer = otel.Tracer("github.com/satya-market/access-go/pkg/access")

// Envelope is everything needed to decrypt one payload, given access.
type Envelope struct {
	Name             string                  `json:"name,omitempty"`
	Ciphertext       []byte                  `json:"ciphertext"`
	IV               []byte                  `json:"iv"`
	EncryptedDataKey *threshold.EncryptedKey `json:"encryptedDataKey"`
	PolicyID         string                  `json:"policyId"`
}

type File struct {
	Name string
	Data []byte
}

type PolicyEngine interface {
	CreatePolicy(ctx context.Context, creator string, t policy.Type, params policy.Params) (*policy.Record, error)
	Get(ctx context.Context, id string) (*policy.Record, error)
	Verify(ctx context.Context, id, requester, purchaseRef string) (bool, error)
	SetFingerprint(ctx context.Context, id, fingerprint string) error
}

type ServerSelector interface {
	SelectServers(ctx context.Context, minCount, threshold int) ([]registry.Descriptor, error)
	SelectFrom(ctx context.Context, ids []string, threshold int) ([]registry.Descriptor, error)
	Snapshot() []registry.Health
}

type Sessions interface {
	Acquire(ctx context.Context, address string, signer wallet.Signer, ttl time.Duration) (*session.Credential, error)
}

type Options struct {
	PackageID string
	// Threshold is how many key servers must cooperate to recover a key.
	Threshold int
	// MinServers is how many servers receive a share. Zero means every
	// usable server, so that losing one holder still leaves the threshold.
	MinServers int
	Policies   PolicyEngine
	Servers    ServerSelector
	Sessions   Sessions
	Network    threshold.Network
	Cache      *keycache.Cache
	// With ResolveNamespace set the package id must exist on Ledger.
	Ledger           ledger.Reader
	ResolveNamespace bool
	SessionTTL       time.Duration
	Logger           *slog.Logger
}

type Status struct {
	PackageID  string            `json:"packageId"`
	Threshold  int               `json:"threshold"`
	Ready      bool              `json:"ready"`
	Degraded   string            `json:"degraded,omitempty"`
	Servers    []registry.Health `json:"servers"`
	CachedKeys int               `json:"cachedKeys"`
}

// Client encrypts payloads under policies and releases them only to
// requesters that satisfy the policy.
type Client struct {
	packageID  string
	threshold  int
	minServers int
	policies   PolicyEngine
	servers    ServerSelector
	sessions   Sessions
	network    threshold.Network
	cache      *keycache.Cache
	sessionTTL time.Duration
	logger     *slog.Logger

	degraded  error
	closeOnce sync.Once
}

func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.PackageID == "" {
		return nil, fmt.Errorf("%w: package id cannot be empty", errdefs.ErrConfiguration)
	}
	if opts.Policies == nil || opts.Servers == nil || opts.Sessions == nil || opts.Network == nil {
		return nil, fmt.Errorf("%w: policies, servers, sessions and network are required", errdefs.ErrConfiguration)
	}
	c := &Client{
		packageID:  wallet.NormalizeAddress(opts.PackageID),
		threshold:  opts.Threshold,
		minServers: opts.MinServers,
		policies:   opts.Policies,
		servers:    opts.Servers,
		sessions:   opts.Sessions,
		network:    opts.Network,
		cache:      opts.Cache,
		sessionTTL: opts.SessionTTL,
		logger:     opts.Logger,
	}
	clientDefaults(c)

	if opts.ResolveNamespace {
		if opts.Ledger == nil {
			return nil, fmt.Errorf("%w: namespace resolution needs a ledger", errdefs.ErrConfiguration)
		}
		if _, err := opts.Ledger.GetObject(ctx, c.packageID); err != nil {
			c.degraded = fmt.Errorf("%w: package %s does not resolve: %w", errdefs.ErrConfiguration, c.packageID, err)
			c.logger.Error("access client degraded", slog.String("package", c.packageID), slog.Any("err", err))
		}
	}
	return c, nil
}

func clientDefaults(c *Client) {
	if c.threshold <= 0 {
		c.threshold = DefaultThreshold
	}
	if c.cache == nil {
		c.cache = keycache.New(keycache.DefaultCapacity)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
}

func (c *Client) ready() error {
	return c.degraded
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Encrypt creates a policy and encrypts plaintext under a fresh data key
// bound to it.
func (c *Client) Encrypt(ctx context.Context, creator string, plaintext []byte, t policy.Type, params policy.Params) (*Envelope, error) {
	ctx, span := tracer.Start(ctx, "access.Encrypt")
	defer span.End()
	envs, err := c.encrypt(ctx, span, creator, []File{{Data: plaintext}}, t, params)
	if err != nil {
		return nil, err
	}
	return envs[0], nil
}

// BatchEncrypt encrypts all files under one policy and one data key, so
// access to the batch is granted or revoked as a whole.
func (c *Client) BatchEncrypt(ctx context.Context, creator string, files []File, t policy.Type, params policy.Params) ([]*Envelope, error) {
	ctx, span := tracer.Start(ctx, "access.BatchEncrypt")
	defer span.End()
	span.SetAttributes(attribute.Int("files", len(files)))
	if len(files) == 0 {
		return nil, fail(span, fmt.Errorf("%w: no files to encrypt", errdefs.ErrEncryption))
	}
	return c.encrypt(ctx, span, creator, files, t, params)
}

func (c *Client) encrypt(ctx context.Context, span trace.Span, creator string, files []File, t policy.Type, params policy.Params) ([]*Envelope, error) {
	if err := c.ready(); err != nil {
		return nil, fail(span, err)
	}
	dek, err := crypto.RandomBuffer(crypto.DataKeySize)
	if err != nil {
		return nil, fail(span, errors.Join(errdefs.ErrEncryption, err))
	}
	defer dek.Wipe()

	rec, err := c.policies.CreatePolicy(ctx, creator, t, params)
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.String("policy.id", rec.ID), attribute.String("policy.type", string(t)))

	servers, err := c.servers.SelectServers(ctx, c.minServers, c.threshold)
	if err != nil {
		return nil, fail(span, err)
	}
	ek, err := c.network.EncryptUnderIdentity(ctx, dek.Bytes(), threshold.Identity(c.packageID, rec.ID), c.threshold, servers)
	if err != nil {
		return nil, fail(span, err)
	}

	gcm, err := crypto.NewGCM(dek)
	if err != nil {
		return nil, fail(span, errors.Join(errdefs.ErrEncryption, err))
	}
	envs := make([]*Envelope, 0, len(files))
	for _, f := range files {
		iv, ct, err := gcm.Encrypt(f.Data, []byte(rec.ID))
		if err != nil {
			return nil, fail(span, errors.Join(errdefs.ErrEncryption, err))
		}
		envs = append(envs, &Envelope{
			Name:             f.Name,
			Ciphertext:       ct,
			IV:               iv,
			EncryptedDataKey: ek,
			PolicyID:         rec.ID,
		})
	}
	if err := c.policies.SetFingerprint(ctx, rec.ID, crypto.Fingerprint(dek.Bytes(), rec.ID)); err != nil {
		return nil, fail(span, err)
	}
	c.logger.Debug("payload encrypted", slog.String("policy", rec.ID), slog.Int("files", len(files)))
	return envs, nil
}

// Decrypt checks the envelope's policy for requester and, when satisfied,
// recovers the data key from the cache or the key servers. A denied request
// never reaches the key servers.
func (c *Client) Decrypt(ctx context.Context, env *Envelope, purchaseRef, requester string, signer wallet.Signer) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "access.Decrypt")
	defer span.End()
	if err := c.ready(); err != nil {
		return nil, fail(span, err)
	}
	if env == nil || env.PolicyID == "" || env.EncryptedDataKey == nil {
		return nil, fail(span, fmt.Errorf("%w: malformed envelope", errdefs.ErrDecryption))
	}
	span.SetAttributes(attribute.String("policy.id", env.PolicyID))

	ok, err := c.policies.Verify(ctx, env.PolicyID, requester, purchaseRef)
	if err != nil {
		return nil, fail(span, err)
	}
	if !ok {
		return nil, fail(span, fmt.Errorf("%w: policy %s not satisfied for %s", errdefs.ErrAccessDenied, env.PolicyID, requester))
	}

	key := c.cache.Get(env.PolicyID)
	span.SetAttributes(attribute.Bool("cache.hit", key != nil))
	if key == nil {
		key, err = c.recoverKey(ctx, env, purchaseRef, requester, signer)
		if err != nil {
			return nil, fail(span, err)
		}
		c.cache.Set(env.PolicyID, key.Bytes())
	}
	defer key.Wipe()

	gcm, err := crypto.NewGCM(key)
	if err != nil {
		return nil, fail(span, errors.Join(errdefs.ErrDecryption, err))
	}
	plaintext, err := gcm.Decrypt(env.IV, env.Ciphertext, []byte(env.PolicyID))
	if err != nil {
		return nil, fail(span, errors.Join(errdefs.ErrDecryption, err))
	}
	return plaintext, nil
}

func (c *Client) recoverKey(ctx context.Context, env *Envelope, purchaseRef, requester string, signer wallet.Signer) (*crypto.Buffer, error) {
	if !bytes.Equal(env.EncryptedDataKey.Identity, threshold.Identity(c.packageID, env.PolicyID)) {
		return nil, fmt.Errorf("%w: envelope key is not bound to policy %s", errdefs.ErrDecryption, env.PolicyID)
	}
	cred, err := c.sessions.Acquire(ctx, requester, signer, c.sessionTTL)
	if err != nil {
		if !errors.Is(err, errdefs.ErrSession) {
			err = errors.Join(errdefs.ErrSession, err)
		}
		return nil, err
	}
	defer cred.Release()
	holders := make([]string, 0, len(env.EncryptedDataKey.Shares))
	for _, ka := range env.EncryptedDataKey.Shares {
		holders = append(holders, ka.ServerID)
	}
	need := env.EncryptedDataKey.Threshold
	if need < 1 {
		need = c.threshold
	}
	servers, err := c.servers.SelectFrom(ctx, holders, need)
	if err != nil {
		return nil, err
	}
	key, err := c.network.DecryptUnderIdentity(ctx, env.EncryptedDataKey, cred, purchaseRef, c.threshold, servers)
	if err != nil {
		return nil, err
	}

	rec, err := c.policies.Get(ctx, env.PolicyID)
	if err != nil {
		key.Wipe()
		return nil, err
	}
	if rec.DerivedKeyFingerprint != "" && rec.DerivedKeyFingerprint != crypto.Fingerprint(key.Bytes(), env.PolicyID) {
		key.Wipe()
		return nil, fmt.Errorf("%w: recovered key does not match policy %s", errdefs.ErrDecryption, env.PolicyID)
	}
	c.logger.Info("data key recovered", slog.String("policy", env.PolicyID), slog.String("requester", wallet.NormalizeAddress(requester)))
	return key, nil
}

// Status answers even when the client is degraded.
func (c *Client) Status(ctx context.Context) Status {
	s := Status{
		PackageID:  c.packageID,
		Threshold:  c.threshold,
		Ready:      c.degraded == nil,
		Servers:    c.servers.Snapshot(),
		CachedKeys: c.cache.Len(),
	}
	if c.degraded != nil {
		s.Degraded = c.degraded.Error()
	}
	return s
}

type starter interface {
	Start(ctx context.Context) *schedule.Task
}

type stopper interface {
	Stop()
}

// Start launches the background sweeps of the components that have one.
func (c *Client) Start(ctx context.Context) {
	for _, comp := range []any{c.servers, c.sessions} {
		if s, ok := comp.(starter); ok {
			s.Start(ctx)
		}
	}
}

// Close stops background sweeps and wipes every cached key.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		for _, comp := range []any{c.servers, c.sessions} {
			if s, ok := comp.(stopper); ok {
				s.Stop()
			}
		}
		c.cache.Clear()
	})
}
