package threshold

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/satya-market/access-go/internal/crypto"
	"github.com/satya-market/access-go/pkg/errdefs"
	"github.com/satya-market/access-go/pkg/keyserver"
	"github.com/satya-market/access-go/pkg/registry"
	"github.com/sourcegraph/conc/iter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const DefaultTimeout = 10 * time.Second

var tracer = otel.Tracer("github.com/satya-market/access-go/pkg/threshold")

// EncryptedKey is a data key split across key servers. Each share is
// wrapped to one server and bound to Identity.
type EncryptedKey struct {
	Identity  []byte                `json:"identity"`
	Threshold int                   `json:"threshold"`
	Split     string                `json:"split"`
	Shares    []keyserver.KeyAccess `json:"shares"`
}

// Identity is the namespaced identity a policy's key is encrypted under.
func Identity(packageID, policyID string) []byte {
	return append(keyserver.IdentityPrefix(packageID), policyID...)
}

// Network is the threshold key server network.
type Network interface {
	EncryptUnderIdentity(ctx context.Context, data, identity []byte, threshold int, servers []registry.Descriptor) (*EncryptedKey, error)
	DecryptUnderIdentity(ctx context.Context, ek *EncryptedKey, auth keyserver.Authorizer, proof string, threshold int, servers []registry.Descriptor) (*crypto.Buffer, error)
}

// Clients resolves a key server id to its HTTP client.
type Clients interface {
	ClientFor(ctx context.Context, id string) (*keyserver.Client, error)
}

type HTTPNetwork struct {
	clients Clients
	timeout time.Duration
	logger  *slog.Logger

	mu         sync.Mutex
	publicKeys map[string]*rsa.PublicKey
	calls      atomic.Int64
}

type Option func(*HTTPNetwork)

// WithTimeout bounds every call to a single key server.
func WithTimeout(d time.Duration) Option {
	return func(n *HTTPNetwork) { n.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(n *HTTPNetwork) { n.logger = l }
}

func NewHTTPNetwork(clients Clients, opts ...Option) *HTTPNetwork {
	n := &HTTPNetwork{
		clients:    clients,
		timeout:    DefaultTimeout,
		logger:     slog.Default(),
		publicKeys: make(map[string]*rsa.PublicKey),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Calls is the number of requests made to key servers so far.
func (n *HTTPNetwork) Calls() int64 {
	return n.calls.Load()
}

func (n *HTTPNetwork) publicKey(ctx context.Context, id string) (*rsa.PublicKey, error) {
	n.mu.Lock()
	pub, ok := n.publicKeys[id]
	n.mu.Unlock()
	if ok {
		return pub, nil
	}
	client, err := n.clients.ClientFor(ctx, id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	n.calls.Add(1)
	pub, err = client.PublicKey(ctx)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.publicKeys[id] = pub
	n.mu.Unlock()
	return pub, nil
}

type keyResult struct {
	server registry.Descriptor
	pub    *rsa.PublicKey
	err    error
}

// EncryptUnderIdentity splits data into one share per reachable server so
// that any threshold of them can recover it.
func (n *HTTPNetwork) EncryptUnderIdentity(ctx context.Context, data, identity []byte, threshold int, servers []registry.Descriptor) (*EncryptedKey, error) {
	ctx, span := tracer.Start(ctx, "threshold.EncryptUnderIdentity")
	defer span.End()
	span.SetAttributes(attribute.Int("threshold", threshold), attribute.Int("servers", len(servers)))

	if threshold < 1 {
		return nil, fmt.Errorf("%w: threshold must be at least 1", errdefs.ErrConfiguration)
	}
	if len(servers) < threshold {
		return nil, fmt.Errorf("%w: %d key servers selected, threshold is %d", errdefs.ErrKeyServer, len(servers), threshold)
	}

	results := iter.Map(servers, func(d *registry.Descriptor) keyResult {
		pub, err := n.publicKey(ctx, d.ID)
		return keyResult{server: *d, pub: pub, err: err}
	})
	var usable []keyResult
	for _, r := range results {
		if r.err != nil {
			n.logger.Warn("key server skipped", slog.String("server", r.server.ID), slog.Any("err", r.err))
			continue
		}
		usable = append(usable, r)
	}
	if len(usable) < threshold {
		err := fmt.Errorf("%w: %d of %d key servers reachable, threshold is %d", errdefs.ErrKeyServer, len(usable), len(servers), threshold)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// all shares are required when threshold equals the server count
	split := crypto.SplitShamir
	if threshold > 1 && threshold == len(usable) {
		split = crypto.SplitXOR
	}
	shares, err := crypto.KeySplit(split, data, len(usable), threshold)
	if err != nil {
		return nil, errors.Join(errdefs.ErrEncryption, err)
	}
	defer func() {
		for _, s := range shares {
			crypto.Wipe(s)
		}
	}()

	ek := &EncryptedKey{
		Identity:  append([]byte(nil), identity...),
		Threshold: threshold,
		Split:     split,
	}
	for i, r := range usable {
		wrapped, err := crypto.EncryptOAEP(r.pub, shares[i], identity)
		if err != nil {
			return nil, errors.Join(errdefs.ErrEncryption, err)
		}
		ek.Shares = append(ek.Shares, keyserver.KeyAccess{
			Type:          keyserver.KeyAccessWrapped,
			ServerID:      r.server.ID,
			URL:           r.server.URL,
			Protocol:      keyserver.ProtocolSeal,
			WrappedKey:    wrapped,
			PolicyBinding: string(crypto.Sign(identity, shares[i])),
		})
	}
	return ek, nil
}

type shareTarget struct {
	server registry.Descriptor
	access keyserver.KeyAccess
}

type shareResult struct {
	server string
	share  []byte
	err    error
}

// DecryptUnderIdentity asks servers holding shares of ek to release them
// until enough are collected to rebuild the key. Servers are tried in the
// order given, threshold-many at a time.
func (n *HTTPNetwork) DecryptUnderIdentity(ctx context.Context, ek *EncryptedKey, auth keyserver.Authorizer, proof string, threshold int, servers []registry.Descriptor) (*crypto.Buffer, error) {
	ctx, span := tracer.Start(ctx, "threshold.DecryptUnderIdentity")
	defer span.End()

	if ek == nil || len(ek.Shares) == 0 {
		return nil, fmt.Errorf("%w: encrypted key has no shares", errdefs.ErrDecryption)
	}
	need := ek.Threshold
	if need < 1 {
		need = threshold
	}
	span.SetAttributes(attribute.Int("threshold", need), attribute.Int("servers", len(servers)))

	var targets []shareTarget
	for _, d := range servers {
		for _, ka := range ek.Shares {
			if ka.ServerID == d.ID {
				targets = append(targets, shareTarget{server: d, access: ka})
				break
			}
		}
	}
	if len(targets) < need {
		return nil, fmt.Errorf("%w: insufficient shares: %d selected servers hold shares, need %d", errdefs.ErrKeyServer, len(targets), need)
	}

	pub, priv, err := crypto.GenerateBoxKey()
	if err != nil {
		return nil, errors.Join(errdefs.ErrDecryption, err)
	}
	defer crypto.Wipe(priv[:])
	clientKey := base64.StdEncoding.EncodeToString(pub[:])
	identity := hex.EncodeToString(ek.Identity)

	var (
		collected [][]byte
		denied    int
	)
	defer func() {
		for _, s := range collected {
			crypto.Wipe(s)
		}
	}()
	for len(collected) < need && len(targets) > 0 {
		batch := targets[:min(need-len(collected), len(targets))]
		targets = targets[len(batch):]
		results := iter.Map(batch, func(t *shareTarget) shareResult {
			share, err := n.rewrap(ctx, t, &keyserver.RequestBody{
				Identity:           identity,
				KeyAccess:          t.access,
				AuthorizationProof: proof,
				ClientPublicKey:    clientKey,
			}, auth, pub, priv, ek.Identity)
			return shareResult{server: t.server.ID, share: share, err: err}
		})
		for _, r := range results {
			if r.err != nil {
				if errors.Is(r.err, keyserver.ErrDenied) {
					denied++
				}
				n.logger.Warn("key server did not release share", slog.String("server", r.server), slog.Any("err", r.err))
				continue
			}
			collected = append(collected, r.share)
		}
	}

	if len(collected) < need {
		var err error
		if denied > 0 {
			err = fmt.Errorf("%w: %d key servers refused the request", errdefs.ErrAccessDenied, denied)
		} else {
			err = fmt.Errorf("%w: insufficient shares: got %d, need %d", errdefs.ErrKeyServer, len(collected), need)
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	key, err := crypto.KeyMerge(ek.Split, collected)
	if err != nil {
		return nil, errors.Join(errdefs.ErrDecryption, err)
	}
	return crypto.NewBuffer(key), nil
}

func (n *HTTPNetwork) rewrap(ctx context.Context, t *shareTarget, rr *keyserver.RequestBody, auth keyserver.Authorizer, pub, priv *[32]byte, identity []byte) ([]byte, error) {
	client, err := n.clients.ClientFor(ctx, t.server.ID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	n.calls.Add(1)
	resp, err := client.Rewrap(ctx, rr, auth)
	if err != nil {
		return nil, err
	}
	share, err := crypto.OpenAnonymous(resp.EntityWrappedKey, pub, priv)
	if err != nil {
		return nil, err
	}
	if !crypto.VerifySignature(identity, share, []byte(t.access.PolicyBinding)) {
		crypto.Wipe(share)
		return nil, errors.New("released share does not match its policy binding")
	}
	return share, nil
}
