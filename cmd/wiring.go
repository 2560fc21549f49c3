package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/satya-market/access-go/internal/config"
	"github.com/satya-market/access-go/internal/db"
	"github.com/satya-market/access-go/internal/kv"
	"github.com/satya-market/access-go/pkg/access"
	"github.com/satya-market/access-go/pkg/errdefs"
	"github.com/satya-market/access-go/pkg/keycache"
	"github.com/satya-market/access-go/pkg/ledger"
	"github.com/satya-market/access-go/pkg/policy"
	"github.com/satya-market/access-go/pkg/registry"
	"github.com/satya-market/access-go/pkg/session"
	"github.com/satya-market/access-go/pkg/threshold"
	"github.com/satya-market/access-go/pkg/wallet"
)

// stack holds the components one command invocation works with.
type stack struct {
	ledger   ledger.Reader
	policies policy.Store
	sessions session.Store
	engine   *policy.Engine
	registry *registry.Registry
	closers  []func()
}

func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openStack connects the ledger and the stores named in c. Policies go to
// postgres when a database url is set, otherwise to badger under the
// storage path, otherwise they only live for this process.
func openStack(ctx context.Context, c *config.Config) (*stack, error) {
	s := &stack{}
	if c.Ledger.RPCURL != "" {
		rpc, err := ledger.NewRPCClient(c.Ledger.RPCURL, ledger.RPCClientOptions{Timeout: c.Health.Timeout})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errdefs.ErrConfiguration, err)
		}
		s.ledger = rpc
	}

	var store *kv.Store
	if c.Storage.Path != "" {
		var err error
		store, err = kv.Open(kv.Options{Path: c.Storage.Path})
		if err != nil {
			return nil, fmt.Errorf("open storage %s: %w", c.Storage.Path, err)
		}
		s.closers = append(s.closers, func() { _ = store.Close() })
	}

	switch {
	case c.Storage.DatabaseURL != "":
		dbClient, err := db.NewClient(ctx, c.Storage.DatabaseURL)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, dbClient.Close)
		ps := policy.NewPostgresStore(dbClient)
		if err := ps.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		s.policies = ps
	case store != nil:
		s.policies = policy.NewBadgerStore(store)
	default:
		slog.Warn("no storage configured, policies are kept in memory for this process only")
		s.policies = policy.NewMemoryStore()
	}
	if store != nil {
		s.sessions = session.NewBadgerStore(store)
	} else {
		s.sessions = session.NewMemoryStore()
	}

	s.engine = policy.NewEngine(s.policies, s.ledger)
	opts := []registry.Option{
		registry.WithTimeout(c.Health.Timeout),
		registry.WithInterval(c.Health.Interval),
	}
	if s.ledger != nil {
		opts = append(opts, registry.WithLedger(s.ledger))
	}
	s.registry = registry.New(c.KeyServers, opts...)
	return s, nil
}

// newAccessClient builds the orchestrator on top of s.
func newAccessClient(ctx context.Context, c *config.Config, s *stack) (*access.Client, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	exportKey, err := c.ExportKey()
	if err != nil {
		return nil, err
	}
	sessOpts := []session.Option{
		session.WithTTL(c.SessionTTL()),
		session.WithRefreshBefore(c.RefreshBefore()),
		session.WithSweepInterval(c.Session.SweepInterval),
	}
	if exportKey != nil {
		sessOpts = append(sessOpts, session.WithExportKey(exportKey))
	}
	client, err := access.New(ctx, access.Options{
		PackageID:        c.PackageID,
		Threshold:        c.Threshold,
		MinServers:       c.MinServers,
		Policies:         s.engine,
		Servers:          s.registry,
		Sessions:         session.NewManager(c.PackageID, s.sessions, sessOpts...),
		Network:          threshold.NewHTTPNetwork(s.registry, threshold.WithTimeout(c.Health.Timeout)),
		Cache:            keycache.New(c.Cache.Size),
		Ledger:           s.ledger,
		ResolveNamespace: c.ResolveNamespace,
		SessionTTL:       c.SessionTTL(),
	})
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, client.Close)
	return client, nil
}

// loadWallet reads a hex encoded 32 byte seed from path, falling back to
// SEAL_WALLET_KEY.
func loadWallet(path string) (*wallet.KeyPair, error) {
	raw := os.Getenv(config.EnvPrefix + "_WALLET_KEY")
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		raw = string(b)
	}
	if raw == "" {
		return nil, fmt.Errorf("%w: no wallet key, pass --wallet-key or set %s_WALLET_KEY", errdefs.ErrConfiguration, config.EnvPrefix)
	}
	seed, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: wallet key is not hex: %w", errdefs.ErrConfiguration, err)
	}
	return wallet.FromSeed(seed)
}
