package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/satya-market/access-go/internal/auth"
	"github.com/satya-market/access-go/internal/schedule"
	"github.com/satya-market/access-go/pkg/errdefs"
	"github.com/satya-market/access-go/pkg/keyserver"
	"github.com/satya-market/access-go/pkg/ledger"
	"github.com/sourcegraph/conc/iter"
	"golang.org/x/exp/slices"
)

const (
	DefaultTimeout  = 10 * time.Second
	DefaultInterval = 30 * time.Second
)

type AccessMode string

const (
	AccessOpen         AccessMode = "open"
	AccessPermissioned AccessMode = "permissioned"
)

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
	StatusUnknown  Status = "unknown"
)

// OAuthConfig holds client credentials for a permissioned key server.
type OAuthConfig struct {
	ClientID     string `json:"clientId" mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `json:"clientSecret,omitempty" mapstructure:"client_secret" yaml:"client_secret"`
	TokenURL     string `json:"tokenUrl,omitempty" mapstructure:"token_url" yaml:"token_url"`
	Issuer       string `json:"issuer,omitempty" mapstructure:"issuer" yaml:"issuer"`
}

// Descriptor is the static configuration of one key server. ID is the
// server's registration object on the ledger.
type Descriptor struct {
	ID         string       `json:"objectId" mapstructure:"object_id" yaml:"object_id"`
	URL        string       `json:"url" mapstructure:"url" yaml:"url"`
	Weight     int          `json:"weight" mapstructure:"weight" yaml:"weight"`
	AccessMode AccessMode   `json:"accessMode" mapstructure:"access_mode" yaml:"access_mode"`
	Active     bool         `json:"active" mapstructure:"active" yaml:"active"`
	OAuth      *OAuthConfig `json:"oauth,omitempty" mapstructure:"oauth" yaml:"oauth,omitempty"`
}

type Health struct {
	ServerID  string    `json:"serverId"`
	Status    Status    `json:"status"`
	LatencyMs int64     `json:"latencyMs"`
	CheckedAt time.Time `json:"checkedAt"`
	Err       string    `json:"error,omitempty"`
}

type Registry struct {
	descriptors []Descriptor
	ledger      ledger.Reader
	clock       clockwork.Clock
	timeout     time.Duration
	interval    time.Duration
	httpClient  *http.Client
	logger      *slog.Logger

	mu       sync.RWMutex
	health   map[string]Health
	verified map[string]bool
	clients  map[string]*keyserver.Client
	task     *schedule.Task
}

type Option func(*Registry)

func WithLedger(l ledger.Reader) Option {
	return func(r *Registry) { r.ledger = l }
}

func WithClock(c clockwork.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithTimeout bounds every health probe.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithInterval sets the period of the background health sweep.
func WithInterval(d time.Duration) Option {
	return func(r *Registry) { r.interval = d }
}

func WithHTTPClient(c *http.Client) Option {
	return func(r *Registry) { r.httpClient = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func New(descriptors []Descriptor, opts ...Option) *Registry {
	r := &Registry{
		descriptors: slices.Clone(descriptors),
		health:      make(map[string]Health),
		verified:    make(map[string]bool),
		clients:     make(map[string]*keyserver.Client),
	}
	for _, opt := range opts {
		opt(r)
	}
	registryDefaults(r)
	for i := range r.descriptors {
		if r.descriptors[i].Weight <= 0 {
			r.descriptors[i].Weight = 1
		}
		if r.descriptors[i].AccessMode == "" {
			r.descriptors[i].AccessMode = AccessOpen
		}
	}
	return r
}

func registryDefaults(r *Registry) {
	if r.clock == nil {
		r.clock = clockwork.NewRealClock()
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if r.interval <= 0 {
		r.interval = DefaultInterval
	}
	if r.httpClient == nil {
		r.httpClient = http.DefaultClient
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
}

func (r *Registry) ListConfigured() []Descriptor {
	return slices.Clone(r.descriptors)
}

func (r *Registry) descriptor(id string) (Descriptor, bool) {
	i := slices.IndexFunc(r.descriptors, func(d Descriptor) bool { return d.ID == id })
	if i < 0 {
		return Descriptor{}, false
	}
	return r.descriptors[i], true
}

// CheckHealth probes d once and records the result. Inactive servers are
// never probed and report unknown.
func (r *Registry) CheckHealth(ctx context.Context, d Descriptor) Health {
	h := Health{ServerID: d.ID, Status: StatusUnknown}
	if !d.Active {
		h.Err = "inactive"
		return h
	}
	endpoint, err := url.Parse(d.URL)
	if err != nil {
		h.Status = StatusFailed
		h.Err = err.Error()
		h.CheckedAt = r.clock.Now()
		r.record(h)
		return h
	}
	client, err := keyserver.NewClient(keyserver.ClientOptions{Endpoint: endpoint, HttpClient: r.httpClient})
	if err != nil {
		h.Status = StatusFailed
		h.Err = err.Error()
		h.CheckedAt = r.clock.Now()
		r.record(h)
		return h
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	start := r.clock.Now()
	code, err := client.Health(ctx)
	h.CheckedAt = r.clock.Now()
	h.LatencyMs = h.CheckedAt.Sub(start).Milliseconds()
	switch {
	case err != nil:
		h.Status = StatusFailed
		h.Err = err.Error()
	case code >= 200 && code < 300:
		h.Status = StatusHealthy
	default:
		h.Status = StatusDegraded
		h.Err = fmt.Sprintf("health endpoint returned %d", code)
	}
	r.record(h)
	return h
}

func (r *Registry) record(h Health) {
	r.mu.Lock()
	prev, seen := r.health[h.ServerID]
	r.health[h.ServerID] = h
	r.mu.Unlock()
	if !seen || prev.Status != h.Status {
		r.logger.Info("key server status changed",
			slog.String("server", h.ServerID),
			slog.String("from", string(prev.Status)),
			slog.String("to", string(h.Status)),
			slog.Int64("latency_ms", h.LatencyMs),
			slog.String("err", h.Err))
	}
}

// CheckAllHealth probes every active server concurrently. Each probe is
// isolated: a slow or failing server only affects its own result.
func (r *Registry) CheckAllHealth(ctx context.Context) []Health {
	active := slices.DeleteFunc(slices.Clone(r.descriptors), func(d Descriptor) bool { return !d.Active })
	return iter.Map(active, func(d *Descriptor) Health {
		return r.CheckHealth(ctx, *d)
	})
}

// Health returns the last recorded probe result for id.
func (r *Registry) Health(id string) Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.health[id]; ok {
		return h
	}
	return Health{ServerID: id, Status: StatusUnknown}
}

// Snapshot returns the health of every configured server ordered by id.
// Servers never probed report unknown.
func (r *Registry) Snapshot() []Health {
	ids := make([]string, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		ids = append(ids, d.ID)
	}
	slices.Sort(ids)
	out := make([]Health, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.Health(id))
	}
	return out
}

func rank(s Status) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

type candidate struct {
	d      Descriptor
	status Status
}

// usable returns the active, non-failed servers accepted by keep, ranked by
// health and then by weight. With a ledger configured, servers whose
// registration does not check out are dropped.
func (r *Registry) usable(ctx context.Context, keep func(Descriptor) bool) ([]candidate, error) {
	var candidates []candidate
	for _, d := range r.descriptors {
		if !d.Active || !keep(d) {
			continue
		}
		status := r.Health(d.ID).Status
		if status == StatusFailed {
			continue
		}
		candidates = append(candidates, candidate{d: d, status: status})
	}
	if r.ledger != nil {
		type verdict struct {
			ok  bool
			err error
		}
		verdicts := iter.Map(candidates, func(c *candidate) verdict {
			ok, err := r.VerifyOnChainRegistration(ctx, c.d)
			return verdict{ok: ok, err: err}
		})
		registered := candidates[:0]
		for i, v := range verdicts {
			if v.err != nil {
				return nil, v.err
			}
			if v.ok {
				registered = append(registered, candidates[i])
			}
		}
		candidates = registered
	}
	slices.SortStableFunc(candidates, func(a, b candidate) int {
		if ra, rb := rank(a.status), rank(b.status); ra != rb {
			return ra - rb
		}
		if a.d.Weight != b.d.Weight {
			return b.d.Weight - a.d.Weight
		}
		return strings.Compare(a.d.ID, b.d.ID)
	})
	return candidates, nil
}

func descriptors(candidates []candidate, n int) []Descriptor {
	out := make([]Descriptor, n)
	for i := range out {
		out[i] = candidates[i].d
	}
	return out
}

// SelectServers returns max(minCount, threshold) of the ranked usable
// servers, or every usable server when minCount <= 0 or fewer are
// available. It fails when fewer than threshold are usable.
func (r *Registry) SelectServers(ctx context.Context, minCount, threshold int) ([]Descriptor, error) {
	if threshold < 1 {
		return nil, fmt.Errorf("%w: threshold must be at least 1", errdefs.ErrConfiguration)
	}
	candidates, err := r.usable(ctx, func(Descriptor) bool { return true })
	if err != nil {
		return nil, err
	}
	if len(candidates) < threshold {
		return nil, fmt.Errorf("%w: %d usable key servers, threshold is %d", errdefs.ErrKeyServer, len(candidates), threshold)
	}
	n := len(candidates)
	if minCount > 0 {
		n = min(max(minCount, threshold), n)
	}
	return descriptors(candidates, n), nil
}

// SelectFrom ranks the usable servers among ids, typically the holders of a
// key's shares, and returns all of them.
func (r *Registry) SelectFrom(ctx context.Context, ids []string, threshold int) ([]Descriptor, error) {
	if threshold < 1 {
		return nil, fmt.Errorf("%w: threshold must be at least 1", errdefs.ErrConfiguration)
	}
	candidates, err := r.usable(ctx, func(d Descriptor) bool { return slices.Contains(ids, d.ID) })
	if err != nil {
		return nil, err
	}
	if len(candidates) < threshold {
		return nil, fmt.Errorf("%w: %d of %d share holders usable, threshold is %d", errdefs.ErrKeyServer, len(candidates), len(ids), threshold)
	}
	return descriptors(candidates, len(candidates)), nil
}

// VerifyOnChainRegistration reports whether d is backed by an owned
// registration object on the ledger whose url, when set, matches d.URL.
// Positive results are remembered.
func (r *Registry) VerifyOnChainRegistration(ctx context.Context, d Descriptor) (bool, error) {
	if r.ledger == nil {
		return false, fmt.Errorf("%w: no ledger configured", errdefs.ErrConfiguration)
	}
	r.mu.RLock()
	ok := r.verified[d.ID]
	r.mu.RUnlock()
	if ok {
		return true, nil
	}

	obj, err := r.ledger.GetObject(ctx, d.ID)
	if errors.Is(err, errdefs.ErrNotFound) {
		r.logger.Warn("key server not registered", slog.String("server", d.ID))
		return false, nil
	}
	if err != nil {
		if errors.Is(err, errdefs.ErrLedgerUnavailable) {
			return false, err
		}
		return false, fmt.Errorf("%w: %w", errdefs.ErrLedgerUnavailable, err)
	}
	if !obj.Owned() {
		r.logger.Warn("key server registration is not owned", slog.String("server", d.ID))
		return false, nil
	}
	if u := obj.String("url"); u != "" && trimURL(u) != trimURL(d.URL) {
		r.logger.Warn("key server url does not match registration",
			slog.String("server", d.ID), slog.String("registered", u), slog.String("configured", d.URL))
		return false, nil
	}

	r.mu.Lock()
	r.verified[d.ID] = true
	r.mu.Unlock()
	return true, nil
}

func trimURL(u string) string {
	return strings.TrimSuffix(strings.TrimSpace(u), "/")
}

// ClientFor returns the key server client for id. Permissioned servers get
// an http client that carries client credentials tokens.
func (r *Registry) ClientFor(ctx context.Context, id string) (*keyserver.Client, error) {
	r.mu.RLock()
	c, ok := r.clients[id]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}
	d, ok := r.descriptor(id)
	if !ok || !d.Active {
		return nil, fmt.Errorf("%w: unknown or inactive key server %s", errdefs.ErrKeyServer, id)
	}
	endpoint, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrConfiguration, err)
	}
	httpClient := r.httpClient
	if d.AccessMode == AccessPermissioned {
		if d.OAuth == nil {
			return nil, fmt.Errorf("%w: permissioned key server %s has no credentials", errdefs.ErrConfiguration, id)
		}
		cc, err := auth.NewClientCredentials(ctx, auth.ClientCredentialsOptions{
			ClientID:     d.OAuth.ClientID,
			ClientSecret: d.OAuth.ClientSecret,
			TokenURL:     d.OAuth.TokenURL,
			Issuer:       d.OAuth.Issuer,
			HttpClient:   r.httpClient,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errdefs.ErrKeyServer, err)
		}
		httpClient = cc.Client(ctx)
	}
	c, err = keyserver.NewClient(keyserver.ClientOptions{Endpoint: endpoint, HttpClient: httpClient})
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.clients[id]; ok {
		return existing, nil
	}
	r.clients[id] = c
	return c, nil
}

// Start runs the health sweep in the background, probing once right away.
// Calling Start again replaces the running sweep.
func (r *Registry) Start(ctx context.Context) *schedule.Task {
	task := schedule.Every(ctx, r.clock, "key-server-health", r.interval, true, func(ctx context.Context) {
		r.CheckAllHealth(ctx)
	})
	r.mu.Lock()
	prev := r.task
	r.task = task
	r.mu.Unlock()
	prev.Stop()
	return task
}

func (r *Registry) Stop() {
	r.mu.Lock()
	task := r.task
	r.task = nil
	r.mu.Unlock()
	task.Stop()
}
