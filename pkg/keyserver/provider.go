package keyserver

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"github.com/satya-market/access-go/internal/crypto"
	"github.com/satya-market/access-go/pkg/wallet"
	"gopkg.in/square/go-jose.v2/jwt"
)

const maxRequestBody = 64 << 10

// Approver decides whether address may recover the key for identity. It is
// the server-side counterpart of the client's policy check.
type Approver interface {
	Approve(ctx context.Context, identity []byte, address string, proof string) (bool, error)
}

type ApproverFunc func(ctx context.Context, identity []byte, address string, proof string) (bool, error)

func (f ApproverFunc) Approve(ctx context.Context, identity []byte, address string, proof string) (bool, error) {
	return f(ctx, identity, address, proof)
}

// Provider is a reference key server holding one RSA key pair.
type Provider struct {
	ServerID   string
	PackageID  string
	PrivateKey *rsa.PrivateKey
	Approver   Approver
	// Middleware wraps the rewrap route, e.g. bearer auth for permissioned servers.
	Middleware []func(http.Handler) http.Handler
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

type customClaims struct {
	RequestBody string `json:"requestBody,omitempty"`
}

func NewProvider(p Provider) (*Provider, error) {
	if p.ServerID == "" {
		return nil, errors.New("server id cannot be empty")
	}
	if p.PackageID == "" {
		return nil, errors.New("package id cannot be empty")
	}
	if p.PrivateKey == nil {
		return nil, errors.New("private key cannot be nil")
	}
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &p, nil
}

// Routes mounts the key server API.
func (p *Provider) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Get(HealthPath, p.HealthHandler)
	r.Get(PublicKeyPath, p.PublicKeyHandler)
	r.With(p.Middleware...).Post(RewrapPath, p.RewrapHandler)
	return r
}

func (p *Provider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.Routes().ServeHTTP(w, r)
}

func (p *Provider) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", ServerID: p.ServerID})
}

func (p *Provider) PublicKeyHandler(w http.ResponseWriter, r *http.Request) {
	publicKeyPem, err := crypto.PublicKeyPem(&p.PrivateKey.PublicKey)
	if err != nil {
		p.Logger.Error("could not export public key", slog.Any("err", err))
		http.Error(w, "could not export public key", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, string(publicKeyPem))
}

// RewrapHandler verifies the session, unwraps the share addressed to this
// server and seals it to the client's ephemeral key.
func (p *Provider) RewrapHandler(w http.ResponseWriter, r *http.Request) {
	var rewrapRequest RewrapRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&rewrapRequest); err != nil {
		p.reject(w, http.StatusBadRequest, "could not decode rewrap request", err)
		return
	}
	requestBody, err := p.verifyRequestToken(rewrapRequest.SignedRequestToken)
	if err != nil {
		p.reject(w, http.StatusUnauthorized, "invalid request token", err)
		return
	}

	cert := requestBody.Certificate
	if err := cert.Verify(p.Clock.Now()); err != nil {
		p.reject(w, http.StatusUnauthorized, "invalid session certificate", err)
		return
	}
	if wallet.NormalizeAddress(cert.PackageID) != wallet.NormalizeAddress(p.PackageID) {
		p.reject(w, http.StatusForbidden, "certificate is for another package", nil)
		return
	}

	identity, err := hex.DecodeString(requestBody.Identity)
	if err != nil || !IdentityHasPrefix(identity, p.PackageID) {
		p.reject(w, http.StatusForbidden, "identity outside package namespace", err)
		return
	}
	ka := requestBody.KeyAccess
	if ka.ServerID != p.ServerID || ka.Type != KeyAccessWrapped {
		p.reject(w, http.StatusBadRequest, "key access is not addressed to this server", nil)
		return
	}

	share, err := crypto.DecryptOAEP(p.PrivateKey, ka.WrappedKey, identity)
	if err != nil {
		p.reject(w, http.StatusBadRequest, "could not unwrap key share", err)
		return
	}
	defer crypto.Wipe(share)
	if !crypto.VerifySignature(identity, share, []byte(ka.PolicyBinding)) {
		p.reject(w, http.StatusBadRequest, "policy binding mismatch", nil)
		return
	}

	if p.Approver != nil {
		ok, err := p.Approver.Approve(r.Context(), identity, cert.Address, requestBody.AuthorizationProof)
		if err != nil {
			p.reject(w, http.StatusServiceUnavailable, "approval check failed", err)
			return
		}
		if !ok {
			p.reject(w, http.StatusForbidden, "access denied", nil)
			return
		}
	}

	clientKey, err := base64.StdEncoding.DecodeString(requestBody.ClientPublicKey)
	if err != nil || len(clientKey) != 32 {
		p.reject(w, http.StatusBadRequest, "malformed client public key", err)
		return
	}
	var recipient [32]byte
	copy(recipient[:], clientKey)
	sealed, err := crypto.SealAnonymous(share, &recipient)
	if err != nil {
		p.reject(w, http.StatusInternalServerError, "could not seal key share", err)
		return
	}

	p.Logger.Info("rewrap granted",
		slog.String("server", p.ServerID),
		slog.String("address", cert.Address))
	writeJSON(w, http.StatusOK, &RewrapResponse{
		EntityWrappedKey: sealed,
		SchemaVersion:    schemaVersion,
	})
}

// verifyRequestToken reads the request body from the token, then checks the
// token signature against the session key named in that body.
func (p *Provider) verifyRequestToken(token string) (*RequestBody, error) {
	requestToken, err := jwt.ParseSigned(token)
	if err != nil {
		return nil, err
	}
	c := &jwt.Claims{}
	c2 := &customClaims{}
	if err := requestToken.UnsafeClaimsWithoutVerification(c, c2); err != nil {
		return nil, err
	}
	var requestBody RequestBody
	if err := json.NewDecoder(strings.NewReader(c2.RequestBody)).Decode(&requestBody); err != nil {
		return nil, err
	}
	sessionKey, err := requestBody.Certificate.SessionPublicKey()
	if err != nil {
		return nil, err
	}
	if err := requestToken.Claims(sessionKey, c, c2); err != nil {
		return nil, err
	}
	if err := c.ValidateWithLeeway(jwt.Expected{Time: p.Clock.Now()}, time.Minute); err != nil {
		return nil, err
	}
	return &requestBody, nil
}

func (p *Provider) reject(w http.ResponseWriter, status int, msg string, err error) {
	attrs := []any{slog.String("server", p.ServerID), slog.Int("status", status)}
	if err != nil {
		attrs = append(attrs, slog.Any("err", err))
	}
	p.Logger.Warn(msg, attrs...)
	http.Error(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
