package keyserver

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/satya-market/access-go/pkg/wallet"
)

const (
	HealthPath    = "/v1/health"
	PublicKeyPath = "/v1/public_key"
	RewrapPath    = "/v1/rewrap"

	schemaVersion = "1.0.0"

	KeyAccessWrapped = "wrapped"
	ProtocolSeal     = "seal"
)

var (
	ErrCertificateExpired = errors.New("session certificate expired")
	ErrCertificateInvalid = errors.New("session certificate invalid")
)

// KeyAccess is one server's wrapped share of a data key.
type KeyAccess struct {
	Type          string `json:"type"`
	ServerID      string `json:"serverId"`
	URL           string `json:"url"`
	Protocol      string `json:"protocol"`
	WrappedKey    []byte `json:"wrappedKey"`
	PolicyBinding string `json:"policyBinding"`
}

// Certificate is the wallet-signed statement that delegates key access in
// one package to a short lived session key.
type Certificate struct {
	Address    string            `json:"address"`
	PackageID  string            `json:"packageId"`
	SessionKey string            `json:"sessionKey"`
	CreatedAt  int64             `json:"createdAt"`
	TTLMinutes int               `json:"ttlMinutes"`
	Signature  *wallet.Signature `json:"signature"`
}

// PersonalMessage is the text the wallet is asked to sign.
func PersonalMessage(packageID string, ttlMinutes int, createdAt time.Time, sessionKey ed25519.PublicKey) []byte {
	return []byte(fmt.Sprintf("Accessing keys of package %s for %d mins from %s, session key %s",
		packageID, ttlMinutes, createdAt.UTC().Format("2006-01-02 15:04:05 UTC"),
		base64.StdEncoding.EncodeToString(sessionKey)))
}

func (c *Certificate) Message() ([]byte, error) {
	pub, err := c.SessionPublicKey()
	if err != nil {
		return nil, err
	}
	return PersonalMessage(c.PackageID, c.TTLMinutes, time.UnixMilli(c.CreatedAt), pub), nil
}

func (c *Certificate) SessionPublicKey() (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(c.SessionKey)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, errors.Join(ErrCertificateInvalid, errors.New("malformed session key"))
	}
	return ed25519.PublicKey(raw), nil
}

func (c *Certificate) ExpiresAt() time.Time {
	return time.UnixMilli(c.CreatedAt).Add(time.Duration(c.TTLMinutes) * time.Minute)
}

func (c *Certificate) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt())
}

// Verify checks the wallet signature, that it was produced by Address, and
// that the certificate is still live at now.
func (c *Certificate) Verify(now time.Time) error {
	if c.TTLMinutes <= 0 {
		return errors.Join(ErrCertificateInvalid, errors.New("non-positive ttl"))
	}
	msg, err := c.Message()
	if err != nil {
		return err
	}
	signer, err := wallet.Verify(msg, c.Signature)
	if err != nil {
		return errors.Join(ErrCertificateInvalid, err)
	}
	if signer != wallet.NormalizeAddress(c.Address) {
		return errors.Join(ErrCertificateInvalid, fmt.Errorf("signed by %s, not %s", signer, c.Address))
	}
	if c.Expired(now) {
		return ErrCertificateExpired
	}
	return nil
}

// RewrapRequest HTTP request body in JSON
type RewrapRequest struct {
	SignedRequestToken string `json:"signedRequestToken"`
}

type RequestBody struct {
	Identity           string      `json:"identity"`
	KeyAccess          KeyAccess   `json:"keyAccess"`
	Certificate        Certificate `json:"certificate"`
	AuthorizationProof string      `json:"authorizationProof,omitempty"`
	ClientPublicKey    string      `json:"clientPublicKey"`
	SchemaVersion      string      `json:"schemaVersion,omitempty"`
}

type RewrapResponse struct {
	EntityWrappedKey []byte `json:"entityWrappedKey"`
	SchemaVersion    string `json:"schemaVersion,omitempty"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	ServerID string `json:"serverId"`
}

// IdentityHasPrefix reports whether identity lies in the namespace of packageID.
func IdentityHasPrefix(identity []byte, packageID string) bool {
	return bytes.HasPrefix(identity, IdentityPrefix(packageID))
}

func IdentityPrefix(packageID string) []byte {
	return append([]byte(wallet.NormalizeAddress(packageID)), ':')
}
