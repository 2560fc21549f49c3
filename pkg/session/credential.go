package session

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/satya-market/access-go/internal/crypto"
	"github.com/satya-market/access-go/pkg/errdefs"
	"github.com/satya-market/access-go/pkg/keyserver"
)

// Credential authorizes key server requests for one address within one
// package scope. It holds the session private key; only its certificate
// leaves the process in clear.
//
// A revoked or replaced credential keeps its key until the last holder
// releases it, then the key is wiped.
type Credential struct {
	Address   string
	Scope     string
	CreatedAt time.Time
	TTL       time.Duration
	ExpiresAt time.Time
	Cert      keyserver.Certificate

	clock   clockwork.Clock
	revoked atomic.Bool

	mu         sync.Mutex
	sessionKey ed25519.PrivateKey
	holds      int
	wiped      bool
}

func (c *Credential) Certificate() *keyserver.Certificate {
	return &c.Cert
}

// SignRequest signs a rewrap request body with the session key.
func (c *Credential) SignRequest(requestBody []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wiped {
		return nil, fmt.Errorf("%w: session for %s was revoked", errdefs.ErrSession, c.Address)
	}
	return keyserver.SignRequestToken(requestBody, c.sessionKey, c.clock.Now())
}

// Expired reports whether the credential is unusable at now: past its own
// expiry, past the certificate's, or revoked.
func (c *Credential) Expired(now time.Time) bool {
	return c.revoked.Load() || !now.Before(c.ExpiresAt) || c.Cert.Expired(now)
}

func (c *Credential) Remaining(now time.Time) time.Duration {
	end := c.ExpiresAt
	if certEnd := c.Cert.ExpiresAt(); certEnd.Before(end) {
		end = certEnd
	}
	return end.Sub(now)
}

// hold pins the session key until Release. It fails once the key is gone.
func (c *Credential) hold() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wiped {
		return false
	}
	c.holds++
	return true
}

// Release ends a hold taken by Manager.Acquire.
func (c *Credential) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holds > 0 {
		c.holds--
	}
	if c.holds == 0 && c.revoked.Load() {
		c.wipe()
	}
}

// revoke marks the credential unusable for new work and wipes the key now
// or when the last hold is released.
func (c *Credential) revoke() {
	c.revoked.Store(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holds == 0 {
		c.wipe()
	}
}

func (c *Credential) wipe() {
	if !c.wiped {
		crypto.Wipe(c.sessionKey)
		c.wiped = true
	}
}

// Wiped reports whether the session key has been zeroed.
func (c *Credential) Wiped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wiped
}

// exportKey returns the raw session key for serialization.
func (c *Credential) exportKey() (ed25519.PrivateKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wiped {
		return nil, fmt.Errorf("%w: session for %s was revoked", errdefs.ErrSession, c.Address)
	}
	return append(ed25519.PrivateKey(nil), c.sessionKey...), nil
}
