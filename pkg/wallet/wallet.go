package wallet

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	SchemeEd25519 = "ed25519"

	ed25519Flag byte = 0x00
)

// personal message intent: scope=3, version=0, app=0
var personalMessageIntent = []byte{3, 0, 0}

var ErrSignatureInvalid = errors.New("wallet signature invalid")

// Signer is supplied by the wallet layer and asked to sign a personal
// message when a session credential is created or refreshed.
type Signer interface {
	Address() string
	PublicKey() []byte
	SignPersonalMessage(ctx context.Context, msg []byte) (*Signature, error)
}

type Signature struct {
	Scheme    string `json:"scheme"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

// Address derives the ledger address for an ed25519 public key.
func Address(pub ed25519.PublicKey) string {
	sum := blake2b.Sum256(append([]byte{ed25519Flag}, pub...))
	return "0x" + hex.EncodeToString(sum[:])
}

// NormalizeAddress lowercases and adds the 0x prefix.
func NormalizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr != "" && !strings.HasPrefix(addr, "0x") {
		addr = "0x" + addr
	}
	return addr
}

func personalMessageDigest(msg []byte) [32]byte {
	return blake2b.Sum256(append(append([]byte{}, personalMessageIntent...), msg...))
}

// Verify checks sig over msg and returns the signing address.
func Verify(msg []byte, sig *Signature) (string, error) {
	if sig == nil {
		return "", ErrSignatureInvalid
	}
	if sig.Scheme != SchemeEd25519 {
		return "", fmt.Errorf("unsupported signature scheme %q", sig.Scheme)
	}
	pub, err := base64.StdEncoding.DecodeString(sig.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return "", errors.Join(ErrSignatureInvalid, errors.New("malformed public key"))
	}
	raw, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil {
		return "", errors.Join(ErrSignatureInvalid, err)
	}
	digest := personalMessageDigest(msg)
	if !ed25519.Verify(pub, digest[:], raw) {
		return "", ErrSignatureInvalid
	}
	return Address(pub), nil
}

// KeyPair is an in-process ed25519 wallet, used by the CLI and tests.
type KeyPair struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{priv: priv, pub: pub}, nil
}

// FromSeed restores a key pair from a 32 byte seed.
func FromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

func (k *KeyPair) Address() string {
	return Address(k.pub)
}

func (k *KeyPair) PublicKey() []byte {
	return k.pub
}

func (k *KeyPair) SignPersonalMessage(ctx context.Context, msg []byte) (*Signature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest := personalMessageDigest(msg)
	return &Signature{
		Scheme:    SchemeEd25519,
		PublicKey: base64.StdEncoding.EncodeToString(k.pub),
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(k.priv, digest[:])),
	}, nil
}
