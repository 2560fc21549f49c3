package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
)

const (
	// DataKeySize is the AES-256 data encryption key length in bytes.
	DataKeySize = 32
	rsaKeyBits  = 2048
)

func GenerateKey(length int) ([]byte, error) {
	key := make([]byte, length)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

func GenerateNonce(length int) ([]byte, error) {
	nonce := make([]byte, length)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// Sign returns the hex encoded HMAC-SHA256 of content under key.
func Sign(content []byte, key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(content)
	hexHash := make([]byte, hex.EncodedLen(mac.Size()))
	hex.Encode(hexHash, mac.Sum(nil))
	return hexHash
}

// VerifySignature compares in constant time.
func VerifySignature(content, key, signature []byte) bool {
	return hmac.Equal(Sign(content, key), signature)
}

// Fingerprint identifies a data key without revealing it.
func Fingerprint(key []byte, scope string) string {
	return string(Sign([]byte("fingerprint:"+scope), key)[:16])
}

func GenerateRSAKeysPem() (private []byte, public []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, nil, err
	}

	privPkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	private = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privPkcs8})

	public, err = PublicKeyPem(&key.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return private, public, nil
}

func PublicKeyPem(pub any) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func ParseRSAPublicKey(key []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(key)
	if block == nil {
		return nil, errors.New("failed to parse PEM block containing the key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected public key type %T", pub)
	}
	return rsaPub, nil
}

func ParseRSAPrivateKey(key []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(key)
	if block == nil {
		return nil, errors.New("failed to parse PEM block containing the key")
	}
	priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPriv, ok := priv.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unexpected private key type %T", priv)
	}
	return rsaPriv, nil
}

func GenerateEd25519() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}
