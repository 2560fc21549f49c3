package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

// GCM is AES-GCM keyed by a data encryption key. The nonce travels
// separately from the ciphertext so it can be stored in the envelope.
type GCM struct {
	cipher cipher.AEAD
}

func NewGCM(key *Buffer) (*GCM, error) {
	if key == nil || key.Len() != DataKeySize {
		return nil, fmt.Errorf("invalid key length, want %d bytes", DataKeySize)
	}
	block, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &GCM{cipher: aead}, nil
}

func (g *GCM) NonceSize() int {
	return g.cipher.NonceSize()
}

// Encrypt seals msg under a fresh random nonce.
func (g *GCM) Encrypt(msg, additionalData []byte) (nonce []byte, cipherText []byte, err error) {
	nonce, err = GenerateNonce(g.cipher.NonceSize())
	if err != nil {
		return nil, nil, err
	}
	cipherText = g.cipher.Seal(nil, nonce, msg, additionalData)
	return nonce, cipherText, nil
}

func (g *GCM) Decrypt(nonce, cipherText, additionalData []byte) ([]byte, error) {
	if len(nonce) != g.cipher.NonceSize() {
		return nil, errors.New("invalid nonce length")
	}
	plainText, err := g.cipher.Open(nil, nonce, cipherText, additionalData)
	if err != nil {
		return nil, errors.Join(errors.New("failed to open ciphertext"), err)
	}
	return plainText, nil
}
