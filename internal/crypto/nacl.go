package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

const secretboxNonceSize = 24

// GenerateBoxKey creates an ephemeral curve25519 key pair for receiving
// rewrapped shares.
func GenerateBoxKey() (publicKey, privateKey *[32]byte, err error) {
	return box.GenerateKey(rand.Reader)
}

func SealAnonymous(msg []byte, recipient *[32]byte) ([]byte, error) {
	return box.SealAnonymous(nil, msg, recipient, rand.Reader)
}

func OpenAnonymous(sealed []byte, publicKey, privateKey *[32]byte) ([]byte, error) {
	msg, ok := box.OpenAnonymous(nil, sealed, publicKey, privateKey)
	if !ok {
		return nil, errors.New("box.OpenAnonymous failed to decrypt")
	}
	return msg, nil
}

// SecretSeal encrypts msg with a 32 byte key, prefixing the random nonce.
func SecretSeal(msg []byte, key *[32]byte) ([]byte, error) {
	var nonce [secretboxNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], msg, &nonce, key), nil
}

func SecretOpen(sealed []byte, key *[32]byte) ([]byte, error) {
	if len(sealed) < secretboxNonceSize+secretbox.Overhead {
		return nil, errors.New("sealed message too short")
	}
	var nonce [secretboxNonceSize]byte
	copy(nonce[:], sealed[:secretboxNonceSize])
	msg, ok := secretbox.Open(nil, sealed[secretboxNonceSize:], &nonce, key)
	if !ok {
		return nil, errors.New("secretbox.Open failed to decrypt")
	}
	return msg, nil
}
