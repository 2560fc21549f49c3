package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
)

// Key shares are wrapped to a key server with RSA-OAEP. The label binds the
// wrapped share to the identity it was produced for.
func EncryptOAEP(pub *rsa.PublicKey, msg, label []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, msg, label)
}

func DecryptOAEP(priv *rsa.PrivateKey, msg, label []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, msg, label)
}
