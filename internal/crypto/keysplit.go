package crypto

import (
	"errors"
	"fmt"

	"github.com/hashicorp/vault/shamir"
)

const (
	SplitXOR    = "split"
	SplitShamir = "shamir"
)

// KeySplit splits key into parts shares. For shamir any threshold of them
// recover the key; for xor all of them are needed.
func KeySplit(ksType string, key []byte, parts, threshold int) ([][]byte, error) {
	switch ksType {
	case SplitXOR:
		return xorSplit(key, parts)
	case SplitShamir:
		return shamirSplit(key, parts, threshold)
	default:
		return nil, errors.New("unsupported key split type")
	}
}

func KeyMerge(ksType string, keySplits [][]byte) ([]byte, error) {
	if len(keySplits) == 0 {
		return nil, errors.New("no key shares to merge")
	}
	switch ksType {
	case SplitXOR:
		return xorMerge(keySplits), nil
	case SplitShamir:
		return shamirMerge(keySplits)
	default:
		return nil, errors.New("unsupported key split type")
	}
}

func shamirSplit(key []byte, parts, threshold int) ([][]byte, error) {
	if threshold < 1 || threshold > parts {
		return nil, fmt.Errorf("invalid threshold %d for %d parts", threshold, parts)
	}
	// A threshold of one means any single server can serve the key. Shamir
	// shares end in a non-zero x coordinate, so a zero tag marks a copy.
	if threshold == 1 {
		shares := make([][]byte, parts)
		for i := range shares {
			shares[i] = append(append(make([]byte, 0, len(key)+1), key...), 0)
		}
		return shares, nil
	}
	shares, err := shamir.Split(key, parts, threshold)
	if err != nil {
		return nil, errors.Join(errors.New("failed to generate shamir shares from key"), err)
	}
	return shares, nil
}

func shamirMerge(splits [][]byte) ([]byte, error) {
	if n := len(splits[0]); n > 0 && splits[0][n-1] == 0 {
		key := make([]byte, n-1)
		copy(key, splits[0][:n-1])
		return key, nil
	}
	if len(splits) == 1 {
		return nil, errors.New("a single shamir share cannot recover the key")
	}
	return shamir.Combine(splits)
}

func xorSplit(key []byte, splits int) ([][]byte, error) {
	if splits < 1 {
		return nil, errors.New("at least one split is required")
	}
	last := make([]byte, len(key))
	copy(last, key)
	keySplits := make([][]byte, 0, splits)
	for i := 0; i < splits-1; i++ {
		nonce, err := GenerateKey(len(key))
		if err != nil {
			return nil, err
		}
		for j, b := range nonce {
			last[j] ^= b
		}
		keySplits = append(keySplits, nonce)
	}
	return append(keySplits, last), nil
}

func xorMerge(splits [][]byte) []byte {
	key := make([]byte, len(splits[0]))
	for _, split := range splits {
		for i, b := range split {
			key[i] ^= b
		}
	}
	return key
}
