package hashing

import (
	"hash"

	"golang.org/x/crypto/blake2b"
)

func DefaultAlgorithm() string {
	return "blake2b"
}

func GetHasher(name string) hash.Hash {
	switch name {
	case "blake2b":
		hasher, err := blake2b.New256(nil)
		if err != nil {
			return nil
		}
		return hasher
	default:
		return nil
	}
}

// Checksum hashes a chunk's plaintext. The result is both its dedup key
// and an input to its encryption key.
func Checksum(buf []byte) [32]byte {
	return blake2b.Sum256(buf)
}
