package encryption

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/cellarlabs/cellar/objects"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize   = 32
	NonceSize = chacha20poly1305.NonceSize
	TagSize   = chacha20poly1305.Overhead
)

// Domain separation labels for subkey derivation. Each subkey is the
// keyed blake2b hash of the master key under one of these labels.
var (
	ctxRootID  = []byte("cellroot")
	ctxMetaKey = []byte("cellmeta")
	ctxDataKey = []byte("celldata")
)

// Argon2id parameters for the master key derivation.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// KeyManager holds every key derived from the user passphrase. It is
// constructed once at stash open, never mutated, and passed explicitly
// to each component that encrypts or derives identifiers.
//
// The data subkey is never used as an encryption key directly: it is
// the XOR mask combined with a chunk's content hash to form that
// chunk's key, which is what makes convergent encryption deduplicable
// without exposing unkeyed content hashes.
type KeyManager struct {
	masterKey  [KeySize]byte
	rootSeed   [KeySize]byte
	metaKey    [KeySize]byte
	dataSubkey [KeySize]byte
}

// DeriveKeyManager computes the master key from the user credentials
// with Argon2id, salted with a digest of the username, then derives the
// domain-separated subkeys.
func DeriveKeyManager(username string, passphrase []byte) (*KeyManager, error) {
	salt, err := blake2b.New(16, nil)
	if err != nil {
		return nil, err
	}
	salt.Write([]byte(username))

	km := &KeyManager{}
	master := argon2.IDKey(passphrase, salt.Sum(nil), argonTime, argonMemory, argonThreads, KeySize)
	copy(km.masterKey[:], master)

	if err := deriveSubkey(&km.masterKey, ctxRootID, &km.rootSeed); err != nil {
		return nil, err
	}
	if err := deriveSubkey(&km.masterKey, ctxMetaKey, &km.metaKey); err != nil {
		return nil, err
	}
	if err := deriveSubkey(&km.masterKey, ctxDataKey, &km.dataSubkey); err != nil {
		return nil, err
	}
	return km, nil
}

func deriveSubkey(master *[KeySize]byte, ctx []byte, out *[KeySize]byte) error {
	hasher, err := blake2b.New256(ctx)
	if err != nil {
		return err
	}
	hasher.Write(master[:])
	copy(out[:], hasher.Sum(nil))
	return nil
}

// RootObjectID is the deterministic id of the stash's root metadata
// object. Deriving it from the passphrase means stash discovery needs
// no separate pointer file in the backend.
func (km *KeyManager) RootObjectID() objects.ObjectID {
	var oid objects.ObjectID
	copy(oid[:], km.rootSeed[:])
	return oid
}

// chunkKey is a pure function of the content hash and the data subkey,
// never randomized, so identical plaintexts seal identically.
func (km *KeyManager) chunkKey(csum objects.Checksum) []byte {
	key := make([]byte, KeySize)
	subtle.XORBytes(key, km.dataSubkey[:], csum[:])
	return key
}

// chunkNonce binds a sealed chunk to its containing object and its
// compressed length. Object ids are random per object and chunk keys
// are unique per content, so the pair never repeats for a key.
func chunkNonce(oid objects.ObjectID, payloadLen uint32) []byte {
	nonce := make([]byte, NonceSize)
	copy(nonce, oid[:NonceSize])

	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], payloadLen)
	for i := range size {
		nonce[i] ^= size[i]
	}
	return nonce
}

func metaNonce(oid objects.ObjectID) []byte {
	nonce := make([]byte, NonceSize)
	copy(nonce, oid[:NonceSize])
	return nonce
}

// SealChunk encrypts a compressed chunk destined for object oid. The
// returned buffer is ciphertext plus tag.
func (km *KeyManager) SealChunk(oid objects.ObjectID, csum objects.Checksum, compressed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(km.chunkKey(csum))
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, chunkNonce(oid, uint32(len(compressed))), compressed, nil), nil
}

// OpenChunk authenticates and decrypts a sealed chunk read back from
// object oid.
func (km *KeyManager) OpenChunk(oid objects.ObjectID, csum objects.Checksum, sealed []byte) ([]byte, error) {
	if len(sealed) < TagSize {
		return nil, fmt.Errorf("sealed chunk too short: %d bytes", len(sealed))
	}
	aead, err := chacha20poly1305.New(km.chunkKey(csum))
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, chunkNonce(oid, uint32(len(sealed)-TagSize)), sealed, nil)
}

// SealMetaObject encrypts a metadata object's payload in place with the
// metadata subkey. The payload must be exactly objects.ObjectSize minus
// the tag, so the sealed result occupies the full object size.
func (km *KeyManager) SealMetaObject(oid objects.ObjectID, payload []byte) ([]byte, error) {
	if len(payload) != objects.ObjectSize-TagSize {
		return nil, fmt.Errorf("invalid metadata payload size: %d bytes", len(payload))
	}
	aead, err := chacha20poly1305.New(km.metaKey[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(payload[:0], metaNonce(oid), payload, nil), nil
}

// OpenMetaObject authenticates and decrypts a full metadata object in
// place, returning the payload without the tag.
func (km *KeyManager) OpenMetaObject(oid objects.ObjectID, sealed []byte) ([]byte, error) {
	if len(sealed) != objects.ObjectSize {
		return nil, fmt.Errorf("invalid metadata object size: %d bytes", len(sealed))
	}
	aead, err := chacha20poly1305.New(km.metaKey[:])
	if err != nil {
		return nil, err
	}
	return aead.Open(sealed[:0], metaNonce(oid), sealed, nil)
}
