package objects

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// ObjectSize is the physical size of every object in a stash, data and
// metadata alike. Objects are padded with random bytes up to this size
// before they are handed to the storage backend, so an observer of the
// backend only ever sees opaque 4 MiB blobs.
const ObjectSize = 4 * 1024 * 1024

// idEncoding renders object identifiers for backend naming. Unpadded so
// names are fixed-length and filesystem/bucket safe.
var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ObjectID identifies a physical object in the storage backend.
type ObjectID [32]byte

func NewObjectID() ObjectID {
	var oid ObjectID
	if _, err := rand.Read(oid[:]); err != nil {
		panic(fmt.Sprintf("objects: failed to read random id: %v", err))
	}
	return oid
}

func ObjectIDFromBytes(buf []byte) (ObjectID, error) {
	var oid ObjectID
	if len(buf) != len(oid) {
		return oid, fmt.Errorf("objects: invalid object id length %d", len(buf))
	}
	copy(oid[:], buf)
	return oid, nil
}

func ParseObjectID(name string) (ObjectID, error) {
	var oid ObjectID
	decoded, err := idEncoding.DecodeString(name)
	if err != nil {
		return oid, fmt.Errorf("objects: invalid object id %q: %w", name, err)
	}
	return ObjectIDFromBytes(decoded)
}

func (oid ObjectID) String() string {
	return idEncoding.EncodeToString(oid[:])
}

func (oid ObjectID) MarshalJSON() ([]byte, error) {
	return json.Marshal(oid.String())
}

type Checksum [32]byte

func (m Checksum) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("%0x", m[:]))
}

// Chunk describes one content-defined chunk of a file as recorded in its
// file entry. The location of the stored bytes is resolved through the
// chunk-list record, not stored here.
type Chunk struct {
	Checksum Checksum `msgpack:"checksum"`
	Length   uint32   `msgpack:"length"`
}

// ChunkLocation points at the sealed form of a chunk inside a data
// object: ciphertext plus AEAD tag, starting at Offset. A checksum maps
// to exactly one location for the lifetime of a stash generation.
type ChunkLocation struct {
	Object ObjectID `msgpack:"object"`
	Offset uint32   `msgpack:"offset"`
	Length uint32   `msgpack:"length"`
}

// ChunkRecord is the durable form of a dedup index entry, one per
// distinct checksum, serialized into the chunk-list record field.
type ChunkRecord struct {
	Checksum Checksum      `msgpack:"checksum"`
	Location ChunkLocation `msgpack:"location"`
}

// FileEntry ties a path to the ordered chunks that make up its content.
type FileEntry struct {
	Path        string      `msgpack:"path"`
	Size        int64       `msgpack:"size"`
	Mode        uint32      `msgpack:"mode"`
	ModTime     time.Time   `msgpack:"modTime"`
	ContentType string      `msgpack:"contentType,omitempty"`
	Chunks      []Chunk     `msgpack:"chunks"`
	Checksum    Checksum    `msgpack:"checksum"`
}

func NewFileEntryFromBytes(serialized []byte) (*FileEntry, error) {
	var f FileEntry
	if err := msgpack.Unmarshal(serialized, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *FileEntry) Serialize() ([]byte, error) {
	return msgpack.Marshal(f)
}
