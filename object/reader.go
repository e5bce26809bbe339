package object

import (
	"fmt"
	"time"

	"github.com/cellarlabs/cellar/compression"
	"github.com/cellarlabs/cellar/encryption"
	"github.com/cellarlabs/cellar/hashing"
	"github.com/cellarlabs/cellar/objects"
	"github.com/cellarlabs/cellar/profiler"
	"github.com/cellarlabs/cellar/storage"
)

// readerCacheSize bounds the per-reader object cache. Chunks of a file
// tend to cluster in few objects, so a handful of slots is enough.
const readerCacheSize = 4

// Reader locates and opens sealed chunks. Objects are immutable once
// stored, so readers have no side effects and any number of them may
// run concurrently; a single Reader, however, is meant for one
// goroutine because of its cache.
type Reader struct {
	store *storage.Store
	keys  *encryption.KeyManager

	cache      map[objects.ObjectID][]byte
	cacheOrder []objects.ObjectID
}

func NewReader(store *storage.Store, keys *encryption.KeyManager) *Reader {
	return &Reader{
		store: store,
		keys:  keys,
		cache: make(map[objects.ObjectID][]byte),
	}
}

func (r *Reader) object(oid objects.ObjectID) ([]byte, error) {
	if buf, exists := r.cache[oid]; exists {
		return buf, nil
	}

	buf, err := r.store.GetObject(oid)
	if err != nil {
		return nil, err
	}

	if len(r.cacheOrder) == readerCacheSize {
		delete(r.cache, r.cacheOrder[0])
		r.cacheOrder = r.cacheOrder[1:]
	}
	r.cache[oid] = buf
	r.cacheOrder = append(r.cacheOrder, oid)
	return buf, nil
}

// ReadChunk fetches the object holding loc, opens the AEAD seal,
// decompresses, and verifies the recovered plaintext's checksum as a
// second integrity check beyond the tag.
func (r *Reader) ReadChunk(loc objects.ChunkLocation, csum objects.Checksum) ([]byte, error) {
	t0 := time.Now()
	defer func() {
		profiler.RecordEvent("object.ReadChunk", time.Since(t0))
	}()

	buf, err := r.object(loc.Object)
	if err != nil {
		return nil, err
	}

	start := int(loc.Offset)
	end := start + int(loc.Length)
	if end > len(buf) {
		return nil, fmt.Errorf("object %s: chunk region %d+%d out of bounds: %w",
			loc.Object, loc.Offset, loc.Length, ErrIntegrity)
	}

	compressed, err := r.keys.OpenChunk(loc.Object, csum, buf[start:end])
	if err != nil {
		return nil, fmt.Errorf("object %s: open failed: %w", loc.Object, ErrIntegrity)
	}

	plaintext, err := compression.InflateLZ4(compressed)
	if err != nil {
		return nil, fmt.Errorf("object %s: decompress failed: %w", loc.Object, ErrIntegrity)
	}

	if hashing.Checksum(plaintext) != csum {
		return nil, fmt.Errorf("object %s: checksum mismatch: %w", loc.Object, ErrIntegrity)
	}
	return plaintext, nil
}
