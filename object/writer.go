package object

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/cellarlabs/cellar/compression"
	"github.com/cellarlabs/cellar/encryption"
	"github.com/cellarlabs/cellar/objects"
	"github.com/cellarlabs/cellar/profiler"
	"github.com/cellarlabs/cellar/storage"
)

// Writer packs sealed chunks into data objects. Each writer owns at
// most one partially-filled object at a time and is not safe for
// concurrent use: a commit hands one writer lease to each worker so
// no locking is needed on the object's byte range.
type Writer struct {
	store *storage.Store
	keys  *encryption.KeyManager

	oid    objects.ObjectID
	buffer []byte
	offset int
}

func NewWriter(store *storage.Store, keys *encryption.KeyManager) *Writer {
	return &Writer{
		store:  store,
		keys:   keys,
		oid:    objects.NewObjectID(),
		buffer: make([]byte, objects.ObjectSize),
	}
}

// WriteChunk compresses and seals a chunk, appending it to the current
// object, rotating to a fresh object first when the sealed form does
// not fit the remaining capacity. The returned location is only
// durable once Flush has succeeded.
func (w *Writer) WriteChunk(csum objects.Checksum, plaintext []byte) (objects.ChunkLocation, error) {
	t0 := time.Now()
	defer func() {
		profiler.RecordEvent("object.WriteChunk", time.Since(t0))
	}()

	compressed, err := compression.DeflateLZ4(plaintext)
	if err != nil {
		return objects.ChunkLocation{}, err
	}

	needed := len(compressed) + encryption.TagSize
	if needed > objects.ObjectSize {
		return objects.ChunkLocation{}, fmt.Errorf("%w: %d bytes", ErrChunkTooLarge, needed)
	}
	if w.offset+needed > objects.ObjectSize {
		if err := w.Flush(); err != nil {
			return objects.ChunkLocation{}, err
		}
	}

	// the nonce binds the ciphertext to the object it lands in, so
	// sealing must happen after any rotation above
	sealed, err := w.keys.SealChunk(w.oid, csum, compressed)
	if err != nil {
		return objects.ChunkLocation{}, err
	}

	loc := objects.ChunkLocation{
		Object: w.oid,
		Offset: uint32(w.offset),
		Length: uint32(len(sealed)),
	}
	copy(w.buffer[w.offset:], sealed)
	w.offset += len(sealed)

	return loc, nil
}

// Flush pads the current object with random bytes up to its full size,
// hands it to the backend, and starts a fresh object under a new
// random id. Flushing a writer that holds no chunks is a no-op, which
// makes finalization at commit end idempotent.
func (w *Writer) Flush() error {
	if w.offset == 0 {
		return nil
	}

	t0 := time.Now()
	defer func() {
		profiler.RecordEvent("object.Flush", time.Since(t0))
	}()

	if _, err := rand.Read(w.buffer[w.offset:]); err != nil {
		return err
	}
	if err := w.store.PutObject(w.oid, w.buffer); err != nil {
		return err
	}

	w.oid = objects.NewObjectID()
	w.offset = 0
	return nil
}
