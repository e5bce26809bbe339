package object_test

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"

	"github.com/cellarlabs/cellar/encryption"
	"github.com/cellarlabs/cellar/hashing"
	"github.com/cellarlabs/cellar/object"
	"github.com/cellarlabs/cellar/objects"
	"github.com/cellarlabs/cellar/storage"

	_ "github.com/cellarlabs/cellar/storage/backends/memory"
)

func testStore(t *testing.T) (*storage.Store, *encryption.KeyManager) {
	store, err := storage.Create(fmt.Sprintf("memory://%s", t.Name()), storage.NewConfiguration())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	keys, err := encryption.DeriveKeyManager("tester", []byte("passphrase"))
	if err != nil {
		t.Fatalf("DeriveKeyManager failed: %v", err)
	}
	return store, keys
}

func randomChunk(t *testing.T, size int) ([]byte, objects.Checksum) {
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read failed: %v", err)
	}
	return data, hashing.Checksum(data)
}

func TestWriteReadRoundTrip(t *testing.T) {
	store, keys := testStore(t)
	defer store.Close()

	writer := object.NewWriter(store, keys)

	type stored struct {
		data []byte
		csum objects.Checksum
		loc  objects.ChunkLocation
	}
	chunks := make([]stored, 0)
	for _, size := range []int{1, 4096, 64 * 1024, 1024 * 1024} {
		data, csum := randomChunk(t, size)
		loc, err := writer.WriteChunk(csum, data)
		if err != nil {
			t.Fatalf("WriteChunk failed for %d bytes: %v", size, err)
		}
		chunks = append(chunks, stored{data, csum, loc})
	}
	if err := writer.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	reader := object.NewReader(store, keys)
	for _, chunk := range chunks {
		got, err := reader.ReadChunk(chunk.loc, chunk.csum)
		if err != nil {
			t.Fatalf("ReadChunk failed: %v", err)
		}
		if !bytes.Equal(got, chunk.data) {
			t.Errorf("chunk payload mismatch for %d bytes", len(chunk.data))
		}
	}
}

func TestObjectsAlwaysFullSize(t *testing.T) {
	store, keys := testStore(t)
	defer store.Close()

	writer := object.NewWriter(store, keys)

	// incompressible chunks large enough to force a rotation
	locs := make([]objects.ChunkLocation, 0)
	for i := 0; i < 3; i++ {
		data, csum := randomChunk(t, 1536*1024)
		loc, err := writer.WriteChunk(csum, data)
		if err != nil {
			t.Fatalf("WriteChunk failed: %v", err)
		}
		locs = append(locs, loc)
	}
	if err := writer.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	objectIDs := make(map[objects.ObjectID]struct{})
	for _, loc := range locs {
		objectIDs[loc.Object] = struct{}{}
	}
	if len(objectIDs) < 2 {
		t.Fatalf("expected chunks to span at least two objects, got %d", len(objectIDs))
	}

	list, err := store.ListObjects()
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(list) != len(objectIDs) {
		t.Errorf("stored object count mismatch. Got: %d, Want: %d", len(list), len(objectIDs))
	}
	for _, oid := range list {
		data, err := store.GetObject(oid)
		if err != nil {
			t.Fatalf("GetObject failed: %v", err)
		}
		if len(data) != objects.ObjectSize {
			t.Errorf("object %s is %d bytes, want %d", oid, len(data), objects.ObjectSize)
		}
	}
}

func TestFlushWithoutChunksWritesNothing(t *testing.T) {
	store, keys := testStore(t)
	defer store.Close()

	writer := object.NewWriter(store, keys)
	if err := writer.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	list, err := store.ListObjects()
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("empty flush should not store objects, got %d", len(list))
	}
}

func TestChunkTooLarge(t *testing.T) {
	store, keys := testStore(t)
	defer store.Close()

	writer := object.NewWriter(store, keys)
	data, csum := randomChunk(t, objects.ObjectSize)
	if _, err := writer.WriteChunk(csum, data); !errors.Is(err, object.ErrChunkTooLarge) {
		t.Errorf("WriteChunk should fail with ErrChunkTooLarge, got: %v", err)
	}
}

func TestReadChunkDetectsCorruption(t *testing.T) {
	store, keys := testStore(t)
	defer store.Close()

	writer := object.NewWriter(store, keys)
	data, csum := randomChunk(t, 64*1024)
	loc, err := writer.WriteChunk(csum, data)
	if err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}
	if err := writer.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	raw, err := store.GetObject(loc.Object)
	if err != nil {
		t.Fatalf("GetObject failed: %v", err)
	}
	raw[loc.Offset+loc.Length/2] ^= 0x01
	if err := store.PutObject(loc.Object, raw); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}

	reader := object.NewReader(store, keys)
	if _, err := reader.ReadChunk(loc, csum); !errors.Is(err, object.ErrIntegrity) {
		t.Errorf("ReadChunk should fail with ErrIntegrity, got: %v", err)
	}
}

func TestReadChunkRejectsBadBounds(t *testing.T) {
	store, keys := testStore(t)
	defer store.Close()

	writer := object.NewWriter(store, keys)
	data, csum := randomChunk(t, 4096)
	loc, err := writer.WriteChunk(csum, data)
	if err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}
	if err := writer.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	reader := object.NewReader(store, keys)
	bad := loc
	bad.Offset = objects.ObjectSize - 8
	if _, err := reader.ReadChunk(bad, csum); !errors.Is(err, object.ErrIntegrity) {
		t.Errorf("ReadChunk should reject out-of-bounds locations, got: %v", err)
	}
}
