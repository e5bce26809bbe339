package storage_test

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/cellarlabs/cellar/objects"
	"github.com/cellarlabs/cellar/storage"

	_ "github.com/cellarlabs/cellar/storage/backends/fs"
	_ "github.com/cellarlabs/cellar/storage/backends/memory"
)

func testObject(t *testing.T) (objects.ObjectID, []byte) {
	data := make([]byte, objects.ObjectSize)
	if _, err := rand.Read(data[:64*1024]); err != nil {
		t.Fatalf("rand.Read failed: %v", err)
	}
	return objects.NewObjectID(), data
}

func testStoreRoundTrip(t *testing.T, location string) {
	store, err := storage.Create(location, storage.NewConfiguration())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	oid, data := testObject(t)
	if err := store.PutObject(oid, data); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	store, err = storage.Open(location)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	got, err := store.GetObject(oid)
	if err != nil {
		t.Fatalf("GetObject failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("object payload mismatch after reopen")
	}

	list, err := store.ListObjects()
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(list) != 1 || list[0] != oid {
		t.Errorf("ListObjects mismatch. Got: %v, Want: [%s]", list, oid)
	}

	if _, err := store.GetObject(objects.NewObjectID()); err == nil {
		t.Errorf("GetObject should fail for a missing object")
	}
}

func TestMemoryStore(t *testing.T) {
	testStoreRoundTrip(t, fmt.Sprintf("memory://%s", t.Name()))
}

func TestFSStore(t *testing.T) {
	testStoreRoundTrip(t, t.TempDir()+"/store")
}

func TestStoreRejectsWrongSize(t *testing.T) {
	store, err := storage.Create(fmt.Sprintf("memory://%s", t.Name()), storage.NewConfiguration())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer store.Close()

	if err := store.PutObject(objects.NewObjectID(), make([]byte, 1024)); err == nil {
		t.Errorf("PutObject should reject undersized objects")
	}
}

func TestConfigurationPersists(t *testing.T) {
	location := fmt.Sprintf("memory://%s", t.Name())
	config := storage.NewConfiguration()

	store, err := storage.Create(location, config)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	store.Close()

	store, err = storage.Open(location)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	reopened := store.Configuration()
	if reopened.StashID != config.StashID {
		t.Errorf("StashID mismatch. Got: %s, Want: %s", reopened.StashID, config.StashID)
	}
	if reopened.Chunking != config.Chunking || reopened.ChunkingMax != config.ChunkingMax {
		t.Errorf("chunking configuration mismatch after reopen")
	}
}

func TestCreateRefusesExisting(t *testing.T) {
	location := fmt.Sprintf("memory://%s", t.Name())
	store, err := storage.Create(location, storage.NewConfiguration())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	store.Close()

	if _, err := storage.Create(location, storage.NewConfiguration()); err == nil {
		t.Errorf("Create should refuse an already initialized location")
	}
}
