package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cellarlabs/cellar/chunking"
	"github.com/cellarlabs/cellar/compression"
	"github.com/cellarlabs/cellar/hashing"
	"github.com/cellarlabs/cellar/objects"
	"github.com/cellarlabs/cellar/profiler"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

const VERSION = "0.1.0"

// Configuration is the public, unencrypted description of a stash
// stored in the backend's CONFIG blob. It carries no key material.
type Configuration struct {
	Version      string    `msgpack:"version"`
	StashID      uuid.UUID `msgpack:"stashID"`
	CreationTime time.Time `msgpack:"creationTime"`

	Compression string `msgpack:"compression"`
	Hashing     string `msgpack:"hashing"`

	Chunking       string `msgpack:"chunking"`
	ChunkingMin    int    `msgpack:"chunkingMin"`
	ChunkingNormal int    `msgpack:"chunkingNormal"`
	ChunkingMax    int    `msgpack:"chunkingMax"`
}

func NewConfiguration() Configuration {
	return Configuration{
		Version:        VERSION,
		StashID:        uuid.New(),
		CreationTime:   time.Now(),
		Compression:    compression.DefaultAlgorithm(),
		Hashing:        hashing.DefaultAlgorithm(),
		Chunking:       chunking.DefaultAlgorithm(),
		ChunkingMin:    chunking.MinSize,
		ChunkingNormal: chunking.NormalSize,
		ChunkingMax:    chunking.MaxSize,
	}
}

func (c *Configuration) Serialize() ([]byte, error) {
	serialized, err := msgpack.Marshal(c)
	if err != nil {
		return nil, err
	}
	return compression.DeflateLZ4(serialized)
}

func NewConfigurationFromBytes(serialized []byte) (Configuration, error) {
	var config Configuration
	inflated, err := compression.InflateLZ4(serialized)
	if err != nil {
		return config, err
	}
	if err := msgpack.Unmarshal(inflated, &config); err != nil {
		return config, err
	}
	return config, nil
}

// Backend is the storage collaborator contract: named, opaque,
// fixed-size blobs with no partial writes and no append. Backends do
// their own retrying; callers treat every returned error as fatal.
type Backend interface {
	Create(location string, config Configuration) error
	Open(location string) error
	Configuration() Configuration

	PutObject(oid objects.ObjectID, data []byte) error
	GetObject(oid objects.ObjectID) ([]byte, error)
	ListObjects() ([]objects.ObjectID, error)

	Close() error
}

var muBackends sync.Mutex
var backends map[string]func() Backend = make(map[string]func() Backend)

func Register(name string, backend func() Backend) {
	muBackends.Lock()
	defer muBackends.Unlock()

	if _, ok := backends[name]; ok {
		panic(fmt.Sprintf("storage: backend %q registered twice", name))
	}
	backends[name] = backend
}

func Backends() []string {
	muBackends.Lock()
	defer muBackends.Unlock()

	ret := make([]string, 0, len(backends))
	for name := range backends {
		ret = append(ret, name)
	}
	sort.Strings(ret)
	return ret
}

func backendName(location string) string {
	switch {
	case strings.HasPrefix(location, "s3://"):
		return "s3"
	case strings.HasPrefix(location, "sqlite://"):
		return "database"
	case strings.HasPrefix(location, "memory://"):
		return "memory"
	default:
		return "fs"
	}
}

func newBackend(location string) (Backend, error) {
	muBackends.Lock()
	defer muBackends.Unlock()

	name := backendName(location)
	factory, exists := backends[name]
	if !exists {
		return nil, fmt.Errorf("storage: backend %q is not registered", name)
	}
	return factory(), nil
}

// Store wraps a backend with object size enforcement and tracing. All
// core components talk to a Store, never to a Backend directly.
type Store struct {
	backend  Backend
	location string
}

func Create(location string, config Configuration) (*Store, error) {
	t0 := time.Now()
	defer func() {
		profiler.RecordEvent("storage.Create", time.Since(t0))
	}()

	backend, err := newBackend(location)
	if err != nil {
		return nil, err
	}
	if err := backend.Create(location, config); err != nil {
		return nil, err
	}
	return &Store{backend: backend, location: location}, nil
}

func Open(location string) (*Store, error) {
	t0 := time.Now()
	defer func() {
		profiler.RecordEvent("storage.Open", time.Since(t0))
	}()

	backend, err := newBackend(location)
	if err != nil {
		return nil, err
	}
	if err := backend.Open(location); err != nil {
		return nil, err
	}
	return &Store{backend: backend, location: location}, nil
}

func (s *Store) Location() string {
	return s.location
}

func (s *Store) Configuration() Configuration {
	return s.backend.Configuration()
}

func (s *Store) PutObject(oid objects.ObjectID, data []byte) error {
	t0 := time.Now()
	defer func() {
		profiler.RecordEvent("storage.PutObject", time.Since(t0))
	}()

	if len(data) != objects.ObjectSize {
		return fmt.Errorf("storage: refusing to store object %s with size %d", oid, len(data))
	}
	return s.backend.PutObject(oid, data)
}

func (s *Store) GetObject(oid objects.ObjectID) ([]byte, error) {
	t0 := time.Now()
	defer func() {
		profiler.RecordEvent("storage.GetObject", time.Since(t0))
	}()

	data, err := s.backend.GetObject(oid)
	if err != nil {
		return nil, err
	}
	if len(data) != objects.ObjectSize {
		return nil, fmt.Errorf("storage: object %s has size %d, expected %d",
			oid, len(data), objects.ObjectSize)
	}
	return data, nil
}

func (s *Store) ListObjects() ([]objects.ObjectID, error) {
	t0 := time.Now()
	defer func() {
		profiler.RecordEvent("storage.ListObjects", time.Since(t0))
	}()

	return s.backend.ListObjects()
}

func (s *Store) Close() error {
	return s.backend.Close()
}
