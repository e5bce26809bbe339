package memory

import (
	"fmt"
	"sync"

	"github.com/cellarlabs/cellar/objects"
	"github.com/cellarlabs/cellar/storage"
)

// volumes associates locations with their in-memory content so a stash
// can be reopened within the same process. Nothing survives the
// process; this backend exists for tests and throwaway stashes.
var muVolumes sync.Mutex
var volumes map[string]*volume = make(map[string]*volume)

type volume struct {
	config storage.Configuration

	muObjects sync.RWMutex
	objects   map[objects.ObjectID][]byte
}

type Store struct {
	vol *volume
}

func init() {
	storage.Register("memory", NewStore)
}

func NewStore() storage.Backend {
	return &Store{}
}

func (s *Store) Create(location string, config storage.Configuration) error {
	muVolumes.Lock()
	defer muVolumes.Unlock()

	if _, exists := volumes[location]; exists {
		return fmt.Errorf("memory: volume %q already exists", location)
	}
	s.vol = &volume{
		config:  config,
		objects: make(map[objects.ObjectID][]byte),
	}
	volumes[location] = s.vol
	return nil
}

func (s *Store) Open(location string) error {
	muVolumes.Lock()
	defer muVolumes.Unlock()

	vol, exists := volumes[location]
	if !exists {
		return fmt.Errorf("memory: no such volume %q", location)
	}
	s.vol = vol
	return nil
}

func (s *Store) Configuration() storage.Configuration {
	return s.vol.config
}

func (s *Store) PutObject(oid objects.ObjectID, data []byte) error {
	s.vol.muObjects.Lock()
	defer s.vol.muObjects.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)
	s.vol.objects[oid] = buf
	return nil
}

func (s *Store) GetObject(oid objects.ObjectID) ([]byte, error) {
	s.vol.muObjects.RLock()
	defer s.vol.muObjects.RUnlock()

	data, exists := s.vol.objects[oid]
	if !exists {
		return nil, fmt.Errorf("memory: no such object %s", oid)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

func (s *Store) ListObjects() ([]objects.ObjectID, error) {
	s.vol.muObjects.RLock()
	defer s.vol.muObjects.RUnlock()

	ret := make([]objects.ObjectID, 0, len(s.vol.objects))
	for oid := range s.vol.objects {
		ret = append(ret, oid)
	}
	return ret, nil
}

func (s *Store) Close() error {
	return nil
}
