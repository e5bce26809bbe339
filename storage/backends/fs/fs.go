package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cellarlabs/cellar/objects"
	"github.com/cellarlabs/cellar/storage"
)

type Store struct {
	config storage.Configuration
	root   string
}

func init() {
	storage.Register("fs", NewStore)
}

func NewStore() storage.Backend {
	return &Store{}
}

func trimLocation(location string) string {
	return strings.TrimPrefix(location, "fs://")
}

func (s *Store) Create(location string, config storage.Configuration) error {
	s.root = trimLocation(location)

	if err := os.Mkdir(s.root, 0700); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(s.root, "objects"), 0700); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(s.root, "tmp"), 0700); err != nil {
		return err
	}
	for i := 0; i < 256; i++ {
		err := os.MkdirAll(filepath.Join(s.root, "objects", fmt.Sprintf("%02x", i)), 0700)
		if err != nil {
			return err
		}
	}

	serialized, err := config.Serialize()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.root, "CONFIG"), serialized, 0600); err != nil {
		return err
	}

	s.config = config
	return nil
}

func (s *Store) Open(location string) error {
	s.root = trimLocation(location)

	serialized, err := os.ReadFile(filepath.Join(s.root, "CONFIG"))
	if err != nil {
		return err
	}
	config, err := storage.NewConfigurationFromBytes(serialized)
	if err != nil {
		return err
	}

	s.config = config
	return nil
}

func (s *Store) Configuration() storage.Configuration {
	return s.config
}

func (s *Store) objectPath(oid objects.ObjectID) string {
	name := oid.String()
	return filepath.Join(s.root, "objects", fmt.Sprintf("%02x", oid[0]), name)
}

// PutObject stages the object in tmp and renames it into place so a
// crashed put never leaves a partial object visible.
func (s *Store) PutObject(oid objects.ObjectID, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), oid.String())
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.objectPath(oid))
}

func (s *Store) GetObject(oid objects.ObjectID) ([]byte, error) {
	return os.ReadFile(s.objectPath(oid))
}

func (s *Store) ListObjects() ([]objects.ObjectID, error) {
	ret := make([]objects.ObjectID, 0)

	buckets, err := os.ReadDir(filepath.Join(s.root, "objects"))
	if err != nil {
		return nil, err
	}
	for _, bucket := range buckets {
		if !bucket.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.root, "objects", bucket.Name()))
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			oid, err := objects.ParseObjectID(entry.Name())
			if err != nil {
				continue
			}
			ret = append(ret, oid)
		}
	}
	return ret, nil
}

func (s *Store) Close() error {
	return nil
}
