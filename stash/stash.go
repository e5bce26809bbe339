package stash

import (
	"fmt"
	"io"
	"time"

	"github.com/cellarlabs/cellar/encryption"
	"github.com/cellarlabs/cellar/index"
	"github.com/cellarlabs/cellar/logging"
	"github.com/cellarlabs/cellar/objects"
	"github.com/cellarlabs/cellar/profiler"
	"github.com/cellarlabs/cellar/record"
	"github.com/cellarlabs/cellar/storage"
	"github.com/google/uuid"
)

// Record field names of a stash generation. The chunk list doubles as
// the durable form of the dedup index; there is no separate index
// state anywhere in the backend.
const (
	recordFiles   = "files"
	recordChunks  = "chunks"
	recordCommits = "commits"
)

// CommitEntry describes one successful commit, stored in the commits
// record so history survives across generations.
type CommitEntry struct {
	ID           uuid.UUID `msgpack:"id"`
	CreationTime time.Time `msgpack:"creationTime"`
	Hostname     string    `msgpack:"hostname,omitempty"`
	Root         string    `msgpack:"root"`
	FileCount    uint64    `msgpack:"fileCount"`
	ChunkCount   uint64    `msgpack:"chunkCount"`
	DataSize     uint64    `msgpack:"dataSize"`
}

// Stash is a backup destination's root of trust: the derived key set,
// the open storage backend, and the in-memory dedup index for the
// current generation.
type Stash struct {
	store  *storage.Store
	keys   *encryption.KeyManager
	idx    *index.Index
	logger *logging.Logger

	commits []CommitEntry
}

// Create initializes a stash at location and writes its first, empty
// generation so the root metadata object always exists.
func Create(location string, username string, passphrase []byte, logger *logging.Logger) (*Stash, error) {
	t0 := time.Now()
	defer func() {
		profiler.RecordEvent("stash.Create", time.Since(t0))
	}()

	store, err := storage.Create(location, storage.NewConfiguration())
	if err != nil {
		return nil, err
	}

	keys, err := encryption.DeriveKeyManager(username, passphrase)
	if err != nil {
		store.Close()
		return nil, err
	}

	s := &Stash{
		store:  store,
		keys:   keys,
		idx:    index.New(),
		logger: logger,
	}

	wr := record.NewWriter(store, keys)
	for _, name := range []string{recordFiles, recordChunks, recordCommits} {
		if err := wr.BeginField(name); err != nil {
			store.Close()
			return nil, err
		}
		if err := wr.EndField(); err != nil {
			store.Close()
			return nil, err
		}
	}
	if _, err := wr.Commit(); err != nil {
		store.Close()
		return nil, err
	}

	logger.Trace("stash", "created %s", location)
	return s, nil
}

// Open opens an existing stash, derives its keys, and loads the chunk
// list of the latest generation into the dedup index. A wrong
// passphrase surfaces here, as the root metadata object fails to open.
func Open(location string, username string, passphrase []byte, logger *logging.Logger) (*Stash, error) {
	t0 := time.Now()
	defer func() {
		profiler.RecordEvent("stash.Open", time.Since(t0))
	}()

	store, err := storage.Open(location)
	if err != nil {
		return nil, err
	}

	keys, err := encryption.DeriveKeyManager(username, passphrase)
	if err != nil {
		store.Close()
		return nil, err
	}

	s := &Stash{
		store:  store,
		keys:   keys,
		idx:    index.New(),
		logger: logger,
	}
	if err := s.reload(); err != nil {
		store.Close()
		return nil, err
	}

	logger.Trace("stash", "opened %s: %d chunks, %d commits",
		location, s.idx.Len(), len(s.commits))
	return s, nil
}

// reload replaces the in-memory index and commit history with the
// latest durable generation.
func (s *Stash) reload() error {
	rd := record.NewReader(s.store, s.keys)
	if err := rd.Open(); err != nil {
		return fmt.Errorf("failed to open stash generation: %w", err)
	}

	chunks, err := rd.Field(recordChunks)
	if err != nil {
		return err
	}
	records := make([]objects.ChunkRecord, 0)
	for {
		var chunkRecord objects.ChunkRecord
		if err := chunks.Next(&chunkRecord); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		records = append(records, chunkRecord)
	}
	s.idx.Load(records)

	commits, err := rd.Field(recordCommits)
	if err != nil {
		return err
	}
	s.commits = s.commits[:0]
	for {
		var entry CommitEntry
		if err := commits.Next(&entry); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		s.commits = append(s.commits, entry)
	}
	return nil
}

func (s *Stash) Location() string {
	return s.store.Location()
}

func (s *Stash) Configuration() storage.Configuration {
	return s.store.Configuration()
}

func (s *Stash) Logger() *logging.Logger {
	return s.logger
}

// ChunkCount reports how many distinct chunks the stash holds.
func (s *Stash) ChunkCount() int {
	return s.idx.Len()
}

// Commits returns the commit history of the current generation, oldest
// first.
func (s *Stash) Commits() []CommitEntry {
	ret := make([]CommitEntry, len(s.commits))
	copy(ret, s.commits)
	return ret
}

// ForEachFile streams the file list of the current generation without
// materializing it.
func (s *Stash) ForEachFile(fn func(*objects.FileEntry) error) error {
	rd := record.NewReader(s.store, s.keys)
	if err := rd.Open(); err != nil {
		return err
	}
	files, err := rd.Field(recordFiles)
	if err != nil {
		return err
	}
	for {
		var entry objects.FileEntry
		if err := files.Next(&entry); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := fn(&entry); err != nil {
			return err
		}
	}
}

func (s *Stash) Close() error {
	return s.store.Close()
}
