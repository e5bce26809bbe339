package stash

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	chunkers "github.com/PlakarLabs/go-cdc-chunkers"
	"github.com/cellarlabs/cellar/chunking"
	"github.com/cellarlabs/cellar/hashing"
	"github.com/cellarlabs/cellar/object"
	"github.com/cellarlabs/cellar/objects"
	"github.com/cellarlabs/cellar/profiler"
	"github.com/cellarlabs/cellar/record"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/iafan/cwalk"
)

// scanQueueSize bounds the pipeline between the filesystem scan and
// the chunking workers, capping peak memory when scanning outpaces
// encryption and storage throughput.
const scanQueueSize = 1000

type CommitOptions struct {
	MaxConcurrency uint64
	Hostname       string
	Excludes       []glob.Glob
}

type CommitResult struct {
	ID         uuid.UUID
	FileCount  uint64
	ChunkCount uint64
	DedupHits  uint64

	// DataSize counts plaintext bytes chunked; StoredBytes counts
	// sealed bytes appended to new data objects, so a fully
	// deduplicated commit reports zero stored bytes.
	DataSize    uint64
	StoredBytes uint64
}

type commitState struct {
	chunkCount  atomic.Uint64
	dedupHits   atomic.Uint64
	dataSize    atomic.Uint64
	storedBytes atomic.Uint64

	aborted       atomic.Bool
	abortedReason error
}

func (st *commitState) abort(err error) {
	if st.aborted.CompareAndSwap(false, true) {
		st.abortedReason = err
	}
}

// Commit turns the file tree rooted at root into a new stash
// generation. Distinct files are processed concurrently, each worker
// holding its own chunker run and object writer lease; the dedup index
// is the only shared structure. The generation's metadata is written
// only after every lease has flushed, and the root metadata object is
// written last, so an aborted commit leaves the previous generation
// untouched.
func (s *Stash) Commit(ctx context.Context, root string, options *CommitOptions) (*CommitResult, error) {
	t0 := time.Now()
	defer func() {
		profiler.RecordEvent("stash.Commit", time.Since(t0))
		s.logger.Trace("stash", "Commit(%s): %s", root, time.Since(t0))
	}()

	if options == nil {
		options = &CommitOptions{}
	}
	concurrency := options.MaxConcurrency
	if concurrency == 0 {
		concurrency = uint64(runtime.NumCPU())
	}

	root = filepath.Clean(root)
	state := &commitState{}

	scanChan := make(chan string, scanQueueSize)
	var walkErr error
	go func() {
		defer close(scanChan)
		walkErr = cwalk.Walk(root, func(path string, f os.FileInfo, err error) error {
			if err != nil {
				s.logger.Warn("%s: %s", path, err)
				return nil
			}
			for _, exclude := range options.Excludes {
				if exclude.Match(path) {
					return nil
				}
			}
			if !f.Mode().IsRegular() {
				return nil
			}
			select {
			case scanChan <- path:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	entriesChan := make(chan *objects.FileEntry, scanQueueSize)
	entries := make([]*objects.FileEntry, 0)
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for entry := range entriesChan {
			entries = append(entries, entry)
		}
	}()

	wg := sync.WaitGroup{}
	for i := uint64(0); i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			writer := object.NewWriter(s.store, s.keys)
			for pathname := range scanChan {
				if state.aborted.Load() || ctx.Err() != nil {
					continue
				}
				entry, err := s.chunkify(writer, root, pathname, state)
				if err != nil {
					state.abort(err)
					continue
				}
				if entry != nil {
					entriesChan <- entry
				}
			}
			// the lease's last object must be durable before any
			// metadata references its chunks
			if err := writer.Flush(); err != nil {
				state.abort(err)
			}
		}()
	}

	wg.Wait()
	close(entriesChan)
	<-collectorDone

	abortErr := ctx.Err()
	if abortErr == nil && state.aborted.Load() {
		abortErr = state.abortedReason
	}
	if abortErr == nil && walkErr != nil && walkErr != context.Canceled {
		abortErr = walkErr
	}
	if abortErr != nil {
		// drop index entries that may reference unflushed objects
		if err := s.reload(); err != nil {
			s.logger.Error("failed to reload stash generation: %s", err)
		}
		return nil, abortErr
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})

	commitEntry := CommitEntry{
		ID:           uuid.New(),
		CreationTime: time.Now(),
		Hostname:     options.Hostname,
		Root:         root,
		FileCount:    uint64(len(entries)),
		ChunkCount:   state.chunkCount.Load(),
		DataSize:     state.dataSize.Load(),
	}

	if err := s.writeGeneration(entries, commitEntry); err != nil {
		return nil, err
	}
	s.commits = append(s.commits, commitEntry)

	return &CommitResult{
		ID:          commitEntry.ID,
		FileCount:   commitEntry.FileCount,
		ChunkCount:  commitEntry.ChunkCount,
		DedupHits:   state.dedupHits.Load(),
		DataSize:    commitEntry.DataSize,
		StoredBytes: state.storedBytes.Load(),
	}, nil
}

// writeGeneration serializes the file list, the chunk list, and the
// commit history into a fresh metadata generation.
func (s *Stash) writeGeneration(entries []*objects.FileEntry, commitEntry CommitEntry) error {
	t0 := time.Now()
	defer func() {
		profiler.RecordEvent("stash.writeGeneration", time.Since(t0))
	}()

	wr := record.NewWriter(s.store, s.keys)

	if err := wr.BeginField(recordFiles); err != nil {
		return err
	}
	for _, entry := range entries {
		if err := wr.Append(entry); err != nil {
			return err
		}
	}
	if err := wr.EndField(); err != nil {
		return err
	}

	if err := wr.BeginField(recordChunks); err != nil {
		return err
	}
	for _, chunkRecord := range s.idx.Records() {
		if err := wr.Append(chunkRecord); err != nil {
			return err
		}
	}
	if err := wr.EndField(); err != nil {
		return err
	}

	if err := wr.BeginField(recordCommits); err != nil {
		return err
	}
	for _, entry := range s.commits {
		if err := wr.Append(entry); err != nil {
			return err
		}
	}
	if err := wr.Append(commitEntry); err != nil {
		return err
	}
	if err := wr.EndField(); err != nil {
		return err
	}

	if _, err := wr.Commit(); err != nil {
		return err
	}
	return nil
}

// chunkify splits one file into content-defined chunks, storing each
// chunk that the dedup index has not seen. Local read errors are
// logged and skip the file; storage errors are fatal for the commit.
// pathname is relative to root and recorded slash-separated so a
// checkout can rebuild the tree under any destination.
func (s *Stash) chunkify(writer *object.Writer, root string, pathname string, state *commitState) (*objects.FileEntry, error) {
	t0 := time.Now()
	defer func() {
		profiler.RecordEvent("stash.chunkify", time.Since(t0))
	}()

	fp, err := os.Open(filepath.Join(root, pathname))
	if err != nil {
		s.logger.Warn("%s: %s", pathname, err)
		return nil, nil
	}
	defer fp.Close()

	fi, err := fp.Stat()
	if err != nil {
		s.logger.Warn("%s: %s", pathname, err)
		return nil, nil
	}

	entry := &objects.FileEntry{
		Path:    filepath.ToSlash(pathname),
		Size:    fi.Size(),
		Mode:    uint32(fi.Mode()),
		ModTime: fi.ModTime(),
		Chunks:  make([]objects.Chunk, 0),
	}

	fileHasher := hashing.GetHasher(s.Configuration().Hashing)
	firstChunk := true

	processChunk := func(data []byte) error {
		if firstChunk {
			entry.ContentType = mimetype.Detect(data).String()
			firstChunk = false
		}
		fileHasher.Write(data)

		csum := hashing.Checksum(data)
		loc, found, reservation := s.idx.ResolveOrReserve(csum)
		if !found {
			loc, err = writer.WriteChunk(csum, data)
			if err != nil {
				reservation.Release()
				return err
			}
			reservation.Commit(loc)
			state.storedBytes.Add(uint64(loc.Length))
		} else {
			state.dedupHits.Add(1)
		}

		entry.Chunks = append(entry.Chunks, objects.Chunk{
			Checksum: csum,
			Length:   uint32(len(data)),
		})
		state.chunkCount.Add(1)
		state.dataSize.Add(uint64(len(data)))
		return nil
	}

	if fi.Size() == 0 {
		// empty files carry no chunks at all
	} else if fi.Size() < int64(s.Configuration().ChunkingMin) {
		buf, err := io.ReadAll(fp)
		if err != nil {
			s.logger.Warn("%s: %s", pathname, err)
			return nil, nil
		}
		if err := processChunk(buf); err != nil {
			return nil, fmt.Errorf("%s: %w", pathname, err)
		}
	} else {
		config := s.Configuration()
		chk, err := chunking.NewChunkerWithOptions(fp, &chunkers.ChunkerOpts{
			MinSize:    config.ChunkingMin,
			NormalSize: config.ChunkingNormal,
			MaxSize:    config.ChunkingMax,
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", pathname, err)
		}
		for {
			cdcChunk, err := chk.Next()
			if err != nil && err != io.EOF {
				s.logger.Warn("%s: %s", pathname, err)
				return nil, nil
			}
			if cdcChunk != nil {
				if perr := processChunk(cdcChunk); perr != nil {
					return nil, fmt.Errorf("%s: %w", pathname, perr)
				}
			}
			if err == io.EOF {
				break
			}
		}
	}

	copy(entry.Checksum[:], fileHasher.Sum(nil))
	return entry, nil
}
