package stash

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cellarlabs/cellar/object"
	"github.com/cellarlabs/cellar/objects"
	"github.com/cellarlabs/cellar/profiler"
	"github.com/gobwas/glob"
)

type CheckoutOptions struct {
	MaxConcurrency uint64
	Includes       []glob.Glob
}

// CheckoutFailure reports one file the checkout could not restore.
// Integrity failures on a shared chunk surface once per file whose
// content overlaps the damaged region.
type CheckoutFailure struct {
	Path string
	Err  error
}

type CheckoutResult struct {
	FileCount uint64
	DataSize  uint64
	Failures  []CheckoutFailure
}

// Checkout materializes the latest generation's file tree under
// destination. Files restore concurrently, each worker holding its own
// object reader cache. A file that fails to restore is reported and
// removed; the remaining files are unaffected.
func (s *Stash) Checkout(ctx context.Context, destination string, options *CheckoutOptions) (*CheckoutResult, error) {
	t0 := time.Now()
	defer func() {
		profiler.RecordEvent("stash.Checkout", time.Since(t0))
		s.logger.Trace("stash", "Checkout(%s): %s", destination, time.Since(t0))
	}()

	if options == nil {
		options = &CheckoutOptions{}
	}
	concurrency := options.MaxConcurrency
	if concurrency == 0 {
		concurrency = uint64(runtime.NumCPU())
	}

	if err := os.MkdirAll(destination, 0700); err != nil {
		return nil, err
	}

	entriesChan := make(chan *objects.FileEntry, scanQueueSize)
	failuresChan := make(chan CheckoutFailure, scanQueueSize)
	failures := make([]CheckoutFailure, 0)
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for failure := range failuresChan {
			failures = append(failures, failure)
		}
	}()

	var fileCount atomic.Uint64
	var dataSize atomic.Uint64

	wg := sync.WaitGroup{}
	for i := uint64(0); i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reader := object.NewReader(s.store, s.keys)
			for entry := range entriesChan {
				if ctx.Err() != nil {
					continue
				}
				if err := s.restoreEntry(reader, destination, entry); err != nil {
					s.logger.Warn("%s: %s", entry.Path, err)
					failuresChan <- CheckoutFailure{Path: entry.Path, Err: err}
					continue
				}
				fileCount.Add(1)
				dataSize.Add(uint64(entry.Size))
			}
		}()
	}

	err := s.ForEachFile(func(entry *objects.FileEntry) error {
		if len(options.Includes) != 0 {
			matched := false
			for _, include := range options.Includes {
				if include.Match(entry.Path) {
					matched = true
					break
				}
			}
			if !matched {
				return nil
			}
		}
		select {
		case entriesChan <- entry:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	close(entriesChan)
	wg.Wait()
	close(failuresChan)
	<-collectorDone

	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &CheckoutResult{
		FileCount: fileCount.Load(),
		DataSize:  dataSize.Load(),
		Failures:  failures,
	}, nil
}

// restoreEntry rebuilds one file from its chunk references. The file
// is staged next to its final name and renamed once every chunk has
// decrypted and verified, so a failed restore never leaves a truncated
// file behind.
func (s *Stash) restoreEntry(reader *object.Reader, destination string, entry *objects.FileEntry) error {
	t0 := time.Now()
	defer func() {
		profiler.RecordEvent("stash.restoreEntry", time.Since(t0))
	}()

	dest := filepath.Join(destination, filepath.FromSlash(entry.Path))
	if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	for _, chunk := range entry.Chunks {
		loc, found := s.idx.Resolve(chunk.Checksum)
		if !found {
			tmp.Close()
			return fmt.Errorf("chunk %x not present in stash", chunk.Checksum)
		}
		data, err := reader.ReadChunk(loc, chunk.Checksum)
		if err != nil {
			tmp.Close()
			return err
		}
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			return err
		}
	}

	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), os.FileMode(entry.Mode).Perm()); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return err
	}
	return os.Chtimes(dest, entry.ModTime, entry.ModTime)
}
