package index

import (
	"sort"
	"sync"
	"time"

	"github.com/cellarlabs/cellar/objects"
	"github.com/cellarlabs/cellar/profiler"
)

// Index is the authoritative map from content checksum to chunk
// location. It is shared by every commit worker; all other commit
// state is private to a worker lease.
//
// A checksum goes through at most three states: absent, reserved
// (a worker is sealing the chunk), and committed. ResolveOrReserve
// guarantees that exactly one caller wins the reservation for an
// absent checksum, so a chunk is stored at most once no matter how
// many workers race on identical content.
type Index struct {
	shards [shardCount]shard
}

const shardCount = 256

type shard struct {
	mu      sync.Mutex
	entries map[objects.Checksum]*entry
}

type entry struct {
	// ready is closed once the entry leaves the reserved state.
	// loc and committed must only be read after ready is closed.
	ready     chan struct{}
	loc       objects.ChunkLocation
	committed bool
}

// Reservation is the winner's handle on an in-flight checksum. The
// holder must call exactly one of Commit or Release; waiters block
// until it does.
type Reservation struct {
	idx  *Index
	csum objects.Checksum
	ent  *entry
}

func New() *Index {
	idx := &Index{}
	for i := range idx.shards {
		idx.shards[i].entries = make(map[objects.Checksum]*entry)
	}
	return idx
}

func (idx *Index) shard(csum objects.Checksum) *shard {
	return &idx.shards[csum[0]]
}

// ResolveOrReserve returns the location of an already-stored chunk, or
// atomically reserves the checksum and returns a Reservation. When the
// checksum is reserved by another worker, the call blocks until that
// worker commits (location returned) or releases (the race is re-run).
func (idx *Index) ResolveOrReserve(csum objects.Checksum) (objects.ChunkLocation, bool, *Reservation) {
	sh := idx.shard(csum)

	for {
		sh.mu.Lock()
		ent, exists := sh.entries[csum]
		if !exists {
			ent = &entry{ready: make(chan struct{})}
			sh.entries[csum] = ent
			sh.mu.Unlock()
			return objects.ChunkLocation{}, false, &Reservation{idx: idx, csum: csum, ent: ent}
		}
		sh.mu.Unlock()

		<-ent.ready
		if ent.committed {
			return ent.loc, true, nil
		}
		// reservation was released, race for it again
	}
}

// Resolve looks up a committed entry without reserving. In-flight
// reservations are waited out.
func (idx *Index) Resolve(csum objects.Checksum) (objects.ChunkLocation, bool) {
	sh := idx.shard(csum)

	sh.mu.Lock()
	ent, exists := sh.entries[csum]
	sh.mu.Unlock()
	if !exists {
		return objects.ChunkLocation{}, false
	}

	<-ent.ready
	if !ent.committed {
		return objects.ChunkLocation{}, false
	}
	return ent.loc, true
}

// Commit publishes the location for the reserved checksum and wakes
// all waiters.
func (r *Reservation) Commit(loc objects.ChunkLocation) {
	r.ent.loc = loc
	r.ent.committed = true
	close(r.ent.ready)
}

// Release drops the reservation after a failure so another worker can
// retry the checksum.
func (r *Reservation) Release() {
	sh := r.idx.shard(r.csum)
	sh.mu.Lock()
	delete(sh.entries, r.csum)
	sh.mu.Unlock()
	close(r.ent.ready)
}

// Insert records an already-durable entry, bypassing the reservation
// protocol. Used when loading the chunk-list record at stash open.
func (idx *Index) Insert(csum objects.Checksum, loc objects.ChunkLocation) {
	sh := idx.shard(csum)

	ent := &entry{ready: make(chan struct{}), loc: loc, committed: true}
	close(ent.ready)

	sh.mu.Lock()
	sh.entries[csum] = ent
	sh.mu.Unlock()
}

// Load replaces the whole table with the given records.
func (idx *Index) Load(records []objects.ChunkRecord) {
	t0 := time.Now()
	defer func() {
		profiler.RecordEvent("index.Load", time.Since(t0))
	}()

	for i := range idx.shards {
		sh := &idx.shards[i]
		sh.mu.Lock()
		sh.entries = make(map[objects.Checksum]*entry)
		sh.mu.Unlock()
	}
	for _, record := range records {
		idx.Insert(record.Checksum, record.Location)
	}
}

// Records exports every committed entry, sorted by checksum so the
// chunk-list record is deterministic for a given set of chunks.
// In-flight reservations must be settled before calling; commit's
// barrier guarantees that.
func (idx *Index) Records() []objects.ChunkRecord {
	t0 := time.Now()
	defer func() {
		profiler.RecordEvent("index.Records", time.Since(t0))
	}()

	ret := make([]objects.ChunkRecord, 0, idx.Len())
	for i := range idx.shards {
		sh := &idx.shards[i]
		sh.mu.Lock()
		for csum, ent := range sh.entries {
			select {
			case <-ent.ready:
				if ent.committed {
					ret = append(ret, objects.ChunkRecord{Checksum: csum, Location: ent.loc})
				}
			default:
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(ret, func(i, j int) bool {
		return string(ret[i].Checksum[:]) < string(ret[j].Checksum[:])
	})
	return ret
}

func (idx *Index) Len() int {
	count := 0
	for i := range idx.shards {
		sh := &idx.shards[i]
		sh.mu.Lock()
		count += len(sh.entries)
		sh.mu.Unlock()
	}
	return count
}
