// Package state holds the in-memory entity table and the staging
// buffers that accumulate changes between broadcast ticks.
package state

import "sync"

const (
	numShards = 64
	shardMask = numShards - 1
)

// Store is the entity table, keyed by entity name. Entries are
// partitioned across a fixed number of shards so that writers on
// distinct names rarely contend and no operation takes a global lock.
type Store struct {
	shards [numShards]storeShard
}

type storeShard struct {
	mu      sync.RWMutex
	entries map[string]*Entity
}

// NewStore returns an empty store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*Entity)
	}
	return s
}

// Inlined FNV-1a; hash/fnv would allocate on every lookup.
func (s *Store) shard(name string) *storeShard {
	const offset32, prime32 = 2166136261, 16777619
	h := uint32(offset32)
	for i := 0; i < len(name); i++ {
		h ^= uint32(name[i])
		h *= prime32
	}
	return &s.shards[h&shardMask]
}

// Get returns a copy of the named entity.
func (s *Store) Get(name string) (Entity, bool) {
	sh := s.shard(name)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[name]
	if !ok {
		return Entity{}, false
	}
	return Entity{Fields: e.Fields.Clone(), UpdatedAt: e.UpdatedAt}, true
}

// Put inserts or replaces the named entity and reports whether it
// already existed. The store takes ownership of e.Fields; callers must
// not mutate the map afterwards.
func (s *Store) Put(name string, e Entity) bool {
	sh := s.shard(name)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, existed := sh.entries[name]
	sh.entries[name] = &e
	return existed
}

// Contains reports whether the named entity exists.
func (s *Store) Contains(name string) bool {
	sh := s.shard(name)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.entries[name]
	return ok
}

// Len counts entities across all shards.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Mutate runs fn on the named entity under its shard's write lock and
// reports whether the entity existed. fn must not call back into the
// store.
func (s *Store) Mutate(name string, fn func(*Entity)) bool {
	sh := s.shard(name)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[name]
	if !ok {
		return false
	}
	fn(e)
	return true
}

// Range calls fn for every entity while holding the owning shard's
// write lock, so fn may mutate the entity in place. fn must not call
// back into the store. Iteration order is unspecified.
func (s *Store) Range(fn func(name string, e *Entity)) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for name, e := range sh.entries {
			fn(name, e)
		}
		sh.mu.Unlock()
	}
}

// SnapshotFields copies every entity's field map. The result is safe to
// serialize without further locking.
func (s *Store) SnapshotFields() map[string]Fields {
	out := make(map[string]Fields, s.Len())
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for name, e := range sh.entries {
			out[name] = e.Fields.Clone()
		}
		sh.mu.RUnlock()
	}
	return out
}

// Snapshot copies every entity record, timestamps included.
func (s *Store) Snapshot() map[string]Entity {
	out := make(map[string]Entity, s.Len())
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for name, e := range sh.entries {
			out[name] = Entity{Fields: e.Fields.Clone(), UpdatedAt: e.UpdatedAt}
		}
		sh.mu.RUnlock()
	}
	return out
}

// Retain keeps entities for which keep returns true and returns the
// names of those removed. keep runs under the shard's write lock and
// must not call back into the store.
func (s *Store) Retain(keep func(name string, e *Entity) bool) []string {
	var removed []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for name, e := range sh.entries {
			if !keep(name, e) {
				delete(sh.entries, name)
				removed = append(removed, name)
			}
		}
		sh.mu.Unlock()
	}
	return removed
}
