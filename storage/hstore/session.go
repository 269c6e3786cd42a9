package hstore

import (
	"sync"

	"github.com/KinderRiven/comanche/storage/hstore/heap"
	"github.com/KinderRiven/comanche/storage/hstore/hop"
	"github.com/KinderRiven/comanche/storage/hstore/region"
	"github.com/KinderRiven/comanche/storage/kvstore"
)

// session is the per-open-pool runtime state: the mapped region, the
// allocator rooted in it, and the table view over both. Sessions are not
// persisted; closing a pool destroys its session and unmaps the region
// without writing anything.
type session struct {
	id   kvstore.PoolID
	dir  string
	name string

	reg        *region.Region
	alloc      heap.Allocator
	table      *hop.Table
	perishable *region.Perishable

	lockMu     sync.Mutex
	keyLocks   map[string]*keyLock
	handles    map[kvstore.LockHandle]string
	nextHandle uint64
}

// keyLock is the shared/exclusive pin state of one key's value bytes.
type keyLock struct {
	readers int
	writer  bool
}

func newSession(id kvstore.PoolID, dir, name string, reg *region.Region, alloc heap.Allocator, table *hop.Table, p *region.Perishable) *session {
	return &session{
		id:         id,
		dir:        dir,
		name:       name,
		reg:        reg,
		alloc:      alloc,
		table:      table,
		perishable: p,
		keyLocks:   map[string]*keyLock{},
		handles:    map[kvstore.LockHandle]string{},
	}
}

// tryLock attempts to pin key without blocking. It reports success; a
// failed attempt changes nothing.
func (s *session) tryLock(key string, lt kvstore.LockType) (kvstore.LockHandle, bool) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	kl := s.keyLocks[key]

	if kl == nil {
		kl = &keyLock{}
		s.keyLocks[key] = kl
	}

	switch lt {
	case kvstore.LockRead:
		if kl.writer {
			return kvstore.LockNone, false
		}

		kl.readers++
	case kvstore.LockWrite:
		if kl.writer || kl.readers > 0 {
			return kvstore.LockNone, false
		}

		kl.writer = true
	default:
		return kvstore.LockNone, false
	}

	s.nextHandle++
	h := kvstore.LockHandle(s.nextHandle)
	s.handles[h] = key

	return h, true
}

// unlock releases a handle returned by tryLock.
func (s *session) unlock(h kvstore.LockHandle) error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	key, ok := s.handles[h]

	if !ok {
		return kvstore.ErrKeyNotFound
	}

	delete(s.handles, h)
	kl := s.keyLocks[key]

	if kl.writer {
		kl.writer = false
	} else if kl.readers > 0 {
		kl.readers--
	}

	if !kl.writer && kl.readers == 0 {
		delete(s.keyLocks, key)
	}

	return nil
}

func (s *session) close() error {
	return s.reg.Close()
}
