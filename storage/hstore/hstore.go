// Package hstore is the persistent hop-scotch hash store: a hop-scotch
// table whose keys, values and segments are allocated from a
// persistence-aware allocator over a memory-mapped region, with an
// atomic journal making multi-step value updates crash-consistent.
package hstore

import (
	"errors"
	"math/bits"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/KinderRiven/comanche/storage/hstore/heap"
	"github.com/KinderRiven/comanche/storage/hstore/hop"
	"github.com/KinderRiven/comanche/storage/hstore/region"
	"github.com/KinderRiven/comanche/storage/kvstore"
)

var _ kvstore.Store = (*HStore)(nil)

// Config controls store construction.
type Config struct {
	// HeapKind selects the allocator variant; zero means rc
	HeapKind heap.Kind
	// Locking enables concurrent use of one pool
	Locking bool
	// Logger defaults to zap.L()
	Logger *zap.Logger
}

// HStore manages pools of the hop-scotch store. Pool handles are
// generational: ids count up and are never reused, so a stale handle
// fails instead of aliasing a newer pool.
type HStore struct {
	logger   *zap.Logger
	heapKind heap.Kind
	locking  bool

	mu     sync.Mutex
	pools  map[kvstore.PoolID]*session
	byPath map[string]kvstore.PoolID
	// fast is the read-mostly cache in front of the registry, standing
	// in for the original per-thread session cache
	fast   sync.Map
	nextID atomic.Uint64
}

// New builds an HStore component.
func New(cfg Config) *HStore {
	if cfg.HeapKind == 0 {
		cfg.HeapKind = heap.KindRC
	}

	if cfg.Logger == nil {
		cfg.Logger = zap.L()
	}

	return &HStore{
		logger:   cfg.Logger,
		heapKind: cfg.HeapKind,
		locking:  cfg.Locking,
		pools:    map[kvstore.PoolID]*session{},
		byPath:   map[string]kvstore.PoolID{},
	}
}

// ThreadSafety reports the configured concurrency contract.
func (store *HStore) ThreadSafety() kvstore.ThreadModel {
	if store.locking {
		return kvstore.ThreadModelMultiPerPool
	}

	return kvstore.ThreadModelSinglePerPool
}

// locate resolves a pool id to its session, trying the read-mostly
// cache before the locked registry.
func (store *HStore) locate(pool kvstore.PoolID) (*session, error) {
	if s, ok := store.fast.Load(pool); ok {
		return s.(*session), nil
	}

	store.mu.Lock()
	s, ok := store.pools[pool]
	store.mu.Unlock()

	if !ok {
		return nil, kvstore.ErrPoolNotFound
	}

	store.fast.Store(pool, s)

	return s, nil
}

// register publishes a session before its id escapes to the caller.
func (store *HStore) register(s *session, path string) {
	store.mu.Lock()
	store.pools[s.id] = s
	store.byPath[path] = s.id
	store.mu.Unlock()
}

// baseLgFor sizes the first segment from the expected object count so
// the table reaches its load threshold right around that many entries.
func baseLgFor(expectedObjCount uint64) uint64 {
	if expectedObjCount == 0 {
		return 6
	}

	want := expectedObjCount * 8 / 7

	lg := uint64(bits.Len64(want))

	if lg < 6 {
		lg = 6
	}

	if lg > 20 {
		lg = 20
	}

	return lg
}

// CreatePool creates, formats and opens a new pool.
func (store *HStore) CreatePool(dir, name string, size uint64, flags kvstore.Flags, expectedObjCount uint64) (kvstore.PoolID, error) {
	path := region.Path(dir, name)

	store.mu.Lock()
	_, open := store.byPath[path]
	store.mu.Unlock()

	if open {
		return kvstore.PoolInvalid, kvstore.ErrAlreadyExists
	}

	reg, err := region.Create(path, size)

	if err != nil {
		if errors.Is(err, region.ErrTooSmall) {
			return kvstore.PoolInvalid, kvstore.ErrBadParam
		}

		return kvstore.PoolInvalid, wrapError("create pool", err)
	}

	p := region.NewPerishable(reg.Persister())
	reg.SetPersister(p)

	alloc, err := heap.Format(reg, store.heapKind)

	if err != nil {
		reg.Close()
		region.Delete(path)

		return kvstore.PoolInvalid, wrapError("format heap", err)
	}

	table, err := hop.Format(reg, alloc, hop.Config{BaseLg: baseLgFor(expectedObjCount), Locking: store.locking})

	if err != nil {
		reg.Close()
		region.Delete(path)

		return kvstore.PoolInvalid, wrapError("format table", err)
	}

	id := kvstore.PoolID(store.nextID.Add(1))
	s := newSession(id, dir, name, reg, alloc, table, p)
	store.register(s, path)

	store.logger.Info("created pool",
		zap.String("dir", dir),
		zap.String("name", name),
		zap.Uint64("size", size))

	return id, nil
}

// OpenPool maps an existing pool, recovers outstanding journal work and
// registers the session.
func (store *HStore) OpenPool(dir, name string, flags kvstore.Flags) (kvstore.PoolID, error) {
	path := region.Path(dir, name)

	store.mu.Lock()
	_, open := store.byPath[path]
	store.mu.Unlock()

	if open {
		return kvstore.PoolInvalid, kvstore.ErrAlreadyExists
	}

	reg, err := region.Open(path)

	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, os.ErrNotExist) {
			return kvstore.PoolInvalid, kvstore.ErrPoolNotFound
		}

		return kvstore.PoolInvalid, wrapError("open pool", err)
	}

	p := region.NewPerishable(reg.Persister())
	reg.SetPersister(p)

	alloc, err := heap.Open(reg)

	if err != nil {
		reg.Close()

		return kvstore.PoolInvalid, wrapError("open heap", err)
	}

	table, err := hop.Open(reg, alloc, hop.Config{Locking: store.locking})

	if err != nil {
		reg.Close()

		return kvstore.PoolInvalid, wrapError("open table", err)
	}

	id := kvstore.PoolID(store.nextID.Add(1))
	s := newSession(id, dir, name, reg, alloc, table, p)
	store.register(s, path)

	store.logger.Info("opened pool", zap.String("dir", dir), zap.String("name", name))

	return id, nil
}

// removeSession unregisters and returns the session for pool.
func (store *HStore) removeSession(pool kvstore.PoolID) (*session, error) {
	store.mu.Lock()
	s, ok := store.pools[pool]

	if ok {
		delete(store.pools, pool)
		delete(store.byPath, region.Path(s.dir, s.name))
	}

	store.mu.Unlock()
	store.fast.Delete(pool)

	if !ok {
		return nil, kvstore.ErrPoolNotFound
	}

	return s, nil
}

// ClosePool unmaps the pool. Nothing is written: durable state was
// fenced by the operations that produced it.
func (store *HStore) ClosePool(pool kvstore.PoolID) error {
	s, err := store.removeSession(pool)

	if err != nil {
		return err
	}

	return s.close()
}

// DeletePool closes the pool and removes its backing file.
func (store *HStore) DeletePool(pool kvstore.PoolID) error {
	s, err := store.removeSession(pool)

	if err != nil {
		return err
	}

	if err := s.close(); err != nil {
		return err
	}

	return region.Delete(region.Path(s.dir, s.name))
}

// DeletePoolByName removes the backing file of a pool that is not open.
func (store *HStore) DeletePoolByName(dir, name string) error {
	path := region.Path(dir, name)

	store.mu.Lock()
	_, open := store.byPath[path]
	store.mu.Unlock()

	if open {
		return kvstore.ErrAlreadyExists
	}

	if err := region.Delete(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return kvstore.ErrPoolNotFound
		}

		return err
	}

	return nil
}

// GetPoolRegions reports the mapped region backing the pool.
func (store *HStore) GetPoolRegions(pool kvstore.PoolID) ([]kvstore.Region, error) {
	s, err := store.locate(pool)

	if err != nil {
		return nil, err
	}

	return []kvstore.Region{{Data: s.reg.Data(), ID: s.name}}, nil
}

// Close shuts the component down, closing any pools still open.
func (store *HStore) Close() error {
	store.mu.Lock()
	sessions := make([]*session, 0, len(store.pools))

	for _, s := range store.pools {
		sessions = append(sessions, s)
	}

	store.pools = map[kvstore.PoolID]*session{}
	store.byPath = map[string]kvstore.PoolID{}
	store.mu.Unlock()

	var firstErr error

	for _, s := range sessions {
		store.fast.Delete(s.id)

		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
