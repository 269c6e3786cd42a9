// Package mapstore is the in-memory store variant: the same pool
// contract as the persistent components, indexed by a sorted red-black
// tree. Pools live for the process; there is nothing to recover.
package mapstore

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/KinderRiven/comanche/storage/kvstore"
)

var _ kvstore.Store = (*MapStore)(nil)

// MapStore manages in-memory pools.
type MapStore struct {
	logger *zap.Logger

	mu     sync.Mutex
	pools  map[kvstore.PoolID]*pool
	byName map[string]kvstore.PoolID
	nextID atomic.Uint64
}

type pool struct {
	dir  string
	name string

	mu     sync.RWMutex
	index  *Index
	values map[string][]byte

	lockMu     sync.Mutex
	keyLocks   map[string]*keyLock
	handles    map[kvstore.LockHandle]string
	nextHandle uint64
}

type keyLock struct {
	readers int
	writer  bool
}

// New builds a MapStore.
func New(logger *zap.Logger) *MapStore {
	if logger == nil {
		logger = zap.L()
	}

	return &MapStore{
		logger: logger,
		pools:  map[kvstore.PoolID]*pool{},
		byName: map[string]kvstore.PoolID{},
	}
}

// ThreadSafety: concurrent readers xor one writer per pool.
func (store *MapStore) ThreadSafety() kvstore.ThreadModel {
	return kvstore.ThreadModelRWLockPerPool
}

func poolKey(dir, name string) string {
	return dir + "/" + name
}

func (store *MapStore) locate(id kvstore.PoolID) (*pool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	p, ok := store.pools[id]

	if !ok {
		return nil, kvstore.ErrPoolNotFound
	}

	return p, nil
}

// CreatePool creates an in-memory pool. Size is accepted for contract
// symmetry and otherwise ignored.
func (store *MapStore) CreatePool(dir, name string, size uint64, flags kvstore.Flags, expectedObjCount uint64) (kvstore.PoolID, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if _, exists := store.byName[poolKey(dir, name)]; exists {
		return kvstore.PoolInvalid, kvstore.ErrAlreadyExists
	}

	id := kvstore.PoolID(store.nextID.Add(1))
	store.pools[id] = &pool{
		dir:      dir,
		name:     name,
		index:    NewIndex(),
		values:   map[string][]byte{},
		keyLocks: map[string]*keyLock{},
		handles:  map[kvstore.LockHandle]string{},
	}
	store.byName[poolKey(dir, name)] = id

	return id, nil
}

// OpenPool reopens a pool created earlier in this process.
func (store *MapStore) OpenPool(dir, name string, flags kvstore.Flags) (kvstore.PoolID, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	id, ok := store.byName[poolKey(dir, name)]

	if !ok {
		return kvstore.PoolInvalid, kvstore.ErrPoolNotFound
	}

	return id, nil
}

// ClosePool is a no-op for in-memory pools: contents stay until delete.
func (store *MapStore) ClosePool(id kvstore.PoolID) error {
	_, err := store.locate(id)

	return err
}

// DeletePool discards the pool and its contents.
func (store *MapStore) DeletePool(id kvstore.PoolID) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	p, ok := store.pools[id]

	if !ok {
		return kvstore.ErrPoolNotFound
	}

	delete(store.pools, id)
	delete(store.byName, poolKey(p.dir, p.name))

	return nil
}

// DeletePoolByName discards a pool by name.
func (store *MapStore) DeletePoolByName(dir, name string) error {
	store.mu.Lock()
	id, ok := store.byName[poolKey(dir, name)]
	store.mu.Unlock()

	if !ok {
		return kvstore.ErrPoolNotFound
	}

	return store.DeletePool(id)
}

// GetPoolRegions is meaningless for DRAM pools.
func (store *MapStore) GetPoolRegions(id kvstore.PoolID) ([]kvstore.Region, error) {
	if _, err := store.locate(id); err != nil {
		return nil, err
	}

	return nil, kvstore.ErrNotSupported
}

func (store *MapStore) Put(id kvstore.PoolID, key string, value []byte) error {
	if value == nil {
		return kvstore.ErrBadParam
	}

	p, err := store.locate(id)

	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.values[key]; !exists {
		p.index.Insert(key)
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	p.values[key] = stored

	return nil
}

func (store *MapStore) PutDirect(id kvstore.PoolID, key string, value []byte) error {
	return store.Put(id, key, value)
}

func (store *MapStore) Get(id kvstore.PoolID, key string) ([]byte, error) {
	p, err := store.locate(id)

	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	v, ok := p.values[key]

	if !ok {
		return nil, kvstore.ErrKeyNotFound
	}

	out := make([]byte, len(v))
	copy(out, v)

	return out, nil
}

func (store *MapStore) GetDirect(id kvstore.PoolID, key string, buf []byte) (int, error) {
	p, err := store.locate(id)

	if err != nil {
		return 0, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	v, ok := p.values[key]

	if !ok {
		return 0, kvstore.ErrKeyNotFound
	}

	if len(buf) < len(v) {
		return len(v), kvstore.ErrInsufficientBuffer
	}

	copy(buf, v)

	return len(v), nil
}

func (store *MapStore) Erase(id kvstore.PoolID, key string) error {
	p, err := store.locate(id)

	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.values[key]; !ok {
		return kvstore.ErrKeyNotFound
	}

	delete(p.values, key)
	p.index.Erase(key)

	return nil
}

func (store *MapStore) Count(id kvstore.PoolID) (uint64, error) {
	p, err := store.locate(id)

	if err != nil {
		return 0, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.index.Count(), nil
}

func (store *MapStore) Lock(id kvstore.PoolID, key string, lt kvstore.LockType, size uint64) (kvstore.LockHandle, []byte, error) {
	p, err := store.locate(id)

	if err != nil {
		return kvstore.LockNone, nil, err
	}

	p.mu.Lock()
	v, exists := p.values[key]

	if !exists {
		h, locked := p.tryLock(key, lt)

		if !locked {
			p.mu.Unlock()

			return kvstore.LockNone, nil, nil
		}

		v = make([]byte, size)
		p.values[key] = v
		p.index.Insert(key)
		p.mu.Unlock()

		return h, v, nil
	}

	p.mu.Unlock()

	h, locked := p.tryLock(key, lt)

	if !locked {
		return kvstore.LockNone, nil, nil
	}

	return h, v, nil
}

func (p *pool) tryLock(key string, lt kvstore.LockType) (kvstore.LockHandle, bool) {
	p.lockMu.Lock()
	defer p.lockMu.Unlock()

	kl := p.keyLocks[key]

	if kl == nil {
		kl = &keyLock{}
		p.keyLocks[key] = kl
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

	p.nextHandle++
	h := kvstore.LockHandle(p.nextHandle)
	p.handles[h] = key

	return h, true
}

func (store *MapStore) Unlock(id kvstore.PoolID, handle kvstore.LockHandle) error {
	if handle == kvstore.LockNone {
		return nil
	}

	p, err := store.locate(id)

	if err != nil {
		return err
	}

	p.lockMu.Lock()
	defer p.lockMu.Unlock()

	key, ok := p.handles[handle]

	if !ok {
		return kvstore.ErrKeyNotFound
	}

	delete(p.handles, handle)
	kl := p.keyLocks[key]

	if kl.writer {
		kl.writer = false
	} else if kl.readers > 0 {
		kl.readers--
	}

	if !kl.writer && kl.readers == 0 {
		delete(p.keyLocks, key)
	}

	return nil
}

func (store *MapStore) Apply(id kvstore.PoolID, key string, fn func(value []byte), objectSize uint64, takeLock bool) error {
	p, err := store.locate(id)

	if err != nil {
		return err
	}

	p.mu.Lock()
	v, exists := p.values[key]

	if !exists {
		v = make([]byte, objectSize)
		p.values[key] = v
		p.index.Insert(key)
	}

	p.mu.Unlock()

	if takeLock {
		h, locked := p.tryLock(key, kvstore.LockWrite)

		if !locked {
			return kvstore.ErrFail
		}

		defer func() {
			p.lockMu.Lock()
			delete(p.handles, h)
			kl := p.keyLocks[key]
			kl.writer = false

			if kl.readers == 0 {
				delete(p.keyLocks, key)
			}

			p.lockMu.Unlock()
		}()
	}

	fn(v)

	return nil
}

func (store *MapStore) AtomicUpdate(id kvstore.PoolID, key string, ops []kvstore.Operation, takeLock bool) error {
	p, err := store.locate(id)

	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.values[key]

	if !ok {
		return kvstore.ErrKeyNotFound
	}

	for _, op := range ops {
		switch op.Type {
		case kvstore.OpWrite:
			if uint64(len(op.Data)) != op.Size {
				return kvstore.ErrBadParam
			}

			if op.Offset+op.Size > uint64(len(v)) {
				return kvstore.ErrBadOffset
			}

			copy(v[op.Offset:op.Offset+op.Size], op.Data)
		case kvstore.OpZero:
			if op.Offset+op.Size > uint64(len(v)) {
				return kvstore.ErrBadOffset
			}

			z := v[op.Offset : op.Offset+op.Size]

			for i := range z {
				z[i] = 0
			}
		case kvstore.OpIncrementUint64:
			if op.Offset+8 > uint64(len(v)) {
				return kvstore.ErrBadOffset
			}

			binary.LittleEndian.PutUint64(v[op.Offset:], binary.LittleEndian.Uint64(v[op.Offset:])+1)
		case kvstore.OpCASUint64:
			if op.Offset+8 > uint64(len(v)) {
				return kvstore.ErrBadOffset
			}

			if binary.LittleEndian.Uint64(v[op.Offset:]) == op.Expected {
				binary.LittleEndian.PutUint64(v[op.Offset:], op.New)
			}
		default:
			return kvstore.ErrBadParam
		}
	}

	return nil
}

// Map visits entries in ascending key order: the index is sorted, so
// bucket-directory order here is lexicographic.
func (store *MapStore) Map(id kvstore.PoolID, fn func(key string, value []byte) bool) error {
	p, err := store.locate(id)

	if err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	p.index.ForEach(func(key string) bool {
		return fn(key, p.values[key])
	})

	return nil
}

func (store *MapStore) FreeMemory(buf []byte) error {
	return nil
}

func (store *MapStore) Debug(id kvstore.PoolID, cmd uint, arg uint64) (uint64, error) {
	p, err := store.locate(id)

	if err != nil {
		return 0, err
	}

	if cmd == 2 {
		p.mu.RLock()
		defer p.mu.RUnlock()

		return uint64(len(p.values)), nil
	}

	return 0, nil
}

func (store *MapStore) Ioctl(cmd string) error {
	return kvstore.ErrNotSupported
}

func (store *MapStore) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.pools = map[kvstore.PoolID]*pool{}
	store.byName = map[string]kvstore.PoolID{}

	return nil
}
