package hstore

import (
	"go.uber.org/zap"

	"github.com/KinderRiven/comanche/storage/hstore/hop"
	"github.com/KinderRiven/comanche/storage/kvstore"
)

// Put stores value under key, replacing any existing value. A same-size
// replacement is replayed in place as an atomic update; a different-size
// replacement reallocates through the journaled replace path.
func (store *HStore) Put(pool kvstore.PoolID, key string, value []byte) error {
	if value == nil {
		return kvstore.ErrBadParam
	}

	s, err := store.locate(pool)

	if err != nil {
		return err
	}

	err = s.table.Insert([]byte(key), value)

	if err == nil {
		return nil
	}

	if err != hop.ErrKeyExists {
		return wrapPutError(err)
	}

	old, _ := s.table.Get([]byte(key))

	if len(old) != len(value) {
		return wrapPutError(s.table.EnterReplace([]byte(key), value))
	}

	return wrapPutError(s.table.EnterUpdate([]byte(key), []kvstore.Operation{kvstore.WriteOp(0, value)}))
}

// PutDirect is Put from caller-registered memory. The mapped-region
// store has no registration step, so it is plain Put.
func (store *HStore) PutDirect(pool kvstore.PoolID, key string, value []byte) error {
	return store.Put(pool, key, value)
}

// Get returns a copy of the value stored under key.
func (store *HStore) Get(pool kvstore.PoolID, key string) ([]byte, error) {
	s, err := store.locate(pool)

	if err != nil {
		return nil, err
	}

	v, ok := s.table.Get([]byte(key))

	if !ok {
		return nil, kvstore.ErrKeyNotFound
	}

	out := make([]byte, len(v))
	copy(out, v)

	return out, nil
}

// GetDirect copies the value into buf. An undersized buf is left
// untouched; the required length comes back with ErrInsufficientBuffer
// so the caller can size a retry.
func (store *HStore) GetDirect(pool kvstore.PoolID, key string, buf []byte) (int, error) {
	s, err := store.locate(pool)

	if err != nil {
		return 0, err
	}

	v, ok := s.table.Get([]byte(key))

	if !ok {
		return 0, kvstore.ErrKeyNotFound
	}

	if len(buf) < len(v) {
		return len(v), kvstore.ErrInsufficientBuffer
	}

	copy(buf, v)

	return len(v), nil
}

// Erase removes key and releases its value storage.
func (store *HStore) Erase(pool kvstore.PoolID, key string) error {
	s, err := store.locate(pool)

	if err != nil {
		return err
	}

	if !s.table.Erase([]byte(key)) {
		return kvstore.ErrKeyNotFound
	}

	return nil
}

// Count reports the number of live entries.
func (store *HStore) Count(pool kvstore.PoolID) (uint64, error) {
	s, err := store.locate(pool)

	if err != nil {
		return 0, err
	}

	return s.table.Count(), nil
}

// Lock pins the value bytes of key. An absent key is created with an
// uninitialized value of size bytes; a failed pin returns LockNone and
// creates nothing.
func (store *HStore) Lock(pool kvstore.PoolID, key string, lt kvstore.LockType, size uint64) (kvstore.LockHandle, []byte, error) {
	s, err := store.locate(pool)

	if err != nil {
		return kvstore.LockNone, nil, err
	}

	v, ok := s.table.Get([]byte(key))

	if !ok {
		h, locked := s.tryLock(key, lt)

		if !locked {
			return kvstore.LockNone, nil, nil
		}

		v, err = s.table.InsertSized([]byte(key), size)

		if err != nil {
			s.unlock(h)

			return kvstore.LockNone, nil, wrapPutError(err)
		}

		return h, v, nil
	}

	h, locked := s.tryLock(key, lt)

	if !locked {
		return kvstore.LockNone, nil, nil
	}

	return h, v, nil
}

// Unlock releases a handle returned by Lock.
func (store *HStore) Unlock(pool kvstore.PoolID, handle kvstore.LockHandle) error {
	if handle == kvstore.LockNone {
		return nil
	}

	s, err := store.locate(pool)

	if err != nil {
		return err
	}

	return s.unlock(handle)
}

// Apply invokes fn on the value bytes of key in place. An absent key is
// created with an uninitialized value of objectSize bytes.
func (store *HStore) Apply(pool kvstore.PoolID, key string, fn func(value []byte), objectSize uint64, takeLock bool) error {
	s, err := store.locate(pool)

	if err != nil {
		return err
	}

	v, ok := s.table.Get([]byte(key))

	if !ok {
		v, err = s.table.InsertSized([]byte(key), objectSize)

		if err != nil {
			return wrapPutError(err)
		}
	}

	if takeLock {
		h, locked := s.tryLock(key, kvstore.LockWrite)

		if !locked {
			return kvstore.ErrFail
		}

		defer s.unlock(h)
	}

	fn(v)

	return nil
}

// AtomicUpdate applies ops to the value of key as one crash-atomic unit.
func (store *HStore) AtomicUpdate(pool kvstore.PoolID, key string, ops []kvstore.Operation, takeLock bool) error {
	s, err := store.locate(pool)

	if err != nil {
		return err
	}

	if takeLock {
		h, locked := s.tryLock(key, kvstore.LockWrite)

		if !locked {
			return kvstore.ErrFail
		}

		defer s.unlock(h)
	}

	return wrapError("atomic update", s.table.EnterUpdate([]byte(key), ops))
}

// Map invokes fn for every live entry in bucket-directory order. The
// value slice is a view into the mapped region.
func (store *HStore) Map(pool kvstore.PoolID, fn func(key string, value []byte) bool) error {
	s, err := store.locate(pool)

	if err != nil {
		return err
	}

	s.table.ForEach(func(key, value []byte) bool {
		return fn(string(key), value)
	})

	return nil
}

// FreeMemory releases a buffer allocated by Get. Buffers are garbage
// collected, so this is a contract no-op.
func (store *HStore) FreeMemory(buf []byte) error {
	return nil
}

// Debug commands: 0 arms the failure-injecting fence with arg != 0,
// 1 resets its countdown to arg fences, 2 returns a bucket-walk entry
// count cross-checking the element counter.
func (store *HStore) Debug(pool kvstore.PoolID, cmd uint, arg uint64) (uint64, error) {
	s, err := store.locate(pool)

	if err != nil {
		return 0, err
	}

	switch cmd {
	case 0:
		s.perishable.Enable(arg != 0)
	case 1:
		s.perishable.Reset(arg)
	case 2:
		return s.table.WalkCount(), nil
	default:
		store.logger.Debug("unknown debug command", zap.Uint("cmd", cmd))
	}

	return 0, nil
}

// Ioctl is not supported by this component.
func (store *HStore) Ioctl(cmd string) error {
	return kvstore.ErrNotSupported
}
