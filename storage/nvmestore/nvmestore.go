// Package nvmestore is the append-only store variant: values go into an
// append-only block log, and an embedded B-tree catalog maps each key to
// its log extent. Erase drops the catalog record; log space is reclaimed
// only by offline compaction.
package nvmestore

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/KinderRiven/comanche/blockdev"
	"github.com/KinderRiven/comanche/storage/kvstore"
)

var _ kvstore.Store = (*NVMeStore)(nil)

var (
	bucketCatalog = []byte("catalog")
	bucketMeta    = []byte("meta")
	keyNextLBA    = []byte("next_lba")
)

// catalog record: lba, byte length, crc of the value. 24 bytes.
const recordSize = 24

// Config controls store construction.
type Config struct {
	// BlockCount sizes newly created volumes
	BlockCount uint64
	// Logger defaults to zap.L()
	Logger *zap.Logger
}

// NVMeStore manages append-log pools.
type NVMeStore struct {
	logger     *zap.Logger
	blockCount uint64

	mu     sync.Mutex
	pools  map[kvstore.PoolID]*pool
	byName map[string]kvstore.PoolID
	nextID atomic.Uint64
}

type pool struct {
	dir  string
	name string

	device  blockdev.Device
	catalog *bolt.DB

	// writeMu serializes appends: the log tail is single-writer
	writeMu sync.Mutex
	queue   chan blockdev.Completion
}

// New builds an NVMeStore component.
func New(cfg Config) *NVMeStore {
	if cfg.BlockCount == 0 {
		cfg.BlockCount = 4096
	}

	if cfg.Logger == nil {
		cfg.Logger = zap.L()
	}

	return &NVMeStore{
		logger:     cfg.Logger,
		blockCount: cfg.BlockCount,
		pools:      map[kvstore.PoolID]*pool{},
		byName:     map[string]kvstore.PoolID{},
	}
}

// ThreadSafety: one goroutine per open pool.
func (store *NVMeStore) ThreadSafety() kvstore.ThreadModel {
	return kvstore.ThreadModelSinglePerPool
}

func logPath(dir, name string) string {
	return filepath.Join(dir, name+".log")
}

func catalogPath(dir, name string) string {
	return filepath.Join(dir, name+".catalog")
}

// openCatalog opens the bbolt catalog, retrying a busy file lock with
// bounded exponential backoff.
func openCatalog(path string) (*bolt.DB, error) {
	var db *bolt.DB

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8)

	err := backoff.Retry(func() error {
		var err error
		db, err = bolt.Open(path, 0644, &bolt.Options{Timeout: 100 * time.Millisecond})

		return err
	}, policy)

	if err != nil {
		return nil, errors.Wrapf(err, "could not open catalog at %s", path)
	}

	if err := db.Update(func(txn *bolt.Tx) error {
		if _, err := txn.CreateBucketIfNotExists(bucketCatalog); err != nil {
			return err
		}

		_, err := txn.CreateBucketIfNotExists(bucketMeta)

		return err
	}); err != nil {
		db.Close()

		return nil, errors.Wrap(err, "could not ensure catalog buckets")
	}

	return db, nil
}

func (store *NVMeStore) locate(id kvstore.PoolID) (*pool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	p, ok := store.pools[id]

	if !ok {
		return nil, kvstore.ErrPoolNotFound
	}

	return p, nil
}

func (store *NVMeStore) openPool(dir, name string, create bool, size uint64) (kvstore.PoolID, error) {
	store.mu.Lock()
	_, open := store.byName[poolKey(dir, name)]
	store.mu.Unlock()

	if open {
		return kvstore.PoolInvalid, kvstore.ErrAlreadyExists
	}

	if !create {
		if _, err := os.Stat(logPath(dir, name)); os.IsNotExist(err) {
			return kvstore.PoolInvalid, kvstore.ErrPoolNotFound
		}
	}

	blockCount := store.blockCount

	if create && size > 0 {
		blockCount = (size + blockdev.FileBlockSize - 1) / blockdev.FileBlockSize
	}

	device, err := blockdev.OpenFileDevice(logPath(dir, name), blockCount)

	if err != nil {
		return kvstore.PoolInvalid, err
	}

	catalog, err := openCatalog(catalogPath(dir, name))

	if err != nil {
		device.Close()

		return kvstore.PoolInvalid, err
	}

	id := kvstore.PoolID(store.nextID.Add(1))
	p := &pool{
		dir:     dir,
		name:    name,
		device:  device,
		catalog: catalog,
		queue:   make(chan blockdev.Completion, 16),
	}

	store.mu.Lock()
	store.pools[id] = p
	store.byName[poolKey(dir, name)] = id
	store.mu.Unlock()

	return id, nil
}

func poolKey(dir, name string) string {
	return dir + "/" + name
}

func (store *NVMeStore) CreatePool(dir, name string, size uint64, flags kvstore.Flags, expectedObjCount uint64) (kvstore.PoolID, error) {
	return store.openPool(dir, name, true, size)
}

func (store *NVMeStore) OpenPool(dir, name string, flags kvstore.Flags) (kvstore.PoolID, error) {
	return store.openPool(dir, name, false, 0)
}

func (store *NVMeStore) removePool(id kvstore.PoolID) (*pool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	p, ok := store.pools[id]

	if !ok {
		return nil, kvstore.ErrPoolNotFound
	}

	delete(store.pools, id)
	delete(store.byName, poolKey(p.dir, p.name))

	return p, nil
}

func (store *NVMeStore) ClosePool(id kvstore.PoolID) error {
	p, err := store.removePool(id)

	if err != nil {
		return err
	}

	return p.close()
}

func (p *pool) close() error {
	err := p.catalog.Close()

	if derr := p.device.Close(); err == nil {
		err = derr
	}

	return err
}

func (store *NVMeStore) DeletePool(id kvstore.PoolID) error {
	p, err := store.removePool(id)

	if err != nil {
		return err
	}

	if err := p.close(); err != nil {
		return err
	}

	return removeFiles(p.dir, p.name)
}

func (store *NVMeStore) DeletePoolByName(dir, name string) error {
	store.mu.Lock()
	_, open := store.byName[poolKey(dir, name)]
	store.mu.Unlock()

	if open {
		return kvstore.ErrAlreadyExists
	}

	return removeFiles(dir, name)
}

func (store *NVMeStore) GetPoolRegions(id kvstore.PoolID) ([]kvstore.Region, error) {
	if _, err := store.locate(id); err != nil {
		return nil, err
	}

	return nil, kvstore.ErrNotSupported
}

func encodeRecord(lba, length uint64, crc uint32) []byte {
	rec := make([]byte, recordSize)
	binary.LittleEndian.PutUint64(rec[0:], lba)
	binary.LittleEndian.PutUint64(rec[8:], length)
	binary.LittleEndian.PutUint32(rec[16:], crc)

	return rec
}

func decodeRecord(rec []byte) (lba, length uint64, crc uint32, err error) {
	if len(rec) != recordSize {
		return 0, 0, 0, errors.New("catalog record has wrong size")
	}

	return binary.LittleEndian.Uint64(rec[0:]),
		binary.LittleEndian.Uint64(rec[8:]),
		binary.LittleEndian.Uint32(rec[16:]),
		nil
}

// Put appends the value blocks to the log, waits for the write
// completion, then commits the catalog record. A crash between the two
// leaves dangling log blocks but never a record pointing at bad data.
func (store *NVMeStore) Put(id kvstore.PoolID, key string, value []byte) error {
	if value == nil || key == "" {
		return kvstore.ErrBadParam
	}

	p, err := store.locate(id)

	if err != nil {
		return err
	}

	info := p.device.GetVolumeInfo()
	nblocks := (uint64(len(value)) + info.BlockSize - 1) / info.BlockSize

	if nblocks == 0 {
		nblocks = 1
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	lba, err := p.reserve(nblocks, info.BlockCount)

	if err != nil {
		return err
	}

	buf := make([]byte, nblocks*info.BlockSize)
	copy(buf, value)

	if err := p.device.AsyncWrite(buf, lba, p.queue, lba); err != nil {
		return errors.Wrap(err, "log append failed")
	}

	// block-layer completion wait
	completion := <-p.queue

	if completion.Err != nil {
		return errors.Wrap(completion.Err, "log append failed")
	}

	rec := encodeRecord(lba, uint64(len(value)), crc32.ChecksumIEEE(value))

	return p.catalog.Update(func(txn *bolt.Tx) error {
		return txn.Bucket(bucketCatalog).Put([]byte(key), rec)
	})
}

// reserve claims nblocks at the log tail and persists the new tail.
func (p *pool) reserve(nblocks, blockCount uint64) (uint64, error) {
	var lba uint64

	err := p.catalog.Update(func(txn *bolt.Tx) error {
		meta := txn.Bucket(bucketMeta)

		if raw := meta.Get(keyNextLBA); raw != nil {
			lba = binary.LittleEndian.Uint64(raw)
		}

		if lba+nblocks > blockCount {
			return kvstore.ErrTooLarge
		}

		next := make([]byte, 8)
		binary.LittleEndian.PutUint64(next, lba+nblocks)

		return meta.Put(keyNextLBA, next)
	})

	if err != nil {
		return 0, err
	}

	return lba, nil
}

func (store *NVMeStore) PutDirect(id kvstore.PoolID, key string, value []byte) error {
	return store.Put(id, key, value)
}

func (store *NVMeStore) readValue(p *pool, key string) ([]byte, error) {
	var rec []byte

	err := p.catalog.View(func(txn *bolt.Tx) error {
		raw := txn.Bucket(bucketCatalog).Get([]byte(key))

		if raw == nil {
			return kvstore.ErrKeyNotFound
		}

		rec = make([]byte, len(raw))
		copy(rec, raw)

		return nil
	})

	if err != nil {
		return nil, err
	}

	lba, length, crc, err := decodeRecord(rec)

	if err != nil {
		return nil, err
	}

	info := p.device.GetVolumeInfo()
	nblocks := (length + info.BlockSize - 1) / info.BlockSize

	if nblocks == 0 {
		nblocks = 1
	}

	buf := make([]byte, nblocks*info.BlockSize)

	if err := p.device.Read(buf, lba); err != nil {
		return nil, err
	}

	value := buf[:length]

	if crc32.ChecksumIEEE(value) != crc {
		return nil, errors.Errorf("catalog record for %q fails checksum", key)
	}

	return value, nil
}

func (store *NVMeStore) Get(id kvstore.PoolID, key string) ([]byte, error) {
	p, err := store.locate(id)

	if err != nil {
		return nil, err
	}

	return store.readValue(p, key)
}

func (store *NVMeStore) GetDirect(id kvstore.PoolID, key string, buf []byte) (int, error) {
	p, err := store.locate(id)

	if err != nil {
		return 0, err
	}

	value, err := store.readValue(p, key)

	if err != nil {
		return 0, err
	}

	if len(buf) < len(value) {
		return len(value), kvstore.ErrInsufficientBuffer
	}

	copy(buf, value)

	return len(value), nil
}

func (store *NVMeStore) Erase(id kvstore.PoolID, key string) error {
	p, err := store.locate(id)

	if err != nil {
		return err
	}

	return p.catalog.Update(func(txn *bolt.Tx) error {
		b := txn.Bucket(bucketCatalog)

		if b.Get([]byte(key)) == nil {
			return kvstore.ErrKeyNotFound
		}

		return b.Delete([]byte(key))
	})
}

func (store *NVMeStore) Count(id kvstore.PoolID) (uint64, error) {
	p, err := store.locate(id)

	if err != nil {
		return 0, err
	}

	var n uint64

	err = p.catalog.View(func(txn *bolt.Tx) error {
		n = uint64(txn.Bucket(bucketCatalog).Stats().KeyN)

		return nil
	})

	return n, err
}

// Map visits catalog entries in key order, reading each value from the
// log.
func (store *NVMeStore) Map(id kvstore.PoolID, fn func(key string, value []byte) bool) error {
	p, err := store.locate(id)

	if err != nil {
		return err
	}

	var keys []string

	err = p.catalog.View(func(txn *bolt.Tx) error {
		return txn.Bucket(bucketCatalog).ForEach(func(k, v []byte) error {
			keys = append(keys, string(k))

			return nil
		})
	})

	if err != nil {
		return err
	}

	for _, key := range keys {
		value, err := store.readValue(p, key)

		if err != nil {
			return err
		}

		if !fn(key, value) {
			return nil
		}
	}

	return nil
}

// The append store has no in-place value bytes to pin or mutate.

func (store *NVMeStore) Lock(id kvstore.PoolID, key string, lt kvstore.LockType, size uint64) (kvstore.LockHandle, []byte, error) {
	return kvstore.LockNone, nil, kvstore.ErrNotSupported
}

func (store *NVMeStore) Unlock(id kvstore.PoolID, handle kvstore.LockHandle) error {
	return kvstore.ErrNotSupported
}

func (store *NVMeStore) Apply(id kvstore.PoolID, key string, fn func(value []byte), objectSize uint64, takeLock bool) error {
	return kvstore.ErrNotSupported
}

func (store *NVMeStore) AtomicUpdate(id kvstore.PoolID, key string, ops []kvstore.Operation, takeLock bool) error {
	return kvstore.ErrNotSupported
}

func (store *NVMeStore) FreeMemory(buf []byte) error {
	return nil
}

func (store *NVMeStore) Debug(id kvstore.PoolID, cmd uint, arg uint64) (uint64, error) {
	return 0, nil
}

func (store *NVMeStore) Ioctl(cmd string) error {
	return kvstore.ErrNotSupported
}

func (store *NVMeStore) Close() error {
	store.mu.Lock()
	pools := make([]*pool, 0, len(store.pools))

	for _, p := range store.pools {
		pools = append(pools, p)
	}

	store.pools = map[kvstore.PoolID]*pool{}
	store.byName = map[string]kvstore.PoolID{}
	store.mu.Unlock()

	var firstErr error

	for _, p := range pools {
		if err := p.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
