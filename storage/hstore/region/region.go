// Package region maps pool files into memory and provides the durability
// fence used by everything layered above it. All persisted pointers are
// region-relative offsets so a pool remains valid when it is mapped at a
// different address on reopen.
package region

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Magic is the first eight bytes of every pool region.
var Magic = [8]byte{'H', 'S', 'T', 'O', 'R', 'E', 0, 0}

// Version is the persisted layout version. Format changes require
// offline migration.
const Version uint64 = 1

// Fixed layout of the region header. Offsets are from the start of the
// region, little-endian throughout.
const (
	OffMagic   = 0
	OffVersion = 8

	// HeapRootOff is the allocator root block. Its interpretation is
	// allocator-variant specific.
	HeapRootOff  = 16
	HeapRootSize = 128

	// Table root.
	OffSegDir         = 144
	OffSegCountActual = 152
	OffSegCountTarget = 160
	OffLoadFactorBits = 168
	OffResizeCursor   = 176
	OffElementCount   = 184
	OffBaseLgCount    = 192

	// SegDirOff is the segment directory: SegDirEntries region offsets.
	SegDirOff     = 256
	SegDirEntries = 64

	// CtlArenaOff is the atomic-control record arena.
	CtlArenaOff  = 4096
	CtlArenaSize = 4096

	// HeapBase is where the allocator heap starts.
	HeapBase = 8192

	// MinPoolSize leaves room for the header, the control arena and a
	// useful heap.
	MinPoolSize = 64 * 1024
)

var (
	// ErrCorrupt indicates that a region does not carry the expected
	// magic or version. This is fatal: the pool cannot be opened.
	ErrCorrupt = errors.New("corrupt region: bad magic or version")
	// ErrTooSmall indicates a pool size below MinPoolSize
	ErrTooSmall = errors.New("pool size too small")
)

// Region is one mapped pool file.
type Region struct {
	f         *os.File
	data      []byte
	path      string
	persister Persister
}

// Path returns the backing file path for dir and name.
func Path(dir, name string) string {
	return filepath.Join(dir, name+".pool")
}

// Create creates and maps a new pool region of the given size. The header
// is written and fenced before Create returns.
func Create(path string, size uint64) (*Region, error) {
	if size < MinPoolSize {
		return nil, ErrTooSmall
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)

	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("pool file %s already exists", path)
		}

		return nil, fmt.Errorf("could not create pool file %s: %s", path, err.Error())
	}

	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)

		return nil, fmt.Errorf("could not size pool file %s: %s", path, err.Error())
	}

	r, err := mapFile(f, path)

	if err != nil {
		f.Close()
		os.Remove(path)

		return nil, err
	}

	copy(r.data[OffMagic:], Magic[:])
	r.PutU64(OffVersion, Version)
	r.Persist(0, 16)

	return r, nil
}

// Open maps an existing pool region and validates its header.
func Open(path string) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)

	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no pool file at %s: %w", path, os.ErrNotExist)
		}

		return nil, fmt.Errorf("could not open pool file %s: %s", path, err.Error())
	}

	r, err := mapFile(f, path)

	if err != nil {
		f.Close()

		return nil, err
	}

	if [8]byte(r.data[OffMagic:OffMagic+8]) != Magic || r.U64(OffVersion) != Version {
		r.Close()

		return nil, ErrCorrupt
	}

	return r, nil
}

func mapFile(f *os.File, path string) (*Region, error) {
	fi, err := f.Stat()

	if err != nil {
		return nil, fmt.Errorf("could not stat pool file %s: %s", path, err.Error())
	}

	if fi.Size() < MinPoolSize {
		return nil, ErrTooSmall
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

	if err != nil {
		return nil, fmt.Errorf("could not map pool file %s: %s", path, err.Error())
	}

	r := &Region{f: f, data: data, path: path}
	r.persister = &msyncPersister{data: data}

	return r, nil
}

// Delete removes the backing file of a pool that is not mapped.
func Delete(path string) error {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no pool file at %s: %w", path, os.ErrNotExist)
		}

		return err
	}

	return nil
}

// Close unmaps the region. Nothing is written: all durable state was
// already fenced by the operations that produced it.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}

	err := unix.Munmap(r.data)
	r.data = nil

	if cerr := r.f.Close(); err == nil {
		err = cerr
	}

	return err
}

// Data returns the mapped bytes.
func (r *Region) Data() []byte {
	return r.data
}

// Size returns the region size in bytes.
func (r *Region) Size() uint64 {
	return uint64(len(r.data))
}

// FilePath returns the backing file path.
func (r *Region) FilePath() string {
	return r.path
}

// U64 reads a little-endian uint64 at off.
func (r *Region) U64(off uint64) uint64 {
	return binary.LittleEndian.Uint64(r.data[off:])
}

// PutU64 writes a little-endian uint64 at off. The caller fences.
func (r *Region) PutU64(off, v uint64) {
	binary.LittleEndian.PutUint64(r.data[off:], v)
}

// Persist fences [off, off+n) to the backing store.
func (r *Region) Persist(off, n uint64) {
	r.persister.Persist(off, n)
}

// SetPersister overrides the durability fence. Used by tests to count or
// fail fences.
func (r *Region) SetPersister(p Persister) {
	r.persister = p
}

// Persister returns the active durability fence.
func (r *Region) Persister() Persister {
	return r.persister
}
