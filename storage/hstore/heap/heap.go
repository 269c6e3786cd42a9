// Package heap sub-allocates chunks from a mapped pool region. Three
// variants share one contract: cc keeps size-class free lists in DRAM and
// persists them on demand, co keeps every free-list link in-region as an
// offset so the lists survive any crash, and rc runs AVL best-fit over
// free extents with neighbor coalescing.
//
// All offsets handed out are region-relative. Metadata mutations follow
// the shadow/publish pattern: write the shadow, fence, publish the root,
// fence. Recovery replays the published root and discards partial shadows.
package heap

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/KinderRiven/comanche/storage/hstore/region"
)

var (
	// ErrOutOfSpace indicates that no free extent can satisfy the request
	ErrOutOfSpace = errors.New("heap out of space")
	// ErrBadAlignment indicates an alignment that is not a power of two
	// or exceeds the page size
	ErrBadAlignment = errors.New("bad alignment")
)

// Allocator is the contract shared by the heap variants.
type Allocator interface {
	// Allocate returns the region offset of a chunk of n bytes aligned to
	// align. align zero means natural (8-byte) alignment.
	Allocate(n, align uint64) (uint64, error)
	// Deallocate returns a chunk to the free set. n must be the size
	// passed to Allocate.
	Deallocate(off, n uint64)
	// Owns reports whether off lies within this heap
	Owns(off uint64) bool
	// PersistFreeList makes the current free set durable. co and rc
	// persist on every mutation, so this is a no-op for them.
	PersistFreeList()
}

// Kind selects the allocator variant. The kind is persisted in the heap
// root so Open recovers the right variant.
type Kind uint64

const (
	// KindCC is the size-class free-list allocator with DRAM lists
	KindCC Kind = 1
	// KindCO is KindCC with all links kept in-region as offsets
	KindCO Kind = 2
	// KindRC is the AVL best-fit allocator
	KindRC Kind = 3
)

// Heap root block layout, within region.HeapRootOff..+HeapRootSize.
const (
	offKind = region.HeapRootOff + 0
	offBase = region.HeapRootOff + 8
	offSize = region.HeapRootOff + 16
	offBump = region.HeapRootOff + 24
	// variant-specific area
	offAux = region.HeapRootOff + 32
)

const (
	// maxAlign is the largest supported alignment
	maxAlign = 4096
	// minChunk is the smallest chunk handed out; free chunks must hold
	// their list links
	minChunk = 32
	// class sizes are powers of two from minChunk up to largeThreshold
	largeThreshold = 4096
	numClasses     = 8
)

func checkAlign(align uint64) error {
	if align == 0 {
		return nil
	}

	if align&(align-1) != 0 || align > maxAlign {
		return ErrBadAlignment
	}

	return nil
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		align = 8
	}

	return (v + align - 1) &^ (align - 1)
}

// classFor maps a request size to its size class, or -1 for large requests.
func classFor(n uint64) int {
	if n > largeThreshold {
		return -1
	}

	if n <= minChunk {
		return 0
	}

	return bits.Len64(n-1) - 5
}

// classSize returns the chunk size of a class.
func classSize(c int) uint64 {
	return minChunk << uint(c)
}

// roundClass rounds a small request up to its class size.
func roundClass(n uint64) uint64 {
	return classSize(classFor(n))
}

// Format initializes a fresh heap of the given kind over the region's
// heap area and fences the root.
func Format(r *region.Region, kind Kind) (Allocator, error) {
	base := uint64(region.HeapBase)
	size := r.Size() - base

	r.PutU64(offKind, uint64(kind))
	r.PutU64(offBase, base)
	r.PutU64(offSize, size)
	r.PutU64(offBump, base)
	r.Persist(offKind, 32)

	switch kind {
	case KindCC:
		return formatCC(r, base, size)
	case KindCO:
		return formatCO(r, base, size)
	case KindRC:
		return formatRC(r, base, size)
	}

	return nil, fmt.Errorf("unknown heap kind %d", kind)
}

// Open recovers the heap of an existing region from its published root.
func Open(r *region.Region) (Allocator, error) {
	kind := Kind(r.U64(offKind))
	base := r.U64(offBase)
	size := r.U64(offSize)

	if base != region.HeapBase || base+size > r.Size() {
		return nil, fmt.Errorf("heap root out of range: base %d size %d", base, size)
	}

	switch kind {
	case KindCC:
		return openCC(r, base, size)
	case KindCO:
		return openCO(r, base, size)
	case KindRC:
		return openRC(r, base, size)
	}

	return nil, fmt.Errorf("unknown heap kind %d", kind)
}

// KindByName maps a configuration string to a heap kind.
func KindByName(name string) (Kind, error) {
	switch name {
	case "cc":
		return KindCC, nil
	case "co":
		return KindCO, nil
	case "", "rc":
		return KindRC, nil
	}

	return 0, fmt.Errorf("unknown heap variant %q", name)
}
