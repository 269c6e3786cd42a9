package heap

import (
	"sync"

	"github.com/KinderRiven/comanche/storage/hstore/region"
)

// coHeap is the offset-based variant: every free-list link lives in the
// region and every mutation is fenced as it happens, so the free set is
// fully recovered after any crash. Link layout matches cc: next at +0,
// size at +8 for large chunks. All links are region offsets, valid no
// matter where the region is mapped.
type coHeap struct {
	mu   sync.Mutex
	r    *region.Region
	base uint64
	size uint64
	bump uint64
}

func formatCO(r *region.Region, base, size uint64) (*coHeap, error) {
	for c := 0; c < numClasses; c++ {
		r.PutU64(ccClassHeads+uint64(c)*8, 0)
	}

	r.PutU64(ccLargeHead, 0)
	r.Persist(ccClassHeads, (numClasses+1)*8)

	return &coHeap{r: r, base: base, size: size, bump: base}, nil
}

func openCO(r *region.Region, base, size uint64) (*coHeap, error) {
	return &coHeap{r: r, base: base, size: size, bump: r.U64(offBump)}, nil
}

func (h *coHeap) Allocate(n, align uint64) (uint64, error) {
	if err := checkAlign(align); err != nil {
		return 0, err
	}

	if n == 0 {
		n = 1
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if c := classFor(n); c >= 0 {
		if off, ok := h.unlink(ccClassHeads+uint64(c)*8, align, 0); ok {
			return off, nil
		}

		return h.bumpAlloc(classSize(c), align)
	}

	if off, ok := h.unlink(ccLargeHead, align, n); ok {
		return off, nil
	}

	return h.bumpAlloc(n, align)
}

// unlink removes the first fitting chunk from a persisted list. minSize
// zero means any chunk fits (class lists hold one size). Each link
// rewrite is fenced before the next, so a crash mid-unlink leaves the
// list either intact or already shortened.
func (h *coHeap) unlink(headOff, align, minSize uint64) (uint64, bool) {
	prev := headOff

	for off := h.r.U64(headOff); off != 0; off = h.r.U64(off) {
		fits := alignUp(off, align) == off && (minSize == 0 || h.r.U64(off+8) >= minSize)

		if fits {
			h.r.PutU64(prev, h.r.U64(off))
			h.r.Persist(prev, 8)

			return off, true
		}

		prev = off
	}

	return 0, false
}

func (h *coHeap) bumpAlloc(n, align uint64) (uint64, error) {
	off := alignUp(h.bump, align)

	if off+n > h.base+h.size {
		return 0, ErrOutOfSpace
	}

	h.bump = off + alignUp(n, 8)
	h.r.PutU64(offBump, h.bump)
	h.r.Persist(offBump, 8)

	return off, nil
}

func (h *coHeap) Deallocate(off, n uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	headOff := uint64(ccLargeHead)

	if c := classFor(n); c >= 0 {
		headOff = ccClassHeads + uint64(c)*8
	} else {
		h.r.PutU64(off+8, n)
	}

	// shadow first: the chunk's link is written and fenced before the
	// head publishes it
	h.r.PutU64(off, h.r.U64(headOff))
	h.r.Persist(off, 16)
	h.r.PutU64(headOff, off)
	h.r.Persist(headOff, 8)
}

func (h *coHeap) Owns(off uint64) bool {
	return off >= h.base && off < h.base+h.size
}

// PersistFreeList is a no-op: every link mutation is already fenced.
func (h *coHeap) PersistFreeList() {}
