package heap

import (
	"sync"

	"github.com/KinderRiven/comanche/storage/hstore/region"
)

// cc aux layout: eight persisted class heads, then the large-list head.
// Links of persisted free chunks live in the first bytes of each chunk:
// next offset at +0, and for large chunks the chunk size at +8.
const (
	ccClassHeads = offAux
	ccLargeHead  = offAux + numClasses*8
)

type extent struct {
	off  uint64
	size uint64
}

// ccHeap keeps its free lists in DRAM. Frees become durable only when
// PersistFreeList writes the lists back into the region; a crash before
// that leaks the unfenced frees but never corrupts live data.
type ccHeap struct {
	mu    sync.Mutex
	r     *region.Region
	base  uint64
	size  uint64
	bump  uint64
	free  [numClasses][]uint64
	large []extent
}

func formatCC(r *region.Region, base, size uint64) (*ccHeap, error) {
	for c := 0; c < numClasses; c++ {
		r.PutU64(ccClassHeads+uint64(c)*8, 0)
	}

	r.PutU64(ccLargeHead, 0)
	r.Persist(ccClassHeads, (numClasses+1)*8)

	return &ccHeap{r: r, base: base, size: size, bump: base}, nil
}

func openCC(r *region.Region, base, size uint64) (*ccHeap, error) {
	h := &ccHeap{r: r, base: base, size: size, bump: r.U64(offBump)}

	for c := 0; c < numClasses; c++ {
		for off := r.U64(ccClassHeads + uint64(c)*8); off != 0; off = r.U64(off) {
			h.free[c] = append(h.free[c], off)
		}
	}

	for off := r.U64(ccLargeHead); off != 0; off = r.U64(off) {
		h.large = append(h.large, extent{off: off, size: r.U64(off + 8)})
	}

	return h, nil
}

func (h *ccHeap) Allocate(n, align uint64) (uint64, error) {
	if err := checkAlign(align); err != nil {
		return 0, err
	}

	if n == 0 {
		n = 1
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if c := classFor(n); c >= 0 {
		if off, ok := takeAligned(&h.free[c], align); ok {
			return off, nil
		}

		return h.bumpAlloc(classSize(c), align)
	}

	for i, e := range h.large {
		if e.size >= n && alignUp(e.off, align) == e.off {
			h.large = append(h.large[:i], h.large[i+1:]...)

			return e.off, nil
		}
	}

	return h.bumpAlloc(n, align)
}

func takeAligned(list *[]uint64, align uint64) (uint64, bool) {
	for i, off := range *list {
		if alignUp(off, align) == off {
			*list = append((*list)[:i], (*list)[i+1:]...)

			return off, true
		}
	}

	return 0, false
}

// bumpAlloc carves a fresh chunk from the unused tail of the heap and
// publishes the new bump pointer. The caller holds the lock.
func (h *ccHeap) bumpAlloc(n, align uint64) (uint64, error) {
	off := alignUp(h.bump, align)

	if off+n > h.base+h.size {
		return 0, ErrOutOfSpace
	}

	h.bump = off + alignUp(n, 8)
	h.r.PutU64(offBump, h.bump)
	h.r.Persist(offBump, 8)

	return off, nil
}

func (h *ccHeap) Deallocate(off, n uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c := classFor(n); c >= 0 {
		h.free[c] = append(h.free[c], off)

		return
	}

	h.large = append(h.large, extent{off: off, size: n})
}

func (h *ccHeap) Owns(off uint64) bool {
	return off >= h.base && off < h.base+h.size
}

// PersistFreeList threads the DRAM lists through the free chunks
// themselves and publishes the heads.
func (h *ccHeap) PersistFreeList() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := 0; c < numClasses; c++ {
		next := uint64(0)

		for _, off := range h.free[c] {
			h.r.PutU64(off, next)
			h.r.Persist(off, 8)
			next = off
		}

		h.r.PutU64(ccClassHeads+uint64(c)*8, next)
	}

	next := uint64(0)

	for _, e := range h.large {
		h.r.PutU64(e.off, next)
		h.r.PutU64(e.off+8, e.size)
		h.r.Persist(e.off, 16)
		next = e.off
	}

	h.r.PutU64(ccLargeHead, next)
	h.r.Persist(ccClassHeads, (numClasses+1)*8)
}
