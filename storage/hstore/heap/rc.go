package heap

import (
	"sync"

	"github.com/emirpasic/gods/trees/avltree"
	"github.com/emirpasic/gods/utils"

	"github.com/KinderRiven/comanche/storage/hstore/region"
)

// rc aux layout.
const (
	rcPublished = offAux + 0
	rcCount0    = offAux + 8
	rcCount1    = offAux + 16
	rcTable0    = offAux + 24
	rcTable1    = offAux + 32
	rcCap       = offAux + 40
)

// rcHeap is the AVL best-fit allocator. Free extents are indexed twice:
// by (size, off) for best-fit and by off for neighbor coalescing. The
// durable form is a pair of extent tables at the front of the heap area;
// each mutation writes the full free set into the non-published table,
// fences it, then flips the published flag.
type rcHeap struct {
	mu     sync.Mutex
	r      *region.Region
	base   uint64
	size   uint64
	cap    uint64
	bySize *avltree.Tree
	byAddr *avltree.Tree
}

func sizeOffComparator(a, b interface{}) int {
	ea := a.(extent)
	eb := b.(extent)

	if ea.size != eb.size {
		if ea.size < eb.size {
			return -1
		}

		return 1
	}

	return utils.UInt64Comparator(ea.off, eb.off)
}

func formatRC(r *region.Region, base, size uint64) (*rcHeap, error) {
	tableCap := size / 1024

	if tableCap < 64 {
		tableCap = 64
	}

	if tableCap > 4096 {
		tableCap = 4096
	}

	tableBytes := tableCap * 16
	table0 := base
	table1 := base + tableBytes
	heapStart := alignUp(base+2*tableBytes, 64)

	if heapStart >= base+size {
		return nil, ErrOutOfSpace
	}

	h := &rcHeap{
		r:      r,
		base:   base,
		size:   size,
		cap:    tableCap,
		bySize: avltree.NewWith(sizeOffComparator),
		byAddr: avltree.NewWith(utils.UInt64Comparator),
	}

	h.insert(extent{off: heapStart, size: base + size - heapStart})

	r.PutU64(rcTable0, table0)
	r.PutU64(rcTable1, table1)
	r.PutU64(rcCap, tableCap)
	r.PutU64(rcCount0, 0)
	r.PutU64(rcCount1, 0)
	r.PutU64(rcPublished, 0)
	r.Persist(rcPublished, 48)
	h.publish()

	return h, nil
}

func openRC(r *region.Region, base, size uint64) (*rcHeap, error) {
	h := &rcHeap{
		r:      r,
		base:   base,
		size:   size,
		cap:    r.U64(rcCap),
		bySize: avltree.NewWith(sizeOffComparator),
		byAddr: avltree.NewWith(utils.UInt64Comparator),
	}

	side := r.U64(rcPublished)
	table := r.U64(rcTable0)
	count := r.U64(rcCount0)

	if side == 1 {
		table = r.U64(rcTable1)
		count = r.U64(rcCount1)
	}

	for i := uint64(0); i < count; i++ {
		h.insert(extent{off: r.U64(table + i*16), size: r.U64(table + i*16 + 8)})
	}

	return h, nil
}

func (h *rcHeap) insert(e extent) {
	h.bySize.Put(e, nil)
	h.byAddr.Put(e.off, e.size)
}

func (h *rcHeap) remove(e extent) {
	h.bySize.Remove(e)
	h.byAddr.Remove(e.off)
}

// publish writes the free set into the shadow table, fences it, then
// flips the published flag. The caller holds the lock. Extents beyond
// the table capacity stay volatile; a crash leaks them.
func (h *rcHeap) publish() {
	side := h.r.U64(rcPublished)
	shadow := 1 - side
	table := h.r.U64(rcTable0)
	countOff := uint64(rcCount0)

	if shadow == 1 {
		table = h.r.U64(rcTable1)
		countOff = rcCount1
	}

	count := uint64(0)
	it := h.byAddr.Iterator()

	for it.Next() && count < h.cap {
		h.r.PutU64(table+count*16, it.Key().(uint64))
		h.r.PutU64(table+count*16+8, it.Value().(uint64))
		count++
	}

	h.r.Persist(table, count*16)
	h.r.PutU64(countOff, count)
	h.r.Persist(countOff, 8)
	h.r.PutU64(rcPublished, shadow)
	h.r.Persist(rcPublished, 8)
}

func (h *rcHeap) Allocate(n, align uint64) (uint64, error) {
	if err := checkAlign(align); err != nil {
		return 0, err
	}

	if n == 0 {
		n = 1
	}

	n = alignUp(n, 8)

	h.mu.Lock()
	defer h.mu.Unlock()

	// best fit: ascending by size, first extent that can carry an
	// aligned chunk of n bytes
	it := h.bySize.Iterator()

	for it.Next() {
		e := it.Key().(extent)

		if e.size < n {
			continue
		}

		off := alignUp(e.off, align)

		if off+n > e.off+e.size {
			continue
		}

		h.remove(e)

		if off > e.off {
			h.insert(extent{off: e.off, size: off - e.off})
		}

		if e.off+e.size > off+n {
			h.insert(extent{off: off + n, size: e.off + e.size - (off + n)})
		}

		h.publish()

		return off, nil
	}

	return 0, ErrOutOfSpace
}

func (h *rcHeap) Deallocate(off, n uint64) {
	if n == 0 {
		n = 1
	}

	n = alignUp(n, 8)

	h.mu.Lock()
	defer h.mu.Unlock()

	e := extent{off: off, size: n}

	// coalesce with the address-adjacent neighbors
	if node, ok := h.byAddr.Floor(off); ok {
		prev := extent{off: node.Key.(uint64), size: node.Value.(uint64)}

		if prev.off+prev.size == e.off {
			h.remove(prev)
			e = extent{off: prev.off, size: prev.size + e.size}
		}
	}

	if node, ok := h.byAddr.Ceiling(e.off + e.size); ok {
		next := extent{off: node.Key.(uint64), size: node.Value.(uint64)}

		if e.off+e.size == next.off {
			h.remove(next)
			e.size += next.size
		}
	}

	h.insert(e)
	h.publish()
}

func (h *rcHeap) Owns(off uint64) bool {
	return off >= h.base && off < h.base+h.size
}

// PersistFreeList is a no-op: every mutation publishes the free set.
func (h *rcHeap) PersistFreeList() {}
