// Package hop implements the hop-scotch hash table over a mapped pool
// region. For a key hashing to bucket h the content lives in one of the
// slots [h, h+H); owner[h] is a bitmap of which of those slots belong to
// h. Inserts displace content backwards to keep the invariant; every
// multi-step mutation is journaled through the atomic-control arena so a
// crash at any point rolls forward or back cleanly.
package hop

import (
	"errors"
	"math/bits"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/KinderRiven/comanche/storage/hstore/heap"
	"github.com/KinderRiven/comanche/storage/hstore/region"
	"github.com/KinderRiven/comanche/storage/kvstore"
)

var (
	// ErrKeyExists is surfaced by Insert when the neighborhood already
	// holds an equal key; callers turn it into an update in place.
	ErrKeyExists = errors.New("key exists in neighborhood")
	// ErrKeyNotFound is returned by operations on absent keys
	ErrKeyNotFound = errors.New("key not found in table")
	// ErrInsufficientSpace is returned when a resize cannot allocate its
	// new segment
	ErrInsufficientSpace = errors.New("insufficient space for resize")
	// ErrTableFull is returned when repeated resizes cannot make room
	ErrTableFull = errors.New("table full")
	// ErrBadOffset is returned when an update op falls outside the value
	ErrBadOffset = errors.New("op offset outside value")
)

const (
	// loadFactorNum/loadFactorDen is the occupancy threshold that
	// triggers a resize
	loadFactorNum = 7
	loadFactorDen = 8

	maxInsertAttempts = 8

	numStripes = 64
)

// Config controls table construction.
type Config struct {
	// BaseLg is log2 of the first segment's bucket count
	BaseLg uint64
	// Locking enables the per-bucket reader locks and the structural
	// writer lock. Disabled, the table is single-goroutine-per-pool.
	Locking bool
}

// Table is the index view over one open pool region. The persisted root
// (segment directory, counts, cursor) lives in the region; Table itself
// holds only volatile state.
type Table struct {
	r       *region.Region
	alloc   heap.Allocator
	locking bool
	writeMu sync.Mutex
	stripes [numStripes]sync.RWMutex
	baseLg  uint64
}

// Format writes an empty table into a fresh region: one zeroed segment,
// the directory entry and the counters, each fenced.
func Format(r *region.Region, alloc heap.Allocator, cfg Config) (*Table, error) {
	if cfg.BaseLg < 6 {
		cfg.BaseLg = 6
	}

	if cfg.BaseLg > 20 {
		cfg.BaseLg = 20
	}

	t := &Table{r: r, alloc: alloc, locking: cfg.Locking, baseLg: cfg.BaseLg}
	base := uint64(1) << cfg.BaseLg

	segOff, err := t.newSegment(base)

	if err != nil {
		return nil, err
	}

	r.PutU64(region.SegDirOff, segOff)
	r.PutU64(region.OffSegDir, region.SegDirOff)
	r.PutU64(region.OffBaseLgCount, cfg.BaseLg)
	r.PutU64(region.OffLoadFactorBits, loadFactorNum)
	r.PutU64(region.OffSegCountActual, 1)
	r.PutU64(region.OffSegCountTarget, 1)
	r.PutU64(region.OffResizeCursor, 0)
	r.PutU64(region.OffElementCount, 0)
	r.Persist(region.OffSegDir, 64)
	r.Persist(region.SegDirOff, region.SegDirEntries*8)

	return t, nil
}

// Open builds the table view of an existing region and completes any
// work interrupted by a crash: outstanding control records first, then a
// resize left between target and actual.
func Open(r *region.Region, alloc heap.Allocator, cfg Config) (*Table, error) {
	t := &Table{r: r, alloc: alloc, locking: cfg.Locking, baseLg: r.U64(region.OffBaseLgCount)}

	if t.baseLg < 6 || t.baseLg > 20 {
		return nil, region.ErrCorrupt
	}

	dirty := t.recoverJournal()

	if t.segCountTarget() > t.segCountActual() {
		if err := t.migrate(); err != nil {
			return nil, err
		}

		dirty = true
	}

	if dirty {
		// the element counter's fence may have been the crash point
		t.setElementCount(t.WalkCount())
	}

	return t, nil
}

// newSegment allocates and zeroes a segment of n buckets.
func (t *Table) newSegment(n uint64) (uint64, error) {
	segBytes := n * BucketSize
	off, err := t.alloc.Allocate(segBytes, BucketSize)

	if err != nil {
		return 0, err
	}

	z := t.r.Data()[off : off+segBytes]

	for i := range z {
		z[i] = 0
	}

	t.r.Persist(off, segBytes)

	return off, nil
}

// persist-data accessors

func (t *Table) segCountActual() uint64 {
	return t.r.U64(region.OffSegCountActual)
}

func (t *Table) segCountTarget() uint64 {
	return t.r.U64(region.OffSegCountTarget)
}

func (t *Table) elementCount() uint64 {
	return t.r.U64(region.OffElementCount)
}

func (t *Table) setElementCount(n uint64) {
	t.r.PutU64(region.OffElementCount, n)
	t.r.Persist(region.OffElementCount, 8)
}

func (t *Table) segDirEntry(i uint64) uint64 {
	return t.r.U64(region.SegDirOff + i*8)
}

// bucketCountOf returns the total bucket count at a segment count.
// Segment sizes grow geometrically: each new segment equals the total
// bucket count before it, so the total doubles per segment.
func (t *Table) bucketCountOf(segCount uint64) uint64 {
	if segCount == 0 {
		return 0
	}

	return (uint64(1) << t.baseLg) << (segCount - 1)
}

// BucketCount returns the current published bucket count.
func (t *Table) BucketCount() uint64 {
	return t.bucketCountOf(t.segCountActual())
}

// bucketAt resolves a global bucket index through the segment directory.
func (t *Table) bucketAt(g uint64) bucketRef {
	q := g >> t.baseLg

	if q == 0 {
		return bucketRef{t: t, off: t.segDirEntry(0) + g*BucketSize}
	}

	seg := uint64(bits.Len64(q))
	start := (uint64(1) << t.baseLg) << (seg - 1)

	return bucketRef{t: t, off: t.segDirEntry(seg) + (g-start)*BucketSize}
}

func (t *Table) hash(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// locking helpers. Structural mutations are serialized by writeMu;
// stripe locks exclude readers from the buckets a writer touches.

func (t *Table) stripeFor(bucket uint64) *sync.RWMutex {
	return &t.stripes[(bucket/H)%numStripes]
}

func (t *Table) rlock(bucket uint64) func() {
	if !t.locking {
		return func() {}
	}

	s := t.stripeFor(bucket)
	s.RLock()

	return s.RUnlock
}

func (t *Table) wlock(bucket uint64) func() {
	if !t.locking {
		return func() {}
	}

	s := t.stripeFor(bucket)
	s.Lock()

	return s.Unlock
}

func (t *Table) structural() func() {
	if !t.locking {
		return func() {}
	}

	t.writeMu.Lock()

	return t.writeMu.Unlock
}

// Count returns the number of live entries.
func (t *Table) Count() uint64 {
	return t.elementCount()
}

// findSlot locates the slot holding key, scanning the neighborhood of
// its home bucket under both the published and the target bucket count
// so lookups stay correct while a resize is in flight.
func (t *Table) findSlot(key []byte) (uint64, uint64, bool) {
	hash := t.hash(key)
	actual := t.bucketCountOf(t.segCountActual())
	target := t.bucketCountOf(t.segCountTarget())

	h := hash % target

	if slot, ok := t.scanNeighborhood(h, target, key); ok {
		return slot, h, true
	}

	if target != actual {
		h = hash % actual

		if slot, ok := t.scanNeighborhood(h, actual, key); ok {
			return slot, h, true
		}
	}

	return 0, 0, false
}

// scanNeighborhood iterates the set owner bits of h least-significant
// first and compares keys.
func (t *Table) scanNeighborhood(h, count uint64, key []byte) (uint64, bool) {
	unlock := t.rlock(h)
	defer unlock()

	found := uint64(0)
	ok := false

	ownerBits(t.bucketAt(h).owner(), func(i uint) bool {
		slot := h + uint64(i)

		if slot >= count {
			return true
		}

		b := t.bucketAt(slot)

		if b.state() == stateInUse && pstrEqual(t.r, b.keyField(), key) {
			found = slot
			ok = true

			return false
		}

		return true
	})

	return found, ok
}

// Get returns a view of the value bytes stored under key. The view is
// valid while the region stays mapped; concurrent value mutation is
// governed by the caller's lock discipline.
func (t *Table) Get(key []byte) ([]byte, bool) {
	slot, _, ok := t.findSlot(key)

	if !ok {
		return nil, false
	}

	return pstrBytes(t.r, t.bucketAt(slot).valueField()), true
}

// Insert adds a new key. ErrKeyExists surfaces an equal key already in
// the neighborhood.
func (t *Table) Insert(key, value []byte) error {
	return t.insert(key, func(field []byte) error {
		return pstrEncode(t.r, t.alloc, field, value)
	})
}

// InsertSized adds a new key with an uninitialized value of n bytes and
// returns a view of it.
func (t *Table) InsertSized(key []byte, n uint64) ([]byte, error) {
	err := t.insert(key, func(field []byte) error {
		return pstrEncodeSized(t.r, t.alloc, field, n)
	})

	if err != nil {
		return nil, err
	}

	v, _ := t.Get(key)

	return v, nil
}

func (t *Table) insert(key []byte, encodeValue func(field []byte) error) error {
	unlock := t.structural()
	defer unlock()

	for attempt := 0; attempt < maxInsertAttempts; attempt++ {
		if _, _, ok := t.findSlot(key); ok {
			return ErrKeyExists
		}

		count := t.bucketCountOf(t.segCountActual())

		if (t.elementCount()+1)*loadFactorDen > count*loadFactorNum {
			if err := t.resize(); err != nil {
				return err
			}

			continue
		}

		h := t.hash(key) % count
		j, ok := t.findFreeSlot(h, count)

		if !ok {
			if err := t.resize(); err != nil {
				return err
			}

			continue
		}

		displaced := true

		for j-h >= H && displaced {
			j, displaced = t.displaceToward(h, j)
		}

		if !displaced {
			if err := t.resize(); err != nil {
				return err
			}

			continue
		}

		return t.place(h, j, key, encodeValue)
	}

	return ErrTableFull
}

// findFreeSlot returns the nearest clear slot in [h, h+H), or failing
// that the first clear slot found by linear probing past the
// neighborhood. The table does not wrap: running off the end means the
// caller must resize.
func (t *Table) findFreeSlot(h, count uint64) (uint64, bool) {
	end := h + H

	if end > count {
		end = count
	}

	for j := h; j < end; j++ {
		if t.bucketAt(j).state() == stateClear {
			return j, true
		}
	}

	for j := h + H; j < count; j++ {
		if t.bucketAt(j).state() == stateClear {
			return j, true
		}
	}

	return 0, false
}

// displaceToward frees up a slot closer to h by moving some neighbor's
// content into j. The victim is the first owner h' in (j-H, j] with a
// slot before j, bits scanned least-significant first.
func (t *Table) displaceToward(h, j uint64) (uint64, bool) {
	low := uint64(0)

	if j >= H-1 {
		low = j - H + 1
	}

	if low < h {
		low = h
	}

	for hp := low; hp <= j; hp++ {
		victim := uint64(0)
		found := false

		ownerBits(t.bucketAt(hp).owner(), func(i uint) bool {
			slot := hp + uint64(i)

			if slot < j {
				victim = slot
				found = true

				return false
			}

			return true
		})

		if !found {
			continue
		}

		if j-hp >= H {
			continue
		}

		t.move(victim, j, hp, hp)

		return victim, true
	}

	return j, false
}

// move relocates content from slot from to slot to, adjusting the owner
// bitmaps, under a journaled displacement record.
func (t *Table) move(from, to, fromOwner, toOwner uint64) {
	rec, err := t.jalloc(tagMove)

	if err != nil {
		// arena exhausted: fall back to an unjournaled move; the fences
		// still order the steps
		t.moveSteps(from, to, fromOwner, toOwner)

		return
	}

	t.r.PutU64(rec+recOffFrom, from)
	t.r.PutU64(rec+recOffTo, to)
	t.r.PutU64(rec+recOffFromOwner, fromOwner)
	t.r.PutU64(rec+recOffToOwner, toOwner)
	t.r.Persist(rec, recSize)

	t.moveSteps(from, to, fromOwner, toOwner)
	t.jfree(rec)
}

func (t *Table) moveSteps(from, to, fromOwner, toOwner uint64) {
	unlockTo := t.wlock(to)
	src := t.bucketAt(from)
	dst := t.bucketAt(to)

	copy(dst.content(), src.content())
	dst.persist()
	unlockTo()

	unlockOwner := t.wlock(fromOwner)

	if fromOwner == toOwner {
		ob := t.bucketAt(fromOwner)
		ob.setOwner(ob.owner()&^(1<<(from-fromOwner)) | 1<<(to-toOwner))
		ob.persist()
	} else {
		tb := t.bucketAt(toOwner)
		tb.setOwner(tb.owner() | 1<<(to-toOwner))
		tb.persist()
		fb := t.bucketAt(fromOwner)
		fb.setOwner(fb.owner() &^ (1 << (from - fromOwner)))
		fb.persist()
	}

	unlockOwner()

	unlockFrom := t.wlock(from)
	src.clearContent()
	src.persist()
	unlockFrom()
}

// place writes the new entry at slot j and publishes the owner bit in h,
// under a journaled placement record so an unacknowledged insert rolls
// back on recovery.
func (t *Table) place(h, j uint64, key []byte, encodeValue func(field []byte) error) error {
	var keyField, valueField [PStringSize]byte

	if err := pstrEncode(t.r, t.alloc, keyField[:], key); err != nil {
		return err
	}

	if err := encodeValue(valueField[:]); err != nil {
		pstrFree(t.alloc, keyField[:])

		return err
	}

	rec, jerr := t.jalloc(tagPlace)

	if jerr == nil {
		t.r.PutU64(rec+recOffSlot, j)
		t.r.PutU64(rec+recOffOwner, h)
		t.r.Persist(rec, recSize)
	}

	unlock := t.wlock(j)
	b := t.bucketAt(j)
	copy(b.keyField(), keyField[:])
	copy(b.valueField(), valueField[:])
	b.setState(stateInUse)
	b.persist()
	unlock()

	unlock = t.wlock(h)
	ob := t.bucketAt(h)
	ob.setOwner(ob.owner() | 1<<(j-h))
	ob.persist()
	unlock()

	t.setElementCount(t.elementCount() + 1)

	if jerr == nil {
		t.jfree(rec)
	}

	return nil
}

// Erase removes key, releasing its chunks. It reports whether the key
// was present.
func (t *Table) Erase(key []byte) bool {
	unlock := t.structural()
	defer unlock()

	slot, h, ok := t.findSlot(key)

	if !ok {
		return false
	}

	rec, jerr := t.jalloc(tagErase)

	if jerr == nil {
		t.r.PutU64(rec+recOffSlot, slot)
		t.r.PutU64(rec+recOffOwner, h)
		t.r.Persist(rec, recSize)
	}

	unlockOwner := t.wlock(h)
	ob := t.bucketAt(h)
	ob.setOwner(ob.owner() &^ (1 << (slot - h)))
	ob.persist()
	unlockOwner()

	unlockSlot := t.wlock(slot)
	b := t.bucketAt(slot)
	pstrFree(t.alloc, b.keyField())
	pstrFree(t.alloc, b.valueField())
	b.clearContent()
	b.persist()
	unlockSlot()

	t.setElementCount(t.elementCount() - 1)

	if jerr == nil {
		t.jfree(rec)
	}

	return true
}

// ForEach visits every live entry in bucket-directory order. The order
// is not stable across resizes. fn returning false stops the walk.
func (t *Table) ForEach(fn func(key, value []byte) bool) {
	count := t.bucketCountOf(t.segCountActual())

	for g := uint64(0); g < count; g++ {
		unlock := t.rlock(g)
		b := t.bucketAt(g)

		if b.state() != stateInUse {
			unlock()

			continue
		}

		key := pstrBytes(t.r, b.keyField())
		value := pstrBytes(t.r, b.valueField())
		unlock()

		if !fn(key, value) {
			return
		}
	}
}

// EnterUpdate applies ops to the value of key as one crash-atomic unit.
func (t *Table) EnterUpdate(key []byte, ops []kvstore.Operation) error {
	unlock := t.structural()
	defer unlock()

	slot, _, ok := t.findSlot(key)

	if !ok {
		return ErrKeyNotFound
	}

	value := pstrBytes(t.r, t.bucketAt(slot).valueField())
	decoded, err := decodeKVOps(ops, uint64(len(value)))

	if err != nil {
		return err
	}

	blob := encodeOps(decoded, value)
	opsOff, err := t.alloc.Allocate(uint64(len(blob)), 8)

	if err != nil {
		return err
	}

	copy(t.r.Data()[opsOff:], blob)
	t.r.Persist(opsOff, uint64(len(blob)))

	rec, err := t.jalloc(tagUpdate)

	if err != nil {
		t.alloc.Deallocate(opsOff, uint64(len(blob)))

		return err
	}

	t.r.PutU64(rec+recOffSlot, slot)
	t.r.PutU64(rec+recOffOpsOff, opsOff)
	t.r.PutU64(rec+recOffOpsLen, uint64(len(blob)))
	t.r.Persist(rec, recSize)

	unlockSlot := t.wlock(slot)

	for i := range decoded {
		applyOps(value, decoded[i:i+1])
		t.persistValue(slot)
	}

	unlockSlot()

	t.jphase(rec, phaseApplied)
	t.jphase(rec, phaseFreeing)
	t.alloc.Deallocate(opsOff, uint64(len(blob)))
	t.jfree(rec)

	return nil
}

// EnterReplace swaps in a new value of a different size, releasing the
// old chunk once the swap is published.
func (t *Table) EnterReplace(key, value []byte) error {
	unlock := t.structural()
	defer unlock()

	slot, _, ok := t.findSlot(key)

	if !ok {
		return ErrKeyNotFound
	}

	var newField [PStringSize]byte

	if err := pstrEncode(t.r, t.alloc, newField[:], value); err != nil {
		return err
	}

	b := t.bucketAt(slot)
	rec, err := t.jalloc(tagReplace)

	if err != nil {
		pstrFree(t.alloc, newField[:])

		return err
	}

	t.r.PutU64(rec+recOffSlot, slot)
	copy(t.r.Data()[rec+recOffOldPstr:], b.valueField())
	copy(t.r.Data()[rec+recOffNewPstr:], newField[:])
	t.r.Persist(rec, recSize)

	var oldField [PStringSize]byte

	copy(oldField[:], b.valueField())

	unlockSlot := t.wlock(slot)
	copy(b.valueField(), newField[:])
	b.persist()
	unlockSlot()

	t.jphase(rec, phaseApplied)
	t.jphase(rec, phaseFreeing)
	pstrFree(t.alloc, oldField[:])
	t.jfree(rec)

	return nil
}

// decodeKVOps validates and converts the public operation list.
func decodeKVOps(ops []kvstore.Operation, valueLen uint64) ([]decodedOp, error) {
	decoded := make([]decodedOp, 0, len(ops))

	for _, op := range ops {
		d := decodedOp{
			typ:      uint64(op.Type),
			offset:   op.Offset,
			size:     op.Size,
			expected: op.Expected,
			newValue: op.New,
			data:     op.Data,
		}

		switch op.Type {
		case kvstore.OpWrite:
			if uint64(len(op.Data)) != op.Size {
				return nil, kvstore.ErrBadParam
			}

			if op.Offset+op.Size > valueLen {
				return nil, ErrBadOffset
			}
		case kvstore.OpZero:
			if op.Offset+op.Size > valueLen {
				return nil, ErrBadOffset
			}
		case kvstore.OpIncrementUint64, kvstore.OpCASUint64:
			if op.Offset+8 > valueLen {
				return nil, ErrBadOffset
			}

			d.size = 8
		default:
			return nil, kvstore.ErrBadParam
		}

		decoded = append(decoded, d)
	}

	return decoded, nil
}
