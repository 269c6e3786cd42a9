package hop

import (
	"github.com/KinderRiven/comanche/storage/hstore/region"
)

// resize grows the table by one segment sized to the current total
// bucket count, doubling it. The new segment is published in the
// directory and the target counter before any old bucket is touched, so
// a crash resumes cleanly: Open sees target > actual and re-runs the
// cursor-driven migration.
func (t *Table) resize() error {
	actual := t.segCountActual()

	if actual >= region.SegDirEntries {
		return ErrTableFull
	}

	count := t.bucketCountOf(actual)
	segOff, err := t.newSegment(count)

	if err != nil {
		return ErrInsufficientSpace
	}

	t.r.PutU64(region.SegDirOff+actual*8, segOff)
	t.r.Persist(region.SegDirOff+actual*8, 8)
	t.r.PutU64(region.OffSegCountTarget, actual+1)
	t.r.Persist(region.OffSegCountTarget, 8)

	return t.migrate()
}

// migrate advances the bucket cursor over the pre-resize range,
// rehashing each bucket in place. Entries whose home moves under the
// grown count are relocated into the new segment through journaled
// moves. The cursor is fenced after every bucket, so replay after a
// crash re-migrates at most one bucket, and moves are idempotent.
func (t *Table) migrate() error {
	target := t.segCountTarget()
	oldCount := t.bucketCountOf(target - 1)
	newCount := t.bucketCountOf(target)

	for b := t.r.U64(region.OffResizeCursor); b < oldCount; b++ {
		if err := t.migrateBucket(b, newCount); err != nil {
			return err
		}

		t.r.PutU64(region.OffResizeCursor, b+1)
		t.r.Persist(region.OffResizeCursor, 8)
	}

	t.r.PutU64(region.OffSegCountActual, target)
	t.r.Persist(region.OffSegCountActual, 8)
	t.r.PutU64(region.OffResizeCursor, 0)
	t.r.Persist(region.OffResizeCursor, 8)

	return nil
}

// migrateBucket moves every entry of bucket b whose home bucket changes
// under the grown count. With doubling growth the new home is either b
// or b plus the old total, always inside the new segment.
func (t *Table) migrateBucket(b, newCount uint64) error {
	owner := t.bucketAt(b).owner()
	var moves []uint64

	ownerBits(owner, func(i uint) bool {
		moves = append(moves, b+uint64(i))

		return true
	})

	for _, slot := range moves {
		sb := t.bucketAt(slot)

		if sb.state() != stateInUse {
			continue
		}

		key := pstrBytes(t.r, sb.keyField())
		h2 := t.hash(key) % newCount

		if h2 == b {
			continue
		}

		j, ok := t.freeSlotNear(h2, newCount)

		if !ok {
			return ErrInsufficientSpace
		}

		t.move(slot, j, b, h2)
	}

	return nil
}

// freeSlotNear finds a clear slot in [h, h+H). Migration targets land in
// the freshly zeroed segment, so the neighborhood scan practically
// always succeeds; a full neighborhood falls back to probing plus
// displacement like an insert.
func (t *Table) freeSlotNear(h, count uint64) (uint64, bool) {
	j, ok := t.findFreeSlot(h, count)

	if !ok {
		return 0, false
	}

	displaced := true

	for j-h >= H && displaced {
		j, displaced = t.displaceToward(h, j)
	}

	if j-h >= H {
		return 0, false
	}

	return j, true
}
