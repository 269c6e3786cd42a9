package hop

import (
	"fmt"
)

// Validate walks the whole table and checks the hop-scotch invariants:
// every set owner bit references an in-use slot whose key hashes home to
// that owner, every in-use slot is referenced by exactly one owner, and
// the element counter matches the live slot count.
func (t *Table) Validate() error {
	count := t.bucketCountOf(t.segCountActual())
	owned := make(map[uint64]uint64, t.elementCount())

	for h := uint64(0); h < count; h++ {
		owner := t.bucketAt(h).owner()
		var badBit error

		ownerBits(owner, func(i uint) bool {
			slot := h + uint64(i)

			if slot >= count {
				badBit = fmt.Errorf("owner %d references slot %d beyond bucket count %d", h, slot, count)

				return false
			}

			b := t.bucketAt(slot)

			if b.state() != stateInUse {
				badBit = fmt.Errorf("owner %d references clear slot %d", h, slot)

				return false
			}

			if home := t.hash(pstrBytes(t.r, b.keyField())) % count; home != h {
				badBit = fmt.Errorf("slot %d owned by %d but key hashes to %d", slot, h, home)

				return false
			}

			if prev, dup := owned[slot]; dup {
				badBit = fmt.Errorf("slot %d owned by both %d and %d", slot, prev, h)

				return false
			}

			owned[slot] = h

			return true
		})

		if badBit != nil {
			return badBit
		}
	}

	live := uint64(0)

	for g := uint64(0); g < count; g++ {
		if t.bucketAt(g).state() != stateInUse {
			continue
		}

		live++

		if _, ok := owned[g]; !ok {
			return fmt.Errorf("in-use slot %d has no owner", g)
		}
	}

	if live != t.elementCount() {
		return fmt.Errorf("element count %d but %d live slots", t.elementCount(), live)
	}

	return nil
}

// WalkCount counts live entries by scanning buckets. Used by the debug
// surface to cross-check the element counter.
func (t *Table) WalkCount() uint64 {
	n := uint64(0)

	t.ForEach(func(_, _ []byte) bool {
		n++

		return true
	})

	return n
}
