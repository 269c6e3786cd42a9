package hop

import (
	"encoding/binary"
	"errors"

	"github.com/KinderRiven/comanche/storage/hstore/region"
)

// The atomic-control arena turns multi-step table mutations into
// crash-atomic units. It is a fixed array of 128-byte record slots inside
// the region header area; records carry a stable type tag so recovery can
// find outstanding work by arena scan. A record is persisted, with its
// payload, before any published table state changes.
//
// Phases: prepared means the mutation may have partially run and must be
// rolled forward (or, for placements, rolled back); applied means the
// mutation is fully visible and only cleanup remains; freeing means
// cleanup chunks may or may not have been released, so recovery must not
// free them again. Leak-over-corruption: every crash window either
// replays cleanly or leaks a chunk, never double-frees.
const (
	recSize  = 128
	recCount = region.CtlArenaSize / recSize

	tagFree    = 0
	tagMove    = 1
	tagUpdate  = 2
	tagReplace = 3
	tagPlace   = 4
	tagErase   = 5

	phasePrepared = 1
	phaseApplied  = 2
	phaseFreeing  = 3

	recOffTag   = 0
	recOffPhase = 8

	// move: from, to, fromOwner, toOwner at 16,24,32,40
	recOffFrom      = 16
	recOffTo        = 24
	recOffFromOwner = 32
	recOffToOwner   = 40

	// place/erase: slot, owner at 16,24
	recOffSlot  = 16
	recOffOwner = 24

	// update: slot at 16, ops chunk offset/len at 24/32
	recOffOpsOff = 24
	recOffOpsLen = 32

	// replace: slot at 16, old pstring at 24, new pstring at 48
	recOffOldPstr = 24
	recOffNewPstr = 48
)

var errJournalFull = errors.New("atomic-control arena full")

func recOff(i int) uint64 {
	return region.CtlArenaOff + uint64(i)*recSize
}

// jalloc claims a free record slot, writes its tag and prepared phase but
// does not fence: the caller fences once after filling the payload.
func (t *Table) jalloc(tag uint64) (uint64, error) {
	for i := 0; i < recCount; i++ {
		off := recOff(i)

		if t.r.U64(off+recOffTag) == tagFree {
			for j := uint64(16); j < recSize; j += 8 {
				t.r.PutU64(off+j, 0)
			}

			t.r.PutU64(off+recOffTag, tag)
			t.r.PutU64(off+recOffPhase, phasePrepared)

			return off, nil
		}
	}

	return 0, errJournalFull
}

func (t *Table) jphase(off, phase uint64) {
	t.r.PutU64(off+recOffPhase, phase)
	t.r.Persist(off+recOffPhase, 8)
}

func (t *Table) jfree(off uint64) {
	t.r.PutU64(off+recOffTag, tagFree)
	t.r.Persist(off+recOffTag, 8)
}

// recoverJournal replays every outstanding control record and reports
// whether any work was found. Called during Open before the table serves
// operations. When records were outstanding the element counter may have
// missed its fence, so the caller recounts.
func (t *Table) recoverJournal() bool {
	dirty := false

	for i := 0; i < recCount; i++ {
		off := recOff(i)

		switch t.r.U64(off + recOffTag) {
		case tagFree:
			continue
		case tagMove:
			t.recoverMove(off)
		case tagUpdate:
			t.recoverUpdate(off)
		case tagReplace:
			t.recoverReplace(off)
		case tagPlace:
			t.recoverPlace(off)
		case tagErase:
			t.recoverErase(off)
		}

		dirty = true
	}

	return dirty
}

// recoverMove rolls a displacement forward. The redo is idempotent: the
// content copy and the owner bit flips converge on the final state no
// matter where the crash fell.
func (t *Table) recoverMove(off uint64) {
	from := t.r.U64(off + recOffFrom)
	to := t.r.U64(off + recOffTo)
	fromOwner := t.r.U64(off + recOffFromOwner)
	toOwner := t.r.U64(off + recOffToOwner)

	if t.r.U64(off+recOffPhase) == phasePrepared {
		src := t.bucketAt(from)
		dst := t.bucketAt(to)

		if src.state() == stateInUse {
			copy(dst.content(), src.content())
			dst.persist()
		}

		fo := t.bucketAt(fromOwner)
		to2 := t.bucketAt(toOwner)

		if fromOwner == toOwner {
			fo.setOwner(fo.owner()&^(1<<(from-fromOwner)) | 1<<(to-toOwner))
			fo.persist()
		} else {
			to2.setOwner(to2.owner() | 1<<(to-toOwner))
			to2.persist()
			fo.setOwner(fo.owner() &^ (1 << (from - fromOwner)))
			fo.persist()
		}

		src.clearContent()
		src.persist()
	}

	t.jfree(off)
}

// recoverPlace rolls an unpublished placement back: the insert was never
// acknowledged, so the slot is cleared. Published placements (owner bit
// visible) stand. Rolled-back out-of-line chunks leak.
func (t *Table) recoverPlace(off uint64) {
	slot := t.r.U64(off + recOffSlot)
	owner := t.r.U64(off + recOffOwner)
	ob := t.bucketAt(owner)

	if ob.owner()&(1<<(slot-owner)) == 0 {
		sb := t.bucketAt(slot)

		if sb.state() == stateInUse {
			sb.clearContent()
			sb.persist()
		}
	}

	t.jfree(off)
}

// recoverErase rolls an erase forward: unpublish the owner bit and clear
// the content. Value chunks not yet freed leak.
func (t *Table) recoverErase(off uint64) {
	slot := t.r.U64(off + recOffSlot)
	owner := t.r.U64(off + recOffOwner)
	ob := t.bucketAt(owner)

	if ob.owner()&(1<<(slot-owner)) != 0 {
		ob.setOwner(ob.owner() &^ (1 << (slot - owner)))
		ob.persist()
	}

	sb := t.bucketAt(slot)

	if sb.state() == stateInUse {
		sb.clearContent()
		sb.persist()
	}

	t.jfree(off)
}

// recoverUpdate restores the pre-image then re-applies the ops, so a
// partially applied update converges on all-ops-visible; an update that
// never reached applied still satisfies all-or-nothing because the
// pre-image restore erases any partial writes.
func (t *Table) recoverUpdate(off uint64) {
	slot := t.r.U64(off + recOffSlot)
	opsOff := t.r.U64(off + recOffOpsOff)
	opsLen := t.r.U64(off + recOffOpsLen)

	switch t.r.U64(off + recOffPhase) {
	case phasePrepared:
		ops, pre, preStart := decodeOps(t.r.Data()[opsOff : opsOff+opsLen])
		value := pstrBytes(t.r, t.bucketAt(slot).valueField())
		copy(value[preStart:], pre)
		applyOps(value, ops)
		t.persistValue(slot)
		fallthrough
	case phaseApplied:
		t.jphase(off, phaseFreeing)
		t.alloc.Deallocate(opsOff, opsLen)
	}

	t.jfree(off)
}

// recoverReplace publishes the new value pstring (prepared) and releases
// the old chunk (applied).
func (t *Table) recoverReplace(off uint64) {
	slot := t.r.U64(off + recOffSlot)

	switch t.r.U64(off + recOffPhase) {
	case phasePrepared:
		sb := t.bucketAt(slot)
		copy(sb.valueField(), t.r.Data()[off+recOffNewPstr:off+recOffNewPstr+PStringSize])
		sb.persist()
		fallthrough
	case phaseApplied:
		t.jphase(off, phaseFreeing)

		oldField := make([]byte, PStringSize)
		copy(oldField, t.r.Data()[off+recOffOldPstr:])
		pstrFree(t.alloc, oldField)
	}

	t.jfree(off)
}

// persistValue fences the value bytes of a slot: the whole bucket for an
// inline value, the chunk range otherwise.
func (t *Table) persistValue(slot uint64) {
	b := t.bucketAt(slot)
	field := b.valueField()
	n := pstrLen(field)

	if n <= pstrInlineMax {
		b.persist()

		return
	}

	off := binary.LittleEndian.Uint64(field[pstrOffPayload:])
	t.r.Persist(off, n)
}

// encodeOps serializes ops plus the pre-image of the touched range into
// one blob: count, per-op header (+ write payload), then preStart/preLen
// and the pre-image bytes.
func encodeOps(ops []decodedOp, value []byte) []byte {
	preStart, preEnd := opsRange(ops, uint64(len(value)))

	size := 8

	for _, op := range ops {
		size += 40 + len(op.data)
	}

	size += 16 + int(preEnd-preStart)

	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf, uint64(len(ops)))
	p := 8

	for _, op := range ops {
		binary.LittleEndian.PutUint64(buf[p:], op.typ)
		binary.LittleEndian.PutUint64(buf[p+8:], op.offset)
		binary.LittleEndian.PutUint64(buf[p+16:], op.size)
		binary.LittleEndian.PutUint64(buf[p+24:], op.expected)
		binary.LittleEndian.PutUint64(buf[p+32:], op.newValue)
		p += 40
		copy(buf[p:], op.data)
		p += len(op.data)
	}

	binary.LittleEndian.PutUint64(buf[p:], preStart)
	binary.LittleEndian.PutUint64(buf[p+8:], preEnd-preStart)
	p += 16
	copy(buf[p:], value[preStart:preEnd])

	return buf
}

func decodeOps(blob []byte) ([]decodedOp, []byte, uint64) {
	n := binary.LittleEndian.Uint64(blob)
	ops := make([]decodedOp, 0, n)
	p := uint64(8)

	for i := uint64(0); i < n; i++ {
		op := decodedOp{
			typ:      binary.LittleEndian.Uint64(blob[p:]),
			offset:   binary.LittleEndian.Uint64(blob[p+8:]),
			size:     binary.LittleEndian.Uint64(blob[p+16:]),
			expected: binary.LittleEndian.Uint64(blob[p+24:]),
			newValue: binary.LittleEndian.Uint64(blob[p+32:]),
		}
		p += 40

		if op.typ == opTypeWrite {
			op.data = blob[p : p+op.size]
			p += op.size
		}

		ops = append(ops, op)
	}

	preStart := binary.LittleEndian.Uint64(blob[p:])
	preLen := binary.LittleEndian.Uint64(blob[p+8:])
	p += 16

	return ops, blob[p : p+preLen], preStart
}

// decodedOp is the journal-internal form of a kvstore.Operation.
type decodedOp struct {
	typ      uint64
	offset   uint64
	size     uint64
	expected uint64
	newValue uint64
	data     []byte
}

const (
	opTypeWrite = iota
	opTypeZero
	opTypeIncrement
	opTypeCAS
)

// opsRange returns the union byte range the ops touch, clamped to the
// value length.
func opsRange(ops []decodedOp, valueLen uint64) (uint64, uint64) {
	start := valueLen
	end := uint64(0)

	for _, op := range ops {
		s := op.offset
		e := op.offset + op.size

		if op.typ == opTypeIncrement || op.typ == opTypeCAS {
			e = op.offset + 8
		}

		if s < start {
			start = s
		}

		if e > end {
			end = e
		}
	}

	if start > end {
		return 0, 0
	}

	if end > valueLen {
		end = valueLen
	}

	return start, end
}

// applyOps writes the ops into the value bytes in order. The caller
// fences.
func applyOps(value []byte, ops []decodedOp) {
	for _, op := range ops {
		switch op.typ {
		case opTypeWrite:
			copy(value[op.offset:op.offset+op.size], op.data)
		case opTypeZero:
			z := value[op.offset : op.offset+op.size]

			for i := range z {
				z[i] = 0
			}
		case opTypeIncrement:
			v := binary.LittleEndian.Uint64(value[op.offset:])
			binary.LittleEndian.PutUint64(value[op.offset:], v+1)
		case opTypeCAS:
			if binary.LittleEndian.Uint64(value[op.offset:]) == op.expected {
				binary.LittleEndian.PutUint64(value[op.offset:], op.newValue)
			}
		}
	}
}
