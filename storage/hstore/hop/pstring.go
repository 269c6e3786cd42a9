package hop

import (
	"bytes"
	"encoding/binary"

	"github.com/KinderRiven/comanche/storage/hstore/heap"
	"github.com/KinderRiven/comanche/storage/hstore/region"
)

// A persist-fixed-string is a 24-byte in-bucket field: a u64 length
// followed by 16 payload bytes. Lengths up to 16 store the bytes inline;
// longer strings store the region offset of an allocated chunk in the
// first 8 payload bytes. Persisted state never holds a virtual address,
// only offsets, so the region can be mapped anywhere on reopen.
//
// Each pstring is owned by exactly one bucket slot. Cloning is forbidden;
// freeing deallocates the chunk.
const (
	PStringSize  = 24
	pstrInlineMax = 16

	pstrOffLen     = 0
	pstrOffPayload = 8
)

func pstrLen(field []byte) uint64 {
	return binary.LittleEndian.Uint64(field[pstrOffLen:])
}

// pstrBytes returns a view of the string's bytes within the region.
func pstrBytes(r *region.Region, field []byte) []byte {
	n := pstrLen(field)

	if n <= pstrInlineMax {
		return field[pstrOffPayload : pstrOffPayload+n]
	}

	off := binary.LittleEndian.Uint64(field[pstrOffPayload:])

	return r.Data()[off : off+n]
}

// pstrEqual compares by length then bytes.
func pstrEqual(r *region.Region, field []byte, key []byte) bool {
	if pstrLen(field) != uint64(len(key)) {
		return false
	}

	return bytes.Equal(pstrBytes(r, field), key)
}

// pstrEncode builds the 24-byte field for data, allocating a chunk for
// out-of-line strings and fencing the chunk bytes before returning. The
// field itself is written by the caller as part of its bucket update.
func pstrEncode(r *region.Region, alloc heap.Allocator, field []byte, data []byte) error {
	binary.LittleEndian.PutUint64(field[pstrOffLen:], uint64(len(data)))

	if uint64(len(data)) <= pstrInlineMax {
		copy(field[pstrOffPayload:pstrOffPayload+pstrInlineMax], make([]byte, pstrInlineMax))
		copy(field[pstrOffPayload:], data)

		return nil
	}

	off, err := alloc.Allocate(uint64(len(data)), 8)

	if err != nil {
		return err
	}

	copy(r.Data()[off:], data)
	r.Persist(off, uint64(len(data)))
	binary.LittleEndian.PutUint64(field[pstrOffPayload:], off)

	return nil
}

// pstrEncodeSized is pstrEncode for an uninitialized value of n bytes.
func pstrEncodeSized(r *region.Region, alloc heap.Allocator, field []byte, n uint64) error {
	binary.LittleEndian.PutUint64(field[pstrOffLen:], n)

	if n <= pstrInlineMax {
		copy(field[pstrOffPayload:pstrOffPayload+pstrInlineMax], make([]byte, pstrInlineMax))

		return nil
	}

	off, err := alloc.Allocate(n, 8)

	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(field[pstrOffPayload:], off)

	return nil
}

// pstrFree releases the chunk of an out-of-line string. The field itself
// is cleared by the caller's bucket update.
func pstrFree(alloc heap.Allocator, field []byte) {
	n := pstrLen(field)

	if n <= pstrInlineMax {
		return
	}

	off := binary.LittleEndian.Uint64(field[pstrOffPayload:])
	alloc.Deallocate(off, n)
}
