package hstore

import (
	"errors"
	"fmt"

	"github.com/KinderRiven/comanche/storage/hstore/heap"
	"github.com/KinderRiven/comanche/storage/hstore/hop"
	"github.com/KinderRiven/comanche/storage/kvstore"
)

// wrapError maps engine-internal errors onto the shared store taxonomy.
func wrapError(wrap string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, hop.ErrKeyExists):
		return kvstore.ErrKeyExists
	case errors.Is(err, hop.ErrKeyNotFound):
		return kvstore.ErrKeyNotFound
	case errors.Is(err, hop.ErrBadOffset):
		return kvstore.ErrBadOffset
	case errors.Is(err, heap.ErrBadAlignment):
		return kvstore.ErrBadAlignment
	case errors.Is(err, hop.ErrInsufficientSpace), errors.Is(err, hop.ErrTableFull):
		// an insert that cannot grow the table fails plainly
		return kvstore.ErrFail
	case errors.Is(err, kvstore.ErrBadParam):
		return err
	}

	return fmt.Errorf("%s: %s", wrap, err)
}

// wrapPutError is wrapError for the put paths, where running out of
// heap space surfaces as the object being too large for the pool.
func wrapPutError(err error) error {
	if errors.Is(err, heap.ErrOutOfSpace) {
		return kvstore.ErrTooLarge
	}

	return wrapError("put", err)
}
