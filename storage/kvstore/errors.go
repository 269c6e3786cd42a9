package kvstore

import (
	"errors"
)

// StatusCode is the stable integer status surface shared by every store
// component. Negative values are failures. The values are part of the
// on-the-wire and cross-component contract and must not change.
type StatusCode int

const (
	StatusOK                 StatusCode = 0
	StatusMore               StatusCode = 1
	StatusFail               StatusCode = -1
	StatusKeyExists          StatusCode = -2
	StatusKeyNotFound        StatusCode = -3
	StatusPoolNotFound       StatusCode = -4
	StatusNotSupported       StatusCode = -5
	StatusAlreadyExists      StatusCode = -6
	StatusTooLarge           StatusCode = -7
	StatusBadParam           StatusCode = -8
	StatusBadAlignment       StatusCode = -9
	StatusInsufficientBuffer StatusCode = -10
	StatusBadOffset          StatusCode = -11
)

var (
	// ErrFail indicates an unspecified failure
	ErrFail = errors.New("operation failed")
	// ErrKeyExists indicates that an insert found an existing equal key
	ErrKeyExists = errors.New("key already exists")
	// ErrKeyNotFound indicates that the requested key does not exist
	ErrKeyNotFound = errors.New("key not found")
	// ErrPoolNotFound indicates that the pool id does not refer to an open pool
	ErrPoolNotFound = errors.New("pool not found")
	// ErrNotSupported is returned by optional operations a component does not implement
	ErrNotSupported = errors.New("operation not supported")
	// ErrAlreadyExists indicates that a pool with this name already exists
	ErrAlreadyExists = errors.New("pool already exists")
	// ErrTooLarge indicates that an object or pool size exceeds what the
	// component can allocate
	ErrTooLarge = errors.New("object too large")
	// ErrBadParam indicates an invalid caller-supplied parameter
	ErrBadParam = errors.New("bad parameter")
	// ErrBadAlignment indicates an alignment that is not a power of two or
	// is larger than the component supports
	ErrBadAlignment = errors.New("bad alignment")
	// ErrInsufficientBuffer indicates that the caller-supplied buffer is too
	// small for the value
	ErrInsufficientBuffer = errors.New("insufficient buffer")
	// ErrBadOffset indicates an offset outside the target object
	ErrBadOffset = errors.New("bad offset")
)

var errCodes = map[error]StatusCode{
	ErrFail:               StatusFail,
	ErrKeyExists:          StatusKeyExists,
	ErrKeyNotFound:        StatusKeyNotFound,
	ErrPoolNotFound:       StatusPoolNotFound,
	ErrNotSupported:       StatusNotSupported,
	ErrAlreadyExists:      StatusAlreadyExists,
	ErrTooLarge:           StatusTooLarge,
	ErrBadParam:           StatusBadParam,
	ErrBadAlignment:       StatusBadAlignment,
	ErrInsufficientBuffer: StatusInsufficientBuffer,
	ErrBadOffset:          StatusBadOffset,
}

// Code maps an error returned by a store operation to its stable status
// code. A nil error maps to StatusOK. Errors outside the taxonomy map
// to StatusFail.
func Code(err error) StatusCode {
	if err == nil {
		return StatusOK
	}

	for sentinel, code := range errCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return StatusFail
}
