package kvstore_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/KinderRiven/comanche/storage/kvstore"
)

func TestCodeMapping(t *testing.T) {
	cases := []struct {
		err  error
		want kvstore.StatusCode
	}{
		{nil, kvstore.StatusOK},
		{kvstore.ErrFail, kvstore.StatusFail},
		{kvstore.ErrKeyExists, kvstore.StatusKeyExists},
		{kvstore.ErrKeyNotFound, kvstore.StatusKeyNotFound},
		{kvstore.ErrPoolNotFound, kvstore.StatusPoolNotFound},
		{kvstore.ErrNotSupported, kvstore.StatusNotSupported},
		{kvstore.ErrAlreadyExists, kvstore.StatusAlreadyExists},
		{kvstore.ErrTooLarge, kvstore.StatusTooLarge},
		{kvstore.ErrBadParam, kvstore.StatusBadParam},
		{kvstore.ErrBadAlignment, kvstore.StatusBadAlignment},
		{kvstore.ErrInsufficientBuffer, kvstore.StatusInsufficientBuffer},
		{kvstore.ErrBadOffset, kvstore.StatusBadOffset},
		{errors.New("anything else"), kvstore.StatusFail},
	}

	for _, c := range cases {
		if got := kvstore.Code(c.err); got != c.want {
			t.Errorf("Code(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestCodeSeesWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("put failed: %w", kvstore.ErrTooLarge)

	if got := kvstore.Code(wrapped); got != kvstore.StatusTooLarge {
		t.Errorf("Code(wrapped) = %d, want %d", got, kvstore.StatusTooLarge)
	}
}

func TestStableValues(t *testing.T) {
	// the integer surface is a cross-component contract
	values := map[kvstore.StatusCode]int{
		kvstore.StatusOK:                 0,
		kvstore.StatusMore:               1,
		kvstore.StatusFail:               -1,
		kvstore.StatusKeyExists:          -2,
		kvstore.StatusKeyNotFound:        -3,
		kvstore.StatusPoolNotFound:       -4,
		kvstore.StatusNotSupported:       -5,
		kvstore.StatusAlreadyExists:      -6,
		kvstore.StatusTooLarge:           -7,
		kvstore.StatusBadParam:           -8,
		kvstore.StatusBadAlignment:       -9,
		kvstore.StatusInsufficientBuffer: -10,
		kvstore.StatusBadOffset:          -11,
	}

	for code, want := range values {
		if int(code) != want {
			t.Errorf("status %d drifted from its stable value %d", code, want)
		}
	}
}
