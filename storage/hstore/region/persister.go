package region

import (
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Persister is the durability fence. Persist must not return until the
// given range of the region is durable on the backing store.
type Persister interface {
	Persist(off, n uint64)
}

// msyncPersister fences with a synchronous msync over the touched pages.
// On DAX mappings the kernel turns this into cache-line writeback.
type msyncPersister struct {
	data []byte
}

func (p *msyncPersister) Persist(off, n uint64) {
	if n == 0 {
		return
	}

	pageSize := uint64(os.Getpagesize())
	start := off &^ (pageSize - 1)
	end := (off + n + pageSize - 1) &^ (pageSize - 1)

	if end > uint64(len(p.data)) {
		end = uint64(len(p.data))
	}

	// msync requires a page-aligned address within the mapping
	unix.Msync(p.data[start:end], unix.MS_SYNC)
}

// NopPersister skips the fence. Only useful for volatile test pools.
type NopPersister struct{}

func (NopPersister) Persist(off, n uint64) {}

// Perishable wraps a persister with a countdown and simulates a crash by
// panicking with ErrPerished once the countdown expires. Crash-consistency
// tests arm it, drive the store until it fires, then reopen the pool and
// check recovery.
type Perishable struct {
	inner   Persister
	enabled atomic.Bool
	left    atomic.Int64
}

// ErrPerished is the panic value raised by an expired Perishable.
type ErrPerished struct{}

func (ErrPerished) Error() string {
	return "perishable fence expired"
}

// NewPerishable wraps inner. The countdown starts disarmed.
func NewPerishable(inner Persister) *Perishable {
	return &Perishable{inner: inner}
}

// Enable arms or disarms the countdown.
func (p *Perishable) Enable(on bool) {
	p.enabled.Store(on)
}

// Reset sets the number of fences remaining before the simulated crash.
func (p *Perishable) Reset(n uint64) {
	p.left.Store(int64(n))
}

func (p *Perishable) Persist(off, n uint64) {
	if p.enabled.Load() {
		if p.left.Add(-1) < 0 {
			panic(ErrPerished{})
		}
	}

	p.inner.Persist(off, n)
}
