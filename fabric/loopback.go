package fabric

import (
	"runtime"
	"sync"
	"time"
)

// LoopbackConnection is an in-process Connection: every posted operation
// completes immediately onto the shared queue. It serves tests and
// benchmarks of the grouped demultiplexer and stands in for a fabric
// endpoint wherever zero-copy transport is not wired up.
type LoopbackConnection struct {
	mu        sync.Mutex
	cond      *sync.Cond
	cq        []CQEntry
	errq      []CQEntry
	forgotten map[*Group]bool
	sinkCount uint64
	unblocked bool
	failNext  int
}

// NewLoopbackConnection builds an idle loopback connection.
func NewLoopbackConnection() *LoopbackConnection {
	c := &LoopbackConnection{forgotten: map[*Group]bool{}}
	c.cond = sync.NewCond(&c.mu)

	return c
}

// FailNextPosts arranges for the next n posted operations to complete
// through the error queue.
func (c *LoopbackConnection) FailNextPosts(n int) {
	c.mu.Lock()
	c.failNext = n
	c.mu.Unlock()
}

// SinkCount reports completions routed to the sink because their group
// was forgotten.
func (c *LoopbackConnection) SinkCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sinkCount
}

func (c *LoopbackConnection) complete(rec *AsyncRecord, n uint64) {
	c.mu.Lock()

	entry := CQEntry{Context: rec, Len: n}

	if c.failNext > 0 {
		c.failNext--
		c.errq = append(c.errq, entry)
	} else {
		c.cq = append(c.cq, entry)
	}

	c.cond.Broadcast()
	c.mu.Unlock()
}

func totalLen(buffers [][]byte) uint64 {
	n := uint64(0)

	for _, b := range buffers {
		n += uint64(len(b))
	}

	return n
}

func (c *LoopbackConnection) PostSend(buffers [][]byte, rec *AsyncRecord) error {
	c.complete(rec, totalLen(buffers))

	return nil
}

func (c *LoopbackConnection) PostRecv(buffers [][]byte, rec *AsyncRecord) error {
	c.complete(rec, totalLen(buffers))

	return nil
}

func (c *LoopbackConnection) PostRead(buffers [][]byte, remoteAddr, key uint64, rec *AsyncRecord) error {
	c.complete(rec, totalLen(buffers))

	return nil
}

func (c *LoopbackConnection) PostWrite(buffers [][]byte, remoteAddr, key uint64, rec *AsyncRecord) error {
	c.complete(rec, totalLen(buffers))

	return nil
}

// InjectSend generates no completion.
func (c *LoopbackConnection) InjectSend(buffer []byte) error {
	return nil
}

func (c *LoopbackConnection) CQRead(entry *CQEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.errq) > 0 {
		return ErrErrorAvailable
	}

	if len(c.cq) == 0 {
		return ErrAgain
	}

	*entry = c.cq[0]
	c.cq = c.cq[1:]

	return nil
}

func (c *LoopbackConnection) GetCQCompErr() (CQEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.errq) == 0 {
		return CQEntry{}, ErrAgain
	}

	entry := c.errq[0]
	c.errq = c.errq[1:]

	return entry, nil
}

func (c *LoopbackConnection) WaitForNextCompletion(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.cq) == 0 && len(c.errq) == 0 {
		if c.unblocked {
			c.unblocked = false

			return nil
		}

		remaining := time.Until(deadline)

		if remaining <= 0 {
			return ErrTimeout
		}

		t := time.AfterFunc(remaining, c.cond.Broadcast)
		c.cond.Wait()
		t.Stop()
	}

	return nil
}

func (c *LoopbackConnection) WaitForNextCompletionN(pollLimit uint) error {
	for i := uint(0); i < pollLimit; i++ {
		c.mu.Lock()
		ready := len(c.cq) > 0 || len(c.errq) > 0 || c.unblocked

		if c.unblocked {
			c.unblocked = false
		}

		c.mu.Unlock()

		if ready {
			return nil
		}

		runtime.Gosched()
	}

	return ErrTimeout
}

func (c *LoopbackConnection) UnblockCompletions() {
	c.mu.Lock()
	c.unblocked = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

// ForgetGroup detaches g: later completions owned by g are counted into
// the sink instead of touching a dangling queue.
func (c *LoopbackConnection) ForgetGroup(g *Group) {
	c.mu.Lock()
	c.forgotten[g] = true
	c.mu.Unlock()
}

// QueueCompletion routes a redirected completion to its owner's deferred
// queue, or the sink if the owner is gone.
func (c *LoopbackConnection) QueueCompletion(g *Group, status Status, entry CQEntry) {
	c.mu.Lock()
	gone := g == nil || c.forgotten[g]

	if gone {
		c.sinkCount++
	}

	c.mu.Unlock()

	if gone {
		return
	}

	g.QueueCompletion(status, entry)
}
