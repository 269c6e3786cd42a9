package fabric

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Stats counts what a group's polls did with completions.
type Stats struct {
	// CtTotal is the number of completions consumed by this group
	CtTotal uint64
	// DeferTotal counts tentative rejections re-enqueued on this group
	DeferTotal uint64
	// RedirectTotal counts completions polled here but owned elsewhere
	RedirectTotal uint64
}

type queuedCompletion struct {
	entry  CQEntry
	status Status
}

// Group is one logical sub-channel over a shared completion queue. Every
// group owns a deferred queue fed by redirection from other groups'
// polls and by its own tentative rejections.
type Group struct {
	conn   Connection
	logger *zap.Logger

	mu       sync.Mutex
	deferred []queuedCompletion

	statsMu sync.Mutex
	stats   Stats
}

// NewGroup attaches a new group to conn.
func NewGroup(conn Connection, logger *zap.Logger) *Group {
	if logger == nil {
		logger = zap.L()
	}

	return &Group{conn: conn, logger: logger}
}

// Close detaches the group from the connection. Completions still in
// flight are routed to the connection's sink rather than a dangling
// queue.
func (g *Group) Close() error {
	g.logStats()
	g.conn.ForgetGroup(g)

	return nil
}

func (g *Group) logStats() {
	g.statsMu.Lock()
	stats := g.stats
	g.statsMu.Unlock()

	g.logger.Debug("group stats",
		zap.Uint64("ct_total", stats.CtTotal),
		zap.Uint64("defer_total", stats.DeferTotal),
		zap.Uint64("redirect_total", stats.RedirectTotal))
}

// Stats returns a snapshot of the group's counters.
func (g *Group) Stats() Stats {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()

	return g.stats
}

// PostSend posts a send through this group. The user context is wrapped
// in an async record owned by the fabric until its completion returns.
func (g *Group) PostSend(buffers [][]byte, context interface{}) error {
	return g.conn.PostSend(buffers, &AsyncRecord{group: g, context: context})
}

// PostRecv posts a receive buffer through this group.
func (g *Group) PostRecv(buffers [][]byte, context interface{}) error {
	return g.conn.PostRecv(buffers, &AsyncRecord{group: g, context: context})
}

// PostRead posts an RDMA read through this group.
func (g *Group) PostRead(buffers [][]byte, remoteAddr, key uint64, context interface{}) error {
	return g.conn.PostRead(buffers, remoteAddr, key, &AsyncRecord{group: g, context: context})
}

// PostWrite posts an RDMA write through this group.
func (g *Group) PostWrite(buffers [][]byte, remoteAddr, key uint64, context interface{}) error {
	return g.conn.PostWrite(buffers, remoteAddr, key, &AsyncRecord{group: g, context: context})
}

// InjectSend sends without a completion.
func (g *Group) InjectSend(buffer []byte) error {
	return g.conn.InjectSend(buffer)
}

// QueueCompletion places a completion on this group's deferred queue.
// Called by whichever group polled the shared queue and found the entry
// belongs here.
func (g *Group) QueueCompletion(status Status, entry CQEntry) {
	g.mu.Lock()
	g.deferred = append(g.deferred, queuedCompletion{entry: entry, status: status})
	g.mu.Unlock()
}

// StalledCompletionCount reports the deferred queue depth.
func (g *Group) StalledCompletionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.deferred)
}

// Poll drains completions for this group. In ModeOld and ModeDefinite
// the deferred queue is drained first and every own completion is
// consumed. In ModeTentative the shared queue is polled first and the
// deferred queue after, so a rejection of a freshly polled completion is
// not immediately re-offered to the callback that just rejected it.
//
// Foreign completions read from the shared queue are redirected to their
// owning group's deferred queue. The deferred-queue mutex is never held
// across a callback invocation.
func (g *Group) Poll(mode Mode, cb Callback) (int, error) {
	total := 0
	var pending []queuedCompletion

	if mode == ModeTentative {
		// snapshot before reading the shared queue: completions rejected
		// during this poll land on the deferred queue but are not part of
		// the snapshot, so they only come back on a later poll
		pending = g.takeDeferred()
	} else {
		total += g.offer(g.takeDeferred(), mode, cb)
	}

	n, err := g.pollShared(mode, cb)
	total += n

	if err != nil {
		return total, err
	}

	if mode == ModeTentative {
		total += g.offer(pending, mode, cb)
	}

	g.statsMu.Lock()
	g.stats.CtTotal += uint64(total)
	g.statsMu.Unlock()

	return total, nil
}

func (g *Group) takeDeferred() []queuedCompletion {
	g.mu.Lock()
	pending := g.deferred
	g.deferred = nil
	g.mu.Unlock()

	return pending
}

// offer runs queued completions through the callback. Tentative
// rejections go back on the deferred queue for a later poll.
func (g *Group) offer(pending []queuedCompletion, mode Mode, cb Callback) int {
	consumed := 0
	var rejected []queuedCompletion

	for _, qc := range pending {
		c := completionOf(qc.entry, qc.status, mode)

		if cb(c) == Reject && mode == ModeTentative {
			rejected = append(rejected, qc)

			g.statsMu.Lock()
			g.stats.DeferTotal++
			g.statsMu.Unlock()

			continue
		}

		consumed++
	}

	if len(rejected) > 0 {
		g.mu.Lock()
		g.deferred = append(g.deferred, rejected...)
		g.mu.Unlock()
	}

	return consumed
}

// pollShared reads the shared completion queue one entry at a time until
// it reports drained.
func (g *Group) pollShared(mode Mode, cb Callback) (int, error) {
	total := 0

	for {
		var entry CQEntry
		err := g.conn.CQRead(&entry)

		switch err {
		case nil:
			total += g.processOrQueue(entry, StatusOK, mode, cb)
		case ErrAgain:
			return total, nil
		case ErrInterrupted:
			// retry; seen under profiling signals
		case ErrErrorAvailable:
			errEntry, cqErr := g.conn.GetCQCompErr()

			if cqErr != nil {
				return total, fmt.Errorf("completion error queue: %s", cqErr.Error())
			}

			total += g.processOrQueue(errEntry, StatusFail, mode, cb)
		default:
			// anything else is fatal
			return total, fmt.Errorf("completion queue read: %s", err.Error())
		}
	}
}

// processOrQueue delivers a fresh shared-queue entry: own completions go
// to the callback (subject to tentative rejection), foreign completions
// are redirected to their owner's deferred queue.
func (g *Group) processOrQueue(entry CQEntry, status Status, mode Mode, cb Callback) int {
	rec := entry.Context

	if rec == nil || rec.group != g {
		target := (*Group)(nil)

		if rec != nil {
			target = rec.group
		}

		g.conn.QueueCompletion(target, status, entry)

		g.statsMu.Lock()
		g.stats.RedirectTotal++
		g.statsMu.Unlock()

		return 0
	}

	if cb(completionOf(entry, status, mode)) == Reject && mode == ModeTentative {
		g.QueueCompletion(status, entry)

		g.statsMu.Lock()
		g.stats.DeferTotal++
		g.statsMu.Unlock()

		return 0
	}

	return 1
}

func completionOf(entry CQEntry, status Status, mode Mode) Completion {
	c := Completion{Status: status}

	if entry.Context != nil {
		c.Context = entry.Context.context
	}

	if mode != ModeOld {
		c.Flags = entry.Flags
		c.Len = entry.Len
	}

	return c
}

// WaitForNextCompletion blocks until the shared queue has a completion
// or the timeout expires. The completion is not consumed.
func (g *Group) WaitForNextCompletion(timeout time.Duration) error {
	return g.conn.WaitForNextCompletion(timeout)
}

// WaitForNextCompletionN bounds the wait by poll count instead.
func (g *Group) WaitForNextCompletionN(pollLimit uint) error {
	return g.conn.WaitForNextCompletionN(pollLimit)
}

// UnblockCompletions wakes any blocked waiter.
func (g *Group) UnblockCompletions() {
	g.conn.UnblockCompletions()
}
