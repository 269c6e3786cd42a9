// Package fabric provides the grouped completion demultiplexer that sits
// over a single shared fabric completion queue. Each group is a logical
// sub-channel: operations posted through a group carry an async record
// naming the group, and polling any group routes foreign completions to
// their owners' deferred queues.
package fabric

import (
	"errors"
	"time"
)

// Status is the completion status delivered to callbacks.
type Status int

const (
	// StatusOK marks a successful completion
	StatusOK Status = 0
	// StatusFail marks a failed completion routed from the error queue
	StatusFail Status = -1
)

// CQ read dispositions. Anything else returned by CQRead is fatal.
var (
	// ErrAgain means the shared queue is drained
	ErrAgain = errors.New("completion queue drained")
	// ErrInterrupted means the read was interrupted and should be retried
	ErrInterrupted = errors.New("completion queue read interrupted")
	// ErrErrorAvailable means an error entry is pending on the error queue
	ErrErrorAvailable = errors.New("completion error entry available")
	// ErrTimeout is returned by the completion waits when the timeout or
	// poll limit expires without a completion arriving
	ErrTimeout = errors.New("timed out waiting for completion")
)

// AsyncRecord wraps a user context with its owning group. The record's
// identity is the operation context handed to the fabric; ownership
// transfers on post and returns exactly once via a completion.
type AsyncRecord struct {
	group   *Group
	context interface{}
}

// Context returns the user context the record wraps.
func (rec *AsyncRecord) Context() interface{} {
	return rec.context
}

// CQEntry is one entry read from the shared completion queue.
type CQEntry struct {
	// Context is the async record posted with the operation
	Context *AsyncRecord
	Flags   uint64
	Len     uint64
	Data    uint64
}

// Completion is what a group callback receives.
type Completion struct {
	// Context is the user context given at post time
	Context interface{}
	Status  Status
	Flags   uint64
	Len     uint64
}

// Disposition is the callback's verdict on a completion. It is honored
// only in tentative mode; other modes always consume.
type Disposition int

const (
	// Accept consumes the completion
	Accept Disposition = iota
	// Reject re-enqueues the completion on the group's deferred queue
	Reject
)

// Callback handles one completion.
type Callback func(Completion) Disposition

// Mode selects the acceptance semantics of a poll.
type Mode int

const (
	// ModeOld delivers context and status only; always consumes
	ModeOld Mode = iota
	// ModeDefinite delivers the full completion; always consumes
	ModeDefinite
	// ModeTentative lets the callback reject; rejected completions are
	// redelivered on a later poll of the same group
	ModeTentative
)

// Connection is the parent fabric connection owning the shared
// completion queue. The demultiplexer is a client of this contract; the
// in-process implementation lives in LoopbackConnection.
type Connection interface {
	// PostSend posts a send; the record returns via a completion
	PostSend(buffers [][]byte, rec *AsyncRecord) error
	// PostRecv posts a receive buffer
	PostRecv(buffers [][]byte, rec *AsyncRecord) error
	// PostRead posts an RDMA read from remoteAddr under key
	PostRead(buffers [][]byte, remoteAddr, key uint64, rec *AsyncRecord) error
	// PostWrite posts an RDMA write to remoteAddr under key
	PostWrite(buffers [][]byte, remoteAddr, key uint64, rec *AsyncRecord) error
	// InjectSend sends without generating a completion
	InjectSend(buffer []byte) error

	// CQRead reads one entry from the shared queue. It returns ErrAgain
	// when drained, ErrInterrupted when the read should be retried and
	// ErrErrorAvailable when GetCQCompErr must be consulted. Any other
	// error is fatal.
	CQRead(entry *CQEntry) error
	// GetCQCompErr reads the pending error entry
	GetCQCompErr() (CQEntry, error)

	// WaitForNextCompletion blocks until a completion is available or the
	// timeout expires. It does not consume the completion.
	WaitForNextCompletion(timeout time.Duration) error
	// WaitForNextCompletionN is WaitForNextCompletion bounded by a poll
	// count instead of a duration
	WaitForNextCompletionN(pollLimit uint) error
	// UnblockCompletions wakes any waiter. In-flight operations are not
	// cancelled; their completions still arrive and are routed normally.
	UnblockCompletions()

	// ForgetGroup detaches a group so stray completions for it are routed
	// to a sink instead of a dangling queue
	ForgetGroup(g *Group)
	// QueueCompletion redirects a completion onto a group's deferred queue
	QueueCompletion(g *Group, status Status, entry CQEntry)
}
