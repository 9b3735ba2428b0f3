package conn

import (
	"github.com/accelsess/rpcsession/internal/pool"
	"github.com/accelsess/rpcsession/internal/wire"
)

// TaskState tracks one in-flight message slot through its lifecycle (§3).
type TaskState uint8

// Task states.
const (
	TaskInit TaskState = iota + 1
	TaskQueued
	TaskInflight
	TaskDelivered
	TaskCompleted
)

// String returns the human-readable name of the task state.
func (s TaskState) String() string {
	switch s {
	case TaskInit:
		return "INIT"
	case TaskQueued:
		return "QUEUED"
	case TaskInflight:
		return "INFLIGHT"
	case TaskDelivered:
		return "DELIVERED"
	case TaskCompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// Task is one in-flight message slot (§3): a wire buffer drawn from the
// pool plus the bookkeeping needed to correlate a response to its request
// and to retain a read-receipted send until delivery is confirmed.
type Task struct {
	SerialNum uint64
	TLVType   wire.TLVType
	State     TaskState

	// Block is the pool-backed wire buffer. Nil for tasks that never carry
	// an outbound payload of their own (pure bookkeeping entries).
	Block *pool.Block

	// Request is the sender-task this Task responds to; nil for requests
	// and one-way messages.
	Request *Task

	// RetainForReceipt is set when the sender asked for a read-receipt;
	// Release must not return the task to the pool until the receipt-first
	// completion clears it (§3 invariant).
	RetainForReceipt bool

	// MoreInBatch mirrors the flag surfaced to on_msg/on_msg_delivered.
	MoreInBatch bool

	// isReceipt marks an auto-generated read-receipt frame, so finishSend
	// can release its Block without mistaking it for a real SendResponse
	// completion and upcalling on_msg_send_complete for it.
	isReceipt bool
}
