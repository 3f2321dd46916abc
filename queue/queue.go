// Package queue is the data plane of the descriptor ring protocol: send and
// receive work queues owned by a queue pair, and the completion queues the
// device fills.
//
// Software and device never share a lock. A descriptor becomes visible to
// the device when its header is published with the current polarity, and a
// completion becomes visible to software when its header carries the
// polarity the completion ring expects.
package queue

import (
	"errors"
	"fmt"

	"github.com/slackhq/rdmaring/wqe"
)

var (
	// ErrNoEntry is returned by a poll when no new completion is available.
	ErrNoEntry = errors.New("no completion available")
	// ErrSkip is returned for a completion that was retired without being
	// reported, for example because its queue pair is gone.
	ErrSkip = errors.New("completion skipped")

	ErrTooManyFrags   = errors.New("too many fragments")
	ErrInlineTooLarge = errors.New("inline data too large")
	ErrUnsupportedOp  = errors.New("unsupported operation")
	// ErrQueueInError is returned when posting to a queue that is being
	// flushed.
	ErrQueueInError = errors.New("queue is in error")
)

// SGE is one scatter/gather element of a work request.
type SGE = wqe.SGE

// QueueType tells which work queue a completion belongs to.
type QueueType uint8

const (
	SendQueue QueueType = iota
	RecvQueue
)

func (t QueueType) String() string {
	if t == SendQueue {
		return "sq"
	}
	return "rq"
}

// Status is the coarse result of a completion.
type Status uint8

const (
	StatusSuccess Status = iota
	// StatusFlushed marks work retired because its queue pair entered the
	// error state.
	StatusFlushed
	// StatusUnknown is a device error that is not a flush.
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFlushed:
		return "flushed"
	case StatusUnknown:
		return "unknown"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Outcome is the operation result reported to callers.
type Outcome uint8

const (
	OutcomeSuccess Outcome = iota
	// OutcomeFlushed is work that never ran because an earlier request
	// failed.
	OutcomeFlushed
	OutcomeLocalProtection
	OutcomeRemoteAccess
	OutcomeLocalQPOperation
	OutcomeRemoteOperation
	OutcomeLocalLength
	OutcomeMWBind
	OutcomeRemoteInvalidRequest
	OutcomeRetryExceeded
	OutcomeFatal
	OutcomeGeneral
)

var outcomeNames = [...]string{
	OutcomeSuccess:              "success",
	OutcomeFlushed:              "flushed",
	OutcomeLocalProtection:      "local_protection",
	OutcomeRemoteAccess:         "remote_access",
	OutcomeLocalQPOperation:     "local_qp_operation",
	OutcomeRemoteOperation:      "remote_operation",
	OutcomeLocalLength:          "local_length",
	OutcomeMWBind:               "mw_bind",
	OutcomeRemoteInvalidRequest: "remote_invalid_request",
	OutcomeRetryExceeded:        "retry_exceeded",
	OutcomeFatal:                "fatal",
	OutcomeGeneral:              "general",
}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("outcome(%d)", uint8(o))
}

func outcomeFor(s Status, minor uint16) Outcome {
	switch s {
	case StatusSuccess:
		return OutcomeSuccess
	case StatusUnknown:
		return OutcomeGeneral
	}

	switch wqe.MinorErr(minor) {
	case wqe.FlushGeneralErr:
		return OutcomeFlushed
	case wqe.FlushProtErr:
		return OutcomeLocalProtection
	case wqe.FlushRemAccessErr:
		return OutcomeRemoteAccess
	case wqe.FlushLocQPOpErr:
		return OutcomeLocalQPOperation
	case wqe.FlushRemOpErr:
		return OutcomeRemoteOperation
	case wqe.FlushLocLenErr:
		return OutcomeLocalLength
	case wqe.FlushMWBindErr:
		return OutcomeMWBind
	case wqe.FlushRemInvReqErr:
		return OutcomeRemoteInvalidRequest
	case wqe.FlushRetryExcErr:
		return OutcomeRetryExceeded
	}
	return OutcomeFatal
}

// Completion is one retired work request.
type Completion struct {
	WRID  uint64
	Bytes uint32
	Op    wqe.Opcode
	Queue QueueType
	QPID  uint32
	QP    Handle

	Status  Status
	Outcome Outcome
	Major   uint16
	Minor   uint16

	Signaled       bool
	SolicitedEvent bool
	PushDropped    bool

	Imm      uint32
	ImmValid bool

	// InvalidatedStag was invalidated by the remote send, when StagValid.
	InvalidatedStag uint32
	StagValid       bool
}

// Err returns nil for a successful completion and a descriptive error
// otherwise.
func (c *Completion) Err() error {
	if c.Status == StatusSuccess {
		return nil
	}
	return fmt.Errorf("%s wrid %#x: %s (major %#x minor %#x)", c.Queue, c.WRID, c.Outcome, c.Major, c.Minor)
}
