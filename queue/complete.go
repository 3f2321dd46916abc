package queue

import (
	"errors"

	"github.com/slackhq/rdmaring/util"
	"github.com/slackhq/rdmaring/wqe"
)

// errRepoll marks a completion reported against an earlier descriptor than
// the one the entry names. The entry stays on the ring and is read again.
var errRepoll = errors.New("completion entry must be polled again")

// completeSend matches a send completion to its tracking record. For a
// flushed completion the entry index is ignored and the oldest outstanding
// descriptor is reported instead. replay is set when the flushed send queue
// still has work, tail is then the next descriptor to report.
func (qp *QP) completeSend(c *Completion, idx uint32) (replay bool, tail uint32, err error) {
	qp.mu.Lock()
	defer qp.mu.Unlock()

	c.QPID = qp.id
	if c.PushDropped {
		qp.pushMode = false
		qp.pushDropped = true
	}

	if c.Status != StatusFlushed {
		if idx >= qp.sqRing.Size() {
			util.NewContextualError("Send completion index is out of range",
				map[string]any{"qp": qp.id, "index": idx}, nil).Log(qp.l)
			return false, 0, ErrSkip
		}
		t := qp.sqTrack[idx]
		c.WRID = t.wrid
		c.Signaled = t.signaled
		if c.Status == StatusSuccess {
			c.Bytes = t.length
		}
		qp.sqRing.SetTail(idx + uint32(t.quanta))
		return false, 0, nil
	}

	if !qp.nextFlushedSend(c) {
		return false, 0, ErrSkip
	}
	if c.Op == wqe.OpBindMW && c.Minor == uint16(wqe.FlushProtErr) {
		c.Minor = uint16(wqe.FlushMWBindErr)
	}
	return !qp.sqFlush.complete, qp.sqRing.Tail(), nil
}

// nextFlushedSend fills c from the oldest outstanding send descriptor that
// is not a no-op and retires it. It returns false when nothing is left.
// Must be called with qp.mu held.
func (qp *QP) nextFlushedSend(c *Completion) bool {
	qp.sqFlush.seen = true
	found := false
	for qp.sqRing.MoreWork() {
		tail := qp.sqRing.Tail()
		op := wqe.Opcode(wqe.SQOpcode.Get(wqe.Header(qp.sqSlot(tail, 1))))
		t := qp.sqTrack[tail]
		qp.sqRing.SetTail(tail + uint32(t.quanta))
		if op != wqe.OpNOP {
			c.Op = op
			c.WRID = t.wrid
			c.Signaled = t.signaled
			c.Bytes = t.length
			found = true
			break
		}
	}
	if !qp.sqRing.MoreWork() {
		qp.sqFlush.complete = true
	}
	return found
}

// completeRecv matches a receive completion to its slot, reconciling
// completions that arrive out of slot order.
func (qp *QP) completeRecv(c *Completion, idx uint32) (replay bool, tail uint32, err error) {
	qp.mu.Lock()
	defer qp.mu.Unlock()

	c.QPID = qp.id
	if c.Status != StatusSuccess {
		ok := qp.nextFlushedRecv(c)
		if c.Status == StatusFlushed {
			qp.rqFlush.seen = true
			if !qp.rqMoreWork() {
				qp.rqFlush.complete = true
			}
		}
		if !ok {
			return false, 0, ErrSkip
		}
		return qp.rqMoreWork(), qp.rqRing.Tail(), nil
	}

	return false, 0, qp.checkRQ(c, idx)
}

// nextFlushedRecv reports the oldest receive descriptor still owed a
// completion. Must be called with qp.mu held.
func (qp *QP) nextFlushedRecv(c *Completion) bool {
	if qp.rqRing.MoreWork() {
		tail := qp.rqRing.Tail()
		c.WRID = qp.rqWRID[tail]
		qp.rqRing.SetTail(tail + 1)
		return true
	}
	if idx, ok := qp.oldestReposted(); ok {
		c.WRID = qp.rqWRID[idx]
		qp.clearReposted(idx)
		return true
	}
	return false
}

// checkRQ accepts a successful receive completion for slot idx. The device
// is expected to complete receive descriptors in slot order. When it skips
// ahead and relaxed ordering was negotiated, the skipped descriptors are
// rearmed for the next lap and reported when their own completion arrives.
// Without relaxed ordering the expected descriptor is reported with an
// unknown status instead and [errRepoll] is returned, the entry then
// completes the next descriptor. Must be called with qp.mu held.
func (qp *QP) checkRQ(c *Completion, idx uint32) error {
	size := qp.rqRing.Size()
	if idx >= size {
		util.NewContextualError("Receive completion index is out of range",
			map[string]any{"qp": qp.id, "index": idx}, nil).Log(qp.l)
		return ErrSkip
	}

	if qp.rqReposted[idx] {
		qp.clearReposted(idx)
		c.WRID = qp.rqWRID[idx]
		return nil
	}

	exp := qp.rqRing.Tail()
	if idx == exp {
		c.WRID = qp.rqWRID[idx]
		qp.rqRing.MoveTail()
		return nil
	}

	if dist := (idx + size - exp) % size; dist >= qp.rqRing.Used() {
		util.NewContextualError("Receive completion for a slot that is not outstanding",
			map[string]any{"qp": qp.id, "index": idx, "expected": exp, "rq": qp.rqRing.String()}, nil).Log(qp.l)
		return ErrSkip
	}

	if !qp.relaxedRQ {
		qp.l.WithField("qp", qp.id).
			WithField("index", idx).
			WithField("expected", exp).
			Warn("Receive completion out of order")
		*c = Completion{
			QPID:   qp.id,
			QP:     c.QP,
			Queue:  RecvQueue,
			Op:     c.Op,
			WRID:   qp.rqWRID[exp],
			Status: StatusUnknown,
		}
		qp.rqRing.SetTail(exp + 1)
		return errRepoll
	}

	for s := exp; s != idx; s = (s + 1) % size {
		qp.repostRQ(s)
	}
	c.WRID = qp.rqWRID[idx]
	qp.rqRing.SetTail(idx + 1)
	return nil
}
