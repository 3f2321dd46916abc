package queue

import (
	"slices"

	"github.com/slackhq/rdmaring/wqe"
)

// GenerateFlush makes the completion queue report every outstanding request
// of the work queues of qp that complete on it, in submission order, once
// the device has no more entries. It is used when the device will not flush
// the queue pair itself.
func (cq *CQ) GenerateFlush(qp *QP) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if !slices.Contains(cq.flushing, qp) {
		cq.flushing = append(cq.flushing, qp)
	}
}

// generated returns the next software flushed completion. Must be called
// with cq.mu held.
func (cq *CQ) generated() (Completion, error) {
	for len(cq.flushing) > 0 {
		qp := cq.flushing[0]
		if c, ok := qp.generateFlushed(cq); ok {
			c.Outcome = outcomeFor(c.Status, c.Minor)
			cq.metrics.polled.Inc(1)
			cq.metrics.flushed.Inc(1)
			return c, nil
		}
		cq.flushing = cq.flushing[1:]
	}
	return Completion{}, ErrNoEntry
}

func (qp *QP) generateFlushed(cq *CQ) (Completion, bool) {
	qp.mu.Lock()
	defer qp.mu.Unlock()

	c := Completion{
		QPID:   qp.id,
		QP:     qp.handle,
		Status: StatusFlushed,
		Major:  wqe.FlushMajorErr,
		Minor:  uint16(wqe.FlushGeneralErr),
	}

	if qp.sendCQ == cq && !qp.sqFlush.complete {
		c.Queue = SendQueue
		if qp.nextFlushedSend(&c) {
			c.Bytes = 0
			return c, true
		}
	}

	if qp.recvCQ == cq && !qp.rqFlush.complete {
		qp.rqFlush.seen = true
		c.Queue = RecvQueue
		c.Op = wqe.OpRecv
		ok := qp.nextFlushedRecv(&c)
		if !qp.rqMoreWork() {
			qp.rqFlush.complete = true
		}
		if ok {
			return c, true
		}
	}
	return Completion{}, false
}
