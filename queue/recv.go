package queue

import (
	"fmt"

	"github.com/slackhq/rdmaring/ring"
	"github.com/slackhq/rdmaring/wqe"
)

// RecvWR is a receive queue work request.
type RecvWR struct {
	ID  uint64
	SGL []SGE
}

// PostRecv hands receive buffers to the device. A full receive queue returns
// [ring.ErrRingFull]; requests before it stay posted.
func (qp *QP) PostRecv(wrs ...RecvWR) error {
	qp.mu.Lock()
	defer qp.mu.Unlock()

	if qp.inError.Load() || qp.rqFlush.seen {
		return ErrQueueInError
	}

	for i := range wrs {
		if err := qp.postRecv(&wrs[i]); err != nil {
			return fmt.Errorf("post recv %d (wrid %#x): %w", i, wrs[i].ID, err)
		}
	}
	return nil
}

func (qp *QP) postRecv(wr *RecvWR) error {
	n := uint32(len(wr.SGL))
	if n > qp.maxRQFrags {
		return fmt.Errorf("%w: %d > %d", ErrTooManyFrags, n, qp.maxRQFrags)
	}

	idx := qp.rqRing.Head()
	if qp.rqReposted[idx] {
		return fmt.Errorf("%w: slot %d still waits for a reposted completion", ring.ErrRingFull, idx)
	}
	if err := qp.rqRing.MoveHead(); err != nil {
		return err
	}
	if idx == 0 {
		qp.rwqePolarity ^= 1
	}
	qp.rqWRID[idx] = wr.ID

	q := qp.rqSlot(idx)
	pol := qp.rwqePolarity
	qp.ops.SetFragment(q, 0, firstSGE(wr.SGL), pol)
	off := wqe.FragmentOffset(1)
	for i := uint32(1); i < n; i++ {
		qp.ops.SetFragment(q, off, &wr.SGL[i], pol)
		off += 16
	}

	var addl uint32
	if n > 1 {
		addl = n - 1
	}
	if qp.ops.DummyFragment(n) {
		qp.ops.SetFragment(q, off, nil, pol)
		addl++
	}
	wqe.Set64(q, 16, 0)
	wqe.SetHeader(q, wqe.SQAddFragCnt.Prep(uint64(addl))|wqe.Valid.Prep(uint64(pol)))
	return nil
}

// repostRQ rearms a receive descriptor for the next lap of the ring by
// flipping its valid bits. The work request id is kept. Must be called with
// qp.mu held.
func (qp *QP) repostRQ(idx uint32) {
	q := qp.rqSlot(idx)
	hdr := wqe.Header(q)
	pol := uint8(wqe.Valid.Get(hdr)) ^ 1
	qp.ops.RearmFragments(q, uint32(wqe.SQAddFragCnt.Get(hdr))+1, pol)
	wqe.SetHeader(q, wqe.Valid.Replace(hdr, uint64(pol)))

	qp.rqReposted[idx] = true
	qp.rqRepostCount++
	qp.metrics.reposted.Inc(1)
}

// oldestReposted returns the reposted slot that was skipped first.
func (qp *QP) oldestReposted() (uint32, bool) {
	if qp.rqRepostCount == 0 {
		return 0, false
	}
	size := qp.rqRing.Size()
	start := qp.rqRing.Head()
	for i := range size {
		idx := (start + i) % size
		if qp.rqReposted[idx] {
			return idx, true
		}
	}
	return 0, false
}

func (qp *QP) clearReposted(idx uint32) {
	qp.rqReposted[idx] = false
	qp.rqRepostCount--
}

// rqMoreWork reports whether the receive queue still owes completions.
func (qp *QP) rqMoreWork() bool {
	return qp.rqRing.MoreWork() || qp.rqRepostCount > 0
}
