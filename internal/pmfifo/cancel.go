package pmfifo

import (
	"github.com/ucnx/inicstack/internal/dlist"
	"github.com/ucnx/inicstack/internal/telegram"
)

// cancelSingle removes the front-most (failed) pending message from the
// INIC's FIFO head: it is failed locally and a CANCEL command is armed
// so Tx processing can resume with the rest of the pending queue intact.
func (f *FIFO) cancelSingle() {
	e := f.pending[0]
	f.pending = f.pending[1:]
	f.handles.Release(e.handle)
	f.txCredits++
	f.sidLastCompleted = e.sid
	if f.onComplete != nil {
		f.onComplete(e.msg, CompletionFailed, f.lastFailureCode)
	}
	e.msg.Release()
	f.reportTxCredits()
	f.reportPendingDepth()
	f.armCommand(f.cmdCncl, e.sid, extCancel, nil)
}

// cancelAllStart halts Tx processing and arms a CANCEL_ALL command; the
// INIC's completion is observed as a FLOW/CANCELED status bearing
// sid_next_to_use-1.
func (f *FIFO) cancelAllStart() {
	f.cancelAll = true
	f.armCommand(f.cmdCncl, f.sidNextToUse-1, extCancelAll, nil)
}

// recoverFromCancelAll runs the CANCEL_ALL completion recovery: the
// entire pending queue is moved back to the head of the waiting queue in
// original order, credits are restored, and sid_last_completed advances
// by the restored count so the next transmit uses a fresh SID rather
// than replaying one already spent on the canceled batch. Every waiting
// message sharing the failed message's cancel id is then failed
// together, preserving order for survivors.
func (f *FIFO) recoverFromCancelAll() {
	var followerID byte
	if len(f.pending) > 0 {
		followerID = f.pending[0].msg.TxOpts.CancelID
	}

	n := len(f.pending)
	for i := n - 1; i >= 0; i-- {
		e := f.pending[i]
		f.handles.Release(e.handle)
		node := f.nodeFor(e.msg)
		if front := f.waiting.Front(); front != nil {
			f.waiting.InsertBefore(front, node)
		} else {
			f.waiting.PushFront(node)
		}
	}
	f.txCredits += n
	f.sidLastCompleted += byte(n)
	f.pending = nil
	f.cancelAll = false
	f.reportTxCredits()
	f.reportPendingDepth()

	if followerID != 0 {
		var toFail []*telegram.CMessage
		f.waiting.Each(func(nd *dlist.Node[telegram.CMessage]) bool {
			m := nd.Owner()
			if m.TxOpts.CancelID == followerID {
				f.waiting.Remove(nd)
				toFail = append(toFail, m)
			}
			return true
		})
		for _, m := range toFail {
			if f.onComplete != nil {
				f.onComplete(m, CompletionCanceled, f.lastFailureCode)
			}
			m.Release()
		}
	}
	f.kick(TxService)
}
