package ams

import (
	"github.com/ucnx/inicstack/internal/pmfifo"
	"github.com/ucnx/inicstack/internal/segmentation"
	"github.com/ucnx/inicstack/internal/telegram"
)

// RxMsg is one completed inbound Application Message. Release must be
// called exactly once.
type RxMsg struct {
	Src     uint16
	MsgID   uint16
	Payload []byte
	Info    any

	inner *segmentation.RxMessage
}

// Release returns any pooled resources the message holds.
func (m *RxMsg) Release() {
	if m.inner != nil {
		m.inner.Release()
	}
}

// rxWaitEntry is one raw telegram parked because the Rx pool was
// exhausted when it arrived (spec §8 scenario 6), along with the release
// callback its owning FIFO gave us.
type rxWaitEntry struct {
	msg     *telegram.CMessage
	release func()
}

// OnReceive implements transceiver.RxConsumer: the entry point both
// transceivers call into for every accepted inbound telegram, one segment
// at a time (ucs_ams.c's Ams_RxOnTelComplete / Ams_RxProcessWaitingQ).
func (a *AMS) OnReceive(msg *telegram.CMessage, release func()) {
	if len(a.rxWaiting) > 0 {
		a.rxWaiting = append(a.rxWaiting, rxWaitEntry{msg: msg, release: release})
		a.reportRxWaitingDepth()
		return
	}
	a.deliverOne(msg, release)
}

// deliverOne runs segmentation synchronously over msg. A pool-starved
// ResultRetry parks it on the waiting queue instead of releasing it; every
// other result releases msg immediately, since Deliver has already copied
// whatever it needs.
func (a *AMS) deliverOne(msg *telegram.CMessage, release func()) {
	out, result, kind := a.reassembler.Deliver(msg)
	switch result {
	case segmentation.ResultRetry:
		a.rxWaiting = append(a.rxWaiting, rxWaitEntry{msg: msg, release: release})
		a.reportRxWaitingDepth()
	case segmentation.ResultComplete:
		release()
		a.completeRx(out)
	case segmentation.ResultPending:
		release()
	case segmentation.ResultError:
		release()
		msgID, _ := telegram.AltMsgID(msg.MsgID)
		a.reportReassemblyError(msg.Src, msgID, kind)
	}
}

// runRxWaiting drains the waiting queue in FIFO order, stopping again at
// the first pool-starved entry (ucs_ams.c's Ams_RxProcessWaitingQ). It is
// re-armed by the Rx pool's OnFreed hook.
func (a *AMS) runRxWaiting() {
	for len(a.rxWaiting) > 0 {
		e := a.rxWaiting[0]
		out, result, kind := a.reassembler.Deliver(e.msg)
		if result == segmentation.ResultRetry {
			break
		}
		a.rxWaiting = a.rxWaiting[1:]
		e.release()
		switch result {
		case segmentation.ResultComplete:
			a.completeRx(out)
		case segmentation.ResultError:
			msgID, _ := telegram.AltMsgID(e.msg.MsgID)
			a.reportReassemblyError(e.msg.Src, msgID, kind)
		}
	}
	a.reportRxWaitingDepth()
}

func (a *AMS) completeRx(out *segmentation.RxMessage) {
	if out == nil {
		return
	}
	if a.rxComplete == nil {
		out.Release()
		return
	}
	a.rxComplete(&RxMsg{Src: out.Src, MsgID: out.MsgID, Payload: out.Payload, inner: out})
}

// onReassemblyTimeout implements segmentation.Reassembler's OnTimeout
// hook: error 5 both reports upstream (via the caller's log, here) and
// triggers the same synthetic error reply as any other reassembly error.
func (a *AMS) onReassemblyTimeout(src, msgID uint16) {
	a.log.Warn("reassembly timed out", "src", src, "msg_id", msgID)
	a.reportReassemblyError(src, msgID, segmentation.ErrTimeout)
}

// onReassemblyError implements segmentation.Reassembler's OnError hook,
// fired for side-effect errors (today: a duplicate signature discarded in
// favor of the newer arrival) distinct from Deliver's own return value.
func (a *AMS) onReassemblyError(src, msgID uint16, kind segmentation.ErrKind) {
	a.reportReassemblyError(src, msgID, kind)
}

// reportReassemblyError emits the synthetic error reply spec §4.J
// describes (OpType ERROR, payload 0x0C <error number>), skipped for a
// failure attributed to the local INIC itself.
func (a *AMS) reportReassemblyError(src, msgID uint16, kind segmentation.ErrKind) {
	if kind == segmentation.ErrNone || src == telegram.AddrInic {
		return
	}
	mid := telegram.MakeAltMsgID(msgID)
	mid.OpType = telegram.OpError
	reply := &TxMsg{
		Dest:     src,
		Payload:  segmentation.ErrorReplyPayload(kind),
		rawMsgID: &mid,
	}
	if err := a.SendMsg(reply); err != nil {
		a.log.Warn("could not send synthetic reassembly error reply", "src", src, "msg_id", msgID, "err", err)
	}
}

// Cleanup runs on a fatal transport loss (spec §1's RSM sync-loss
// signalling): every queued or mid-transmission Tx AppMsg is failed with
// NOT_AVAILABLE, Rx reassembly state is discarded, and anything parked on
// the Rx waiting queue is released back to its FIFO (ucs_ams.c's
// Ams_Cleanup).
func (a *AMS) Cleanup() {
	for {
		node := a.txQueue.PopFront()
		if node == nil {
			break
		}
		m := node.Owner()
		if m.onComplete != nil {
			m.onComplete(m, TxNotAvailable, pmfifo.FailureSync)
		}
	}
	a.reportTxQueueDepth()

	a.reassembler.Reset()

	for _, e := range a.rxWaiting {
		e.release()
	}
	a.rxWaiting = nil
	a.reportRxWaitingDepth()
}
