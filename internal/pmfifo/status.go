package pmfifo

import (
	"github.com/ucnx/inicstack/internal/pmp"
	"github.com/ucnx/inicstack/internal/telegram"
)

// sentButUnackedDiff is the distance, mod 256, from sid_last_completed to
// the newest SID actually sent and not yet acknowledged.
func (f *FIFO) sentButUnackedDiff() int {
	return int(f.sidNextToUse-f.sidLastCompleted-1) & 0xFF
}

// sidValid implements spec §4.F's SID validity window: s is valid iff
// its distance from sid_last_completed lies strictly after zero and no
// further than what is actually outstanding, discarding stale or
// forward-overrunning status SIDs.
func (f *FIFO) sidValid(s byte) bool {
	diff := int(s-f.sidLastCompleted) & 0xFF
	return diff > 0 && diff <= f.sentButUnackedDiff()
}

// handleStatusRx dispatches one decoded incoming status PM. msg is
// always released back to the Rx pool once handled.
func (f *FIFO) handleStatusRx(hdr pmp.Header, msg *telegram.CMessage) {
	defer msg.Release()
	f.watchdogMissed = 0

	switch StatusType(hdr.Ext.Type) {
	case StatusFlow:
		switch FlowCode(hdr.Ext.Code) {
		case FlowSuccess:
			f.handleFlowSuccess(hdr)
		case FlowBusy:
			f.handleFlowBusy(hdr)
		case FlowNack:
			f.handleFlowNack()
		case FlowCanceled:
			f.handleFlowCanceled(hdr)
		}
	case StatusFailure:
		f.handleFailure(hdr)
	case StatusSynced:
		f.handleStatusSynced(hdr, msg)
	case StatusUnsyncedBsy:
		f.handleUnsyncedBsy(hdr)
	case StatusUnsyncedRdy:
		f.handleUnsyncedRdy(hdr)
	default:
		f.log.Warn("unknown status type", "type", hdr.Ext.Type)
	}
}

// completeEntry finalizes one pending Tx entry: reclaims its LLD handle,
// invokes the completion callback, and releases the message back to its
// pool.
func (f *FIFO) completeEntry(e pendingEntry, status CompletionStatus, code FailureCode) {
	f.handles.Release(e.handle)
	if f.onComplete != nil {
		f.onComplete(e.msg, status, code)
	}
	e.msg.Release()
}

// drainPendingThrough completes every pending entry up to and including
// sid (in send order), reclaiming one credit per entry.
func (f *FIFO) drainPendingThrough(sid byte, status CompletionStatus, code FailureCode) {
	i := 0
	for i < len(f.pending) {
		e := f.pending[i]
		i++
		f.completeEntry(e, status, code)
		if e.sid == sid {
			break
		}
	}
	if i == 0 {
		return
	}
	f.txCredits += i
	f.sidLastCompleted = f.pending[i-1].sid
	f.pending = f.pending[i:]
	f.reportTxCredits()
	f.reportPendingDepth()
	f.kick(TxService)
}

func (f *FIFO) handleFlowSuccess(hdr pmp.Header) {
	if !f.sidValid(hdr.SID) {
		f.log.Warn("discarding stale FLOW/SUCCESS", "sid", hdr.SID)
		return
	}
	f.drainPendingThrough(hdr.SID, CompletionOK, FailureNone)
}

func (f *FIFO) handleFlowCanceled(hdr pmp.Header) {
	if f.cancelAll && hdr.SID == f.sidNextToUse-1 {
		f.recoverFromCancelAll()
		return
	}
	if !f.sidValid(hdr.SID) {
		return
	}
	f.drainPendingThrough(hdr.SID, CompletionCanceled, FailureNone)
}

func (f *FIFO) handleFlowNack() {
	f.log.Warn("FLOW/NACK: unrecoverable desync, resetting to UNSYNCED_INIT")
	f.stopInto(UnsyncedInit)
}

// handleFlowBusy defers the actual state application to the next
// TX_APPLY_STATUS tick, per spec §4.F.
func (f *FIFO) handleFlowBusy(hdr pmp.Header) {
	f.hasBusy = true
	f.busySID = hdr.SID
	f.kick(TxApplyStatus)
}

func (f *FIFO) runApplyStatus() {
	if !f.hasBusy {
		return
	}
	f.hasBusy = false
	f.log.Debug("applying deferred FLOW/BUSY status", "sid", f.busySID)
}

// handleFailure implicitly acknowledges every pending entry strictly
// before the failed SID, then triggers CANCEL or CANCEL_ALL depending on
// whether the failed message has siblings sharing its cancel id.
func (f *FIFO) handleFailure(hdr pmp.Header) {
	if !f.sidValid(hdr.SID) {
		return
	}
	f.lastFailureCode = FailureCode(hdr.Ext.Code)
	i := 0
	for i < len(f.pending) && f.pending[i].sid != hdr.SID {
		f.completeEntry(f.pending[i], CompletionOK, FailureNone)
		i++
	}
	if i > 0 {
		f.txCredits += i
		f.sidLastCompleted = f.pending[i-1].sid
		f.pending = f.pending[i:]
	}
	if len(f.pending) == 0 {
		return
	}
	front := f.pending[0]
	if front.msg.TxOpts.CancelID == 0 {
		f.cancelSingle()
	} else {
		f.cancelAllStart()
	}
	f.kick(TxService)
}
