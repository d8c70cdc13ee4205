package pmfifo

import (
	"time"

	"github.com/ucnx/inicstack/internal/lld"
	"github.com/ucnx/inicstack/internal/pmp"
	"github.com/ucnx/inicstack/internal/telegram"
)

// Synchronize enters SYNCING and arms the sync command with params,
// under an incrementing sync-attempt counter used as the command's SID.
func (f *FIFO) Synchronize(params SyncParams) {
	f.params = params
	f.syncAttempt++
	f.setState(Syncing)
	body := []byte{params.RxCredits, params.RxBusyAllowed, params.RxAckTimeout, params.TxWdTimeout}
	f.armCommand(f.cmdSync, f.syncAttempt, extSync, body)
	f.kick(TxService)
}

// Unsynchronize enters UNSYNCING and sends the unsync command (the sync
// command object, re-armed with the unsync ext type).
func (f *FIFO) Unsynchronize() {
	f.setState(Unsyncing)
	f.armCommand(f.cmdSync, f.syncAttempt, extUnsync, nil)
	f.kick(TxService)
}

// armCommand reserves cmd (if not already reserved), builds its PM
// header (PMHL 3, MsgCmd, the given SID/ext) plus an optional body into
// its 10-byte buffer, and arms it for the next Tx service tick.
func (f *FIFO) armCommand(cmd *lld.Command, sid byte, ext pmp.ExtType, body []byte) bool {
	if !cmd.Reserve() {
		return false
	}
	buf := cmd.Buf[:]
	h := pmp.Header{PMHL: 3, Fifo: f.id, MsgType: pmp.MsgCmd, Dir: pmp.DirTx, SID: sid, Ext: ext}
	h.PML = h.PMHL + 1 + len(body)
	n, err := pmp.Build(buf, h)
	if err != nil {
		cmd.Release()
		return false
	}
	copy(buf[n:], body)
	cmd.SetTrigger(true)
	return true
}

func (f *FIFO) handleStatusSynced(hdr pmp.Header, msg *telegram.CMessage) {
	payload := msg.RxBytes()[hdr.PayloadOffset() : hdr.PayloadOffset()+hdr.PayloadLen()]
	accepted := f.state == Syncing &&
		len(payload) == 4 &&
		payload[1] == f.params.RxBusyAllowed &&
		payload[2] == f.params.RxAckTimeout &&
		payload[3] == f.params.TxWdTimeout &&
		(payload[0]&0x3F) >= 1 && (payload[0]&0x3F) <= 63 &&
		hdr.SID == f.syncAttempt
	if !accepted {
		f.log.Warn("rejecting SYNCED status", "sid", hdr.SID, "state", f.state)
		return
	}
	granted := int(payload[0] & 0x3F)
	f.sidLastCompleted = hdr.SID
	f.sidNextToUse = hdr.SID + 1
	f.expectedSID = hdr.SID + 1
	f.txCredits = granted
	f.reportTxCredits()
	f.setState(Synced)
	f.startWatchdog()
	f.kick(TxService)
}

// handleUnsyncedRdy reacts to an UNSYNCED_RDY status. Leaving UNSYNCING
// always lands in UNSYNCED_INIT; a command-triggered UNSYNCED_RDY seen
// while SYNCING restarts the sync attempt; and a peer that clears a
// prior UNSYNCED_BUSY condition (announced here rather than through a
// fresh SYNC) lands the FIFO in UNSYNCED_READY, a distinct data state
// from UNSYNCED_INIT since the peer, not this host, is driving it.
func (f *FIFO) handleUnsyncedRdy(hdr pmp.Header) {
	switch {
	case f.state == Unsyncing:
		f.stopInto(UnsyncedInit)
	case f.state == Syncing && UnsyncedRdyReason(hdr.Ext.Code) == ReasonCommand:
		f.cmdSync.Release()
		f.Synchronize(f.params)
	case f.state == UnsyncedBusy:
		f.stopInto(UnsyncedReady)
	default:
		f.log.Warn("unexpected UNSYNCED_RDY", "state", f.state)
	}
}

// handleUnsyncedBsy reacts to an UNSYNCED_BSY status. Per spec, this is
// ignored only while SYNCING (the sync attempt in flight already covers
// it); every other state, including SYNCED, desyncs into UNSYNCED_BUSY.
func (f *FIFO) handleUnsyncedBsy(hdr pmp.Header) {
	if f.state == Syncing {
		return
	}
	f.log.Debug("peer reports UNSYNCED_BSY", "sid", hdr.SID, "state", f.state)
	f.stopInto(UnsyncedBusy)
}

// startWatchdog arms the periodic REQUEST_STATUS poll, if tx_wd_timeout
// is nonzero. Units are the same 100ms ticks the teacher's appserver.go
// uses for its own watchdog knob.
func (f *FIFO) startWatchdog() {
	f.stopWatchdog()
	if f.params.TxWdTimeout == 0 {
		return
	}
	d := time.Duration(f.params.TxWdTimeout) * 100 * time.Millisecond
	f.watchdogMissed = 0
	f.watchdogID = f.sched.Timers.Every(time.Now(), d, f.onWatchdog)
}

func (f *FIFO) stopWatchdog() {
	if f.watchdogID != 0 {
		f.sched.Timers.Cancel(f.watchdogID)
		f.watchdogID = 0
	}
}

func (f *FIFO) onWatchdog() {
	if f.watchdogMissed > 0 {
		f.log.Warn("watchdog missed twice, treating as link loss")
		f.stopInto(UnsyncedInit)
		return
	}
	f.watchdogMissed++
	f.armCommand(f.cmdReq, f.sidNextToUse-1, extRequestStatus, nil)
	f.kick(TxService)
}

// stopInto zeros credits, stops the watchdog and transitions to
// newState, notifying observers.
func (f *FIFO) stopInto(newState State) {
	f.txCredits = 0
	f.stopWatchdog()
	f.setState(newState)
}

// Stop tears the FIFO down into UNSYNCED_INIT without draining queues;
// call Cleanup separately to fail outstanding messages.
func (f *FIFO) Stop() {
	f.stopInto(UnsyncedInit)
}

// Cleanup drains the pending and waiting queues, signaling SYNC_LOST
// completion for every message and reclaiming LLD handles.
func (f *FIFO) Cleanup() {
	for _, e := range f.pending {
		f.handles.Release(e.handle)
		if f.onComplete != nil {
			f.onComplete(e.msg, CompletionSyncLost, FailureNone)
		}
		e.msg.Release()
	}
	f.pending = nil
	for {
		n := f.waiting.PopFront()
		if n == nil {
			break
		}
		m := n.Owner()
		if f.onComplete != nil {
			f.onComplete(m, CompletionSyncLost, FailureNone)
		}
		m.Release()
	}
	f.txCredits = 0
	f.cancelAll = false
}
