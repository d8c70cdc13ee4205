package pmfifo

import (
	"github.com/ucnx/inicstack/internal/dlist"
	"github.com/ucnx/inicstack/internal/lld"
	"github.com/ucnx/inicstack/internal/pmp"
	"github.com/ucnx/inicstack/internal/telegram"
)

// EnqueueTx places msg on the waiting queue. A bypass message (spec
// §4.F's bypass queueing) is inserted after every prior bypass message
// and before the first non-bypass message; ordinary messages go to the
// tail.
func (f *FIFO) EnqueueTx(msg *telegram.CMessage) {
	node := f.nodeFor(msg)
	if !msg.IsTxBypass() {
		f.waiting.PushBack(node)
		f.kick(TxService)
		return
	}
	var lastBypass *dlist.Node[telegram.CMessage]
	f.waiting.Each(func(n *dlist.Node[telegram.CMessage]) bool {
		if !n.Owner().IsTxBypass() {
			return false
		}
		lastBypass = n
		return true
	})
	if lastBypass != nil {
		f.waiting.InsertAfter(lastBypass, node)
	} else {
		f.waiting.PushFront(node)
	}
	f.kick(TxService)
}

// runTxService flushes any triggered command objects, then — unless a
// CANCEL_ALL is in flight — sends waiting data messages while both a Tx
// handle and a credit are available.
func (f *FIFO) runTxService() {
	f.sendCommand(f.cmdSync)
	f.sendCommand(f.cmdReq)
	f.sendCommand(f.cmdCncl)
	f.sendCommand(f.cmdStat)

	if f.cancelAll {
		return
	}
	for f.txCredits > 0 {
		node := f.waiting.Front()
		if node == nil {
			break
		}
		handle, ok := f.handles.Acquire()
		if !ok {
			break
		}
		f.waiting.Remove(node)
		msg := node.Owner()

		sid := f.sidNextToUse
		f.sidNextToUse++

		if err := f.encoder.Encode(msg); err != nil {
			f.log.Warn("encode failed, dropping tx message", "err", err)
			f.handles.Release(handle)
			if f.onComplete != nil {
				f.onComplete(msg, CompletionFailed, FailureNone)
			}
			msg.Release()
			continue
		}
		h := pmp.Header{PMHL: f.encoder.PMHeaderSize(), Fifo: f.id, MsgType: pmp.MsgData, Dir: pmp.DirTx, SID: sid}
		if err := telegram.WrapPM(msg, h); err != nil {
			f.log.Warn("pm header build failed, dropping tx message", "err", err)
			f.handles.Release(handle)
			if f.onComplete != nil {
				f.onComplete(msg, CompletionFailed, FailureNone)
			}
			msg.Release()
			continue
		}
		msg.SetLldHandle(handle)
		msg.SetTxActive(true)
		item := &lld.LldTxItem{Kind: lld.KindData, Data: msg, FifoTag: f.id}
		if err := f.channel.Transmit(item); err != nil {
			f.log.Warn("lld transmit failed", "err", err)
		}
		f.pending = append(f.pending, pendingEntry{sid: sid, msg: msg, handle: handle})
		f.txCredits--
	}
}

func (f *FIFO) sendCommand(cmd *lld.Command) {
	if !cmd.Triggered() {
		return
	}
	handle, ok := f.handles.Acquire()
	if !ok {
		return // retry next tick
	}
	cmd.SetHandle(handle)
	cmd.SetTrigger(false)
	item := &lld.LldTxItem{Kind: lld.KindCommand, Cmd: cmd, FifoTag: f.id}
	if err := f.channel.Transmit(item); err != nil {
		f.log.Warn("lld command transmit failed", "err", err)
	}
}

// TxRelease implements pmchannel.FifoHandler: commands reclaim their
// handle and release their reservation; a data message's handle is
// reclaimed later, at the ack path (drainPendingThrough), matching spec
// §4.F's "reclaim credits and LLD handles one-for-one" wording.
func (f *FIFO) TxRelease(item *lld.LldTxItem) {
	switch item.Kind {
	case lld.KindCommand:
		if item.Cmd == nil {
			return
		}
		if h := item.Cmd.Handle(); h != nil {
			f.handles.Release(h)
		}
		item.Cmd.Release()
	case lld.KindData:
		if item.Data != nil {
			item.Data.SetTxActive(false)
		}
	}
}

// runRxService is a placeholder hook for future per-tick Rx batching;
// today all Rx work happens synchronously in RxDispatch, called directly
// by the owning pmchannel.Channel.
func (f *FIFO) runRxService() {}

// RxDispatch implements pmchannel.FifoHandler: it reparses the PM header
// (PMCH only consulted it for routing) and dispatches to the data or
// status path.
func (f *FIFO) RxDispatch(msg *telegram.CMessage) {
	hdr, err := pmp.Parse(msg.RxBytes())
	if err != nil {
		f.log.Warn("dropping unparsable rx frame", "err", err)
		msg.Release()
		return
	}
	switch hdr.MsgType {
	case pmp.MsgStatus:
		f.handleStatusRx(hdr, msg)
	case pmp.MsgData:
		f.handleDataRx(hdr, msg)
	default:
		f.log.Warn("dropping rx frame of unexpected msg type", "type", hdr.MsgType)
		msg.Release()
	}
}

// handleDataRx implements the Rx ordering and acknowledge-arming path:
// an unexpected SID is dropped with a warning (no re-request protocol
// exists), an in-order one is decoded and handed to the Rx consumer.
func (f *FIFO) handleDataRx(hdr pmp.Header, msg *telegram.CMessage) {
	if hdr.SID != f.expectedSID {
		f.log.Warn("dropping out-of-order rx data", "sid", hdr.SID, "expected", f.expectedSID)
		msg.Release()
		return
	}
	f.expectedSID++

	payload := msg.RxBytes()[hdr.PayloadOffset():]
	if err := f.encoder.Decode(msg, payload); err != nil {
		f.log.Warn("rx decode failed", "err", err)
		msg.Release()
		return
	}

	f.busyNum++
	f.consumedCredits++
	f.maybeArmAck()

	release := func() {
		msg.Release()
		f.busyNum--
	}
	if f.rxConsumer != nil {
		f.rxConsumer.OnRx(msg, release)
	} else {
		release()
	}
}

// maybeArmAck arms the FLOW acknowledge command once enough Rx credits
// have been consumed, choosing FLOW/SUCCESS when no data is mid-delivery
// or FLOW/BUSY (partial credit acknowledge) otherwise.
func (f *FIFO) maybeArmAck() {
	if f.consumedCredits < f.ackThreshold {
		return
	}
	var sid byte
	var code FlowCode
	if f.busyNum == 0 {
		sid = f.expectedSID - 1
		code = FlowSuccess
	} else {
		sid = f.expectedSID - byte(f.busyNum)
		code = FlowBusy
	}
	f.armCommand(f.cmdStat, sid, pmp.ExtType{Type: byte(StatusFlow), Code: byte(code)}, nil)
	f.consumedCredits = 0
	f.kick(TxService)
}
