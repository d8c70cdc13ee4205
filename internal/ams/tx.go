package ams

import (
	"fmt"

	"github.com/ucnx/inicstack/internal/dlist"
	"github.com/ucnx/inicstack/internal/pmfifo"
	"github.com/ucnx/inicstack/internal/segmentation"
	"github.com/ucnx/inicstack/internal/telegram"
)

// TxResult is the coarse outcome reported to a Tx completion callback,
// spec §4.K's fixed status mapping collapsed to five values.
type TxResult int

const (
	TxSuccess TxResult = iota
	TxRetriesExpired
	TxInvalidTarget
	TxNotAvailable
	TxUnexpected
)

func (r TxResult) String() string {
	switch r {
	case TxSuccess:
		return "SUCCESS"
	case TxRetriesExpired:
		return "RETRIES_EXP"
	case TxInvalidTarget:
		return "INVALID_TGT"
	case TxNotAvailable:
		return "NOT_AVAILABLE"
	case TxUnexpected:
		return "UNEXPECTED"
	default:
		return "UNKNOWN"
	}
}

// TxCompleteFunc is invoked exactly once per outbound AppMsg, with its
// aggregated result and the raw INIC failure code (pmfifo.FailureNone on
// success) as additional diagnostic info.
type TxCompleteFunc func(msg *TxMsg, result TxResult, info pmfifo.FailureCode)

// TxMsg is one outbound Application Message (spec §3's Tx AppMsg).
type TxMsg struct {
	Dest    uint16
	MsgID   uint16
	Payload []byte
	Info    any
	LLRBC   byte

	// IgnoreWrongTarget suppresses FatalWT from the completion info byte
	// (reported as FailureNone instead), for callers that route around a
	// stale destination themselves and don't want it logged as an error.
	IgnoreWrongTarget bool

	onComplete TxCompleteFunc
	followerID byte
	cursor     *segmentation.TxCursor
	traceID    string

	// rawMsgID overrides the alt-id packing SendMsg ordinarily applies to
	// MsgID, for the rare caller (the synthetic reassembly-error reply)
	// that needs an OpType other than STATUS.
	rawMsgID *telegram.MessageID

	tempStatus pmfifo.CompletionStatus
	tempCode   pmfifo.FailureCode
	hasTemp    bool

	node *dlist.Node[TxMsg]
}

// TraceID returns the correlation id stamped on this message at SendMsg
// time, for structured logging across the Tx/segmentation path.
func (m *TxMsg) TraceID() string { return m.traceID }

// updateResult folds in one segment's transmission outcome. An error is
// sticky: once recorded, a later segment's success never overwrites it
// (ucs_amsmessage.c's Amsg_TxUpdateResult).
func (m *TxMsg) updateResult(status pmfifo.CompletionStatus, code pmfifo.FailureCode) {
	if status == pmfifo.CompletionOK && m.hasTemp {
		return
	}
	if status == pmfifo.CompletionOK {
		m.tempStatus, m.tempCode = status, code
		return
	}
	m.tempStatus, m.tempCode, m.hasTemp = status, code, true
}

// mapFailureCode implements spec §4.K's fixed table.
func mapFailureCode(code pmfifo.FailureCode) TxResult {
	switch code {
	case pmfifo.FailureBufferFull, pmfifo.FailureCRC, pmfifo.FailureID, pmfifo.FailureACK, pmfifo.FailureTimeout:
		return TxRetriesExpired
	case pmfifo.FailureFatalWT, pmfifo.FailureFatalOA:
		return TxInvalidTarget
	case pmfifo.FailureNATrans, pmfifo.FailureNAOff, pmfifo.FailureSync:
		return TxNotAvailable
	default:
		return TxUnexpected
	}
}

func mapCompletion(status pmfifo.CompletionStatus, code pmfifo.FailureCode) TxResult {
	switch status {
	case pmfifo.CompletionOK:
		return TxSuccess
	case pmfifo.CompletionSyncLost:
		return TxNotAvailable
	default:
		return mapFailureCode(code)
	}
}

// SendMsg validates m against spec §4.K's address policy, assigns a
// follower id if the payload needs segmenting, and enqueues it for the Tx
// service's next tick.
func (a *AMS) SendMsg(m *TxMsg) error {
	return a.SendMsgExt(m, nil)
}

// SendMsgExt is SendMsg plus a per-message completion callback.
func (a *AMS) SendMsgExt(m *TxMsg, onComplete TxCompleteFunc) error {
	if !IsValidTxAddress(m.Dest, len(m.Payload)) {
		return fmt.Errorf("ams: destination 0x%04X rejected for a %d-byte payload", m.Dest, len(m.Payload))
	}
	if len(m.Payload) > telegram.MaxPayload {
		m.followerID = a.nextFollowerId()
	}
	m.onComplete = onComplete
	m.traceID = newTraceID()
	m.node = dlist.NewNode(m)
	a.txQueue.PushBack(m.node)
	a.reportTxQueueDepth()
	a.log.Debug("tx enqueued", "trace_id", m.traceID, "dest", m.Dest, "msg_id", m.MsgID, "len", len(m.Payload))
	a.kick(TxService)
	return nil
}

// runTxService drains the Tx queue while telegram objects remain
// available, running segmentation over the head AppMsg and re-inserting
// it at the head for the next allocation if it isn't fully sent yet
// (ucs_ams.c's Ams_TxService).
func (a *AMS) runTxService() {
	for {
		node := a.txQueue.Front()
		if node == nil {
			break
		}
		m := node.Owner()
		trcv := a.trcvMCM
		if a.isRcm(m) && a.trcvRCM != nil {
			trcv = a.trcvRCM
		}
		tel, ok := trcv.TxAllocate(2)
		if !ok {
			break
		}
		a.txQueue.Remove(node)

		if m.cursor == nil {
			m.cursor = segmentation.NewTxCursor(m.followerID)
		}
		tel.Info = m
		tel.Dest = m.Dest
		if m.rawMsgID != nil {
			tel.MsgID = *m.rawMsgID
		} else {
			tel.MsgID = telegram.MakeAltMsgID(m.MsgID)
		}
		tel.TxOpts.LLRBC = m.LLRBC

		done := m.cursor.Fill(m.Payload, tel)
		trcv.TxSendExt(tel, a.onSegmentComplete)

		if !done {
			a.txQueue.PushFront(node)
		}
	}
	a.reportTxQueueDepth()
}

// onSegmentComplete is every segment's Tx completion callback, regardless
// of which AppMsg or transceiver sent it (tel.Info back-links to the
// owning TxMsg). It aggregates status and decides whether the AppMsg as a
// whole is now finished (ucs_ams.c's Ams_TxOnStatus).
func (a *AMS) onSegmentComplete(tel *telegram.CMessage, status pmfifo.CompletionStatus, code pmfifo.FailureCode) {
	m, _ := tel.Info.(*TxMsg)
	if m != nil {
		m.updateResult(status, code)

		switch {
		case tel.Tel.TelID == telegram.TelSingle || tel.Tel.TelID == telegram.TelLast:
			a.finishTx(m)
		case status != pmfifo.CompletionOK:
			lastTransmitted := m.cursor != nil && m.cursor.NextSegCnt() == tel.Tel.TelCnt+1
			prefixStillPending := m.cursor != nil && m.cursor.NextSegCnt() == 0 && tel.Tel.TelID == telegram.TelSizePrefix
			if lastTransmitted || prefixStillPending {
				a.removeFromQueue(m)
				a.finishTx(m)
			}
		}
	}

	if a.txQueue.Len() > 0 && status != pmfifo.CompletionSyncLost {
		a.kick(TxService)
	}
}

func (a *AMS) finishTx(m *TxMsg) {
	result := mapCompletion(m.tempStatus, m.tempCode)
	info := m.tempCode
	if info == pmfifo.FailureFatalWT && m.IgnoreWrongTarget {
		info = pmfifo.FailureNone
	}
	a.log.Debug("tx complete", "trace_id", m.traceID, "result", result, "info", info)
	if m.onComplete != nil {
		m.onComplete(m, result, info)
	}
}

func (a *AMS) removeFromQueue(m *TxMsg) {
	if m.node != nil && m.node.InUse() {
		a.txQueue.Remove(m.node)
		a.reportTxQueueDepth()
	}
}
