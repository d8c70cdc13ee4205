package pmfifo

import "github.com/ucnx/inicstack/internal/pmp"

// StatusType is the PM ExtType.Type field's meaning when MsgType ==
// pmp.MsgStatus (an incoming status from the INIC). Values match the
// INIC's own Pmp_StatusType_t wire encoding, not a locally-invented
// sequence, since this field crosses the wire to a real device.
type StatusType byte

const (
	StatusFailure     StatusType = 0
	StatusFlow        StatusType = 1
	StatusSynced      StatusType = 4
	StatusUnsyncedBsy StatusType = 5
	StatusUnsyncedRdy StatusType = 6
)

// FlowCode is the PM ExtType.Code sub-code under StatusFlow, matching
// Pmp_StatusCode_t.
type FlowCode byte

const (
	FlowBusy     FlowCode = 0
	FlowSuccess  FlowCode = 1
	FlowCanceled FlowCode = 3
	FlowNack     FlowCode = 8
)

// UnsyncedRdyReason is the ExtType.Code sub-code under StatusUnsyncedRdy,
// matching Pmp_UnsyncReason_t.
type UnsyncedRdyReason byte

const (
	ReasonStartup    UnsyncedRdyReason = 1
	ReasonReinit     UnsyncedRdyReason = 2
	ReasonCommand    UnsyncedRdyReason = 3
	ReasonAckTimeout UnsyncedRdyReason = 4
	ReasonWdTimeout  UnsyncedRdyReason = 5
	ReasonTxTimeout  UnsyncedRdyReason = 6
)

// FailureCode is the ExtType.Code sub-code under StatusFailure: the
// INIC's reason for rejecting a transmitted message, as reported in a
// FAILURE status PM. AMS's completion-status mapping table keys off this
// value directly (spec §4.K), so the numbering must track the INIC's own
// status codes rather than being a locally-invented scheme.
type FailureCode byte

const (
	FailureNone       FailureCode = 0x00
	FailureBufferFull FailureCode = 0x08
	FailureCRC        FailureCode = 0x09
	FailureID         FailureCode = 0x0A
	FailureACK        FailureCode = 0x0B
	FailureTimeout    FailureCode = 0x0C
	FailureFatalWT    FailureCode = 0x10
	FailureFatalOA    FailureCode = 0x11
	FailureNATrans    FailureCode = 0x18
	FailureNAOff      FailureCode = 0x19
	FailureUnknown    FailureCode = 0xFE
	FailureSync       FailureCode = 0xFF
)

// CmdType is the PM ExtType.Type field's meaning when MsgType ==
// pmp.MsgCmd (an outgoing command this host sends), matching the INIC's
// Pmp_CommandType_t. Unlike StatusType, a command also carries a CmdCode
// sub-field under it rather than a single flat byte, so the two travel
// together as a pair wherever a command is armed.
type CmdType byte

const (
	CmdTypeReqStatus       CmdType = 0
	CmdTypeMsgAction       CmdType = 1
	CmdTypeSynchronization CmdType = 4
)

// CmdCode is the ExtType.Code sub-code paired with a CmdType, matching
// Pmp_CommandCode_t.
type CmdCode byte

const (
	CmdCodeReqStatus       CmdCode = 0
	CmdCodeActionRetry     CmdCode = 1
	CmdCodeActionCancel    CmdCode = 2
	CmdCodeActionCancelAll CmdCode = 3
	CmdCodeUnsync          CmdCode = 10
	CmdCodeSync            CmdCode = 21
)

// The five ExtType values a FIFO arms an outgoing command with. A FIFO
// owns only the four Command kinds spec §4.E names; the unsync handshake
// reuses the sync command object with extSync's sibling ext type rather
// than a fifth kind.
var (
	extSync           = pmp.ExtType{Type: byte(CmdTypeSynchronization), Code: byte(CmdCodeSync)}
	extUnsync         = pmp.ExtType{Type: byte(CmdTypeSynchronization), Code: byte(CmdCodeUnsync)}
	extRequestStatus  = pmp.ExtType{Type: byte(CmdTypeReqStatus), Code: byte(CmdCodeReqStatus)}
	extCancel         = pmp.ExtType{Type: byte(CmdTypeMsgAction), Code: byte(CmdCodeActionCancel)}
	extCancelAll      = pmp.ExtType{Type: byte(CmdTypeMsgAction), Code: byte(CmdCodeActionCancelAll)}
)
