// Package telegram implements CMessage, the shared data model that every
// PM, PMF and AMS layer moves around, plus the three header-dialect codecs
// data travels through on the wire. Grounded on ucs_message.c/.h and
// ucs_message_pb.h (CMessage layout, header cursor, MessageID/TxOptions),
// and ucs_encoder.c (the content-type-keyed dialects, folded in here as
// component H rather than a separate package since they operate directly
// on CMessage).
package telegram

import (
	"fmt"

	"github.com/ucnx/inicstack/internal/dlist"
	"github.com/ucnx/inicstack/internal/pmp"
)

const (
	ReservedHeaderSize = 24
	MaxPayload         = 45
	StuffingSize       = 3
	BufferSize         = ReservedHeaderSize + MaxPayload + StuffingSize // 72
)

// TelID is the telegram-id nibble (high nibble of the combined TelId|OpType
// byte in dialects 0x80/0x81, or a standalone field in 0x00).
type TelID byte

const (
	TelSingle      TelID = 0 // unsegmented
	TelFirst       TelID = 1 // first body segment of a segmented message
	TelMiddle      TelID = 2
	TelLast        TelID = 3
	TelSizePrefix  TelID = 4 // first segment, carries a 2-byte size prefix
)

// OpType is the low nibble of the combined TelId|OpType byte. Values per
// ucs_message_pb.h's Ucs_OpType_t.
type OpType byte

const (
	OpSet            OpType = 0x0
	OpGet            OpType = 0x1
	OpSetGet         OpType = 0x2
	OpInc            OpType = 0x3
	OpDec            OpType = 0x4
	OpGetInterface   OpType = 0x5
	OpStartResultAck OpType = 0x6
	OpAbortAck       OpType = 0x7
	OpStartAck       OpType = 0x8
	OpErrorAck       OpType = 0x9
	OpProcessingAck  OpType = 0xA
	OpProcessing     OpType = 0xB
	OpStatus         OpType = 0xC
	OpResultAck      OpType = 0xD
	OpInterface      OpType = 0xE
	OpError          OpType = 0xF
)

// MessageID is the four-part routing key every telegram carries.
type MessageID struct {
	FBlockID   byte
	InstID     byte
	FunctionID uint16
	OpType     OpType
}

// TxOptions are the Tx-only delivery knobs: INIC-side retry budget and the
// cancel/follower id that ties segments of one AMS message together.
type TxOptions struct {
	LLRBC    byte // Low-Level Retry Block Count
	CancelID byte // 0 = none; 1..255 = shared id, all siblings fail together
}

// TelData is the segment-level payload descriptor.
type TelData struct {
	TelID  TelID
	TelCnt byte
	TelLen byte
	Data   []byte
}

const (
	AddrReservedMax = 0x000F // destinations <= this are always rejected
	AddrInic        = 0x0001
	AddrBroadcastB  = 0x03C8 // blocking broadcast
	AddrBroadcastU  = 0x03FF // unblocking broadcast
	AddrBroadcastLo = 0x0300
	AddrBroadcastHi = 0x03FF
)

// IsBroadcast reports whether addr is in the broadcast range 0x0300..0x03FF.
func IsBroadcast(addr uint16) bool {
	return addr >= AddrBroadcastLo && addr <= AddrBroadcastHi
}

// AltMsgID packs a 16-bit identifier using the FBlockID=0xCC convention
// ucs_message.h defines: FBlockID=0xCC, low nibble of FunctionID=0xC,
// OpType=STATUS, high byte of the 16-bit id = InstID, middle byte = upper
// 4 bits of FunctionID.
const (
	altFBlockID    = 0xCC
	altFuncIDLSN   = 0xC
	altOpType      = OpStatus
)

// MakeAltMsgID packs id into a MessageID using the alt-id convention.
func MakeAltMsgID(id uint16) MessageID {
	return MessageID{
		FBlockID:   altFBlockID,
		InstID:     byte(id >> 8),
		FunctionID: uint16(id&0xFF0)<<0 | altFuncIDLSN,
		OpType:     altOpType,
	}
}

// AltMsgID extracts the packed 16-bit id back out, or ok=false if mid does
// not follow the alt-id convention.
func AltMsgID(mid MessageID) (id uint16, ok bool) {
	if mid.FBlockID != altFBlockID || mid.OpType != altOpType || mid.FunctionID&0xF != altFuncIDLSN {
		return 0, false
	}
	return uint16(mid.InstID)<<8 | (mid.FunctionID & 0xFF0), true
}

// CMessage holds one telegram: a PM header-and-payload buffer with a
// movable header cursor so encoders can prepend nested headers without
// copying, plus addressing/segmentation metadata and the plumbing a pool
// and an LLD need to track ownership.
type CMessage struct {
	Dest, Src uint16
	MsgID     MessageID
	TxOpts    TxOptions
	Tel       TelData
	Info      any // back-link to the owning application message (AMS)

	buf          [BufferSize]byte
	headerCurIdx int // start offset of the current (possibly nested) header
	headerCurSz  int // size in bytes of the current header region
	headerRsvdSz int // total reserved header region

	extPayload []byte
	extInfo    any

	lldHandle any // opaque reference the LLD attaches while it owns the message

	txActive bool // true once handed to the LLD, until it releases us
	txBypass bool

	rxLen int // valid byte count after an LLD raw write into RxBuffer

	node     *dlist.Node[CMessage]
	freeList *dlist.FreeList[CMessage]
}

// Reset restores a CMessage to its construction-time state so a pool can
// hand it out again. Mirrors Msg_Ctor presetting the header cursor to the
// reserved size; the buffer's old contents are kept, not zeroed.
func (m *CMessage) Reset() {
	*m = CMessage{
		buf:          m.buf, // keep backing array, contents don't matter pre-reserve
		headerCurIdx: ReservedHeaderSize,
		headerCurSz:  0,
		headerRsvdSz: ReservedHeaderSize,
		node:         m.node,
		freeList:     m.freeList,
	}
}

// BindPool lets a dlist.FreeList register itself as this message's owner so
// Release() can return the message with no further arguments, per the
// "message remembers its pool" invariant of component A.
func (m *CMessage) BindPool(fl *dlist.FreeList[CMessage]) { m.freeList = fl }

// Release returns m to its originating pool. Exactly one Release call must
// ever correspond to one checkout, per spec §8's pool invariant.
func (m *CMessage) Release() {
	if m.freeList == nil {
		panic("telegram: Release called on a message with no bound pool")
	}
	fl := m.freeList
	m.Reset()
	m.freeList = fl
	fl.Put(m)
}

// ReserveHeader sets the header cursor to reserve n bytes for a header
// about to be built, with the payload beginning immediately after.
func (m *CMessage) ReserveHeader(n int) {
	m.headerCurIdx = ReservedHeaderSize - n
	m.headerCurSz = n
}

// PullHeader extends a nested header leftward by n bytes (cursor -= n,
// size += n), used when an outer header (e.g. the PM header) wraps an
// already-encoded inner header.
func (m *CMessage) PullHeader(n int) {
	m.headerCurIdx -= n
	m.headerCurSz += n
}

// PushHeader undoes a PullHeader of the same size.
func (m *CMessage) PushHeader(n int) {
	m.headerCurIdx += n
	m.headerCurSz -= n
}

// HeaderBytes returns the current header region, writable in place.
func (m *CMessage) HeaderBytes() []byte {
	return m.buf[m.headerCurIdx : m.headerCurIdx+m.headerCurSz]
}

// PayloadBytes returns the fixed payload region following the reserved
// header, sized to tel.TelLen.
func (m *CMessage) PayloadBytes() []byte {
	start := ReservedHeaderSize
	return m.buf[start : start+int(m.Tel.TelLen)]
}

// SetPayload copies data (<= MaxPayload bytes) into the internal payload
// region and records its length.
func (m *CMessage) SetPayload(data []byte) error {
	if len(data) > MaxPayload {
		return fmt.Errorf("telegram: payload %d exceeds max %d", len(data), MaxPayload)
	}
	copy(m.buf[ReservedHeaderSize:], data)
	m.Tel.TelLen = byte(len(data))
	return nil
}

// SetExtPayload attaches a second, externally-owned buffer as the body of
// the message (e.g. a caller-owned application buffer threaded through
// without copying), tagging it with arbitrary bookkeeping info.
func (m *CMessage) SetExtPayload(data []byte, info any) {
	m.extPayload = data
	m.extInfo = info
}

// MemChain is one element of the scatter-gather chain GetMemTx returns: a
// contiguous slice that must be transmitted in order.
type MemChain = [][]byte

// GetMemTx returns the wire bytes to transmit: the current header slice
// (PM header + any nested header) followed by the payload, then the
// optional external body. The header and payload are copies; the
// external body is the caller's slice, not copied.
func (m *CMessage) GetMemTx() MemChain {
	chain := MemChain{append([]byte(nil), m.HeaderBytes()...)}
	if m.Tel.TelLen > 0 && len(m.extPayload) == 0 {
		chain = append(chain, append([]byte(nil), m.PayloadBytes()...))
	}
	if len(m.extPayload) > 0 {
		chain = append(chain, m.extPayload)
	}
	return chain
}

// RxBuffer exposes the full backing array for an LLD to write a raw
// incoming frame into, starting at offset 0 — the Rx path bypasses the
// header-cursor convention entirely since the wire, not an encoder,
// dictates the byte layout.
func (m *CMessage) RxBuffer() []byte { return m.buf[:] }

// SetRxLen records how many bytes of RxBuffer the LLD actually filled.
func (m *CMessage) SetRxLen(n int) { m.rxLen = n }

// RxLen returns the length last recorded by SetRxLen.
func (m *CMessage) RxLen() int { return m.rxLen }

// RxBytes returns the received frame, RxBuffer()[:RxLen()].
func (m *CMessage) RxBytes() []byte { return m.buf[:m.rxLen] }

func (m *CMessage) SetLldHandle(h any) { m.lldHandle = h }
func (m *CMessage) LldHandle() any     { return m.lldHandle }

func (m *CMessage) SetTxActive(active bool) { m.txActive = active }
func (m *CMessage) IsTxActive() bool        { return m.txActive }

func (m *CMessage) SetTxBypass(bypass bool) { m.txBypass = bypass }
func (m *CMessage) IsTxBypass() bool        { return m.txBypass }

// VerifyContent checks the CMessage-level invariants spec §3 names: the
// payload fits in one telegram and the header cursor never overran its
// reserved region.
func (m *CMessage) VerifyContent() error {
	if m.Tel.TelLen > MaxPayload {
		return fmt.Errorf("telegram: tel_len %d exceeds %d", m.Tel.TelLen, MaxPayload)
	}
	if m.headerCurIdx < 0 || m.headerCurIdx+m.headerCurSz > m.headerRsvdSz {
		return fmt.Errorf("telegram: header cursor overran reserved region")
	}
	return nil
}

// BindNode lets a pool attach the dlist node this message is embedded at.
func (m *CMessage) BindNode(n *dlist.Node[CMessage]) { m.node = n }
func (m *CMessage) Node() *dlist.Node[CMessage]      { return m.node }
