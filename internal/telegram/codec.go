package telegram

import (
	"encoding/binary"
	"fmt"

	"github.com/ucnx/inicstack/internal/pmp"
)

// ContentType identifies one of the three telegram header dialects the PM
// ExtType.Type/Code pair (or, for type 0x00, its absence) selects.
type ContentType byte

const (
	ContentType00 ContentType = 0x00
	ContentType80 ContentType = 0x80
	ContentType81 ContentType = 0x81
)

// Dialect encodes/decodes one of the three telegram header layouts spec
// §4.B tabulates. Grounded on ucs_encoder.c, which dispatches on content
// type through exactly this shape: content type, PM and message header
// sizes, encode and decode.
type Dialect interface {
	ContentType() ContentType
	PMHeaderSize() int  // PMHL this dialect travels under
	MsgHeaderSize() int // size in bytes of this dialect's own header
	Encode(m *CMessage) error
	Decode(m *CMessage, raw []byte) error
}

func packTelOp(id TelID, op OpType) byte { return byte(id)<<4 | byte(op)&0x0F }
func unpackTelOp(b byte) (TelID, OpType) { return TelID(b >> 4), OpType(b & 0x0F) }

// dialect00 is content type 0x00: PMHL 5, 12-byte message header.
type dialect00 struct{}

func (dialect00) ContentType() ContentType { return ContentType00 }
func (dialect00) PMHeaderSize() int        { return 5 }
func (dialect00) MsgHeaderSize() int       { return 12 }

func (d dialect00) Encode(m *CMessage) error {
	m.ReserveHeader(d.MsgHeaderSize())
	b := m.HeaderBytes()
	binary.BigEndian.PutUint16(b[0:2], m.Src)
	binary.BigEndian.PutUint16(b[2:4], m.Dest)
	b[4] = m.MsgID.FBlockID
	b[5] = m.MsgID.InstID
	binary.BigEndian.PutUint16(b[6:8], m.MsgID.FunctionID)
	b[8] = packTelOp(m.Tel.TelID, m.MsgID.OpType)
	b[9] = m.TxOpts.LLRBC
	b[10] = m.Tel.TelCnt
	b[11] = m.Tel.TelLen
	return nil
}

func (d dialect00) Decode(m *CMessage, raw []byte) error {
	if len(raw) < d.MsgHeaderSize() {
		return fmt.Errorf("telegram: dialect00: short header (%d < %d)", len(raw), d.MsgHeaderSize())
	}
	m.Src = binary.BigEndian.Uint16(raw[0:2])
	m.Dest = binary.BigEndian.Uint16(raw[2:4])
	m.MsgID.FBlockID = raw[4]
	m.MsgID.InstID = raw[5]
	m.MsgID.FunctionID = binary.BigEndian.Uint16(raw[6:8])
	m.Tel.TelID, m.MsgID.OpType = unpackTelOp(raw[8])
	m.TxOpts.LLRBC = raw[9]
	m.Tel.TelCnt = raw[10]
	m.Tel.TelLen = raw[11]
	return m.SetPayload(raw[d.MsgHeaderSize():])
}

// dialect80 is content type 0x80: PMHL 4, 11-byte message header.
type dialect80 struct{}

func (dialect80) ContentType() ContentType { return ContentType80 }
func (dialect80) PMHeaderSize() int        { return 4 }
func (dialect80) MsgHeaderSize() int       { return 11 }

func (d dialect80) Encode(m *CMessage) error {
	m.ReserveHeader(d.MsgHeaderSize())
	b := m.HeaderBytes()
	b[0] = packTelOp(m.Tel.TelID, m.MsgID.OpType)
	b[1] = m.Tel.TelCnt
	b[2] = m.Tel.TelLen
	binary.BigEndian.PutUint16(b[3:5], m.MsgID.FunctionID)
	binary.BigEndian.PutUint16(b[5:7], m.Src)
	binary.BigEndian.PutUint16(b[7:9], m.Dest)
	b[9] = m.MsgID.FBlockID
	b[10] = m.MsgID.InstID
	return nil
}

func (d dialect80) Decode(m *CMessage, raw []byte) error {
	if len(raw) < d.MsgHeaderSize() {
		return fmt.Errorf("telegram: dialect80: short header (%d < %d)", len(raw), d.MsgHeaderSize())
	}
	m.Tel.TelID, m.MsgID.OpType = unpackTelOp(raw[0])
	m.Tel.TelCnt = raw[1]
	m.Tel.TelLen = raw[2]
	m.MsgID.FunctionID = binary.BigEndian.Uint16(raw[3:5])
	m.Src = binary.BigEndian.Uint16(raw[5:7])
	m.Dest = binary.BigEndian.Uint16(raw[7:9])
	m.MsgID.FBlockID = raw[9]
	m.MsgID.InstID = raw[10]
	return m.SetPayload(raw[d.MsgHeaderSize():])
}

// dialect81 is content type 0x81: PMHL 4, 13-byte message header, carrying
// LLRBC and a fixed llr_time field (always 11 on the wire).
type dialect81 struct{}

const llrTimeFixed = 11

func (dialect81) ContentType() ContentType { return ContentType81 }
func (dialect81) PMHeaderSize() int        { return 4 }
func (dialect81) MsgHeaderSize() int       { return 13 }

func (d dialect81) Encode(m *CMessage) error {
	m.ReserveHeader(d.MsgHeaderSize())
	b := m.HeaderBytes()
	b[0] = m.TxOpts.LLRBC
	b[1] = llrTimeFixed
	b[2] = packTelOp(m.Tel.TelID, m.MsgID.OpType)
	b[3] = m.Tel.TelCnt
	b[4] = m.Tel.TelLen
	binary.BigEndian.PutUint16(b[5:7], m.MsgID.FunctionID)
	binary.BigEndian.PutUint16(b[7:9], m.Src)
	binary.BigEndian.PutUint16(b[9:11], m.Dest)
	b[11] = m.MsgID.FBlockID
	b[12] = m.MsgID.InstID
	return nil
}

func (d dialect81) Decode(m *CMessage, raw []byte) error {
	if len(raw) < d.MsgHeaderSize() {
		return fmt.Errorf("telegram: dialect81: short header (%d < %d)", len(raw), d.MsgHeaderSize())
	}
	m.TxOpts.LLRBC = raw[0]
	// raw[1] is the fixed llr_time field; nothing to store.
	m.Tel.TelID, m.MsgID.OpType = unpackTelOp(raw[2])
	m.Tel.TelCnt = raw[3]
	m.Tel.TelLen = raw[4]
	m.MsgID.FunctionID = binary.BigEndian.Uint16(raw[5:7])
	m.Src = binary.BigEndian.Uint16(raw[7:9])
	m.Dest = binary.BigEndian.Uint16(raw[9:11])
	m.MsgID.FBlockID = raw[11]
	m.MsgID.InstID = raw[12]
	return m.SetPayload(raw[d.MsgHeaderSize():])
}

// Dialects returns the three dialects keyed by content type, for lookup by
// a Transceiver's configured codec or by a boot-time parameter.
func Dialects() map[ContentType]Dialect {
	return map[ContentType]Dialect{
		ContentType00: dialect00{},
		ContentType80: dialect80{},
		ContentType81: dialect81{},
	}
}

var (
	Dialect00 Dialect = dialect00{}
	Dialect80 Dialect = dialect80{}
	Dialect81 Dialect = dialect81{}
)

// WrapPM prefixes the PM header h describes onto a message already run
// through a Dialect's Encode, deriving PML from the combined size of the
// already-reserved dialect header and the telegram payload. h.PMHL must
// equal the dialect's PMHeaderSize.
func WrapPM(m *CMessage, h pmp.Header) error {
	m.PullHeader(h.WireLen())
	msgHeaderSize := m.headerCurSz - h.WireLen()
	h.PML = h.PMHL + 1 + msgHeaderSize + int(m.Tel.TelLen)
	if _, err := pmp.Build(m.HeaderBytes(), h); err != nil {
		m.PushHeader(h.WireLen())
		return err
	}
	return nil
}
