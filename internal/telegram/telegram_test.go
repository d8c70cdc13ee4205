package telegram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMessage() *CMessage {
	m := &CMessage{}
	m.Reset()
	m.Src = 0x0102
	m.Dest = 0x0203
	m.MsgID = MessageID{FBlockID: 0x20, InstID: 0x01, FunctionID: 0x0410, OpType: OpSet}
	m.Tel = TelData{TelID: TelSingle, TelCnt: 0, TelLen: 0}
	m.TxOpts = TxOptions{LLRBC: 10, CancelID: 0}
	return m
}

func TestDialectRoundTrips(t *testing.T) {
	payload := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	for _, d := range []Dialect{Dialect00, Dialect80, Dialect81} {
		m := sampleMessage()
		m.Tel.TelLen = byte(len(payload))
		require.NoError(t, d.Encode(m))
		hdr := append([]byte(nil), m.HeaderBytes()...)
		require.NoError(t, m.SetPayload(payload))

		raw := append(hdr, payload...)

		got := &CMessage{}
		got.Reset()
		require.NoError(t, d.Decode(got, raw))

		assert.Equal(t, m.Src, got.Src, "dialect %x", d.ContentType())
		assert.Equal(t, m.Dest, got.Dest)
		assert.Equal(t, m.MsgID, got.MsgID)
		assert.Equal(t, m.Tel.TelID, got.Tel.TelID)
		assert.Equal(t, m.Tel.TelCnt, got.Tel.TelCnt)
		assert.Equal(t, m.Tel.TelLen, got.Tel.TelLen)
		if d.ContentType() == ContentType81 {
			assert.Equal(t, m.TxOpts.LLRBC, got.TxOpts.LLRBC)
		}
		assert.Equal(t, payload, got.PayloadBytes())
	}
}

func TestAltMsgIDRoundTrip(t *testing.T) {
	for _, id := range []uint16{0x0000, 0x1234, 0xFFF0} {
		mid := MakeAltMsgID(id)
		got, ok := AltMsgID(mid)
		require.True(t, ok)
		assert.Equal(t, id&0xFFF0, got)
	}
}

func TestAltMsgIDRejectsNonConvention(t *testing.T) {
	_, ok := AltMsgID(MessageID{FBlockID: 0x01, OpType: OpSet, FunctionID: 0})
	assert.False(t, ok)
}

func TestHeaderCursorPullPush(t *testing.T) {
	m := sampleMessage()
	require.NoError(t, Dialect00.Encode(m))
	assert.Equal(t, Dialect00.MsgHeaderSize(), len(m.HeaderBytes()))

	m.PullHeader(3) // e.g. PM header wraps the message header
	assert.Equal(t, Dialect00.MsgHeaderSize()+3, len(m.HeaderBytes()))

	m.PushHeader(3)
	assert.Equal(t, Dialect00.MsgHeaderSize(), len(m.HeaderBytes()))
	assert.NoError(t, m.VerifyContent())
}

func TestPayloadOverflowRejected(t *testing.T) {
	m := sampleMessage()
	err := m.SetPayload(make([]byte, MaxPayload+1))
	assert.Error(t, err)
}

func TestReleaseWithoutPoolPanics(t *testing.T) {
	m := sampleMessage()
	assert.Panics(t, func() { m.Release() })
}

func TestIsBroadcast(t *testing.T) {
	assert.True(t, IsBroadcast(AddrBroadcastB))
	assert.True(t, IsBroadcast(AddrBroadcastU))
	assert.False(t, IsBroadcast(0x0010))
}
