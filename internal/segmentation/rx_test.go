package segmentation

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ucnx/inicstack/internal/pool"
	"github.com/ucnx/inicstack/internal/sched"
	"github.com/ucnx/inicstack/internal/telegram"
)

func newTestReassembler(t *testing.T, rxCap, rxReserved, maxReassemblies int) (*Reassembler, *sched.Scheduler) {
	t.Helper()
	sc := sched.New()
	r := NewReassembler(Config{
		RxObjects:       pool.NewMessageBucket(rxCap, rxReserved),
		MaxReassemblies: maxReassemblies,
		GCInterval:      5 * time.Second,
	}, sc)
	return r, sc
}

// deliverAll feeds every segment segmentAll produced through r, tagging
// each with src/msgID the way a decoded Rx telegram would carry them, and
// returns the terminal (result, message) pair from the last segment.
func deliverAll(t *testing.T, r *Reassembler, src uint16, msgID telegram.MessageID, segs []*telegram.CMessage) (*RxMessage, Result, ErrKind) {
	t.Helper()
	var out *RxMessage
	var res Result
	var kind ErrKind
	for _, s := range segs {
		s.Src = src
		s.MsgID = msgID
		out, res, kind = r.Deliver(s)
	}
	return out, res, kind
}

func TestTxRxRoundTripPreservesPayloadAcrossSizes(t *testing.T) {
	altID := telegram.MakeAltMsgID(0x1234)
	for _, n := range []int{0, 1, 44, 45, 46, 89, 90, 400} {
		payload := bytes.Repeat([]byte{byte(n % 251)}, n)
		segs := segmentAll(t, 5, payload)

		r, _ := newTestReassembler(t, 4, 1, 8)
		out, res, kind := deliverAll(t, r, 0x0200, altID, segs)

		require.Equal(t, ResultComplete, res, "payload len %d, err %v", n, kind)
		require.NotNil(t, out)
		assert.Equal(t, payload, out.Payload, "payload len %d", n)
		got, ok := telegram.AltMsgID(altID)
		require.True(t, ok)
		assert.Equal(t, got, out.MsgID)
		out.Release()
	}
}

func TestDeliverSingleUsesReservedSlotUnderStarvation(t *testing.T) {
	r, _ := newTestReassembler(t, 1, 1, 8)
	altID := telegram.MakeAltMsgID(1)

	msg := &telegram.CMessage{Src: 0x0200, MsgID: altID}
	msg.Tel.TelID = telegram.TelSingle
	require.NoError(t, msg.SetPayload([]byte{1, 2, 3}))

	out, res, _ := r.Deliver(msg)
	require.Equal(t, ResultComplete, res)
	require.NotNil(t, out)

	msg2 := &telegram.CMessage{Src: 0x0200, MsgID: telegram.MakeAltMsgID(2)}
	msg2.Tel.TelID = telegram.TelSingle
	require.NoError(t, msg2.SetPayload([]byte{9}))
	_, res2, _ := r.Deliver(msg2)
	assert.Equal(t, ResultRetry, res2, "pool exhausted, must ask the caller to retry once freed")

	out.Release()
	_, res3, _ := r.Deliver(msg2)
	assert.Equal(t, ResultComplete, res3, "freed slot must satisfy the retried delivery")
}

func TestDuplicateSignatureDiscardsAndReportsError7(t *testing.T) {
	r, _ := newTestReassembler(t, 4, 1, 8)
	var gotSrc, gotMsgID uint16
	var gotKind ErrKind
	r.OnError(func(src, msgID uint16, kind ErrKind) {
		gotSrc, gotMsgID, gotKind = src, msgID, kind
	})

	payload := bytes.Repeat([]byte{0x22}, 200)
	segsA := segmentAll(t, 1, payload)
	altID := telegram.MakeAltMsgID(77)

	// Deliver only the size-prefix segment of a first in-flight message...
	segsA[0].Src = 0x0210
	segsA[0].MsgID = altID
	_, res, _ := r.Deliver(segsA[0])
	require.Equal(t, ResultPending, res)

	// ...then a whole second message arrives under the same signature.
	segsB := segmentAll(t, 2, bytes.Repeat([]byte{0x33}, 10))
	out, res2, _ := deliverAll(t, r, 0x0210, altID, segsB)

	require.Equal(t, ResultComplete, res2)
	assert.Equal(t, bytes.Repeat([]byte{0x33}, 10), out.Payload)
	assert.Equal(t, ErrDuplicateSignature, gotKind)
	assert.Equal(t, uint16(0x0210), gotSrc)
	id, _ := telegram.AltMsgID(altID)
	assert.Equal(t, id, gotMsgID)
}

func TestWrongTelCntTerminatesReassemblyWithError3(t *testing.T) {
	r, _ := newTestReassembler(t, 4, 1, 8)
	altID := telegram.MakeAltMsgID(55)

	first := &telegram.CMessage{Src: 0x0220, MsgID: altID}
	first.Tel.TelID = telegram.TelFirst
	first.Tel.TelCnt = 0
	require.NoError(t, first.SetPayload([]byte{1, 2, 3}))
	_, res, _ := r.Deliver(first)
	require.Equal(t, ResultPending, res)

	bad := &telegram.CMessage{Src: 0x0220, MsgID: altID}
	bad.Tel.TelID = telegram.TelLast
	bad.Tel.TelCnt = 5 // expected 1
	require.NoError(t, bad.SetPayload([]byte{9}))
	_, res2, kind := r.Deliver(bad)

	assert.Equal(t, ResultError, res2)
	assert.Equal(t, ErrWrongTelCnt, kind)
}

func TestMiddleSegmentWithNoPriorFirstIsError1(t *testing.T) {
	r, _ := newTestReassembler(t, 4, 1, 8)
	msg := &telegram.CMessage{Src: 0x0230, MsgID: telegram.MakeAltMsgID(1)}
	msg.Tel.TelID = telegram.TelMiddle
	msg.Tel.TelCnt = 0
	require.NoError(t, msg.SetPayload([]byte{1}))

	_, res, kind := r.Deliver(msg)
	assert.Equal(t, ResultError, res)
	assert.Equal(t, ErrFirstSegmentMissing, kind)
}

func TestTooManyReassembliesIsError4(t *testing.T) {
	r, _ := newTestReassembler(t, 4, 1, 1)

	first := &telegram.CMessage{Src: 0x0240, MsgID: telegram.MakeAltMsgID(1)}
	first.Tel.TelID = telegram.TelSizePrefix
	require.NoError(t, first.SetPayload([]byte{0x00, 0x32}))
	_, res, _ := r.Deliver(first)
	require.Equal(t, ResultPending, res)

	second := &telegram.CMessage{Src: 0x0241, MsgID: telegram.MakeAltMsgID(2)}
	second.Tel.TelID = telegram.TelSizePrefix
	require.NoError(t, second.SetPayload([]byte{0x00, 0x32}))
	_, res2, kind := r.Deliver(second)

	assert.Equal(t, ResultError, res2)
	assert.Equal(t, ErrTooManyReassemblies, kind)
}

func TestGCSweepReapsAfterTwoIdlePeriodsAndReportsTimeout(t *testing.T) {
	sc := sched.New()
	r := NewReassembler(Config{
		RxObjects:  pool.NewMessageBucket(4, 1),
		GCInterval: 5 * time.Second,
	}, sc)
	var reaped bool
	var gotSrc, gotMsgID uint16
	r.OnTimeout(func(src, msgID uint16) {
		reaped = true
		gotSrc, gotMsgID = src, msgID
	})

	msg := &telegram.CMessage{Src: 0x0250, MsgID: telegram.MakeAltMsgID(9)}
	msg.Tel.TelID = telegram.TelSizePrefix
	require.NoError(t, msg.SetPayload([]byte{0x00, 0x64}))
	_, res, _ := r.Deliver(msg)
	require.Equal(t, ResultPending, res)

	start := time.Now()
	sc.Timers.Poll(start.Add(5 * time.Second))
	assert.False(t, reaped, "first sweep only marks; must not reap yet")

	sc.Timers.Poll(start.Add(10 * time.Second))
	assert.True(t, reaped, "second idle sweep must reap the stalled reassembly")
	assert.Equal(t, uint16(0x0250), gotSrc)
	id, _ := telegram.AltMsgID(telegram.MakeAltMsgID(9))
	assert.Equal(t, id, gotMsgID)
}

func TestAppendClearsMarkSoActiveReassemblySurvives(t *testing.T) {
	sc := sched.New()
	r := NewReassembler(Config{
		RxObjects:  pool.NewMessageBucket(4, 1),
		GCInterval: 5 * time.Second,
	}, sc)
	var reaped bool
	r.OnTimeout(func(uint16, uint16) { reaped = true })

	altID := telegram.MakeAltMsgID(3)
	first := &telegram.CMessage{Src: 0x0260, MsgID: altID}
	first.Tel.TelID = telegram.TelFirst
	first.Tel.TelCnt = 0
	require.NoError(t, first.SetPayload([]byte{1, 2}))
	_, res, _ := r.Deliver(first)
	require.Equal(t, ResultPending, res)

	start := time.Now()
	sc.Timers.Poll(start.Add(5 * time.Second)) // marks it

	mid := &telegram.CMessage{Src: 0x0260, MsgID: altID}
	mid.Tel.TelID = telegram.TelMiddle
	mid.Tel.TelCnt = 1
	require.NoError(t, mid.SetPayload([]byte{3}))
	_, res2, _ := r.Deliver(mid) // clears the mark
	require.Equal(t, ResultPending, res2)

	sc.Timers.Poll(start.Add(10 * time.Second))
	assert.False(t, reaped, "activity between sweeps must reset the two-period countdown")
}
