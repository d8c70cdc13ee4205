package pmfifo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ucnx/inicstack/internal/lld"
	"github.com/ucnx/inicstack/internal/pmp"
	"github.com/ucnx/inicstack/internal/pool"
	"github.com/ucnx/inicstack/internal/sched"
	"github.com/ucnx/inicstack/internal/telegram"
)

type captureTransmitter struct {
	items []*lld.LldTxItem
}

func (c *captureTransmitter) Transmit(item *lld.LldTxItem) error {
	c.items = append(c.items, item)
	return nil
}

func (c *captureTransmitter) last() *lld.LldTxItem {
	if len(c.items) == 0 {
		return nil
	}
	return c.items[len(c.items)-1]
}

type recordingRxConsumer struct {
	received []*telegram.CMessage
}

func (r *recordingRxConsumer) OnRx(msg *telegram.CMessage, release func()) {
	r.received = append(r.received, msg)
	release()
}

func buildFrame(t *testing.T, fifo pmp.FifoID, msgType pmp.MsgType, sid byte, ext pmp.ExtType, payload []byte) []byte {
	t.Helper()
	h := pmp.Header{PMHL: 3, Fifo: fifo, MsgType: msgType, Dir: pmp.DirRx, SID: sid, Ext: ext}
	h.PML = h.PMHL + 1 + len(payload)
	buf := make([]byte, h.WireLen()+len(payload))
	n, err := pmp.Build(buf, h)
	require.NoError(t, err)
	copy(buf[n:], payload)
	return buf
}

func newTestFifo(t *testing.T, tx *captureTransmitter, rc RxConsumer, onComplete CompletionFunc) (*FIFO, *sched.Scheduler) {
	t.Helper()
	sc := sched.New()
	txObjs := pool.NewMessageBucket(4, 0)
	f := New(Config{
		ID:           pmp.FifoMCM,
		Channel:      tx,
		Encoder:      telegram.Dialect00,
		TxObjects:    txObjs,
		AckThreshold: 2,
		OnComplete:   onComplete,
		RxConsumer:   rc,
	}, sc)
	return f, sc
}

func deliverRx(t *testing.T, f *FIFO, raw []byte) {
	t.Helper()
	rxObjs := pool.NewMessageBucket(4, 0)
	m, ok := rxObjs.Alloc()
	require.True(t, ok)
	copy(m.RxBuffer(), raw)
	m.SetRxLen(len(raw))
	f.RxDispatch(m)
}

func syncAccept(t *testing.T, f *FIFO, params SyncParams, credits byte) {
	t.Helper()
	f.Synchronize(params)
	payload := []byte{credits & 0x3F, params.RxBusyAllowed, params.RxAckTimeout, params.TxWdTimeout}
	raw := buildFrame(t, pmp.FifoMCM, pmp.MsgStatus, f.syncAttempt, pmp.ExtType{Type: byte(StatusSynced)}, payload)
	deliverRx(t, f, raw)
}

func TestSynchronizeAcceptsValidSyncedStatus(t *testing.T) {
	tx := &captureTransmitter{}
	f, _ := newTestFifo(t, tx, nil, nil)
	params := SyncParams{RxCredits: 20, RxBusyAllowed: 3, RxAckTimeout: 5, TxWdTimeout: 0}

	syncAccept(t, f, params, 10)

	assert.Equal(t, Synced, f.State())
	assert.Equal(t, 10, f.txCredits)
}

func TestSynchronizeRejectsWrongSID(t *testing.T) {
	tx := &captureTransmitter{}
	f, _ := newTestFifo(t, tx, nil, nil)
	params := SyncParams{RxCredits: 20, RxBusyAllowed: 3, RxAckTimeout: 5, TxWdTimeout: 0}
	f.Synchronize(params)

	payload := []byte{10, params.RxBusyAllowed, params.RxAckTimeout, params.TxWdTimeout}
	raw := buildFrame(t, pmp.FifoMCM, pmp.MsgStatus, f.syncAttempt+1, pmp.ExtType{Type: byte(StatusSynced)}, payload)
	deliverRx(t, f, raw)

	assert.Equal(t, Syncing, f.State(), "a SID mismatch must not accept the sync")
}

func TestTxServiceSendsAndAcksOnFlowSuccess(t *testing.T) {
	tx := &captureTransmitter{}
	var completions []CompletionStatus
	f, sc := newTestFifo(t, tx, nil, func(msg *telegram.CMessage, status CompletionStatus, code FailureCode) {
		completions = append(completions, status)
	})
	syncAccept(t, f, SyncParams{RxCredits: 20, RxBusyAllowed: 3, RxAckTimeout: 5, TxWdTimeout: 0}, 5)
	tx.items = nil // drop the sync command capture

	txObjs := pool.NewMessageBucket(4, 0)
	msg, ok := txObjs.Alloc()
	require.True(t, ok)
	msg.Dest, msg.Src = 0x100, telegram.AddrInic
	require.NoError(t, msg.SetPayload([]byte("hi")))
	f.EnqueueTx(msg)
	sc.Tick(time.Now())

	item := tx.last()
	require.NotNil(t, item)
	assert.Equal(t, lld.KindData, item.Kind)

	hdr, err := pmp.Parse(item.Data.HeaderBytes())
	require.NoError(t, err)

	raw := buildFrame(t, pmp.FifoMCM, pmp.MsgStatus, hdr.SID, pmp.ExtType{Type: byte(StatusFlow), Code: byte(FlowSuccess)}, nil)
	deliverRx(t, f, raw)

	require.Len(t, completions, 1)
	assert.Equal(t, CompletionOK, completions[0])
}

func TestFailureWithNoSiblingsTriggersSingleCancel(t *testing.T) {
	tx := &captureTransmitter{}
	var completions []CompletionStatus
	var codes []FailureCode
	f, sc := newTestFifo(t, tx, nil, func(msg *telegram.CMessage, status CompletionStatus, code FailureCode) {
		completions = append(completions, status)
		codes = append(codes, code)
	})
	syncAccept(t, f, SyncParams{RxCredits: 20, RxBusyAllowed: 3, RxAckTimeout: 5, TxWdTimeout: 0}, 5)
	tx.items = nil

	txObjs := pool.NewMessageBucket(4, 0)
	msg, ok := txObjs.Alloc()
	require.True(t, ok)
	msg.Dest, msg.Src = 0x100, telegram.AddrInic
	f.EnqueueTx(msg)
	sc.Tick(time.Now())

	item := tx.last()
	require.NotNil(t, item)
	hdr, err := pmp.Parse(item.Data.HeaderBytes())
	require.NoError(t, err)

	raw := buildFrame(t, pmp.FifoMCM, pmp.MsgStatus, hdr.SID, pmp.ExtType{Type: byte(StatusFailure), Code: byte(FailureCRC)}, nil)
	deliverRx(t, f, raw)

	require.Len(t, completions, 1)
	assert.Equal(t, CompletionFailed, completions[0])
	assert.Equal(t, FailureCRC, codes[0])
	assert.True(t, f.cmdCncl.IsReserved(), "a CANCEL command must be armed")
}

func TestOutOfOrderDataDropped(t *testing.T) {
	tx := &captureTransmitter{}
	rc := &recordingRxConsumer{}
	f, _ := newTestFifo(t, tx, rc, nil)
	syncAccept(t, f, SyncParams{RxCredits: 20, RxBusyAllowed: 3, RxAckTimeout: 5, TxWdTimeout: 0}, 5)

	raw := buildFrame(t, pmp.FifoMCM, pmp.MsgData, f.expectedSID+1, pmp.ExtType{}, make([]byte, 12))
	deliverRx(t, f, raw)

	assert.Empty(t, rc.received, "an out-of-order SID must be dropped, not delivered")
}

func TestBypassInsertedAheadOfOrdinaryWaiting(t *testing.T) {
	tx := &captureTransmitter{}
	f, _ := newTestFifo(t, tx, nil, nil)

	txObjs := pool.NewMessageBucket(4, 0)
	normal, ok := txObjs.Alloc()
	require.True(t, ok)
	f.EnqueueTx(normal)

	bypass, ok := txObjs.Alloc()
	require.True(t, ok)
	bypass.SetTxBypass(true)
	f.EnqueueTx(bypass)

	front := f.waiting.Front()
	require.NotNil(t, front)
	assert.Same(t, bypass, front.Owner(), "a bypass message must jump ahead of already-waiting ordinary messages")
}

func TestCancelAllRecoveryFailsSharedCancelIDSiblings(t *testing.T) {
	tx := &captureTransmitter{}
	var completions []CompletionStatus
	f, sc := newTestFifo(t, tx, nil, func(msg *telegram.CMessage, status CompletionStatus, code FailureCode) {
		completions = append(completions, status)
	})
	syncAccept(t, f, SyncParams{RxCredits: 20, RxBusyAllowed: 3, RxAckTimeout: 5, TxWdTimeout: 0}, 1)
	tx.items = nil

	txObjs := pool.NewMessageBucket(4, 0)
	const cancelID = 7
	head, ok := txObjs.Alloc()
	require.True(t, ok)
	head.TxOpts.CancelID = cancelID
	f.EnqueueTx(head)

	sibling, ok := txObjs.Alloc()
	require.True(t, ok)
	sibling.TxOpts.CancelID = cancelID
	f.EnqueueTx(sibling)

	sc.Tick(time.Now())
	require.Len(t, f.pending, 1, "only the head segment should have been sent before the failure")

	failedSID := f.pending[0].sid
	raw := buildFrame(t, pmp.FifoMCM, pmp.MsgStatus, failedSID, pmp.ExtType{Type: byte(StatusFailure)}, nil)
	deliverRx(t, f, raw)
	require.True(t, f.cancelAll, "a FAILURE on a segment with siblings must start CANCEL_ALL")

	canceledAt := f.sidNextToUse - 1
	raw = buildFrame(t, pmp.FifoMCM, pmp.MsgStatus, canceledAt, pmp.ExtType{Type: byte(StatusFlow), Code: byte(FlowCanceled)}, nil)
	deliverRx(t, f, raw)

	require.Len(t, completions, 2, "both the recovered head segment and its waiting sibling share a cancel id and must fail together")
	assert.Equal(t, CompletionCanceled, completions[0])
	assert.Equal(t, CompletionCanceled, completions[1])
	assert.False(t, f.cancelAll)
}
