package transceiver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ucnx/inicstack/internal/lld"
	"github.com/ucnx/inicstack/internal/pmfifo"
	"github.com/ucnx/inicstack/internal/pmp"
	"github.com/ucnx/inicstack/internal/pool"
	"github.com/ucnx/inicstack/internal/sched"
	"github.com/ucnx/inicstack/internal/telegram"
)

type nullTransmitter struct{}

func (nullTransmitter) Transmit(item *lld.LldTxItem) error { return nil }

func newTestTransceiver(t *testing.T) (*Transceiver, *pmfifo.FIFO, *sched.Scheduler) {
	t.Helper()
	sc := sched.New()
	f := pmfifo.New(pmfifo.Config{
		ID:        pmp.FifoMCM,
		Channel:   nullTransmitter{},
		Encoder:   telegram.Dialect00,
		TxObjects: pool.NewMessageBucket(8, 0),
	}, sc)
	tr := New(Config{Fifo: f, SrcAddr: 0x200})
	return tr, f, sc
}

func TestTxAllocateRejectsOversizeAndSetsSrc(t *testing.T) {
	tr, _, _ := newTestTransceiver(t)

	_, ok := tr.TxAllocate(46)
	assert.False(t, ok, "payloads over 45 bytes must be refused")

	msg, ok := tr.TxAllocate(10)
	require.True(t, ok)
	assert.Equal(t, uint16(0x200), msg.Src)
}

func TestTxSendExtFiresCompletionBeforeFifoReleasesMessage(t *testing.T) {
	tr, f, _ := newTestTransceiver(t)
	msg, ok := tr.TxAllocate(4)
	require.True(t, ok)

	var gotStatus pmfifo.CompletionStatus
	called := false
	tr.TxSendExt(msg, func(m *telegram.CMessage, status pmfifo.CompletionStatus, code pmfifo.FailureCode) {
		called = true
		gotStatus = status
	})

	f.Cleanup() // drains waiting with CompletionSyncLost, exercising the completion path

	assert.True(t, called)
	assert.Equal(t, pmfifo.CompletionSyncLost, gotStatus)
	assert.Empty(t, tr.pendingExt, "a fired completion must be removed, not leaked")
}

type recordingConsumer struct {
	got *telegram.CMessage
}

func (r *recordingConsumer) OnReceive(msg *telegram.CMessage, release func()) {
	r.got = msg
	release()
}

func TestOnRxFilterVetoesBeforeConsumerSeesIt(t *testing.T) {
	tr, _, _ := newTestTransceiver(t)
	consumer := &recordingConsumer{}
	tr.consumer = consumer
	tr.filter = func(*telegram.CMessage) bool { return false }

	rxObjs := pool.NewMessageBucket(2, 0)
	msg, ok := rxObjs.Alloc()
	require.True(t, ok)
	releaseCalled := false
	tr.OnRx(msg, func() { releaseCalled = true })

	assert.True(t, releaseCalled, "a vetoed message must still be released")
	assert.Nil(t, consumer.got, "a filtered-out message must never reach the consumer")
}
