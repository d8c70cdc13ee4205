package pmchannel

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

type fakeDriver struct {
	startCalls, stopCalls, txCalls int
	startErr, stopErr, txErr       error
	lastItem                       *lld.LldTxItem
}

func (d *fakeDriver) Start(user any) error { d.startCalls++; return d.startErr }
func (d *fakeDriver) Stop(user any) error  { d.stopCalls++; return d.stopErr }
func (d *fakeDriver) ResetInic(user any) error { return nil }
func (d *fakeDriver) TxTransmit(item *lld.LldTxItem, user any) error {
	d.txCalls++
	d.lastItem = item
	return d.txErr
}

type fakeHandler struct {
	id        pmp.FifoID
	dispatched []*telegram.CMessage
	released   []*lld.LldTxItem
}

func (h *fakeHandler) FifoID() pmp.FifoID { return h.id }
func (h *fakeHandler) RxDispatch(msg *telegram.CMessage) {
	h.dispatched = append(h.dispatched, msg)
}
func (h *fakeHandler) TxRelease(item *lld.LldTxItem) {
	h.released = append(h.released, item)
}

func buildFrame(t *testing.T, fifo pmp.FifoID) []byte {
	t.Helper()
	buf := make([]byte, 16)
	n, err := pmp.Build(buf, pmp.Header{
		PML: 4, PMHL: 3, Fifo: fifo, MsgType: pmp.MsgData, Dir: pmp.DirRx, SID: 7,
	})
	require.NoError(t, err)
	return buf[:n]
}

func TestStartStopCallLldOnce(t *testing.T) {
	drv := &fakeDriver{}
	rx := pool.NewMessageBucket(4, 0)
	sc := sched.New()
	c := New(drv, nil, rx, sc, nil)

	require.NoError(t, c.Start())
	require.NoError(t, c.Start())
	assert.Equal(t, 1, drv.startCalls, "second Start must not re-call the LLD")

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
	assert.Equal(t, 1, drv.stopCalls)
}

func TestRxAllocateRefusesOversizeAndArmsTrigger(t *testing.T) {
	rx := pool.NewMessageBucket(1, 0)
	sc := sched.New()
	c := New(&fakeDriver{}, nil, rx, sc, nil)

	_, ok := c.RxAllocate(telegram.BufferSize + 1)
	assert.False(t, ok)

	m1, ok := c.RxAllocate(45)
	require.True(t, ok)
	_, ok = c.RxAllocate(45)
	assert.False(t, ok, "pool of 1 must be exhausted")
	assert.True(t, c.rxArmed.Load())

	woke := false
	c.SetWake(func() { woke = true })
	c.RxFreeUnused(m1)
	assert.True(t, woke, "freeing a slot after an armed failure must wake the LLD")
}

func TestRxReceiveDispatchesByFifoID(t *testing.T) {
	rx := pool.NewMessageBucket(2, 0)
	sc := sched.New()
	c := New(&fakeDriver{}, nil, rx, sc, nil)
	h := &fakeHandler{id: pmp.FifoRCM}
	c.Register(h)

	m, ok := c.RxAllocate(16)
	require.True(t, ok)
	frame := buildFrame(t, pmp.FifoRCM)
	copy(m.RxBuffer(), frame)
	m.SetRxLen(len(frame))

	c.RxReceive(m)
	sc.Tick(time.Time{})
	require.Len(t, h.dispatched, 1)
	assert.Same(t, m, h.dispatched[0])
}

func TestRxReceiveDefersDispatchUntilTick(t *testing.T) {
	rx := pool.NewMessageBucket(2, 0)
	sc := sched.New()
	c := New(&fakeDriver{}, nil, rx, sc, nil)
	h := &fakeHandler{id: pmp.FifoRCM}
	c.Register(h)

	m, ok := c.RxAllocate(16)
	require.True(t, ok)
	frame := buildFrame(t, pmp.FifoRCM)
	copy(m.RxBuffer(), frame)
	m.SetRxLen(len(frame))

	c.RxReceive(m)
	assert.Empty(t, h.dispatched, "RxReceive must only hand off, not dispatch synchronously")

	sc.Tick(time.Time{})
	require.Len(t, h.dispatched, 1, "Run must dispatch what RxReceive handed off")
}

func TestRxReceiveDropsUnregisteredFifo(t *testing.T) {
	rx := pool.NewMessageBucket(2, 0)
	sc := sched.New()
	c := New(&fakeDriver{}, nil, rx, sc, nil)

	m, ok := c.RxAllocate(16)
	require.True(t, ok)
	frame := buildFrame(t, pmp.FifoICM)
	copy(m.RxBuffer(), frame)
	m.SetRxLen(len(frame))

	before := rx.Available()
	c.RxReceive(m)
	sc.Tick(time.Time{})
	assert.Equal(t, before+1, rx.Available(), "undispatched frame must be freed back to the pool")
}

func TestTransmitAfterStopReleasesInstead(t *testing.T) {
	drv := &fakeDriver{}
	rx := pool.NewMessageBucket(2, 0)
	sc := sched.New()
	c := New(drv, nil, rx, sc, nil)
	h := &fakeHandler{id: pmp.FifoMCM}
	c.Register(h)
	require.NoError(t, c.Start())
	require.NoError(t, c.Stop())

	item := &lld.LldTxItem{Kind: lld.KindData, FifoTag: pmp.FifoMCM}
	require.NoError(t, c.Transmit(item))
	assert.Zero(t, drv.txCalls, "a stopped channel must never reach the LLD")
	require.Len(t, h.released, 1)
}
