// Package pmchannel implements component D, the Port Message Channel: the
// single owner of the LLD session and the Rx CMessage pool, and the
// FIFO-id demultiplexer that routes every inbound PM to the registered
// handler for its FIFO. Grounded on ucs_pmch.c/ucs_pmch.h.
package pmchannel

import (
	"sync"
	"sync/atomic"

	"github.com/ucnx/inicstack/internal/lld"
	"github.com/ucnx/inicstack/internal/pmp"
	"github.com/ucnx/inicstack/internal/pool"
	"github.com/ucnx/inicstack/internal/sched"
	"github.com/ucnx/inicstack/internal/telegram"
	"github.com/ucnx/inicstack/internal/trace"
)

// rxEvent is the one event bit Channel registers with the scheduler; its
// value doesn't matter beyond being nonzero, since Run always drains the
// whole inbox regardless of which bits are set.
const rxEvent uint32 = 1

// FifoHandler is what a PMF registers with the channel: the Rx dispatch
// target for frames bearing its FIFO id, and the Tx-release target for
// its own data/command objects.
type FifoHandler interface {
	FifoID() pmp.FifoID
	RxDispatch(msg *telegram.CMessage)
	TxRelease(item *lld.LldTxItem)
}

// Channel owns the LLD session, the Rx object pool, and the FIFO
// registry. It implements lld.Callbacks so a Driver can be handed this
// value directly at Start time, and it implements sched.Service: the LLD
// may call RxReceive from its own foreign goroutine (spec §5), so
// RxReceive only appends to a mutex-guarded inbox and sets an event bit;
// the actual header verify/parse/dispatch runs later, on the cooperative
// scheduler thread, inside Run.
type Channel struct {
	driver    lld.Driver
	user      any
	rxObjects *pool.Bucket[telegram.CMessage]
	handlers  map[pmp.FifoID]FifoHandler
	wake      lld.WakeFunc

	started bool
	stopped bool
	rxArmed atomic.Bool // set by RxAllocate (LLD's foreign goroutine), cleared by onRxFreed (any goroutine that Frees)

	inboxMu sync.Mutex
	inbox   []*telegram.CMessage
	events  sched.EventSource

	capture CaptureFunc
	log     *trace.Logger
}

// CaptureFunc taps every frame Channel moves across the LLD boundary, in
// either direction, for trace.CaptureSink or an equivalent sink.
type CaptureFunc func(direction string, fifo pmp.FifoID, raw []byte)

// SetCapture installs fn as the channel's trace tap; pass nil to disable
// it again. Run and Transmit both call it synchronously, so a slow fn
// delays the scheduler tick it runs under.
func (c *Channel) SetCapture(fn CaptureFunc) { c.capture = fn }

// New builds a Channel bound to driver/user, drawing Rx objects from
// rxObjects (normally pool.StaticPool.RxObjects), and registers it with
// sc so its deferred Rx dispatch runs on the cooperative scheduler loop.
func New(driver lld.Driver, user any, rxObjects *pool.Bucket[telegram.CMessage], sc *sched.Scheduler, log *trace.Logger) *Channel {
	if log == nil {
		log = trace.Discard()
	}
	c := &Channel{
		driver:    driver,
		user:      user,
		rxObjects: rxObjects,
		handlers:  make(map[pmp.FifoID]FifoHandler),
		log:       log,
	}
	rxObjects.OnFreed(c.onRxFreed)
	if sc != nil {
		sc.Register(c, &c.events)
	}
	return c
}

// Name and Priority implement sched.Service. Priority outranks every
// other registered service (AMS=253, PMF=252, ...) since every higher
// layer's input depends on frames Channel has already dispatched this
// tick.
func (c *Channel) Name() string   { return "PMCH" }
func (c *Channel) Priority() int  { return 254 }

// SetWake installs the function the channel calls when a slot frees up
// after an rx_allocate had previously failed and armed the trigger.
func (c *Channel) SetWake(w lld.WakeFunc) { c.wake = w }

func (c *Channel) onRxFreed() {
	if c.rxArmed.CompareAndSwap(true, false) && c.wake != nil {
		c.wake()
	}
}

// Register adds h as the handler for its own FifoID, replacing any prior
// registration for that id.
func (c *Channel) Register(h FifoHandler) {
	c.handlers[h.FifoID()] = h
}

// Start calls the LLD's start exactly once; a repeat call is a no-op.
func (c *Channel) Start() error {
	if c.started {
		return nil
	}
	if err := c.driver.Start(c.user); err != nil {
		return err
	}
	c.started = true
	c.stopped = false
	c.log.Info("pmchannel started")
	return nil
}

// Stop calls the LLD's stop exactly once. After Stop, Transmit becomes a
// deterministic no-op rather than reaching the LLD.
func (c *Channel) Stop() error {
	if !c.started || c.stopped {
		return nil
	}
	c.stopped = true
	err := c.driver.Stop(c.user)
	c.log.Info("pmchannel stopped")
	return err
}

// Transmit forwards item to the LLD, unless the channel has already been
// stopped, in which case it releases item immediately through the owning
// FIFO's TxRelease so upper layers see deterministic completion even
// after teardown.
func (c *Channel) Transmit(item *lld.LldTxItem) error {
	if c.stopped {
		c.releaseAfterStop(item)
		return nil
	}
	if c.capture != nil {
		if tag, ok := item.FifoTag.(pmp.FifoID); ok {
			c.capture("tx", tag, lld.RawBytes(item))
		}
	}
	return c.driver.TxTransmit(item, c.user)
}

func (c *Channel) releaseAfterStop(item *lld.LldTxItem) {
	if tag, ok := item.FifoTag.(pmp.FifoID); ok {
		if h, ok := c.handlers[tag]; ok {
			h.TxRelease(item)
			return
		}
	}
}

// RxAllocate implements lld.Callbacks: it returns a fresh Rx CMessage
// from the pool, or (nil, false) if none is free, arming the wake
// trigger so the LLD can retry once a slot is returned. Per spec §4.D,
// any request over the 72-byte buffer is always refused.
func (c *Channel) RxAllocate(size int) (*telegram.CMessage, bool) {
	if size > telegram.BufferSize {
		return nil, false
	}
	m, ok := c.rxObjects.Alloc()
	if !ok {
		c.rxArmed.Store(true)
		return nil, false
	}
	return m, true
}

// RxFreeUnused returns an Rx CMessage the LLD decided not to deliver
// after all (e.g. a short or malformed read) back to the pool.
func (c *Channel) RxFreeUnused(msg *telegram.CMessage) {
	c.rxObjects.Free(msg)
}

// RxReceive implements lld.Callbacks. Per spec §5, an LLD may call this
// from its own goroutine, so it does only bounded, thread-safe handoff —
// append msg to the inbox and set the event bit — never the header
// verify/parse/dispatch itself, which runs later from Run on the
// cooperative scheduler thread.
func (c *Channel) RxReceive(msg *telegram.CMessage) {
	c.inboxMu.Lock()
	c.inbox = append(c.inbox, msg)
	c.inboxMu.Unlock()
	c.events.Set(rxEvent)
}

// Run implements sched.Service: it drains every frame handed off by
// RxReceive since the last tick, verifying the PM header, reading the
// FIFO-id field, and dispatching to the registered handler. A frame that
// fails verification or names an unregistered FIFO id is freed rather
// than delivered.
func (c *Channel) Run(bits uint32) {
	c.inboxMu.Lock()
	pending := c.inbox
	c.inbox = nil
	c.inboxMu.Unlock()

	for _, msg := range pending {
		c.dispatch(msg)
	}
}

func (c *Channel) dispatch(msg *telegram.CMessage) {
	raw := msg.RxBytes()
	if err := pmp.VerifyHeader(raw, len(raw), true); err != nil {
		c.log.Warn("dropping malformed PM frame", "err", err)
		c.rxObjects.Free(msg)
		return
	}
	hdr, err := pmp.Parse(raw)
	if err != nil {
		c.log.Warn("dropping unparsable PM frame", "err", err)
		c.rxObjects.Free(msg)
		return
	}
	h, ok := c.handlers[hdr.Fifo]
	if !ok {
		c.log.Warn("dropping PM frame for unregistered fifo", "fifo", hdr.Fifo)
		c.rxObjects.Free(msg)
		return
	}
	if c.capture != nil {
		c.capture("rx", hdr.Fifo, raw)
	}
	h.RxDispatch(msg)
}

// TxRelease implements lld.Callbacks: it routes a released Tx item back
// to either the command object it came from (command Release is the
// command's own job, triggered by its owning FIFO) or to the owning
// FIFO's Tx-release handler.
func (c *Channel) TxRelease(item *lld.LldTxItem) {
	tag, ok := item.FifoTag.(pmp.FifoID)
	if !ok {
		c.log.Warn("tx_release with untagged item, dropping")
		return
	}
	h, ok := c.handlers[tag]
	if !ok {
		c.log.Warn("tx_release for unregistered fifo", "fifo", tag)
		return
	}
	h.TxRelease(item)
}

var (
	_ lld.Callbacks = (*Channel)(nil)
	_ sched.Service = (*Channel)(nil)
)
