// Package loopback is an in-memory lld.Driver pair: two Endpoints linked
// directly to each other's Rx path, with no real byte stream in between.
// It plays the role the teacher's pty-backed KISS test harness
// (github.com/creack/pty, superseded here) and pmfifo_test.go's
// captureTransmitter fake both play — a controllable fake LLD — but as a
// reusable package two full stacks (or a stack and a peer-simulator) can
// sit on either end of, for package tests and for the demo wiring in
// cmd/inicstackd.
package loopback

import (
	"errors"
	"sync"

	"github.com/ucnx/inicstack/internal/lld"
	"github.com/ucnx/inicstack/internal/pmfifo"
	"github.com/ucnx/inicstack/internal/pmp"
	"github.com/ucnx/inicstack/internal/telegram"
	"github.com/ucnx/inicstack/internal/trace"
)

// Endpoint is one side of a loopback link. It implements lld.Driver.
type Endpoint struct {
	cb  lld.Callbacks
	log *trace.Logger

	mu      sync.Mutex
	peer    *Endpoint
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	rx chan []byte
}

// New builds an unlinked Endpoint delivering inbound frames and
// Tx-release notifications to cb. Call Link to pair it with another
// Endpoint before Start. cb may be nil if the caller has a construction
// cycle to break (the Endpoint is itself the driver behind the
// Callbacks it would otherwise need up front) — set it with
// SetCallbacks before Start.
func New(cb lld.Callbacks, log *trace.Logger) *Endpoint {
	if log == nil {
		log = trace.Discard()
	}
	return &Endpoint{cb: cb, log: log, rx: make(chan []byte, 64)}
}

// SetCallbacks binds or rebinds the Callbacks target. Must be called
// before Start; readLoop only reads e.cb after Start launches it, with
// no further synchronization on this field.
func (e *Endpoint) SetCallbacks(cb lld.Callbacks) {
	e.mu.Lock()
	e.cb = cb
	e.mu.Unlock()
}

// Link connects a and b so whatever either transmits arrives at the
// other's Rx path, the same way a null-modem cable joins two serial
// ports. Both must be linked before either Starts.
func Link(a, b *Endpoint) {
	a.peer = b
	b.peer = a
}

// Start launches the goroutine that delivers frames arriving from the
// peer into this endpoint's Callbacks.
func (e *Endpoint) Start(user any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	e.started = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	go e.readLoop(e.stopCh, e.doneCh)
	e.log.Debug("loopback endpoint started")
	return nil
}

// Stop halts this endpoint's delivery of frames arriving from the peer.
// TxTransmit after Stop still hands frames to the peer, and frames the
// peer sends afterwards are left unread on this endpoint's side.
func (e *Endpoint) Stop(user any) error {
	e.mu.Lock()
	started := e.started
	stopCh := e.stopCh
	doneCh := e.doneCh
	e.started = false
	e.mu.Unlock()
	if !started {
		return nil
	}
	close(stopCh)
	<-doneCh
	e.log.Debug("loopback endpoint stopped")
	return nil
}

// ResetInic is a no-op: there is no INIC on the other end of an
// in-memory link, only a peer Endpoint or a test-driven peer simulator.
func (e *Endpoint) ResetInic(user any) error { return nil }

// TxTransmit flattens item's wire bytes and hands them straight to the
// peer's Rx path, then releases item immediately — a loopback link has
// no transmission latency or short-write failure mode to model.
func (e *Endpoint) TxTransmit(item *lld.LldTxItem, user any) error {
	e.mu.Lock()
	peer := e.peer
	e.mu.Unlock()
	if peer == nil {
		return errors.New("loopback: endpoint is not linked to a peer")
	}

	frame := lld.RawBytes(item)

	select {
	case peer.rx <- frame:
	default:
		e.log.Warn("loopback peer rx channel full, dropping frame")
	}

	e.cb.TxRelease(item)
	return nil
}

// readLoop hands every frame that arrives over rx to this endpoint's
// Callbacks, allocating an Rx CMessage sized to fit it and dropping the
// frame (with a warning) if the pool is exhausted — a loopback link's
// test harnesses are expected to size pools so this never triggers in
// practice, unlike refserial's real-wire wake/retry handling.
func (e *Endpoint) readLoop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-stopCh:
			return
		case frame, ok := <-e.rx:
			if !ok {
				return
			}
			e.deliver(frame)
		}
	}
}

func (e *Endpoint) deliver(frame []byte) {
	msg, ok := e.cb.RxAllocate(len(frame))
	if !ok {
		e.log.Warn("loopback dropping frame, rx pool exhausted", "size", len(frame))
		return
	}
	copy(msg.RxBuffer(), frame)
	msg.SetRxLen(len(frame))
	e.cb.RxReceive(msg)
}

var _ lld.Driver = (*Endpoint)(nil)

// DemoPeer stands in for a real INIC at the far end of a loopback link,
// for running cmd/inicstackd without an attached device: it answers
// every SYNC command it sees with a SYNCED status on the same FIFO,
// granting a fixed 10 Tx credits whatever was requested, and otherwise ignores
// everything (no actual resource manager, no telegram echo).
type DemoPeer struct {
	ep *Endpoint
}

// NewDemoPeer builds a DemoPeer bound to ep, which must not yet be
// started. The caller still owns linking ep to the host-side Endpoint
// via Link and calling ep.Start.
func NewDemoPeer(ep *Endpoint) *DemoPeer {
	return &DemoPeer{ep: ep}
}

func (p *DemoPeer) RxAllocate(size int) (*telegram.CMessage, bool) { return &telegram.CMessage{}, true }
func (p *DemoPeer) RxFreeUnused(msg *telegram.CMessage)            {}
func (p *DemoPeer) TxRelease(item *lld.LldTxItem)                  {}

func (p *DemoPeer) RxReceive(msg *telegram.CMessage) {
	hdr, err := pmp.Parse(msg.RxBytes())
	if err != nil || hdr.MsgType != pmp.MsgCmd ||
		hdr.Ext.Type != byte(pmfifo.CmdTypeSynchronization) || hdr.Ext.Code != byte(pmfifo.CmdCodeSync) {
		return
	}
	body := msg.RxBytes()[hdr.PayloadOffset() : hdr.PayloadOffset()+hdr.PayloadLen()]
	rxBusyAllowed, rxAckTimeout, txWdTimeout := body[1], body[2], body[3]

	granted := byte(10)
	payload := []byte{granted, rxBusyAllowed, rxAckTimeout, txWdTimeout}
	h := pmp.Header{PMHL: 3, Fifo: hdr.Fifo, MsgType: pmp.MsgStatus, Dir: pmp.DirRx, SID: hdr.SID, Ext: pmp.ExtType{Type: byte(pmfifo.StatusSynced)}}
	h.PML = h.PMHL + 1 + len(payload)
	buf := make([]byte, h.WireLen()+len(payload))
	n, err := pmp.Build(buf, h)
	if err != nil {
		return
	}
	copy(buf[n:], payload)

	reply := &telegram.CMessage{}
	reply.ReserveHeader(n + len(payload))
	copy(reply.HeaderBytes(), buf)
	p.ep.TxTransmit(&lld.LldTxItem{Kind: lld.KindData, Data: reply}, nil)
}

var _ lld.Callbacks = (*DemoPeer)(nil)
