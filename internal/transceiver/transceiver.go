// Package transceiver implements component I: the per-FIFO send/receive
// facade AMS and other callers sit on top of instead of talking to a
// pmfifo.FIFO directly. It owns its own small Tx object pool, applies a
// default source address to every allocation, and routes Rx through an
// optional filter before handing it to the registered consumer. Grounded
// on ucs_transceiver.c/.h.
package transceiver

import (
	"github.com/ucnx/inicstack/internal/pmfifo"
	"github.com/ucnx/inicstack/internal/pool"
	"github.com/ucnx/inicstack/internal/telegram"
	"github.com/ucnx/inicstack/internal/trace"
)

const (
	pmHeaderMax  = 8  // PM_max: the largest PM header, PMHL 5
	encHeaderMax = 16 // ENC_max: headroom for the largest telegram dialect header
)

// defaultTxPoolSize is spec §4.I's "10-message Tx pool" a Transceiver
// allocates its own short headers from.
const defaultTxPoolSize = 10

// TxCompletionFunc is a per-message Tx outcome hook, as attached by
// TxSendExt.
type TxCompletionFunc func(msg *telegram.CMessage, status pmfifo.CompletionStatus, code pmfifo.FailureCode)

// RxConsumer is the application-level callback a Transceiver hands every
// accepted Rx message to. release must be called exactly once, per
// pmfifo.RxConsumer's contract.
type RxConsumer interface {
	OnReceive(msg *telegram.CMessage, release func())
}

// RxFilter may veto an inbound message before the consumer ever sees it
// (e.g. a promiscuous trace tap); returning false discards the message.
type RxFilter func(msg *telegram.CMessage) bool

// Config bundles a Transceiver's construction-time dependencies.
type Config struct {
	Fifo      *pmfifo.FIFO
	TxObjects *pool.Bucket[telegram.CMessage] // nil => an internal 10-slot pool
	SrcAddr   uint16
	Consumer  RxConsumer
	Filter    RxFilter
	Log       *trace.Logger
}

// Transceiver is the per-FIFO facade spec §4.I describes: tx_allocate /
// tx_send / tx_send_ext / tx_send_bypass on the way out, a filtered
// consumer callback on the way in.
type Transceiver struct {
	fifo      *pmfifo.FIFO
	txObjects *pool.Bucket[telegram.CMessage]
	srcAddr   uint16

	consumer RxConsumer
	filter   RxFilter

	// pendingExt holds tx_send_ext's per-message completion hook, keyed by
	// the message's stable pointer identity; cleared the moment it fires.
	pendingExt map[*telegram.CMessage]TxCompletionFunc

	log *trace.Logger
}

// New builds a Transceiver over cfg.Fifo and registers itself as that
// FIFO's Rx consumer and Tx completion sink.
func New(cfg Config) *Transceiver {
	log := cfg.Log
	if log == nil {
		log = trace.Discard()
	}
	txObjects := cfg.TxObjects
	if txObjects == nil {
		txObjects = pool.NewMessageBucket(defaultTxPoolSize, 0)
	}
	t := &Transceiver{
		fifo:       cfg.Fifo,
		txObjects:  txObjects,
		srcAddr:    cfg.SrcAddr,
		consumer:   cfg.Consumer,
		filter:     cfg.Filter,
		pendingExt: make(map[*telegram.CMessage]TxCompletionFunc),
		log:        log,
	}
	cfg.Fifo.SetRxConsumer(t)
	cfg.Fifo.SetOnComplete(t.onFifoComplete)
	return t
}

// SetConsumer rebinds the Rx consumer, letting AMS attach itself after
// both transceivers it switchboards are constructed.
func (t *Transceiver) SetConsumer(c RxConsumer) { t.consumer = c }

// TxAllocate checks out a Tx message good for at most size payload
// bytes (size > 45 is refused), with its header cursor pre-reserved to
// PM_max(8)+ENC_max(16) bytes and its source address filled in.
func (t *Transceiver) TxAllocate(size int) (*telegram.CMessage, bool) {
	if size > telegram.MaxPayload {
		return nil, false
	}
	msg, ok := t.txObjects.Alloc()
	if !ok {
		return nil, false
	}
	msg.ReserveHeader(pmHeaderMax + encHeaderMax)
	msg.Src = t.srcAddr
	return msg, true
}

// TxSend hands msg to the FIFO's ordinary waiting queue.
func (t *Transceiver) TxSend(msg *telegram.CMessage) {
	t.fifo.EnqueueTx(msg)
}

// TxSendExt is TxSend plus a per-message completion callback, invoked
// from onFifoComplete just before the FIFO releases msg.
func (t *Transceiver) TxSendExt(msg *telegram.CMessage, onComplete TxCompletionFunc) {
	if onComplete != nil {
		t.pendingExt[msg] = onComplete
	}
	t.fifo.EnqueueTx(msg)
}

// TxSendBypass is TxSend with the FIFO's bypass-queue-ordering flag set.
func (t *Transceiver) TxSendBypass(msg *telegram.CMessage) {
	msg.SetTxBypass(true)
	t.fifo.EnqueueTx(msg)
}

func (t *Transceiver) onFifoComplete(msg *telegram.CMessage, status pmfifo.CompletionStatus, code pmfifo.FailureCode) {
	if fn, ok := t.pendingExt[msg]; ok {
		delete(t.pendingExt, msg)
		fn(msg, status, code)
	}
}

// OnRx implements pmfifo.RxConsumer: an optional filter may veto the
// message before the application consumer ever sees it; release is
// forwarded unchanged so the consumer routes it straight back to the
// owning FIFO.
func (t *Transceiver) OnRx(msg *telegram.CMessage, release func()) {
	if t.filter != nil && !t.filter(msg) {
		release()
		return
	}
	if t.consumer == nil {
		release()
		return
	}
	t.consumer.OnReceive(msg, release)
}
