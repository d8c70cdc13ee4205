// Package pool implements the static memory pool plugin: four
// fixed-count bucket allocators (Tx-object, Tx-payload, Rx-object,
// Rx-payload) behind one Allocator interface, plus the single
// always-held-back "reserved" slot that guarantees a small Rx message can
// never starve even when the rest of a bucket is exhausted. Grounded on
// ucs_amspool.c/ucs_pool.c.
package pool

import (
	"sync"

	"github.com/ucnx/inicstack/internal/dlist"
	"github.com/ucnx/inicstack/internal/telegram"
)

// Allocator is the common interface every bucket satisfies, matching spec
// §3's "allocator interface" behind which the four buckets live.
type Allocator[T any] interface {
	Alloc() (*T, bool)
	Free(item *T)
	Available() int
	Cap() int
}

// Bucket is a fixed-size free-list allocator. The last reservedSlots
// entries are withheld from Alloc and reachable only through AllocReserved,
// which is how a "reserved" Rx message stays available under starvation
// (spec §3, scenario 6).
//
// A Bucket backing pmchannel's Rx pool is the one piece of pool state the
// LLD's own foreign-context goroutine touches directly (spec §5: rx_allocate/
// rx_free_unused are the bounded handoff operations an LLD may call from its
// own thread), so Alloc/AllocReserved/Free/Available/Cap all take an
// internal mutex; every other Bucket pays an uncontended lock/unlock for
// the same uniform API.
type Bucket[T any] struct {
	mu            sync.Mutex
	fl            *dlist.FreeList[T]
	reservedSlots int
	onFreed       []func()
}

// NewBucket builds a Bucket of n slots, each produced by init, with
// reservedSlots of them withheld from ordinary Alloc calls.
func NewBucket[T any](n, reservedSlots int, init func(*T)) *Bucket[T] {
	if reservedSlots > n {
		reservedSlots = n
	}
	return &Bucket[T]{
		fl:            dlist.New(n, init),
		reservedSlots: reservedSlots,
	}
}

// Alloc checks out a slot, refusing to dip into the reserved tail.
func (b *Bucket[T]) Alloc() (*T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fl.Available() <= b.reservedSlots {
		return nil, false
	}
	return b.fl.Get()
}

// AllocReserved checks out a slot even if doing so consumes the reserved
// tail; used only by the one caller entitled to the liveness guarantee
// (segmentation's size-0..45 single-segment Rx path).
func (b *Bucket[T]) AllocReserved() (*T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fl.Get()
}

// Free returns item and notifies anyone waiting on OnFreed — the hook AMS
// uses to re-drive its Rx waiting queue once a slot becomes available
// (spec §4.K, scenario 6). Callbacks run after the lock is released, since
// a callback (e.g. an LLD's wake function) may itself want to Alloc.
func (b *Bucket[T]) Free(item *T) {
	b.mu.Lock()
	b.fl.Put(item)
	cbs := b.onFreed
	b.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// OnFreed registers a callback invoked after every Free. Registration
// happens at setup time, not the hot path, so it is not itself locked.
func (b *Bucket[T]) OnFreed(cb func()) { b.onFreed = append(b.onFreed, cb) }

func (b *Bucket[T]) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fl.Available()
}

func (b *Bucket[T]) Cap() int { return b.fl.Cap() }

// PayloadBuf is a fixed-capacity byte buffer slot for the Tx-payload /
// Rx-payload buckets, sized by configuration (spec §6's size_tx_msg /
// size_rx_msg knobs).
type PayloadBuf struct {
	Data []byte
	n    int // valid length
}

func (p *PayloadBuf) Reset()         { p.n = 0 }
func (p *PayloadBuf) Len() int       { return p.n }
func (p *PayloadBuf) Bytes() []byte  { return p.Data[:p.n] }
func (p *PayloadBuf) Set(b []byte) { p.n = copy(p.Data, b) }

// NewMessageBucket builds a CMessage bucket and binds each slot's pool
// back-reference, so telegram.CMessage.Release needs only itself.
func NewMessageBucket(n, reservedSlots int) *Bucket[telegram.CMessage] {
	b := NewBucket(n, reservedSlots, func(m *telegram.CMessage) { m.Reset() })
	b.fl.ForEachSlot(func(m *telegram.CMessage) { m.BindPool(b.fl) })
	return b
}

// NewPayloadBucket builds a PayloadBuf bucket with slots of the given byte
// capacity.
func NewPayloadBucket(n, reservedSlots, bufSize int) *Bucket[PayloadBuf] {
	return NewBucket(n, reservedSlots, func(p *PayloadBuf) { p.Data = make([]byte, bufSize) })
}

// StaticPool bundles the four buckets component L specifies.
type StaticPool struct {
	TxObjects  *Bucket[telegram.CMessage]
	TxPayloads *Bucket[PayloadBuf]
	RxObjects  *Bucket[telegram.CMessage]
	RxPayloads *Bucket[PayloadBuf]
}

// Config carries the four bucket sizes (spec §6's num_tx_msgs/num_rx_msgs,
// size_tx_msg/size_rx_msg) plus how many Rx object slots to withhold as
// the liveness reserve.
type Config struct {
	NumTxMsgs      int
	NumRxMsgs      int
	SizeTxMsg      int
	SizeRxMsg      int
	RxReservedObjs int
}

// DefaultConfig matches spec §6's defaults: 20 Tx/Rx objects, 45-byte
// messages, one reserved Rx object.
func DefaultConfig() Config {
	return Config{NumTxMsgs: 20, NumRxMsgs: 20, SizeTxMsg: 45, SizeRxMsg: 45, RxReservedObjs: 1}
}

// NewStaticPool builds all four buckets from cfg.
func NewStaticPool(cfg Config) *StaticPool {
	return &StaticPool{
		TxObjects:  NewMessageBucket(cfg.NumTxMsgs, 0),
		TxPayloads: NewPayloadBucket(cfg.NumTxMsgs, 0, cfg.SizeTxMsg),
		RxObjects:  NewMessageBucket(cfg.NumRxMsgs, cfg.RxReservedObjs),
		RxPayloads: NewPayloadBucket(cfg.NumRxMsgs, cfg.RxReservedObjs, cfg.SizeRxMsg),
	}
}
