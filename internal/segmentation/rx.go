package segmentation

import (
	"time"

	"github.com/ucnx/inicstack/internal/pool"
	"github.com/ucnx/inicstack/internal/sched"
	"github.com/ucnx/inicstack/internal/telegram"
	"github.com/ucnx/inicstack/internal/trace"
)

// Result is the outcome Deliver reports for one incoming telegram.
type Result int

const (
	// ResultComplete means the returned *RxMessage is the whole AppMsg.
	ResultComplete Result = iota
	// ResultPending means the segment was stored; the reassembly is not
	// yet complete and no *RxMessage is returned.
	ResultPending
	// ResultRetry means the single-segment fast path found both the
	// ordinary and reserved Rx pools exhausted; the caller should hold
	// the raw telegram and re-call Deliver once a pool slot frees.
	ResultRetry
	// ResultError means the telegram was rejected; see the accompanying
	// ErrKind.
	ResultError
)

// signature is the {source addr, msg_id} key spec §3 says a reassembly
// must be unique under.
type signature struct {
	src   uint16
	msgID uint16
}

type reassembly struct {
	sig      signature
	buf      []byte
	wantSize int  // > 0 once a TelId 4 size prefix declared an exact total
	nextCnt  byte // next expected tel_cnt for TelId 1/2/3 appends
	marked   bool
}

// Config bundles a Reassembler's construction-time dependencies.
type Config struct {
	// RxObjects backs the TelId-0 (unsegmented) fast path: spec §4.J says
	// an unsegmented Rx message is carried directly by a pooled Rx
	// CMessage rather than a freshly allocated buffer, falling back to
	// the pool's one reserved slot under starvation (spec §8 scenario 6).
	RxObjects *pool.Bucket[telegram.CMessage]
	// MaxReassemblies caps concurrent in-flight multi-segment messages
	// (spec §4.J error 4); 0 defaults to 8.
	MaxReassemblies int
	// GCInterval is the mark-sweep period; 0 defaults to 5s (spec §4.J).
	GCInterval time.Duration
	Metrics    *trace.Metrics
	Log        *trace.Logger
}

// Reassembler is component J's Rx half: a TelId-keyed state machine over
// a per-signature reassembly list, with its own periodic GC timer.
type Reassembler struct {
	rxObjects       *pool.Bucket[telegram.CMessage]
	maxReassemblies int
	gcInterval      time.Duration

	list map[signature]*reassembly

	sc      *sched.Scheduler
	gcTimer sched.TimerID

	onTimeout func(src, msgID uint16)
	onError   func(src, msgID uint16, kind ErrKind)

	metrics *trace.Metrics
	log     *trace.Logger
}

// NewReassembler builds a Reassembler and arms its GC sweep against sc.
func NewReassembler(cfg Config, sc *sched.Scheduler) *Reassembler {
	log := cfg.Log
	if log == nil {
		log = trace.Discard()
	}
	n := cfg.MaxReassemblies
	if n == 0 {
		n = 8
	}
	d := cfg.GCInterval
	if d == 0 {
		d = 5 * time.Second
	}
	r := &Reassembler{
		rxObjects:       cfg.RxObjects,
		maxReassemblies: n,
		gcInterval:      d,
		list:            make(map[signature]*reassembly),
		sc:              sc,
		metrics:         cfg.Metrics,
		log:             log,
	}
	r.gcTimer = sc.Timers.Every(time.Now(), d, r.gcSweep)
	return r
}

// OnTimeout registers fn to be called with a reassembly's signature when
// the GC sweep reaps it (spec §4.J error 5, "reports per-reassembly to
// upstream").
func (r *Reassembler) OnTimeout(fn func(src, msgID uint16)) { r.onTimeout = fn }

// OnError registers fn to be called for a reassembly error that is
// reported upstream as a side effect of otherwise-successful processing
// (currently: error 7, a duplicate signature discarded so the newer
// arrival can proceed) — as distinct from an error that IS Deliver's
// terminal result for the telegram that triggered it.
func (r *Reassembler) OnError(fn func(src, msgID uint16, kind ErrKind)) { r.onError = fn }

func (r *Reassembler) reportSize() {
	if r.metrics == nil {
		return
	}
	r.metrics.ReassemblySize.Set(float64(len(r.list)))
}

// Stop disarms the GC timer, for orderly shutdown in tests.
func (r *Reassembler) Stop() { r.sc.Timers.Cancel(r.gcTimer) }

// Reset discards every in-flight reassembly without reporting timeouts or
// errors for them, for use on a fatal transport loss where the peer-side
// state those reassemblies depended on is already gone (ucs_ams.c's
// Ams_Cleanup calling Segm_Cleanup).
func (r *Reassembler) Reset() {
	r.list = make(map[signature]*reassembly)
	r.reportSize()
}

// Deliver processes one decoded, already-dequeued-from-its-FIFO incoming
// telegram. The caller owns msg's lifetime; Deliver never releases it —
// on ResultComplete/ResultPending/ResultError the caller is free to
// release msg immediately, since Deliver has already copied whatever it
// needs.
func (r *Reassembler) Deliver(msg *telegram.CMessage) (*RxMessage, Result, ErrKind) {
	msgID, _ := telegram.AltMsgID(msg.MsgID)
	sig := signature{src: msg.Src, msgID: msgID}

	switch msg.Tel.TelID {
	case telegram.TelSingle:
		return r.deliverSingle(sig, msg)
	case telegram.TelSizePrefix:
		return r.deliverSizePrefix(sig, msg)
	case telegram.TelFirst:
		return r.deliverFirst(sig, msg)
	case telegram.TelMiddle:
		return r.deliverBody(sig, msg, false)
	case telegram.TelLast:
		return r.deliverBody(sig, msg, true)
	default:
		return nil, ResultError, ErrFirstSegmentMissing
	}
}

func (r *Reassembler) deliverSingle(sig signature, msg *telegram.CMessage) (*RxMessage, Result, ErrKind) {
	dupErr := r.discardDuplicate(sig)

	carrier, ok := r.rxObjects.Alloc()
	if !ok {
		carrier, ok = r.rxObjects.AllocReserved()
	}
	if !ok {
		return nil, ResultRetry, ErrNone
	}
	carrier.Src = msg.Src
	carrier.Dest = msg.Dest
	carrier.MsgID = msg.MsgID
	_ = carrier.SetPayload(msg.PayloadBytes())

	out := &RxMessage{Src: sig.src, MsgID: sig.msgID, Payload: carrier.PayloadBytes(), carrier: carrier}
	if dupErr {
		r.log.Warn("duplicate signature under TelId 0, delivering the newer message", "src", sig.src, "msg_id", sig.msgID)
	}
	return out, ResultComplete, ErrNone
}

func (r *Reassembler) deliverSizePrefix(sig signature, msg *telegram.CMessage) (*RxMessage, Result, ErrKind) {
	r.discardDuplicate(sig)

	if len(r.list) >= r.maxReassemblies {
		return nil, ResultError, ErrTooManyReassemblies
	}
	payload := msg.PayloadBytes()
	if len(payload) < 2 {
		return nil, ResultError, ErrCannotAllocatePayload
	}
	size := int(payload[0])<<8 | int(payload[1])

	e := &reassembly{sig: sig, wantSize: size}
	if size > telegram.MaxPayload {
		e.buf = make([]byte, 0, size)
	}
	r.list[sig] = e
	r.reportSize()
	return nil, ResultPending, ErrNone
}

func (r *Reassembler) deliverFirst(sig signature, msg *telegram.CMessage) (*RxMessage, Result, ErrKind) {
	if msg.Tel.TelCnt != 0 {
		return nil, ResultError, ErrWrongTelCnt
	}
	e, ok := r.list[sig]
	if !ok {
		if len(r.list) >= r.maxReassemblies {
			return nil, ResultError, ErrTooManyReassemblies
		}
		e = &reassembly{sig: sig}
		r.list[sig] = e
		r.reportSize()
	}
	e.buf = append(e.buf, msg.PayloadBytes()...)
	e.nextCnt = 1
	e.marked = false
	return nil, ResultPending, ErrNone
}

func (r *Reassembler) deliverBody(sig signature, msg *telegram.CMessage, last bool) (*RxMessage, Result, ErrKind) {
	e, ok := r.list[sig]
	if !ok {
		return nil, ResultError, ErrFirstSegmentMissing
	}
	if msg.Tel.TelCnt != e.nextCnt {
		delete(r.list, sig)
		r.reportSize()
		return nil, ResultError, ErrWrongTelCnt
	}
	e.buf = append(e.buf, msg.PayloadBytes()...)
	e.nextCnt++
	e.marked = false

	if !last {
		return nil, ResultPending, ErrNone
	}

	delete(r.list, sig)
	r.reportSize()
	out := &RxMessage{Src: sig.src, MsgID: sig.msgID, Payload: e.buf}
	return out, ResultComplete, ErrNone
}

// discardDuplicate removes any in-progress reassembly sharing sig,
// reporting whether one was found (spec §4.J error 7).
func (r *Reassembler) discardDuplicate(sig signature) bool {
	if _, ok := r.list[sig]; !ok {
		return false
	}
	delete(r.list, sig)
	r.reportSize()
	if r.onError != nil {
		r.onError(sig.src, sig.msgID, ErrDuplicateSignature)
	}
	return true
}

// gcSweep runs the two-pass mark-and-sweep timeout check: entries already
// marked from the previous sweep are reaped and reported via onTimeout;
// everything that survives is marked for the next sweep. Any append
// between sweeps clears an entry's mark, so it takes two full idle
// periods to reap one (spec §4.J).
func (r *Reassembler) gcSweep() {
	for sig, e := range r.list {
		if !e.marked {
			continue
		}
		delete(r.list, sig)
		if r.metrics != nil {
			r.metrics.GCReaps.Inc()
		}
		if r.onTimeout != nil {
			r.onTimeout(sig.src, sig.msgID)
		}
	}
	r.reportSize()
	for _, e := range r.list {
		e.marked = true
	}
}

// RxMessage is a completed reassembly handed up to the application.
// Release must be called exactly once.
type RxMessage struct {
	Src     uint16
	MsgID   uint16
	Payload []byte

	carrier *telegram.CMessage
}

// Release returns the backing pooled CMessage, if this RxMessage was
// produced by the TelId-0 fast path; a no-op for multi-segment messages,
// whose buffer is ordinary Go memory with nothing to return.
func (m *RxMessage) Release() {
	if m.carrier != nil {
		m.carrier.Release()
	}
}
