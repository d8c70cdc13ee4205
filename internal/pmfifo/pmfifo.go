// Package pmfifo implements component F, the Port Message FIFO core state
// machine: the sync/unsync handshake, Tx credit flow control, incoming
// status handling, cancel/cancel-all recovery, the Tx watchdog, and the
// Rx ordering/acknowledge path. Grounded on ucs_pmfifo.c/ucs_pmfifo.h,
// the largest single file in the original library and the largest single
// component share in this system.
package pmfifo

import (
	"github.com/ucnx/inicstack/internal/dlist"
	"github.com/ucnx/inicstack/internal/lld"
	"github.com/ucnx/inicstack/internal/pmp"
	"github.com/ucnx/inicstack/internal/pool"
	"github.com/ucnx/inicstack/internal/sched"
	"github.com/ucnx/inicstack/internal/telegram"
	"github.com/ucnx/inicstack/internal/trace"
)

// State is the FIFO's sync lifecycle state.
type State int

const (
	UnsyncedInit State = iota
	Syncing
	UnsyncedBusy
	UnsyncedReady
	Synced
	Unsyncing
)

func (s State) String() string {
	switch s {
	case UnsyncedInit:
		return "UNSYNCED_INIT"
	case Syncing:
		return "SYNCING"
	case UnsyncedBusy:
		return "UNSYNCED_BUSY"
	case UnsyncedReady:
		return "UNSYNCED_READY"
	case Synced:
		return "SYNCED"
	case Unsyncing:
		return "UNSYNCING"
	default:
		return "UNKNOWN"
	}
}

// Event bits the scheduler drives this service with.
const (
	RxService     uint32 = 1 << 0
	TxService     uint32 = 1 << 1
	TxApplyStatus uint32 = 1 << 2
)

// CompletionStatus is the per-message outcome a Tx completion callback
// receives.
type CompletionStatus int

const (
	CompletionOK CompletionStatus = iota
	CompletionFailed
	CompletionCanceled
	CompletionSyncLost
)

// CompletionFunc is invoked exactly once per transmitted data message,
// with its final disposition. code is the INIC's FailureCode when status
// is CompletionFailed and the failure came from a FAILURE status PM, and
// also for a CompletionCanceled message failed alongside it by CANCEL_ALL
// recovery; FailureNone for every other case, including locally-originated
// failures (a header-build or encode error that never reached the wire).
type CompletionFunc func(msg *telegram.CMessage, status CompletionStatus, code FailureCode)

// SyncParams is the sync command body: {rx_credits, rx_busy_allowed,
// rx_ack_timeout, tx_wd_timeout}.
type SyncParams struct {
	RxCredits     byte
	RxBusyAllowed byte
	RxAckTimeout  byte
	TxWdTimeout   byte
}

// Observer is notified of sync-state transitions.
type Observer interface {
	OnStateChanged(fifo pmp.FifoID, state State)
}

// RxConsumer is handed every successfully decoded, in-order Rx message,
// along with a release callback it must call exactly once when done;
// calling it returns the message to its pool and lets the FIFO account
// for busy_num, per spec §4.F's Rx path.
type RxConsumer interface {
	OnRx(msg *telegram.CMessage, release func())
}

// pendingEntry is one in-flight Tx data message: the message itself, the
// SID it was sent under, and the LLD Tx handle it holds until acked.
type pendingEntry struct {
	sid    byte
	msg    *telegram.CMessage
	handle *lld.TxHandle
}

// Transmitter is the narrow surface pmfifo needs from its channel:
// forwarding a tagged item to the LLD.
type Transmitter interface {
	Transmit(item *lld.LldTxItem) error
}

// FIFO is one Port Message FIFO: its own credit/SID state, waiting and
// pending Tx queues, Tx handle pool, pre-embedded commands, and Rx
// bookkeeping.
type FIFO struct {
	id      pmp.FifoID
	channel Transmitter
	encoder telegram.Dialect // Rx decode / Tx header encode dialect

	handles *lld.TxHandlePool
	cmdSync *lld.Command
	cmdReq  *lld.Command
	cmdCncl *lld.Command
	cmdStat *lld.Command

	txObjects *pool.Bucket[telegram.CMessage]

	state       State
	syncAttempt byte
	params      SyncParams

	txCredits        int
	sidNextToUse     byte
	sidLastCompleted byte

	waiting dlist.List[telegram.CMessage]
	pending []pendingEntry // parallel to the front of `waiting`'s former members, FIFO order

	cancelAll bool
	hasBusy   bool
	busySID   byte

	expectedSID     byte
	busyNum         int
	consumedCredits int
	ackThreshold    int

	watchdogID     sched.TimerID
	watchdogMissed int

	// lastFailureCode is the Ext.Code of the most recent FAILURE status
	// PM handleFailure has seen, held here because cancelSingle and
	// recoverFromCancelAll complete their entries later, without direct
	// access to the FAILURE header that triggered the cancel.
	lastFailureCode FailureCode

	events *sched.EventSource
	sched  *sched.Scheduler

	onComplete CompletionFunc
	rxConsumer RxConsumer
	observers  []Observer

	log     *trace.Logger
	metrics *trace.Metrics
}

// Config bundles a FIFO's construction-time dependencies.
type Config struct {
	ID           pmp.FifoID
	Channel      Transmitter
	Encoder      telegram.Dialect
	TxObjects    *pool.Bucket[telegram.CMessage]
	NumHandles   int
	AckThreshold int // rx_ack_threshold; 0 falls back to 4 (the conventional-FIFO default)
	OnComplete   CompletionFunc
	RxConsumer   RxConsumer
	Log          *trace.Logger
	Metrics      *trace.Metrics // nil is fine; gauges are simply not updated
}

// New builds a FIFO in state UNSYNCED_INIT, registered with sc under its
// own EventSource.
func New(cfg Config, sc *sched.Scheduler) *FIFO {
	log := cfg.Log
	if log == nil {
		log = trace.Discard()
	}
	n := cfg.NumHandles
	if n == 0 {
		n = 5
	}
	ackThreshold := cfg.AckThreshold
	if ackThreshold == 0 {
		ackThreshold = 4
	}
	f := &FIFO{
		id:           cfg.ID,
		channel:      cfg.Channel,
		encoder:      cfg.Encoder,
		handles:      lld.NewTxHandlePool(n),
		cmdSync:      lld.NewCommand(lld.CmdSync),
		cmdReq:       lld.NewCommand(lld.CmdRequestStatus),
		cmdCncl:      lld.NewCommand(lld.CmdCancel),
		cmdStat:      lld.NewCommand(lld.CmdStatus),
		txObjects:    cfg.TxObjects,
		state:        UnsyncedInit,
		ackThreshold: ackThreshold,
		onComplete:   cfg.OnComplete,
		rxConsumer:   cfg.RxConsumer,
		events:       &sched.EventSource{},
		sched:        sc,
		log:          log.WithFields("fifo", cfg.ID.String()),
		metrics:      cfg.Metrics,
	}
	sc.Register(f, f.events)
	f.reportSyncState()
	return f
}

// reportTxCredits and reportPendingDepth push the current Tx credit
// count and pending-queue depth to the optional Metrics gauges; both are
// no-ops when metrics were not configured.
func (f *FIFO) reportTxCredits() {
	if f.metrics == nil {
		return
	}
	f.metrics.TxCredits.WithLabelValues(f.id.String()).Set(float64(f.txCredits))
}

func (f *FIFO) reportPendingDepth() {
	if f.metrics == nil {
		return
	}
	f.metrics.PendingDepth.WithLabelValues(f.id.String()).Set(float64(len(f.pending)))
}

// reportSyncState sets the gauge for the FIFO's current state to 1 and
// every other known state's gauge to 0, so a dashboard can graph
// "time spent in state X" per FIFO without needing a derivative.
func (f *FIFO) reportSyncState() {
	if f.metrics == nil {
		return
	}
	for _, s := range []State{UnsyncedInit, Syncing, UnsyncedBusy, UnsyncedReady, Synced, Unsyncing} {
		v := 0.0
		if s == f.state {
			v = 1
		}
		f.metrics.SyncState.WithLabelValues(f.id.String(), s.String()).Set(v)
	}
}

func (f *FIFO) FifoID() pmp.FifoID { return f.id }
func (f *FIFO) Name() string       { return "pmfifo-" + f.id.String() }
func (f *FIFO) Priority() int      { return 252 }
func (f *FIFO) State() State       { return f.state }

// AddObserver registers obs for sync-state notifications.
func (f *FIFO) AddObserver(obs Observer) { f.observers = append(f.observers, obs) }

// SetRxConsumer rebinds the FIFO's Rx consumer, letting a Transceiver
// attach itself after the FIFO is constructed (the FIFO and its owning
// channel are wired before the per-FIFO facade that sits on top of it).
func (f *FIFO) SetRxConsumer(rc RxConsumer) { f.rxConsumer = rc }

// SetOnComplete rebinds the Tx completion callback, for the same reason
// as SetRxConsumer.
func (f *FIFO) SetOnComplete(fn CompletionFunc) { f.onComplete = fn }

func (f *FIFO) notify() {
	for _, o := range f.observers {
		o.OnStateChanged(f.id, f.state)
	}
}

func (f *FIFO) setState(s State) {
	f.state = s
	f.reportSyncState()
	f.notify()
}

// Run implements sched.Service: it dispatches the pending event bits to
// the Rx, apply-status and Tx handlers, in that order, each doing
// bounded work.
func (f *FIFO) Run(bits uint32) {
	if bits&RxService != 0 {
		f.runRxService()
	}
	if bits&TxApplyStatus != 0 {
		f.runApplyStatus()
	}
	if bits&TxService != 0 {
		f.runTxService()
	}
	f.reportTxCredits()
	f.reportPendingDepth()
}

// kick sets bits on this FIFO's own event source, for internal
// self-scheduling (e.g. arming TX_SERVICE after a credit becomes free).
func (f *FIFO) kick(bits uint32) { f.events.Set(bits) }

func (f *FIFO) nodeFor(msg *telegram.CMessage) *dlist.Node[telegram.CMessage] {
	if msg.Node() == nil {
		msg.BindNode(dlist.NewNode(msg))
	}
	return msg.Node()
}
