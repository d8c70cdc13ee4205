// Package ams implements component K: the public Tx/Rx switchboard sitting
// above two transceivers (MCM and RCM). It segments outbound Application
// Messages across one of them, picked by a pluggable predicate, reassembles
// inbound ones via the shared internal/segmentation package, and aggregates
// per-segment transmission status into one terminal result per AppMsg.
// Grounded on ucs_ams.c/.h and ucs_amsmessage.c/.h.
package ams

import (
	"github.com/rs/xid"

	"github.com/ucnx/inicstack/internal/dlist"
	"github.com/ucnx/inicstack/internal/fifogroup"
	"github.com/ucnx/inicstack/internal/pool"
	"github.com/ucnx/inicstack/internal/sched"
	"github.com/ucnx/inicstack/internal/segmentation"
	"github.com/ucnx/inicstack/internal/telegram"
	"github.com/ucnx/inicstack/internal/trace"
	"github.com/ucnx/inicstack/internal/transceiver"
)

// Event bits this service's EventSource reacts to.
const (
	TxService uint32 = 1 << 0
	RxService uint32 = 1 << 1
)

// IsRcmFunc decides, per outbound AppMsg, whether it travels over the RCM
// transceiver (true) or the MCM one (false).
type IsRcmFunc func(msg *TxMsg) bool

// Config bundles an AMS instance's construction-time dependencies.
type Config struct {
	TrcvMCM *transceiver.Transceiver
	TrcvRCM *transceiver.Transceiver
	IsRcm   IsRcmFunc // nil defaults to "always RCM", per spec §4.K

	RxObjects    *pool.Bucket[telegram.CMessage]
	Segmentation segmentation.Config
	RxComplete   RxCompleteFunc

	// Group, if set, lets AMS subscribe to fifogroup's SYNC_LOST event and
	// run Cleanup automatically (spec §1's RSM sync-loss signalling).
	Group *fifogroup.Group

	Metrics *trace.Metrics
	Log     *trace.Logger
}

// AMS is the switchboard: one shared Rx reassembler, two Tx-capable
// transceivers, a Tx AppMsg queue and an Rx waiting queue for telegrams
// that arrived while the Rx pool was starved.
type AMS struct {
	trcvMCM *transceiver.Transceiver
	trcvRCM *transceiver.Transceiver
	isRcm   IsRcmFunc

	reassembler *segmentation.Reassembler

	txQueue        dlist.List[TxMsg]
	nextFollowerID byte

	rxWaiting  []rxWaitEntry
	rxComplete RxCompleteFunc

	syncLostListeners []func()

	events *sched.EventSource
	sc     *sched.Scheduler

	metrics *trace.Metrics
	log     *trace.Logger
}

// RxCompleteFunc receives every completed inbound AppMsg. The application
// must call Release on it exactly once.
type RxCompleteFunc func(msg *RxMsg)

// New builds an AMS instance, registers it with sc, and attaches itself as
// both transceivers' Rx consumer.
func New(cfg Config, sc *sched.Scheduler) *AMS {
	log := cfg.Log
	if log == nil {
		log = trace.Discard()
	}
	segCfg := cfg.Segmentation
	segCfg.RxObjects = cfg.RxObjects
	segCfg.Metrics = cfg.Metrics
	segCfg.Log = log
	reassembler := segmentation.NewReassembler(segCfg, sc)

	isRcm := cfg.IsRcm
	if isRcm == nil {
		isRcm = func(*TxMsg) bool { return true }
	}

	a := &AMS{
		trcvMCM:        cfg.TrcvMCM,
		trcvRCM:        cfg.TrcvRCM,
		isRcm:          isRcm,
		reassembler:    reassembler,
		nextFollowerID: 1,
		rxComplete:     cfg.RxComplete,
		events:         &sched.EventSource{},
		sc:             sc,
		metrics:        cfg.Metrics,
		log:            log,
	}
	reassembler.OnTimeout(a.onReassemblyTimeout)
	reassembler.OnError(a.onReassemblyError)
	cfg.RxObjects.OnFreed(a.kickRx)

	cfg.TrcvMCM.SetConsumer(a)
	if cfg.TrcvRCM != nil {
		cfg.TrcvRCM.SetConsumer(a)
	}
	sc.Register(a, a.events)

	if cfg.Group != nil {
		cfg.Group.AddListener(a.onGroupEvent)
	}

	return a
}

func (a *AMS) Name() string  { return "ams" }
func (a *AMS) Priority() int { return 253 }

func (a *AMS) kick(bits uint32)  { a.events.Set(bits) }
func (a *AMS) kickRx()           { a.kick(RxService) }

func (a *AMS) onGroupEvent(e fifogroup.Event) {
	if e == fifogroup.SyncLost {
		a.Cleanup()
		for _, fn := range a.syncLostListeners {
			fn()
		}
	}
}

// OnSyncLost registers fn to run after AMS has finished tearing down its
// own Tx/Rx state in response to a fifogroup SYNC_LOST event, restoring
// ucs_rsm.c's Rsm_Service session teardown as a subscribable subject
// (Design Notes §9's "observer subjects become broadcast listeners").
// A resource-manager layer above AMS uses this to tear its own sessions
// down in turn.
func (a *AMS) OnSyncLost(fn func()) { a.syncLostListeners = append(a.syncLostListeners, fn) }

// Run implements sched.Service.
func (a *AMS) Run(bits uint32) {
	if bits&TxService != 0 {
		a.runTxService()
	}
	if bits&RxService != 0 {
		a.runRxWaiting()
	}
}

func (a *AMS) reportTxQueueDepth() {
	if a.metrics == nil {
		return
	}
	a.metrics.AmsTxQueue.Set(float64(a.txQueue.Len()))
}

func (a *AMS) reportRxWaitingDepth() {
	if a.metrics == nil {
		return
	}
	a.metrics.AmsRxWaiting.Set(float64(len(a.rxWaiting)))
}

// nextFollowerId returns the next follower id to stamp onto a segmented
// message, wrapping past zero (0 means "unsegmented / no follower").
func (a *AMS) nextFollowerId() byte {
	id := a.nextFollowerID
	a.nextFollowerID++
	if a.nextFollowerID == 0 {
		a.nextFollowerID = 1
	}
	return id
}

// IsValidTxAddress implements spec §4.K's address policy: a reserved
// destination is always rejected; a broadcast destination is accepted only
// for payloads that fit in a single, unsegmented telegram.
func IsValidTxAddress(dest uint16, payloadLen int) bool {
	if dest <= telegram.AddrReservedMax {
		return false
	}
	if telegram.IsBroadcast(dest) && payloadLen > telegram.MaxPayload {
		return false
	}
	return true
}

// newTraceID stamps a fresh per-AppMsg correlation id for structured
// logging across the Tx/segmentation/completion path.
func newTraceID() string { return xid.New().String() }
