// Package fifogroup implements component G: the joint sync/unsync
// coordinator over a channel's three Port Message FIFOs (MCM, ICM, RCM).
// It drives each FIFO's handshake in parallel under a shared retry
// budget and publishes SYNC_ESTABLISHED/SYNC_FAILED/SYNC_LOST on a typed
// event bus. Grounded on ucs_pmfifos.c/.h, generalized per Design Notes
// §9 from the teacher's single-observer callback pointer pairs to a
// small multi-subscriber listener list (the shape tmux/log-following
// event buses in the pack use for fan-out).
package fifogroup

import (
	"time"

	"github.com/ucnx/inicstack/internal/pmfifo"
	"github.com/ucnx/inicstack/internal/pmp"
	"github.com/ucnx/inicstack/internal/sched"
	"github.com/ucnx/inicstack/internal/trace"
)

// Event is one of the three outcomes the group publishes.
type Event int

const (
	SyncEstablished Event = iota
	SyncFailed
	SyncLost
)

func (e Event) String() string {
	switch e {
	case SyncEstablished:
		return "SYNC_ESTABLISHED"
	case SyncFailed:
		return "SYNC_FAILED"
	case SyncLost:
		return "SYNC_LOST"
	default:
		return "UNKNOWN"
	}
}

// Listener receives every published Event, in order.
type Listener func(Event)

const (
	defaultSyncAttemptTimeout = 50 * time.Millisecond
	defaultSyncMaxRetries     = 40
	defaultUnsyncTimeout      = 200 * time.Millisecond
	defaultUnsyncMaxRetries   = 0
)

type member struct {
	fifo       *pmfifo.FIFO
	state      pmfifo.State
	everSynced bool
}

// Config bundles a Group's construction-time dependencies. Zero-value
// timeout/retry fields fall back to spec defaults.
type Config struct {
	Fifos     []*pmfifo.FIFO
	Params    map[pmp.FifoID]pmfifo.SyncParams
	Scheduler *sched.Scheduler

	SyncAttemptTimeout time.Duration
	SyncMaxRetries     int

	UnsyncAttemptTimeout time.Duration
	UnsyncMaxRetries     int

	Log *trace.Logger
}

// Group coordinates the three FIFOs of one channel through a shared
// sync/unsync lifecycle.
type Group struct {
	members []*member
	byID    map[pmp.FifoID]*member
	params  map[pmp.FifoID]pmfifo.SyncParams
	sc      *sched.Scheduler

	syncTimeout time.Duration
	syncRetries int
	attempt     int
	inFlight    bool
	timerID     sched.TimerID

	unsyncTimeout time.Duration
	unsyncRetries int
	unsyncAttempt int
	teardown      bool // true while an intentional unsync is in flight; suppresses SYNC_LOST

	established bool
	listeners   []Listener

	log *trace.Logger
}

// New builds a Group over cfg.Fifos, registering itself as an Observer
// on each one.
func New(cfg Config) *Group {
	log := cfg.Log
	if log == nil {
		log = trace.Discard()
	}
	syncTimeout := cfg.SyncAttemptTimeout
	if syncTimeout == 0 {
		syncTimeout = defaultSyncAttemptTimeout
	}
	syncRetries := cfg.SyncMaxRetries
	if syncRetries == 0 {
		syncRetries = defaultSyncMaxRetries
	}
	unsyncTimeout := cfg.UnsyncAttemptTimeout
	if unsyncTimeout == 0 {
		unsyncTimeout = defaultUnsyncTimeout
	}

	g := &Group{
		byID:          make(map[pmp.FifoID]*member),
		params:        cfg.Params,
		sc:            cfg.Scheduler,
		syncTimeout:   syncTimeout,
		syncRetries:   syncRetries,
		unsyncTimeout: unsyncTimeout,
		unsyncRetries: cfg.UnsyncMaxRetries,
		log:           log,
	}
	for _, f := range cfg.Fifos {
		m := &member{fifo: f, state: f.State()}
		g.members = append(g.members, m)
		g.byID[f.FifoID()] = m
		f.AddObserver(g)
	}
	return g
}

// AddListener registers fn to receive published events.
func (g *Group) AddListener(fn Listener) { g.listeners = append(g.listeners, fn) }

func (g *Group) publish(e Event) {
	for _, l := range g.listeners {
		l(e)
	}
}

func (g *Group) allSynced() bool {
	for _, m := range g.members {
		if m.state != pmfifo.Synced {
			return false
		}
	}
	return true
}

// Synchronize arms every not-yet-SYNCED FIFO in parallel and starts the
// attempt-retry budget. force restarts the attempt counter even if one
// is already in flight; resetCnt is threaded through for a future boot
// generation tag but does not otherwise affect this handshake.
func (g *Group) Synchronize(resetCnt int, force bool) {
	_ = resetCnt
	if g.inFlight && !force {
		return
	}
	g.teardown = false
	g.inFlight = true
	g.established = false
	g.attempt = 0
	g.armSyncAttempt()
}

func (g *Group) armSyncAttempt() {
	g.attempt++
	for _, m := range g.members {
		if m.state == pmfifo.Synced {
			continue
		}
		m.fifo.Synchronize(g.params[m.fifo.FifoID()])
	}
	g.timerID = g.sc.Timers.After(time.Now(), g.syncTimeout, g.onSyncAttemptTimeout)
}

func (g *Group) onSyncAttemptTimeout() {
	if !g.inFlight {
		return
	}
	if g.allSynced() {
		// OnStateChanged already finalized SYNC_ESTABLISHED and cleared
		// inFlight; a stale timer firing after that is a no-op.
		return
	}
	if g.attempt >= g.syncRetries {
		g.inFlight = false
		g.log.Warn("fifo group sync retry budget exhausted", "attempts", g.attempt)
		g.publish(SyncFailed)
		return
	}
	g.armSyncAttempt()
}

// Unsynchronize arms every FIFO's unsync handshake in parallel under a
// shorter, by-default-zero-retry budget. initial additionally signals
// the caller (via the channel it owns) to tear the underlying LLD
// session down once the FIFOs report UNSYNCED_INIT; fifogroup itself
// only tracks FIFO state, so it leaves acting on initial to the caller
// polling IsUnsynced after the budget below completes.
func (g *Group) Unsynchronize(initial bool) {
	_ = initial
	g.inFlight = false
	g.teardown = true
	g.unsyncAttempt = 0
	g.armUnsyncAttempt()
}

func (g *Group) armUnsyncAttempt() {
	g.unsyncAttempt++
	for _, m := range g.members {
		m.fifo.Unsynchronize()
	}
	g.sc.Timers.After(time.Now(), g.unsyncTimeout, g.onUnsyncAttemptTimeout)
}

func (g *Group) onUnsyncAttemptTimeout() {
	if !g.teardown {
		return
	}
	if g.IsUnsynced() {
		g.teardown = false
		return
	}
	if g.unsyncAttempt > g.unsyncRetries {
		g.teardown = false
		g.log.Warn("fifo group unsync retry budget exhausted")
		return
	}
	g.armUnsyncAttempt()
}

// IsUnsynced reports whether every FIFO has reached UNSYNCED_INIT.
func (g *Group) IsUnsynced() bool {
	for _, m := range g.members {
		if m.state != pmfifo.UnsyncedInit {
			return false
		}
	}
	return true
}

// OnStateChanged implements pmfifo.Observer: it tracks each FIFO's
// state, finalizes an in-flight Synchronize the moment all three reach
// SYNCED, and publishes SYNC_LOST the moment any FIFO that was ever
// SYNCED reverts to a non-SYNCED state outside of an intentional
// teardown.
func (g *Group) OnStateChanged(fifo pmp.FifoID, state pmfifo.State) {
	m, ok := g.byID[fifo]
	if !ok {
		return
	}
	prev := m.state
	m.state = state

	if state == pmfifo.Synced {
		m.everSynced = true
	} else if prev == pmfifo.Synced && !g.teardown {
		g.log.Warn("fifo reverted out of SYNCED", "fifo", fifo, "state", state)
		g.established = false
		g.publish(SyncLost)
	}

	if g.inFlight && g.allSynced() {
		g.inFlight = false
		g.established = true
		if g.timerID != 0 {
			g.sc.Timers.Cancel(g.timerID)
			g.timerID = 0
		}
		g.publish(SyncEstablished)
	}
}
