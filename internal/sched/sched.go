// Package sched implements the single-threaded cooperative scheduler spec
// §5 requires: a priority-ordered rotation of services, each driven purely
// by event bits plus bounded per-tick work, and a timer wheel polled
// in-line from the same loop. No goroutine, lock, or blocking call lives
// inside a Service.Run; the only place state crosses a goroutine boundary
// is EventSource.Set, which an LLD callback running on a foreign goroutine
// may call (spec §5's "the only concurrent actor is the LLD").
//
// No teacher file owns this directly: the teacher (tq.go) uses OS threads
// and sync.Cond wakeups where this spec calls for cooperative scheduling
// instead (Design Notes §9), so this package is original to this module,
// built in the idiom of the teacher's event-driven wakeup but without
// threads.
package sched

import (
	"sort"
	"sync"
	"time"
)

// EventSource is a set of event bits a Service reacts to. Set may be
// called from any goroutine (the LLD boundary); TakeAll and Pending are
// called only from the scheduler's single goroutine.
type EventSource struct {
	mu   sync.Mutex
	bits uint32
}

// Set ORs bits into the pending set. Safe to call from a foreign context.
func (e *EventSource) Set(bits uint32) {
	e.mu.Lock()
	e.bits |= bits
	e.mu.Unlock()
}

// TakeAll atomically reads and clears every pending bit.
func (e *EventSource) TakeAll() uint32 {
	e.mu.Lock()
	b := e.bits
	e.bits = 0
	e.mu.Unlock()
	return b
}

// Pending reports whether any bit is set, without clearing it.
func (e *EventSource) Pending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bits != 0
}

// Service is one cooperatively-scheduled participant. Run must do bounded
// work for the given bits and return promptly; a long queue must be
// serviced across several ticks rather than drained in one call.
type Service interface {
	Name() string
	// Priority orders services within a Scheduler; higher runs first.
	// Matches spec §5's table (AMS=253, PMF=252, RSM=250, ...).
	Priority() int
	Run(bits uint32)
}

type registered struct {
	svc    Service
	events *EventSource
}

// Scheduler rotates through its registered services in descending Priority
// order, running each that has pending event bits, and polls the timer
// wheel once per Tick.
type Scheduler struct {
	services []registered
	Timers   *TimerWheel
}

// New returns an empty Scheduler with its own TimerWheel.
func New() *Scheduler {
	return &Scheduler{Timers: NewTimerWheel()}
}

// Register adds svc, driven by events, to the rotation and re-sorts by
// priority. Registration happens at setup time, not in the hot path.
func (s *Scheduler) Register(svc Service, events *EventSource) {
	s.services = append(s.services, registered{svc: svc, events: events})
	sort.SliceStable(s.services, func(i, j int) bool {
		return s.services[i].svc.Priority() > s.services[j].svc.Priority()
	})
}

// Tick polls timers (which may themselves Set event bits) and then runs
// every service that has pending bits, in priority order.
func (s *Scheduler) Tick(now time.Time) {
	s.Timers.Poll(now)
	for _, r := range s.services {
		if bits := r.events.TakeAll(); bits != 0 {
			r.svc.Run(bits)
		}
	}
}

// Services exposes the registered services in priority order, for
// diagnostics/tests.
func (s *Scheduler) Services() []Service {
	out := make([]Service, len(s.services))
	for i, r := range s.services {
		out[i] = r.svc
	}
	return out
}
