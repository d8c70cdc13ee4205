// Package lld declares the abstract boundary to the vendor-supplied
// low-level data link (spec §6), plus the small pieces that live on the
// host side of that boundary: the per-FIFO Tx handle pool, the reserved
// short-command objects, and the tagged LldTxItem that replaces the
// original C library's layout aliasing of CMessage/CPmCommand (Design
// Notes §9). Grounded on ucs_lld_pb.h/ucs_lldpool.h/ucs_pmcmd.h.
package lld

import (
	"fmt"

	"github.com/ucnx/inicstack/internal/pmp"
	"github.com/ucnx/inicstack/internal/telegram"
)

// Driver is the host -> LLD synchronous call surface.
type Driver interface {
	Start(user any) error
	Stop(user any) error
	ResetInic(user any) error
	// TxTransmit hands item to the wire. The LLD owns item until it calls
	// back through Callbacks.TxRelease.
	TxTransmit(item *LldTxItem, user any) error
}

// Callbacks is the LLD -> host synchronous call surface. PMCH implements
// this and registers itself with the Driver at Start time.
type Callbacks interface {
	// RxAllocate returns a fresh Rx CMessage sized for at least size bytes,
	// or (nil, false) if none is available (size > 72 is always refused).
	RxAllocate(size int) (*telegram.CMessage, bool)
	RxFreeUnused(msg *telegram.CMessage)
	RxReceive(msg *telegram.CMessage)
	TxRelease(item *LldTxItem)
}

// WakeFunc is the LLD's "buffer freed, try rx_allocate again" signal,
// armed by a prior failed RxAllocate.
type WakeFunc func()

// ItemKind tags an LldTxItem as carrying a data telegram or a short
// command, replacing the C library's struct-layout aliasing.
type ItemKind int

const (
	KindData ItemKind = iota
	KindCommand
)

// LldTxItem is everything that can cross the Driver.TxTransmit boundary.
type LldTxItem struct {
	Kind    ItemKind
	Data    *telegram.CMessage
	Cmd     *Command
	FifoTag any // opaque FIFO identity, set by the owning PMF for routing tx_release
}

// RawBytes flattens item to the bytes an actual wire would carry: a data
// telegram's PM-header-plus-payload chunks concatenated, or a command's
// fixed buffer trimmed to its own declared PML. Used by trace taps and
// by loopback, which has no real byte stream of its own to read this
// back out of.
func RawBytes(item *LldTxItem) []byte {
	switch item.Kind {
	case KindData:
		chunks := item.Data.GetMemTx()
		n := 0
		for _, c := range chunks {
			n += len(c)
		}
		buf := make([]byte, 0, n)
		for _, c := range chunks {
			buf = append(buf, c...)
		}
		return buf
	case KindCommand:
		buf := item.Cmd.Buf[:]
		if h, err := pmp.Parse(buf); err == nil {
			return buf[:h.PML+2]
		}
		return buf
	default:
		return nil
	}
}

// TxHandle is one of a FIFO's small number of reserved LLD Tx slots.
type TxHandle struct {
	inUse bool
}

func (h *TxHandle) InUse() bool { return h.inUse }

// TxHandlePool is the fixed-size (5, per spec §4.E) pool of data-message Tx
// handles a FIFO owns.
type TxHandlePool struct {
	handles []TxHandle
}

func NewTxHandlePool(n int) *TxHandlePool {
	return &TxHandlePool{handles: make([]TxHandle, n)}
}

func (p *TxHandlePool) Cap() int { return len(p.handles) }

func (p *TxHandlePool) Available() int {
	n := 0
	for i := range p.handles {
		if !p.handles[i].inUse {
			n++
		}
	}
	return n
}

// Acquire checks out one handle, or (nil, false) if all are in use.
func (p *TxHandlePool) Acquire() (*TxHandle, bool) {
	for i := range p.handles {
		if !p.handles[i].inUse {
			p.handles[i].inUse = true
			return &p.handles[i], true
		}
	}
	return nil, false
}

// Release returns h, which must have come from Acquire on this pool.
func (p *TxHandlePool) Release(h *TxHandle) {
	h.inUse = false
}

// CommandKind enumerates the four reserved short-command kinds a FIFO
// pre-embeds, one instance of each.
type CommandKind int

const (
	CmdSync CommandKind = iota
	CmdRequestStatus
	CmdCancel
	CmdStatus
)

func (k CommandKind) String() string {
	switch k {
	case CmdSync:
		return "SYNC"
	case CmdRequestStatus:
		return "REQUEST_STATUS"
	case CmdCancel:
		return "CANCEL"
	case CmdStatus:
		return "STATUS"
	default:
		return fmt.Sprintf("CommandKind(%d)", int(k))
	}
}

const CommandBufSize = 10

// Command is a short, pre-embedded FIFO command object. Only one instance
// of each kind can be in flight at a time per FIFO, enforced by Reserve's
// single-owner acquire.
type Command struct {
	Kind     CommandKind
	Buf      [CommandBufSize]byte
	handle   *TxHandle
	reserved bool
	trigger  bool
}

func NewCommand(kind CommandKind) *Command { return &Command{Kind: kind} }

// Reserve is a single-owner CAS-like acquire: it succeeds only if the
// command is not already reserved.
func (c *Command) Reserve() bool {
	if c.reserved {
		return false
	}
	c.reserved = true
	return true
}

// Release clears the reservation; called from the LLD tx-release path.
func (c *Command) Release() {
	c.reserved = false
	c.trigger = false
	c.handle = nil
}

func (c *Command) IsReserved() bool { return c.reserved }

// SetTrigger arms (or disarms) the command for transmission on the next
// service tick, deferring the actual TxTransmit call.
func (c *Command) SetTrigger(v bool) { c.trigger = v }
func (c *Command) Triggered() bool   { return c.trigger }

func (c *Command) SetHandle(h *TxHandle) { c.handle = h }
func (c *Command) Handle() *TxHandle     { return c.handle }
