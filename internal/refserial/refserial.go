// Package refserial is a minimal reference LLD over a real UART, the
// concrete lld.Driver a deployment points cmd/inicstackd at when no
// purpose-built transport is available. Spec §1 places LLD hardware I/O
// out of scope, but a working bridge over an actual serial device is
// what turns the rest of the stack into a runnable end-to-end program.
// Grounded on the teacher's serial_port.go (open/write/get1/close over
// github.com/pkg/term) and kissserial.go's one-byte-at-a-time listen
// goroutine, re-targeted from KISS/FEND framing onto Port Message
// framing (internal/pmp) since that is the wire format this stack
// actually speaks.
package refserial

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/term"

	"github.com/ucnx/inicstack/internal/lld"
	"github.com/ucnx/inicstack/internal/pmp"
	"github.com/ucnx/inicstack/internal/trace"
)

// headerProbeLen is the fixed-size prefix (PML, PMHL/ver, FPH, SID,
// ExtType) every PM frame opens with; pmp.Parse needs exactly this many
// bytes to compute the frame's total wire length.
const headerProbeLen = 6

// Driver drives a single serial device as the LLD for one PMCH. Only one
// Start/Stop cycle is supported per instance.
type Driver struct {
	device string
	baud   int

	mu   sync.Mutex
	port *term.Term

	cb   lld.Callbacks
	log  *trace.Logger

	stopCh chan struct{}
	doneCh chan struct{}

	allocWake chan struct{}
}

// New builds a Driver for device at baud (0 leaves the port's current
// speed alone, mirroring serial_port_open), delivering inbound frames
// and Tx-release notifications to cb.
func New(device string, baud int, cb lld.Callbacks, log *trace.Logger) *Driver {
	if log == nil {
		log = trace.Discard()
	}
	return &Driver{
		device:    device,
		baud:      baud,
		cb:        cb,
		log:       log,
		allocWake: make(chan struct{}, 1),
	}
}

// Start opens the serial port in raw mode and launches the read loop.
func (d *Driver) Start(user any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port != nil {
		return nil
	}
	p, err := term.Open(d.device, term.RawMode)
	if err != nil {
		return fmt.Errorf("refserial: opening %s: %w", d.device, err)
	}
	switch d.baud {
	case 0:
		// Leave it alone, per serial_port_open.
	default:
		if err := p.SetSpeed(d.baud); err != nil {
			p.Close()
			return fmt.Errorf("refserial: setting speed %d on %s: %w", d.baud, d.device, err)
		}
	}
	d.port = p
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	go d.readLoop(d.port, d.stopCh, d.doneCh)
	d.log.Info("refserial started", "device", d.device, "baud", d.baud)
	return nil
}

// Stop closes the serial port and waits for the read loop to exit.
func (d *Driver) Stop(user any) error {
	d.mu.Lock()
	port := d.port
	stopCh := d.stopCh
	doneCh := d.doneCh
	d.port = nil
	d.mu.Unlock()
	if port == nil {
		return nil
	}
	close(stopCh)
	err := port.Close()
	<-doneCh
	d.log.Info("refserial stopped", "device", d.device)
	return err
}

// ResetInic is a best-effort no-op: a plain UART has no hardware reset
// line, unlike the GPIO-driven reset the original library assumes. A
// deployment that needs a real reset pulse pairs this driver with an
// out-of-band GPIO toggle of its own; refserial only speaks the wire.
func (d *Driver) ResetInic(user any) error {
	d.log.Warn("refserial has no hardware reset line, ResetInic is a no-op")
	return nil
}

// TxTransmit writes item's wire bytes out synchronously and releases it
// back to the caller immediately afterward, mirroring serial_port_write
// returning as soon as the OS accepts the bytes.
func (d *Driver) TxTransmit(item *lld.LldTxItem, user any) error {
	d.mu.Lock()
	port := d.port
	d.mu.Unlock()
	if port == nil {
		return errors.New("refserial: port not open")
	}

	var chunks [][]byte
	switch item.Kind {
	case lld.KindData:
		chunks = item.Data.GetMemTx()
	case lld.KindCommand:
		n, err := commandWireLen(item.Cmd.Buf[:])
		if err != nil {
			return fmt.Errorf("refserial: malformed command buffer: %w", err)
		}
		chunks = [][]byte{item.Cmd.Buf[:n]}
	}

	for _, c := range chunks {
		if len(c) == 0 {
			continue
		}
		written, err := port.Write(c)
		if written != len(c) || err != nil {
			d.cb.TxRelease(item)
			return fmt.Errorf("refserial: short write to %s (%d/%d): %w", d.device, written, len(c), err)
		}
	}
	d.cb.TxRelease(item)
	return nil
}

// commandWireLen returns the total header+body length a reserved
// command buffer carries, as declared by its own PM header.
func commandWireLen(buf []byte) (int, error) {
	h, err := pmp.Parse(buf)
	if err != nil {
		return 0, err
	}
	return h.PML + 2, nil
}

// scanForHeader is the pure core of readLoop's byte-at-a-time framing:
// given the bytes accumulated so far, it reports whether probe now
// holds a structurally valid PM header (at least headerProbeLen bytes,
// parseable, and declaring a total length that covers at least the
// header itself). When it isn't yet, or the bytes don't parse, it
// returns the probe with its oldest byte dropped so the caller resumes
// scanning one byte further in — the resync strategy a byte-oriented
// link needs after noise or a dropped byte.
func scanForHeader(probe []byte) (pmp.Header, bool, []byte) {
	if len(probe) < headerProbeLen {
		return pmp.Header{}, false, probe
	}
	h, err := pmp.Parse(probe)
	if err != nil || h.PML+2 < headerProbeLen {
		return pmp.Header{}, false, probe[1:]
	}
	return h, true, probe
}

// Wake matches lld.WakeFunc: pmchannel.Channel calls this once a
// previously-exhausted Rx pool frees a slot, unblocking readLoop's
// retry of a stalled allocation.
func (d *Driver) Wake() {
	select {
	case d.allocWake <- struct{}{}:
	default:
	}
}

// readLoop reads one byte at a time off port (serial_port_get1's shape),
// scanning for a valid PM header, then reading the rest of the frame
// once the header declares its total length. A header that fails to
// parse drops its leading byte and keeps scanning, the recovery strategy
// a byte-oriented link needs after a framing error.
func (d *Driver) readLoop(port *term.Term, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	var probe []byte
	one := make([]byte, 1)

	readByte := func() (byte, bool) {
		for {
			select {
			case <-stopCh:
				return 0, false
			default:
			}
			n, err := port.Read(one)
			if n == 1 {
				return one[0], true
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return 0, false
				}
				d.log.Warn("refserial read error, closing", "err", err)
				return 0, false
			}
		}
	}

	for {
		b, ok := readByte()
		if !ok {
			return
		}
		probe = append(probe, b)
		h, synced, next := scanForHeader(probe)
		probe = next
		if !synced {
			continue
		}
		total := h.PML + 2

		msg, ok := d.cb.RxAllocate(total)
		if !ok {
			d.waitForWake(stopCh)
			msg, ok = d.cb.RxAllocate(total)
			if !ok {
				d.log.Warn("refserial dropping frame, rx pool still exhausted after wake", "size", total)
				if !d.drain(readByte, total-len(probe)) {
					return
				}
				probe = probe[:0]
				continue
			}
		}

		buf := msg.RxBuffer()
		copy(buf, probe)
		n := len(probe)
		for n < total {
			b, got := readByte()
			if !got {
				d.cb.RxFreeUnused(msg)
				return
			}
			buf[n] = b
			n++
		}
		msg.SetRxLen(total)
		if err := pmp.VerifyHeader(msg.RxBytes(), total, true); err != nil {
			d.log.Warn("refserial dropping malformed frame", "err", err)
			d.cb.RxFreeUnused(msg)
		} else {
			d.cb.RxReceive(msg)
		}
		probe = probe[:0]
	}
}

// waitForWake blocks until either a wake signal or stop is observed,
// letting the OS-level serial buffer absorb bytes while the Rx pool is
// exhausted.
func (d *Driver) waitForWake(stopCh chan struct{}) {
	select {
	case <-d.allocWake:
	case <-stopCh:
	}
}

// drain reads and discards n more bytes to keep the byte stream framed
// after a frame had to be dropped for lack of an Rx buffer.
func (d *Driver) drain(readByte func() (byte, bool), n int) bool {
	for i := 0; i < n; i++ {
		if _, ok := readByte(); !ok {
			return false
		}
	}
	return true
}

var _ lld.Driver = (*Driver)(nil)
