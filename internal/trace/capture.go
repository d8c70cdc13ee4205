package trace

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/lestrrat-go/strftime"
)

// CaptureSink writes raw PM frames to a rolling, strftime-named file —
// the teacher's log.go opens a fresh "YYYYMMDD-HHMMSS.dw" capture file
// per run; this generalizes that to a configurable pattern so
// cmd/inicstack-trace and test harnesses can point it at a fixed name.
type CaptureSink struct {
	mu         sync.Mutex
	pattern    *strftime.Strftime
	cur        string
	f          *os.File
}

// NewCaptureSink compiles pathPattern (a strftime format string, e.g.
// "capture-%Y%m%d-%H%M%S.pmlog") for later use by Write.
func NewCaptureSink(pathPattern string) (*CaptureSink, error) {
	p, err := strftime.New(pathPattern)
	if err != nil {
		return nil, fmt.Errorf("trace: invalid capture pattern: %w", err)
	}
	return &CaptureSink{pattern: p}, nil
}

// Write appends one captured frame, tagged with direction ("tx"/"rx")
// and fifo name, rolling to a new file if the pattern now resolves to a
// different name than the currently open one.
func (c *CaptureSink) Write(now time.Time, direction, fifo string, raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.pattern.FormatString(now)
	if path != c.cur || c.f == nil {
		if c.f != nil {
			c.f.Close()
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("trace: opening capture file %s: %w", path, err)
		}
		c.f, c.cur = f, path
	}

	var line bytes.Buffer
	fmt.Fprintf(&line, "%s %-3s %-3s %s\n", now.Format(time.RFC3339Nano), direction, fifo, hex.EncodeToString(raw))
	_, err := c.f.Write(line.Bytes())
	return err
}

// Close closes the currently open capture file, if any.
func (c *CaptureSink) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	return err
}
