// Command inicstack-trace is an offline decoder for the capture files
// internal/trace.CaptureSink writes: one PM frame per line, timestamped
// and hex-encoded. Grounded on the teacher's decode_aprs_main.go (read
// lines from a file or stdin, decode each, print a human-readable
// explanation) and re-targeted from AX.25/APRS text onto this stack's
// own PM/telegram wire format.
package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/ucnx/inicstack/internal/pmp"
	"github.com/ucnx/inicstack/internal/telegram"
)

func main() {
	path := pflag.StringP("file", "f", "", "capture file to decode (default: stdin)")
	help := pflag.BoolP("help", "h", false, "display help text")
	pflag.Parse()

	if *help {
		fmt.Fprintln(os.Stderr, "usage: inicstack-trace [-f capture-file]")
		pflag.PrintDefaults()
		return
	}

	in := io.Reader(os.Stdin)
	if *path != "" {
		f, err := os.Open(*path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "inicstack-trace: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	scanner := bufio.NewScanner(in)
	n := 0
	for scanner.Scan() {
		n++
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := decodeLine(n, line); err != nil {
			fmt.Printf("%4d: %s\n      error: %v\n", n, line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "inicstack-trace: reading input: %v\n", err)
		os.Exit(1)
	}
}

// decodeLine parses one CaptureSink line — "<rfc3339nano> <dir> <fifo>
// <hex>" — and prints the PM header plus, for a data frame, the
// decoded telegram header.
func decodeLine(n int, line string) error {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return fmt.Errorf("expected 4 fields (ts dir fifo hex), got %d", len(fields))
	}
	ts, dir, capturedFifo, hexBytes := fields[0], fields[1], fields[2], fields[3]

	raw, err := hex.DecodeString(hexBytes)
	if err != nil {
		return fmt.Errorf("bad hex payload: %w", err)
	}
	if err := pmp.VerifyHeader(raw, len(raw), dir == "rx"); err != nil {
		fmt.Printf("%4d: %s %-3s %-3s (%d bytes) MALFORMED: %v\n", n, ts, dir, capturedFifo, len(raw), err)
		fmt.Printf("      raw: %s\n", hexBytes)
		return nil
	}
	hdr, err := pmp.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing header: %w", err)
	}

	fmt.Printf("%4d: %s %-3s %-3s fifo=%s type=%s dir=%s sid=%d ext={%d,%d} pml=%d pmhl=%d\n",
		n, ts, dir, capturedFifo, hdr.Fifo, msgTypeName(hdr.MsgType), dirName(hdr.Dir), hdr.SID,
		hdr.Ext.Type, hdr.Ext.Code, hdr.PML, hdr.PMHL)

	payload := raw[hdr.PayloadOffset():]
	if len(payload) > 0 {
		fmt.Printf("      payload: %s\n", hex.EncodeToString(payload))
	}

	if hdr.MsgType == pmp.MsgData {
		decodeTelegram(hdr, payload)
	}
	return nil
}

// decodeTelegram attempts each known dialect in turn, since a capture
// line carries no out-of-band content-type; PMHeaderSize lets us at
// least narrow to dialects whose PM header size matches the PMHL this
// frame declared.
func decodeTelegram(hdr pmp.Header, payload []byte) {
	for ct, d := range telegram.Dialects() {
		if d.PMHeaderSize() != hdr.PMHL || len(payload) < d.MsgHeaderSize() {
			continue
		}
		m := &telegram.CMessage{}
		if err := d.Decode(m, payload); err != nil {
			continue
		}
		fmt.Printf("      telegram(%#02x): src=0x%04x dest=0x%04x fblock=%d inst=%d func=0x%04x tel=%d/%d len=%d\n",
			byte(ct), m.Src, m.Dest, m.MsgID.FBlockID, m.MsgID.InstID, m.MsgID.FunctionID,
			m.Tel.TelID, m.Tel.TelCnt, m.Tel.TelLen)
		return
	}
}

func msgTypeName(t pmp.MsgType) string {
	switch t {
	case pmp.MsgCmd:
		return "CMD"
	case pmp.MsgStatus:
		return "STATUS"
	case pmp.MsgData:
		return "DATA"
	default:
		return "MsgType(" + strconv.Itoa(int(t)) + ")"
	}
}

func dirName(d pmp.Direction) string {
	if d == pmp.DirTx {
		return "tx"
	}
	return "rx"
}
