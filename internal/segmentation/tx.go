// Package segmentation implements component J: Tx fragmentation of an
// application payload into TelId-tagged telegrams, Rx reassembly back
// into a whole payload via a per-{source,msg_id} reassembly list, and the
// periodic mark-and-sweep GC that reaps stalled reassemblies. Grounded on
// ucs_ams_tx.c/ucs_ams_rx.c's TelId state machine and ucs_ams_sys.c's
// reassembly garbage collector.
package segmentation

import (
	"encoding/binary"

	"github.com/ucnx/inicstack/internal/telegram"
)

// bodyMax is the largest number of payload bytes a TelId 1/2/3 body
// segment carries; spec §4.J names 44, one less than MaxPayload so the
// TelId 4 size-prefix segment's own 2-byte header still fits within a
// single telegram when it is the first (and, for small payloads, only)
// segment sent.
const bodyMax = telegram.MaxPayload - 1

// TxCursor is the per-AppMsg Tx-segmentation progress AMS carries
// alongside a TxAppMsg: the cancel/follower id every segment shares, and
// how far through the payload Fill has gotten. Zero value is not usable;
// build one with NewTxCursor.
type TxCursor struct {
	FollowerID byte

	firstCallDone bool
	offset        int
	segCnt        byte
	done          bool
}

// NewTxCursor starts a cursor for one AppMsg, tagging every segment it
// produces with followerID as both TxOptions.CancelID (so a mid-segment
// FIFO failure cancels the whole AppMsg, spec §4.J) and the wire
// cancel/follower correlation id.
func NewTxCursor(followerID byte) *TxCursor {
	return &TxCursor{FollowerID: followerID}
}

// Fill writes the next segment of payload into msg, which must already
// have its header reserved by the owning Transceiver's TxAllocate. It
// returns done=true once payload has been fully placed into telegrams
// emitted across one or more Fill calls.
func (c *TxCursor) Fill(payload []byte, msg *telegram.CMessage) bool {
	msg.TxOpts.CancelID = c.FollowerID

	if !c.firstCallDone {
		c.firstCallDone = true
		if len(payload) <= telegram.MaxPayload {
			msg.Tel.TelID = telegram.TelSingle
			msg.Tel.TelCnt = 0
			_ = msg.SetPayload(payload)
			c.offset = len(payload)
			c.done = true
			return true
		}
		msg.Tel.TelID = telegram.TelSizePrefix
		msg.Tel.TelCnt = 0
		var hdr [2]byte
		binary.BigEndian.PutUint16(hdr[:], uint16(len(payload)))
		_ = msg.SetPayload(hdr[:])
		return false
	}

	remaining := len(payload) - c.offset
	n := remaining
	if n > bodyMax {
		n = bodyMax
	}
	last := c.offset+n >= len(payload)

	switch {
	case c.segCnt == 0:
		msg.Tel.TelID = telegram.TelFirst
	case last:
		msg.Tel.TelID = telegram.TelLast
	default:
		msg.Tel.TelID = telegram.TelMiddle
	}
	msg.Tel.TelCnt = c.segCnt
	_ = msg.SetPayload(payload[c.offset : c.offset+n])
	c.offset += n
	c.segCnt++
	c.done = last
	return last
}

// Done reports whether the most recent Fill call emitted the last
// segment of this AppMsg's payload.
func (c *TxCursor) Done() bool { return c.done }

// NextSegCnt returns the TelCnt the next Fill call will stamp onto a body
// segment (0 before any body segment has been sent, i.e. while the TelId 4
// size prefix is still the only segment emitted). AMS's completion logic
// uses this to decide whether a failed segment was the last one actually
// transmitted (ucs_amsmessage.c's Amsg_TxUpdateResult).
func (c *TxCursor) NextSegCnt() byte { return c.segCnt }
