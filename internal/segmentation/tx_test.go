package segmentation

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ucnx/inicstack/internal/pool"
	"github.com/ucnx/inicstack/internal/telegram"
)

// segmentAll drives cursor to exhaustion over payload, returning each
// telegram it filled in emission order. Each returned message is a
// standalone pooled CMessage, as a real Transceiver.TxAllocate call would
// hand a Tx service.
func segmentAll(t *testing.T, followerID byte, payload []byte) []*telegram.CMessage {
	t.Helper()
	objs := pool.NewMessageBucket(32, 0)
	cur := NewTxCursor(followerID)
	var out []*telegram.CMessage
	for {
		msg, ok := objs.Alloc()
		require.True(t, ok)
		msg.ReserveHeader(8)
		done := cur.Fill(payload, msg)
		out = append(out, msg)
		assert.Equal(t, followerID, msg.TxOpts.CancelID)
		if done {
			assert.True(t, cur.Done())
			break
		}
		assert.False(t, cur.Done())
	}
	return out
}

func TestFillEmitsSingleTelIdZeroAtOrUnder45Bytes(t *testing.T) {
	for _, n := range []int{0, 1, 44, 45} {
		payload := bytes.Repeat([]byte{0xAB}, n)
		segs := segmentAll(t, 7, payload)
		require.Len(t, segs, 1, "payload of %d bytes must fit in one segment", n)
		assert.Equal(t, telegram.TelSingle, segs[0].Tel.TelID)
		assert.Equal(t, payload, segs[0].PayloadBytes())
	}
}

func TestFillEmitsSizePrefixThenBodyChunksOver45Bytes(t *testing.T) {
	payload := bytes.Repeat([]byte{0xCD}, 46)
	segs := segmentAll(t, 3, payload)
	require.Len(t, segs, 3)

	assert.Equal(t, telegram.TelSizePrefix, segs[0].Tel.TelID)
	assert.Equal(t, []byte{0x00, 0x2E}, segs[0].PayloadBytes())

	assert.Equal(t, telegram.TelFirst, segs[1].Tel.TelID)
	assert.Len(t, segs[1].PayloadBytes(), 44)

	assert.Equal(t, telegram.TelLast, segs[2].Tel.TelID)
	assert.Len(t, segs[2].PayloadBytes(), 2)
}

func TestFillChunksLargePayloadWithIncrementingTelCnt(t *testing.T) {
	payload := bytes.Repeat([]byte{0x11}, 400)
	segs := segmentAll(t, 9, payload)

	require.Equal(t, telegram.TelSizePrefix, segs[0].Tel.TelID)
	var wantCnt byte
	for _, s := range segs[1:] {
		assert.Equal(t, wantCnt, s.Tel.TelCnt)
		wantCnt++
	}
	assert.Equal(t, telegram.TelLast, segs[len(segs)-1].Tel.TelID)
}
