package refserial

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ucnx/inicstack/internal/pmp"
)

func buildFrame(t *testing.T, fifo pmp.FifoID, sid byte, body []byte) []byte {
	t.Helper()
	h := pmp.Header{PMHL: 3, Fifo: fifo, MsgType: pmp.MsgData, Dir: pmp.DirRx, SID: sid}
	buf := make([]byte, 6+len(body))
	n, err := pmp.Build(buf, h)
	require.NoError(t, err)
	copy(buf[n:], body)
	// Build doesn't know about the body spec hasn't told it to include,
	// so stamp PML by hand the way a real peer would: PMHL+1+len(body).
	buf[1] = byte(h.PMHL + 1 + len(body))
	return buf
}

func TestScanForHeaderNeedsFullProbe(t *testing.T) {
	frame := buildFrame(t, pmp.FifoMCM, 7, []byte{0x01, 0x02})
	var probe []byte
	for i := 0; i < headerProbeLen-1; i++ {
		probe = append(probe, frame[i])
		_, synced, next := scanForHeader(probe)
		assert.False(t, synced)
		assert.Equal(t, probe, next)
	}
}

func TestScanForHeaderSyncsOnceHeaderComplete(t *testing.T) {
	frame := buildFrame(t, pmp.FifoRCM, 3, []byte{0xAA, 0xBB, 0xCC})
	probe := append([]byte(nil), frame[:headerProbeLen]...)
	h, synced, next := scanForHeader(probe)
	require.True(t, synced)
	assert.Equal(t, probe, next)
	assert.Equal(t, pmp.FifoRCM, h.Fifo)
	assert.Equal(t, byte(3), h.SID)
	assert.Equal(t, len(frame), h.PML+2)
}

func TestScanForHeaderResyncsPastGarbageByte(t *testing.T) {
	frame := buildFrame(t, pmp.FifoICM, 9, []byte{0x01})
	garbage := append([]byte{0xFF}, frame...)
	var probe []byte
	var synced bool
	var h pmp.Header
	for _, b := range garbage {
		probe = append(probe, b)
		h, synced, probe = scanForHeader(probe)
		if synced {
			break
		}
	}
	require.True(t, synced, "must eventually resync past the leading garbage byte")
	assert.Equal(t, pmp.FifoICM, h.Fifo)
	assert.Equal(t, byte(9), h.SID)
}

func TestCommandWireLenReadsPMLFromHeader(t *testing.T) {
	var buf [10]byte
	h := pmp.Header{PMHL: 3, Fifo: pmp.FifoMCM, MsgType: pmp.MsgCmd, Dir: pmp.DirTx, SID: 1}
	n, err := pmp.Build(buf[:], h)
	require.NoError(t, err)
	body := []byte{0x01, 0x02, 0x03, 0x04}
	copy(buf[n:], body)
	buf[1] = byte(h.PMHL + 1 + len(body))

	wireLen, err := commandWireLen(buf[:])
	require.NoError(t, err)
	assert.Equal(t, n+len(body), wireLen)
}

func TestCommandWireLenRejectsMalformedHeader(t *testing.T) {
	buf := make([]byte, 10)
	buf[2] = 0xFF // bogus version nibble
	_, err := commandWireLen(buf)
	assert.Error(t, err)
}
