package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketReservedSlotWithheldFromAlloc(t *testing.T) {
	b := NewBucket(3, 1, func(i *int) { *i = 0 })
	a, ok := b.Alloc()
	require.True(t, ok)
	c, ok := b.Alloc()
	require.True(t, ok)
	_, ok = b.Alloc()
	assert.False(t, ok, "third Alloc must be refused: only 1 slot left and it's reserved")

	r, ok := b.AllocReserved()
	require.True(t, ok, "AllocReserved must still reach the withheld slot")

	b.Free(a)
	b.Free(c)
	b.Free(r)
	assert.Equal(t, 3, b.Available())
}

func TestBucketOnFreedNotifies(t *testing.T) {
	b := NewBucket(1, 0, func(i *int) {})
	item, ok := b.Alloc()
	require.True(t, ok)

	var notified int
	b.OnFreed(func() { notified++ })
	b.Free(item)
	assert.Equal(t, 1, notified)
}

func TestStaticPoolDefaultConfig(t *testing.T) {
	sp := NewStaticPool(DefaultConfig())
	assert.Equal(t, 20, sp.TxObjects.Cap())
	assert.Equal(t, 20, sp.RxObjects.Cap())
	assert.Equal(t, 19, sp.RxObjects.Available(), "one reserved slot withheld")

	m, ok := sp.RxObjects.Alloc()
	require.True(t, ok)
	m.Release()
	assert.Equal(t, 19, sp.RxObjects.Available())
}

func TestPayloadBufSetAndReset(t *testing.T) {
	b := NewPayloadBucket(1, 0, 8)
	p, ok := b.Alloc()
	require.True(t, ok)
	p.Set([]byte("hello"))
	assert.Equal(t, "hello", string(p.Bytes()))
	p.Reset()
	assert.Equal(t, 0, p.Len())
}
