package dlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct {
	id int
}

func TestListPushPopOrder(t *testing.T) {
	var l List[widget]
	a := NewNode(&widget{id: 1})
	b := NewNode(&widget{id: 2})
	c := NewNode(&widget{id: 3})

	l.PushBack(a)
	l.PushBack(b)
	l.PushFront(c)

	assert.Equal(t, 3, l.Len())
	assert.Equal(t, 3, l.Front().Owner().id)
	assert.Equal(t, 2, l.Back().Owner().id)

	var order []int
	l.Each(func(n *Node[widget]) bool {
		order = append(order, n.Owner().id)
		return true
	})
	assert.Equal(t, []int{3, 1, 2}, order)
}

func TestListEachEarlyTermination(t *testing.T) {
	var l List[widget]
	for i := 1; i <= 5; i++ {
		l.PushBack(NewNode(&widget{id: i}))
	}
	var seen []int
	l.Each(func(n *Node[widget]) bool {
		seen = append(seen, n.Owner().id)
		return n.Owner().id < 3
	})
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestListRemoveAndInsertAround(t *testing.T) {
	var l List[widget]
	a := NewNode(&widget{id: 1})
	b := NewNode(&widget{id: 2})
	c := NewNode(&widget{id: 3})
	l.PushBack(a)
	l.PushBack(b)
	l.PushBack(c)

	l.Remove(b)
	assert.False(t, b.InUse())
	assert.Equal(t, 2, l.Len())

	d := NewNode(&widget{id: 4})
	l.InsertBefore(c, d)
	var order []int
	l.Each(func(n *Node[widget]) bool { order = append(order, n.Owner().id); return true })
	assert.Equal(t, []int{1, 4, 3}, order)
}

func TestListRemoveOrphanPanics(t *testing.T) {
	var l1, l2 List[widget]
	a := NewNode(&widget{id: 1})
	l1.PushBack(a)
	assert.Panics(t, func() { l2.Remove(a) })
}

func TestListDoubleInsertPanics(t *testing.T) {
	var l List[widget]
	a := NewNode(&widget{id: 1})
	l.PushBack(a)
	assert.Panics(t, func() { l.PushBack(a) })
}

func TestFreeListGetPutRoundTrip(t *testing.T) {
	fl := New(3, func(w *widget) { w.id = -1 })
	require.Equal(t, 3, fl.Cap())
	require.Equal(t, 3, fl.Available())

	w1, ok := fl.Get()
	require.True(t, ok)
	w2, ok := fl.Get()
	require.True(t, ok)
	w3, ok := fl.Get()
	require.True(t, ok)
	assert.Equal(t, 0, fl.Available())

	_, ok = fl.Get()
	assert.False(t, ok, "pool exhausted must report false, never block")

	fl.Put(w2)
	assert.Equal(t, 1, fl.Available())

	w2b, ok := fl.Get()
	require.True(t, ok)
	assert.Same(t, w2, w2b, "returned slot must be reused")

	fl.Put(w1)
	fl.Put(w2b)
	fl.Put(w3)
	assert.Equal(t, 3, fl.Available())
}

func TestFreeListPutForeignPanics(t *testing.T) {
	fl := New[widget](1, nil)
	foreign := &widget{id: 99}
	assert.Panics(t, func() { fl.Put(foreign) })
}
