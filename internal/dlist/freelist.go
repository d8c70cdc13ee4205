package dlist

// FreeList is a statically-sized slab of preconstructed T, linked through an
// intrusive List so Get/Put never allocate after New. This is the "pool"
// half of component A: a list of preconstructed messages where get/return
// are O(1) and returning an item requires only a reference to the item
// itself, because the FreeList can map that reference straight back to its
// node.
type FreeList[T any] struct {
	slab  []T
	nodes []Node[T]
	index map[*T]*Node[T]
	free  List[T]
}

// New allocates a FreeList of n preconstructed zero-value T, each produced
// by init (init may be nil to leave them zero-valued) and initially on the
// free list. The backing slice is allocated once and never grown, so every
// pointer handed out by Get remains valid and stable for the FreeList's
// lifetime.
func New[T any](n int, init func(*T)) *FreeList[T] {
	fl := &FreeList[T]{
		slab:  make([]T, n),
		nodes: make([]Node[T], n),
		index: make(map[*T]*Node[T], n),
	}
	for i := range fl.slab {
		if init != nil {
			init(&fl.slab[i])
		}
		item := &fl.slab[i]
		fl.nodes[i] = Node[T]{owner: item}
		fl.index[item] = &fl.nodes[i]
		fl.free.PushBack(&fl.nodes[i])
	}
	return fl
}

// ForEachSlot calls fn once per slot in slab order, regardless of whether
// the slot is currently checked out. Used by callers that need to bind a
// back-reference to the FreeList itself into each item after construction
// (the FreeList doesn't exist yet while New's init callback runs).
func (fl *FreeList[T]) ForEachSlot(fn func(*T)) {
	for i := range fl.slab {
		fn(&fl.slab[i])
	}
}

// Cap is the fixed total number of slots.
func (fl *FreeList[T]) Cap() int { return len(fl.slab) }

// Available is the number of slots not currently checked out.
func (fl *FreeList[T]) Available() int { return fl.free.Len() }

// Get checks out one slot, or returns (nil, false) if the pool is empty.
func (fl *FreeList[T]) Get() (*T, bool) {
	n := fl.free.PopFront()
	if n == nil {
		return nil, false
	}
	return n.Owner(), true
}

// Put returns item to the free list. item must have come from Get on this
// same FreeList; a double Put panics rather than silently corrupting the
// list, the same guard dlist.List.PushBack already gives us.
func (fl *FreeList[T]) Put(item *T) {
	n, ok := fl.index[item]
	if !ok {
		panic("dlist: Put: item did not come from this FreeList")
	}
	fl.free.PushBack(n)
}
