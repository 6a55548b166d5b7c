package motion

import "container/heap"

// slot holds the current tuple of one route with its sort columns extracted.
type slot struct {
	tuple  Tuple
	values []Datum
	nulls  []bool
}

func (s *slot) store(t Tuple, ncols int) {
	s.tuple = t
	if cap(s.values) < ncols {
		s.values = make([]Datum, ncols)
		s.nulls = make([]bool, ncols)
	}
	s.values = s.values[:ncols]
	s.nulls = s.nulls[:ncols]
	for i := 0; i < ncols; i++ {
		v := t.Attr(i)
		s.values[i] = v
		s.nulls[i] = v == nil
	}
}

// mergeHeap keeps route ids ordered by their current slot. The comparator is
// the inverted sort order and Less prefers the larger result, so the route
// with the smallest tuple sits at the top.
type mergeHeap struct {
	routes []int
	slots  []*slot
	keys   []SortKey
}

func newMergeHeap(nroutes int, keys []SortKey) *mergeHeap {
	h := &mergeHeap{
		routes: make([]int, 0, nroutes),
		slots:  make([]*slot, nroutes),
		keys:   keys,
	}
	for i := range h.slots {
		h.slots[i] = &slot{}
	}
	return h
}

// compare returns the inverted ordering of routes a and b.
func (h *mergeHeap) compare(a, b int) int {
	sa, sb := h.slots[a], h.slots[b]
	for _, k := range h.keys {
		c := k.apply(sa.values[k.Column], sa.nulls[k.Column], sb.values[k.Column], sb.nulls[k.Column])
		if c != 0 {
			return -c
		}
	}
	return 0
}

func (h *mergeHeap) Len() int           { return len(h.routes) }
func (h *mergeHeap) Less(i, j int) bool { return h.compare(h.routes[i], h.routes[j]) > 0 }
func (h *mergeHeap) Swap(i, j int)      { h.routes[i], h.routes[j] = h.routes[j], h.routes[i] }
func (h *mergeHeap) Push(x any)         { h.routes = append(h.routes, x.(int)) }

func (h *mergeHeap) Pop() any {
	n := len(h.routes)
	r := h.routes[n-1]
	h.routes = h.routes[:n-1]
	return r
}

func (h *mergeHeap) addUnordered(route int) { h.routes = append(h.routes, route) }
func (h *mergeHeap) build()                 { heap.Init(h) }
func (h *mergeHeap) empty() bool            { return len(h.routes) == 0 }
func (h *mergeHeap) first() int             { return h.routes[0] }
func (h *mergeHeap) replaceFirst()          { heap.Fix(h, 0) }
func (h *mergeHeap) removeFirst()           { heap.Pop(h) }
