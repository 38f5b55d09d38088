package demux

import "sync/atomic"

// Handle identifies an attached consumer. A handle goes stale when its
// consumer detaches; the slot may be reused but the generation will differ.
type Handle struct {
	index int
	gen   uint32
}

// IsZero reports whether h was never issued by Attach.
func (h Handle) IsZero() bool {
	return h.gen == 0
}

// consumer is one attached decoder as seen by the demuxer.
type consumer struct {
	streamIndex int
	queue       *PacketQueue // nil while the demuxer runs synchronously

	// lastIdx is the sequence of the last packet pushed to queue. It is
	// only touched by the distributor goroutine.
	lastIdx uint64

	// flushed is set once the synchronous path has handed this consumer the
	// flush marker for the current end of stream. Guarded by ioMu.
	flushed bool

	// gen is the seek generation of the last packet returned to the consumer.
	gen atomic.Uint64
}

type slot struct {
	gen uint32
	c   *consumer
}

// slotArena holds consumers in reusable slots addressed by generation
// checked handles. It is not safe for concurrent use; the demuxer guards it
// with its list mutex.
type slotArena struct {
	slots []slot
	free  []int
	order []int // occupied slot indexes in attach order
}

func (a *slotArena) insert(c *consumer) Handle {
	var idx int
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = len(a.slots)
		a.slots = append(a.slots, slot{})
	}

	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.c = c
	a.order = append(a.order, idx)
	return Handle{index: idx, gen: s.gen}
}

func (a *slotArena) get(h Handle) (*consumer, bool) {
	if h.index < 0 || h.index >= len(a.slots) {
		return nil, false
	}
	s := a.slots[h.index]
	if s.gen != h.gen || s.c == nil {
		return nil, false
	}
	return s.c, true
}

func (a *slotArena) remove(h Handle) (*consumer, bool) {
	c, ok := a.get(h)
	if !ok {
		return nil, false
	}
	a.slots[h.index].c = nil
	a.free = append(a.free, h.index)
	for i, idx := range a.order {
		if idx == h.index {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	return c, true
}

func (a *slotArena) len() int {
	return len(a.order)
}

// first returns the earliest attached consumer still present.
func (a *slotArena) first() *consumer {
	if len(a.order) == 0 {
		return nil
	}
	return a.slots[a.order[0]].c
}

// all returns the consumers in attach order.
func (a *slotArena) all() []*consumer {
	out := make([]*consumer, 0, len(a.order))
	for _, idx := range a.order {
		out = append(out, a.slots[idx].c)
	}
	return out
}
