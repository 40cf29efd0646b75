package bufferpool

import "math"

var _ Replacer = (*lruKReplacer)(nil)

type lruKNode struct {
	history   []uint64 // last k access timestamps, oldest first
	tracked   bool
	evictable bool
}

// lruKReplacer evicts the frame with the largest backward k-distance. Frames
// with fewer than k recorded accesses have infinite distance; ties among them
// go to the one with the oldest first access.
type lruKReplacer struct {
	k     int
	now   uint64
	nodes []lruKNode
	size  int
}

func newLRUKReplacer(capacity, k int) *lruKReplacer {
	if capacity <= 0 {
		capacity = 1
	}
	return &lruKReplacer{k: k, nodes: make([]lruKNode, capacity)}
}

func (r *lruKReplacer) valid(id int) bool { return id >= 0 && id < len(r.nodes) }

func (r *lruKReplacer) RecordAccess(frameID int) {
	if !r.valid(frameID) {
		return
	}
	r.now++
	n := &r.nodes[frameID]
	n.tracked = true
	if len(n.history) == r.k {
		copy(n.history, n.history[1:])
		n.history = n.history[:r.k-1]
	}
	n.history = append(n.history, r.now)
}

func (r *lruKReplacer) SetEvictable(frameID int, on bool) {
	if !r.valid(frameID) {
		return
	}
	n := &r.nodes[frameID]
	if !n.tracked || n.evictable == on {
		return
	}
	n.evictable = on
	if on {
		r.size++
	} else {
		r.size--
	}
}

func (r *lruKReplacer) Evict() (int, bool) {
	victim := -1
	var bestDist, bestFirst uint64
	for id := range r.nodes {
		n := &r.nodes[id]
		if !n.tracked || !n.evictable {
			continue
		}
		dist := uint64(math.MaxUint64)
		if len(n.history) == r.k {
			dist = r.now - n.history[0]
		}
		first := n.history[0]
		if victim == -1 || dist > bestDist || (dist == bestDist && first < bestFirst) {
			victim, bestDist, bestFirst = id, dist, first
		}
	}
	if victim == -1 {
		return -1, false
	}
	r.Remove(victim)
	return victim, true
}

func (r *lruKReplacer) Remove(frameID int) {
	if !r.valid(frameID) {
		return
	}
	n := &r.nodes[frameID]
	if !n.tracked {
		return
	}
	if n.evictable {
		r.size--
	}
	*n = lruKNode{history: n.history[:0]}
}

func (r *lruKReplacer) Size() int { return r.size }
