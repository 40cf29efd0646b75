package bufferpool

import (
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

var _ Replacer = (*lruReplacer)(nil)

// lruReplacer evicts the least recently accessed evictable frame. Recency is
// kept by simplelru, sized to the pool so it never drops entries on its own.
type lruReplacer struct {
	order     *simplelru.LRU[int, struct{}]
	evictable []bool
	size      int
}

func newLRUReplacer(capacity int) (*lruReplacer, error) {
	if capacity <= 0 {
		capacity = 1
	}
	order, err := simplelru.NewLRU[int, struct{}](capacity, nil)
	if err != nil {
		return nil, err
	}
	return &lruReplacer{order: order, evictable: make([]bool, capacity)}, nil
}

func (r *lruReplacer) valid(id int) bool { return id >= 0 && id < len(r.evictable) }

func (r *lruReplacer) RecordAccess(frameID int) {
	if !r.valid(frameID) {
		return
	}
	r.order.Add(frameID, struct{}{})
}

func (r *lruReplacer) SetEvictable(frameID int, on bool) {
	if !r.valid(frameID) || !r.order.Contains(frameID) || r.evictable[frameID] == on {
		return
	}
	r.evictable[frameID] = on
	if on {
		r.size++
	} else {
		r.size--
	}
}

func (r *lruReplacer) Evict() (int, bool) {
	if r.size == 0 {
		return -1, false
	}
	// Keys is ordered oldest first.
	for _, id := range r.order.Keys() {
		if r.evictable[id] {
			r.Remove(id)
			return id, true
		}
	}
	return -1, false
}

func (r *lruReplacer) Remove(frameID int) {
	if !r.valid(frameID) || !r.order.Remove(frameID) {
		return
	}
	if r.evictable[frameID] {
		r.evictable[frameID] = false
		r.size--
	}
}

func (r *lruReplacer) Size() int { return r.size }
