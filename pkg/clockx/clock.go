// Package clockx is a CLOCK (second chance) ring over a fixed set of slots.
// It is not safe for concurrent use; callers serialize access.
package clockx

type slotState uint8

const (
	tracked slotState = 1 << iota
	referenced
	evictable
)

// Clock tracks slots [0, Capacity). A slot joins the ring on its first Touch
// and leaves it when evicted or removed.
type Clock struct {
	slots     []slotState
	hand      int
	evictable int
}

func New(capacity int) *Clock {
	if capacity <= 0 {
		capacity = 1
	}
	return &Clock{slots: make([]slotState, capacity)}
}

func (c *Clock) Capacity() int { return len(c.slots) }

// Size is the number of evictable slots.
func (c *Clock) Size() int { return c.evictable }

func (c *Clock) inRange(id int) bool { return id >= 0 && id < len(c.slots) }

func (c *Clock) has(id int, s slotState) bool { return c.slots[id]&s != 0 }

// Touch sets the reference bit, adding the slot to the ring if needed.
func (c *Clock) Touch(id int) {
	if !c.inRange(id) {
		return
	}
	c.slots[id] |= tracked | referenced
}

// SetEvictable is ignored for slots that are not in the ring.
func (c *Clock) SetEvictable(id int, on bool) {
	if !c.inRange(id) || !c.has(id, tracked) || c.has(id, evictable) == on {
		return
	}
	if on {
		c.slots[id] |= evictable
		c.evictable++
		return
	}
	c.slots[id] &^= evictable
	c.evictable--
}

// Evict sweeps from the hand, clearing reference bits, and takes the first
// evictable slot whose bit is already clear. Two sweeps always suffice.
func (c *Clock) Evict() (int, bool) {
	n := len(c.slots)
	if c.evictable == 0 {
		return -1, false
	}
	for range 2 * n {
		id := c.hand
		c.hand = (c.hand + 1) % n

		if !c.has(id, evictable) {
			continue
		}
		if c.has(id, referenced) {
			c.slots[id] &^= referenced
			continue
		}
		c.slots[id] = 0
		c.evictable--
		return id, true
	}
	return -1, false
}

// Remove drops a slot from the ring whatever its state.
func (c *Clock) Remove(id int) {
	if !c.inRange(id) || !c.has(id, tracked) {
		return
	}
	if c.has(id, evictable) {
		c.evictable--
	}
	c.slots[id] = 0
}
