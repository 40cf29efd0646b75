package btree

import (
	"context"
	"iter"

	"github.com/tuannm99/blinkdb/internal/storage"
)

// Cursor iterates keys in [low, high] in ascending order. It copies one leaf
// at a time and holds no latch or pin between calls to Next. Keys inserted
// concurrently may or may not be seen; a key is never returned twice.
//
//	c := tree.Scan(ctx, 10, 20)
//	defer c.Close()
//	for c.Next() {
//		use(c.Key(), c.Value())
//	}
//	if err := c.Err(); err != nil { ... }
type Cursor struct {
	t    *Tree
	ctx  context.Context
	low  KeyType
	high KeyType

	buf  []leafEntry
	pos  int
	next storage.PageID

	started bool
	done    bool // no leaf left to read
	closed  bool

	cur       leafEntry
	delivered bool
	err       error
}

// Scan starts a lazy range scan. Nothing is read until the first Next.
func (t *Tree) Scan(ctx context.Context, low, high KeyType) *Cursor {
	c := &Cursor{t: t, ctx: ctx, low: low, high: high}
	if low > high {
		c.done = true
	}
	if err := t.checkOpen(); err != nil {
		c.err = err
	}
	return c
}

func (c *Cursor) Next() bool {
	for {
		if c.err != nil || c.closed {
			return false
		}
		if c.pos < len(c.buf) {
			c.cur = c.buf[c.pos]
			c.pos++
			c.delivered = true
			return true
		}
		if c.done {
			return false
		}
		if err := c.fill(); err != nil {
			c.err = err
			return false
		}
	}
}

// from is the smallest key not yet returned.
func (c *Cursor) from() (KeyType, bool) {
	if !c.delivered {
		return c.low, true
	}
	if c.cur.key == posInf {
		return 0, false
	}
	return c.cur.key + 1, true
}

func (c *Cursor) fill() error {
	if err := c.ctx.Err(); err != nil {
		return err
	}
	from, ok := c.from()
	if !ok {
		c.done = true
		return nil
	}
	if !c.started {
		c.started = true
		_, err := c.t.descend(c.ctx, from, nil, c.collect(from))
		return err
	}
	if !c.next.Valid() {
		c.done = true
		return nil
	}
	return c.t.withR(c.ctx, c.next, c.collect(from))
}

func (c *Cursor) collect(from KeyType) func(n node) error {
	return func(n node) error {
		c.buf = c.buf[:0]
		c.pos = 0
		i, _ := n.leafSearch(from)
		for ; i < n.count(); i++ {
			e := n.leafAt(i)
			if e.key > c.high {
				break
			}
			c.buf = append(c.buf, e)
		}
		c.next = n.right()
		if n.covers(c.high) || !c.next.Valid() {
			c.done = true
		}
		return nil
	}
}

// Key and Value are valid after Next returned true.
func (c *Cursor) Key() KeyType         { return c.cur.key }
func (c *Cursor) Value() RecordPointer { return c.cur.rp }

func (c *Cursor) Err() error { return c.err }

func (c *Cursor) Close() {
	c.closed = true
	c.buf = nil
}

// ResumeKey is where a new Scan should start to continue this one after a
// failure. ok is false when the range has been fully returned.
func (c *Cursor) ResumeKey() (key KeyType, ok bool) {
	if c.err == nil && c.done && c.pos >= len(c.buf) {
		return 0, false
	}
	from, ok := c.from()
	if !ok || from > c.high {
		return 0, false
	}
	return from, true
}

// All adapts the cursor to a range-over-func loop. Check Err afterwards.
func (c *Cursor) All() iter.Seq2[KeyType, RecordPointer] {
	return func(yield func(KeyType, RecordPointer) bool) {
		for c.Next() {
			if !yield(c.Key(), c.Value()) {
				return
			}
		}
	}
}
