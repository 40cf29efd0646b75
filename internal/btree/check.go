package btree

import (
	"context"
	"fmt"

	"github.com/tuannm99/blinkdb/internal/storage"
)

// TreeStats is what Check found.
type TreeStats struct {
	Root     storage.PageID
	Height   int
	Keys     int64
	Leaves   int
	Internal int
	// Unposted counts nodes reachable only through a right link because
	// their separator never reached the parent.
	Unposted int
	// Widths holds the number of nodes per level, root level first.
	Widths []int
}

// Check walks every level left to right through the right links and
// verifies the B-link structure: key order, high keys, right links, levels
// and agreement between parent entries and child high keys. Violations wrap
// ErrInvariant.
//
// Check takes one shared latch at a time, so it is only exact when no
// writer runs concurrently.
func (t *Tree) Check(ctx context.Context) (TreeStats, error) {
	if err := t.checkOpen(); err != nil {
		return TreeStats{}, err
	}
	st := TreeStats{Root: t.Root()}

	var rootLevel int
	if err := t.withR(ctx, st.Root, func(n node) error {
		rootLevel = n.level()
		return nil
	}); err != nil {
		return st, err
	}
	st.Height = rootLevel + 1

	// bounds maps each child referenced from the level above to the largest
	// key its parent entry allows.
	var bounds map[storage.PageID]KeyType
	leftmost := st.Root

	for level := rootLevel; level >= 0; level-- {
		if !leftmost.Valid() {
			return st, fmt.Errorf("%w: level %d has no leftmost node", ErrInvariant, level)
		}
		lc := levelCheck{
			t:         t,
			st:        &st,
			level:     level,
			rootLevel: rootLevel,
			bounds:    bounds,
			children:  make(map[storage.PageID]KeyType),
			visited:   make(map[storage.PageID]struct{}),
		}
		width := 0
		for id := leftmost; id.Valid(); {
			if err := ctx.Err(); err != nil {
				return st, err
			}
			if _, dup := lc.visited[id]; dup {
				return st, fmt.Errorf("%w: level %d: right links loop back to page %d", ErrInvariant, level, id)
			}
			lc.visited[id] = struct{}{}

			var next storage.PageID
			err := t.withR(ctx, id, func(n node) error {
				next = n.right()
				return lc.node(id, n, id == leftmost)
			})
			if err != nil {
				return st, err
			}
			width++
			id = next
		}
		if len(lc.bounds) > 0 {
			return st, fmt.Errorf("%w: level %d: %d pages referenced by parents are not linked in the level", ErrInvariant, level, len(lc.bounds))
		}
		st.Widths = append(st.Widths, width)
		bounds = lc.children
		leftmost = lc.down
	}
	return st, nil
}

type levelCheck struct {
	t         *Tree
	st        *TreeStats
	level     int
	rootLevel int

	bounds   map[storage.PageID]KeyType
	children map[storage.PageID]KeyType
	visited  map[storage.PageID]struct{}
	down     storage.PageID

	prevHigh KeyType
	havePrev bool
}

func (lc *levelCheck) fail(id storage.PageID, format string, args ...any) error {
	return fmt.Errorf("%w: page %d (level %d): %s", ErrInvariant, id, lc.level, fmt.Sprintf(format, args...))
}

func (lc *levelCheck) node(id storage.PageID, n node, first bool) error {
	if n.level() != lc.level {
		return lc.fail(id, "node has level %d", n.level())
	}
	high, inf := n.high()
	if inf != !n.right().Valid() {
		return lc.fail(id, "high key inf=%v but right link %d", inf, n.right())
	}
	if lc.havePrev && !inf && high <= lc.prevHigh {
		return lc.fail(id, "high key %d not above left sibling's %d", high, lc.prevHigh)
	}

	if bound, ok := lc.bounds[id]; ok {
		if n.highKey() > bound {
			return lc.fail(id, "high key %d above parent bound %d", n.highKey(), bound)
		}
		delete(lc.bounds, id)
	} else if lc.level != lc.rootLevel {
		if first {
			return lc.fail(id, "leftmost node is not referenced by its parent")
		}
		lc.st.Unposted++
	}

	var err error
	if n.isLeaf() {
		err = lc.leaf(id, n)
	} else {
		err = lc.internal(id, n, first)
	}
	if err != nil {
		return err
	}
	lc.prevHigh, lc.havePrev = high, true
	return nil
}

// keyOK checks one routing key against its predecessor and the node bounds.
func (lc *levelCheck) keyOK(id storage.PageID, n node, i int, k, prev KeyType) error {
	if i > 0 && k <= prev {
		return lc.fail(id, "key %d at %d not above %d", k, i, prev)
	}
	if i == 0 && lc.havePrev && k <= lc.prevHigh {
		return lc.fail(id, "first key %d not above left sibling's high key %d", k, lc.prevHigh)
	}
	if !n.covers(k) {
		return lc.fail(id, "key %d above high key %d", k, n.highKey())
	}
	return nil
}

func (lc *levelCheck) leaf(id storage.PageID, n node) error {
	c := n.count()
	if c > lc.t.leafCap {
		return lc.fail(id, "%d entries, capacity %d", c, lc.t.leafCap)
	}
	var prev KeyType
	for i := range c {
		k := n.leafKey(i)
		if err := lc.keyOK(id, n, i, k, prev); err != nil {
			return err
		}
		prev = k
	}
	lc.st.Leaves++
	lc.st.Keys += int64(c)
	return nil
}

func (lc *levelCheck) internal(id storage.PageID, n node, first bool) error {
	c := n.count()
	if c == 0 {
		return lc.fail(id, "empty internal node")
	}
	if c > lc.t.internalCap {
		return lc.fail(id, "%d entries, capacity %d", c, lc.t.internalCap)
	}
	var prev KeyType
	for i := range c {
		e := n.internalAt(i)
		bound := n.highKey()
		if i < c-1 {
			if err := lc.keyOK(id, n, i, e.key, prev); err != nil {
				return err
			}
			bound = e.key
			prev = e.key
		}
		if !e.child.Valid() {
			return lc.fail(id, "entry %d has no child", i)
		}
		if _, dup := lc.children[e.child]; dup {
			return lc.fail(id, "child %d referenced twice", e.child)
		}
		lc.children[e.child] = bound
	}
	if first {
		lc.down = n.internalAt(0).child
	}
	lc.st.Internal++
	return nil
}

// walk visits every node, level by level from the root, left to right. visit
// runs under the node's shared latch.
func (t *Tree) walk(ctx context.Context, visit func(id storage.PageID, n node) error) error {
	for id := t.Root(); id.Valid(); {
		var down storage.PageID
		for cur, first := id, true; cur.Valid(); first = false {
			if err := ctx.Err(); err != nil {
				return err
			}
			var next storage.PageID
			err := t.withR(ctx, cur, func(n node) error {
				if first && !n.isLeaf() && n.count() > 0 {
					down = n.internalAt(0).child
				}
				next = n.right()
				return visit(cur, n)
			})
			if err != nil {
				return err
			}
			cur = next
		}
		id = down
	}
	return nil
}

// countKeys sums the leaf entry counts.
func (t *Tree) countKeys(ctx context.Context) (int64, error) {
	var total int64
	err := t.walk(ctx, func(_ storage.PageID, n node) error {
		if n.isLeaf() {
			total += int64(n.count())
		}
		return nil
	})
	return total, err
}
