package btree

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/tuannm99/blinkdb/internal/storage"
)

// Insert adds key. Keys are unique: an existing key yields ErrDuplicateKey.
//
// A full leaf is split by building the new right node first, then linking it
// from the old node in a single page mutation, and only then posting the
// separator into the parent. Between those steps the moved keys are reachable
// through the right link, so readers never need to wait for the split.
func (t *Tree) Insert(ctx context.Context, key KeyType, rp RecordPointer) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	var path []pathEntry
	leafID, err := t.descend(ctx, key, &path, nil)
	if err != nil {
		return err
	}
	leaf, err := t.latchCovering(ctx, leafID, key)
	if err != nil {
		return err
	}

	i, found := leaf.n.leafSearch(key)
	if found {
		t.unlatchW(leaf)
		return fmt.Errorf("%w: %d", ErrDuplicateKey, key)
	}
	e := leafEntry{key: key, rp: rp}

	if leaf.n.count() < t.leafCap {
		leaf.n.leafInsert(i, e)
		leaf.dirty()
		t.unlatchW(leaf)
		t.count.Inc()
		return nil
	}

	newRoot, err := t.reserveRoot(ctx, leaf)
	if err != nil {
		t.unlatchW(leaf)
		return err
	}
	entries := slices.Insert(leaf.n.leafEntries(), i, e)
	sp, err := t.splitLeaf(ctx, leaf, entries)
	if err != nil {
		t.abandonRoot(newRoot)
		t.unlatchW(leaf)
		return err
	}
	// The key is in the tree from here on, even if posting fails.
	t.count.Inc()
	return t.postSeparator(ctx, leaf, sp, newRoot, path)
}

// split describes a node that has just been split into left and right. left
// keeps the lower half with high key sep; right took over left's previous
// high key and right link.
type split struct {
	left    storage.PageID
	right   storage.PageID
	level   int
	first   KeyType // first key left kept
	sep     KeyType
	oldHigh KeyType // posInf when left was the rightmost node
}

// newSibling allocates the right half of a split of w. The page is complete
// except for its entries, and unreachable until w links to it.
func (t *Tree) newSibling(ctx context.Context, w *wnode) (*wnode, error) {
	id, h, err := t.pool.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("btree: split page %d: %w", w.id, err)
	}
	g := h.WLatch()
	n := initNode(g.Data(), w.n.kind(), w.n.level(), id)
	k, inf := w.n.high()
	n.setHigh(k, inf)
	n.setRight(w.n.right())
	g.MarkDirty()
	return &wnode{id: id, h: h, g: g, n: n}, nil
}

// linkSibling rewrites w as the left half in one step: new high key, new
// right link. The caller has already stored the entries.
func (t *Tree) linkSibling(w *wnode, first, sep KeyType, right storage.PageID) split {
	sp := split{
		left:    w.id,
		right:   right,
		level:   w.n.level(),
		first:   first,
		sep:     sep,
		oldHigh: w.n.highKey(),
	}
	w.n.setHigh(sep, false)
	w.n.setRight(right)
	w.dirty()
	return sp
}

// splitLeaf splits w around entries, which is w's content plus the entry
// that did not fit. w stays latched.
func (t *Tree) splitLeaf(ctx context.Context, w *wnode, entries []leafEntry) (split, error) {
	sib, err := t.newSibling(ctx, w)
	if err != nil {
		return split{}, err
	}
	cut := len(entries) / 2
	sib.n.setLeafEntries(entries[cut:])
	t.unlatchW(sib)

	w.n.setLeafEntries(entries[:cut])
	sp := t.linkSibling(w, entries[0].key, entries[cut-1].key, sib.id)
	t.metrics.split(true)
	t.log.Debug("leaf split",
		zap.Uint32("left", uint32(sp.left)),
		zap.Uint32("right", uint32(sp.right)),
		zap.Int64("sep", sp.sep),
	)
	return sp, nil
}

func (t *Tree) splitInternal(ctx context.Context, w *wnode, entries []internalEntry) (split, error) {
	sib, err := t.newSibling(ctx, w)
	if err != nil {
		return split{}, err
	}
	cut := len(entries) / 2
	sib.n.setInternalEntries(entries[cut:])
	t.unlatchW(sib)

	w.n.setInternalEntries(entries[:cut])
	sp := t.linkSibling(w, entries[0].key, entries[cut-1].key, sib.id)
	t.metrics.split(false)
	t.log.Debug("internal split",
		zap.Uint32("left", uint32(sp.left)),
		zap.Uint32("right", uint32(sp.right)),
		zap.Int("level", sp.level),
		zap.Int64("sep", sp.sep),
	)
	return sp, nil
}

// postSeparator tells the parent of sp.left about sp.right. child is the
// X-latched left node; it is released once the parent is latched, and
// everything is released on return. newRoot is set when child was the root.
//
// In the parent, the entry (oldHigh, left) becomes (sep, left) followed by
// (oldHigh, right). A full parent splits in turn and the loop moves up a
// level.
//
// If left itself was never posted, the parent entry (k, c) whose chain
// reaches left becomes (first-1, c), (sep, left), (k, right), which posts
// both halves.
func (t *Tree) postSeparator(ctx context.Context, child *wnode, sp split, newRoot *wnode, path []pathEntry) error {
	for {
		if newRoot != nil {
			err := t.growRoot(newRoot, sp)
			t.unlatchW(child)
			return err
		}

		parentID, ok := levelOf(path, sp.level+1)
		if !ok {
			// The descent started below this level, the root has grown since.
			var err error
			parentID, err = t.findNodeAtLevel(ctx, sp.level+1, sp.oldHigh)
			if err != nil {
				t.unlatchW(child)
				t.skipPost(sp, err)
				return err
			}
			if !parentID.Valid() {
				t.unlatchW(child)
				t.skipPost(sp, nil)
				return nil
			}
		}

		parent, err := t.latchCovering(ctx, parentID, sp.oldHigh)
		t.unlatchW(child)
		if err != nil {
			t.skipPost(sp, err)
			return err
		}

		entries, ok := postedEntries(parent.n, sp)
		if !ok {
			t.unlatchW(parent)
			t.skipPost(sp, nil)
			return nil
		}
		if len(entries) <= t.internalCap {
			parent.n.setInternalEntries(entries)
			parent.dirty()
			t.unlatchW(parent)
			return nil
		}

		if newRoot, err = t.reserveRoot(ctx, parent); err != nil {
			t.unlatchW(parent)
			t.skipPost(sp, err)
			return err
		}
		next, err := t.splitInternal(ctx, parent, entries)
		if err != nil {
			t.abandonRoot(newRoot)
			t.unlatchW(parent)
			t.skipPost(sp, err)
			return err
		}
		child, sp = parent, next
	}
}

// postedEntries returns the entries of parent with sp posted. ok is false
// when parent has no place for sp.left.
func postedEntries(parent node, sp split) (entries []internalEntry, ok bool) {
	entries = parent.internalEntries()
	right := internalEntry{key: sp.oldHigh, child: sp.right}
	if i, found := parent.indexOfChild(sp.left); found {
		entries[i].key = sp.sep
		return slices.Insert(entries, i+1, right), true
	}
	// Everything left of sp.left in the chain holds keys below sp.first.
	i, _ := parent.childFor(sp.sep)
	last := i == len(entries)-1
	if !last && entries[i].key < sp.oldHigh {
		return nil, false
	}
	if i > 0 && sp.first-1 <= entries[i-1].key {
		return nil, false
	}
	right.key = entries[i].key
	entries[i].key = sp.first - 1
	return slices.Insert(entries, i+1, internalEntry{key: sp.sep, child: sp.left}, right), true
}

// skipPost records a split whose right node stays reachable only through
// its left sibling's right link.
func (t *Tree) skipPost(sp split, err error) {
	t.metrics.unposted()
	t.log.Warn("separator not posted",
		zap.Uint32("left", uint32(sp.left)),
		zap.Uint32("right", uint32(sp.right)),
		zap.Int("level", sp.level),
		zap.Error(err),
	)
}

// reserveRoot allocates the page for a new root before the root w is split,
// so a root split never stops halfway for lack of a page. It returns nil when
// w is not the root. The root cannot change while w is X-latched.
func (t *Tree) reserveRoot(ctx context.Context, w *wnode) (*wnode, error) {
	if uint32(w.id) != t.root.Load() {
		return nil, nil
	}
	id, h, err := t.pool.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("btree: grow root: %w", err)
	}
	g := h.WLatch()
	return &wnode{id: id, h: h, g: g, n: node(g.Data())}, nil
}

func (t *Tree) abandonRoot(nr *wnode) {
	if nr == nil {
		return
	}
	t.unlatchW(nr)
	if err := t.pool.DeletePage(nr.id); err != nil {
		t.log.Warn("give back reserved root page", zap.Uint32("pageID", uint32(nr.id)), zap.Error(err))
	}
}

// growRoot turns the reserved page nr into the root above the split old
// root.
func (t *Tree) growRoot(nr *wnode, sp split) error {
	t.rootMu.Lock()
	defer t.rootMu.Unlock()

	n := initNode(nr.g.Data(), kindInternal, sp.level+1, nr.id)
	n.setInternalEntries([]internalEntry{
		{key: sp.sep, child: sp.left},
		{key: posInf, child: sp.right},
	})
	nr.dirty()
	t.unlatchW(nr)

	t.root.Store(uint32(nr.id))
	t.height.Store(int64(sp.level + 2))
	t.metrics.rootSplit()
	t.log.Info("root split",
		zap.Uint32("root", uint32(nr.id)),
		zap.Int("height", sp.level+2),
	)
	return t.saveMeta(false)
}
