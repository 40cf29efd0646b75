package btree

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tuannm99/blinkdb/internal/bufferpool"
	"github.com/tuannm99/blinkdb/internal/storage"
)

// Options configures Open.
type Options struct {
	// MetaPath is the JSON file holding root, height and key count. Empty
	// keeps the metadata in memory only.
	MetaPath string
	// LeafCapacity and InternalCapacity cap the entries per node. Zero uses
	// what fits in a page.
	LeafCapacity     int
	InternalCapacity int

	Logger  *zap.Logger
	Metrics *Metrics
}

// Tree is a B-link tree: every node has a high key and a link to its right
// sibling, so readers never block on a split in progress. All page access
// goes through the buffer pool.
type Tree struct {
	pool     bufferpool.Manager
	log      *zap.Logger
	metrics  *Metrics
	metaPath string

	leafCap     int
	internalCap int
	id          uuid.UUID

	// rootMu serializes root changes and meta writes. Readers load root
	// without it.
	rootMu sync.Mutex
	root   atomic.Uint32
	height atomic.Int64
	count  atomic.Int64
	closed atomic.Bool
}

// Open loads the tree described by opts.MetaPath, or creates an empty one
// (a single leaf root) when there is no meta file yet.
func Open(ctx context.Context, pool bufferpool.Manager, opts Options) (*Tree, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	t := &Tree{
		pool:     pool,
		log:      opts.Logger.Named("btree"),
		metrics:  opts.Metrics,
		metaPath: opts.MetaPath,
	}

	m, found, err := loadMeta(opts.MetaPath)
	if err != nil {
		return nil, err
	}
	if found {
		err = t.load(ctx, m, opts)
	} else {
		err = t.create(ctx, opts)
	}
	if err != nil {
		return nil, err
	}

	t.rootMu.Lock()
	defer t.rootMu.Unlock()
	if err := t.saveMeta(false); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) create(ctx context.Context, opts Options) error {
	pageSize := t.pool.PageSize()
	var err error
	if t.leafCap, err = resolveCapacity("leaf", opts.LeafCapacity, maxLeafEntriesPerPage(pageSize), MinLeafCapacity); err != nil {
		return err
	}
	if t.internalCap, err = resolveCapacity("internal", opts.InternalCapacity, maxInternalEntriesPerPage(pageSize), MinInternalCapacity); err != nil {
		return err
	}

	id, h, err := t.pool.NewPage(ctx)
	if err != nil {
		return fmt.Errorf("btree: allocate root: %w", err)
	}
	w := h.WLatch()
	initNode(w.Data(), kindLeaf, 0, id)
	w.MarkDirty()
	w.Release()
	t.unpin(h)

	t.id = uuid.New()
	t.root.Store(uint32(id))
	t.height.Store(1)
	t.log.Info("created tree",
		zap.Stringer("id", t.id),
		zap.Uint32("root", uint32(id)),
		zap.Int("leafCapacity", t.leafCap),
		zap.Int("internalCapacity", t.internalCap),
	)
	return nil
}

func (t *Tree) load(ctx context.Context, m diskMeta, opts Options) error {
	pageSize := t.pool.PageSize()
	if m.PageSize != pageSize {
		return fmt.Errorf("%w: tree was built with %d byte pages, pool has %d", ErrBadCapacity, m.PageSize, pageSize)
	}
	if opts.LeafCapacity != 0 && opts.LeafCapacity != m.LeafCapacity {
		return fmt.Errorf("%w: leaf capacity is %d, requested %d", ErrBadCapacity, m.LeafCapacity, opts.LeafCapacity)
	}
	if opts.InternalCapacity != 0 && opts.InternalCapacity != m.InternalCapacity {
		return fmt.Errorf("%w: internal capacity is %d, requested %d", ErrBadCapacity, m.InternalCapacity, opts.InternalCapacity)
	}
	var err error
	if t.leafCap, err = resolveCapacity("leaf", m.LeafCapacity, maxLeafEntriesPerPage(pageSize), MinLeafCapacity); err != nil {
		return err
	}
	if t.internalCap, err = resolveCapacity("internal", m.InternalCapacity, maxInternalEntriesPerPage(pageSize), MinInternalCapacity); err != nil {
		return err
	}
	if t.id, err = uuid.Parse(m.ID); err != nil {
		return fmt.Errorf("btree: meta id: %w", err)
	}

	root := storage.PageID(m.Root)
	var rootLevel int
	if err := t.withR(ctx, root, func(n node) error {
		rootLevel = n.level()
		return nil
	}); err != nil {
		return fmt.Errorf("btree: open root: %w", err)
	}
	t.root.Store(m.Root)
	t.height.Store(int64(rootLevel + 1))
	t.count.Store(m.Count)

	if !m.Clean {
		n, err := t.countKeys(ctx)
		if err != nil {
			return err
		}
		t.log.Warn("tree was not closed cleanly, recounted keys",
			zap.Int64("meta", m.Count), zap.Int64("actual", n))
		t.count.Store(n)
	}
	t.log.Debug("opened tree", zap.Stringer("id", t.id), zap.Uint32("root", m.Root), zap.Int("height", rootLevel+1))
	return nil
}

func (t *Tree) ID() uuid.UUID { return t.id }

// Root is a snapshot of the root page id.
func (t *Tree) Root() storage.PageID { return storage.PageID(t.root.Load()) }

// Height is the number of levels, 1 for a lone leaf root.
func (t *Tree) Height() int { return int(t.height.Load()) }

// Len is the number of keys.
func (t *Tree) Len() int64 { return t.count.Load() }

func (t *Tree) LeafCapacity() int     { return t.leafCap }
func (t *Tree) InternalCapacity() int { return t.internalCap }

// Close flushes the pool and marks the meta clean. The pool stays open.
func (t *Tree) Close(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := t.pool.FlushAll(ctx); err != nil {
		return err
	}
	t.rootMu.Lock()
	defer t.rootMu.Unlock()
	return t.saveMeta(true)
}

func (t *Tree) checkOpen() error {
	if t.closed.Load() {
		return ErrClosed
	}
	return nil
}

// ---- latching ----

// wnode is a node held under its exclusive latch.
type wnode struct {
	id storage.PageID
	h  *bufferpool.Handle
	g  *bufferpool.WriteGuard
	n  node
}

func (w *wnode) dirty() { w.g.MarkDirty() }

func (t *Tree) unpin(h *bufferpool.Handle) {
	if err := h.Release(false); err != nil {
		t.log.Error("unpin", zap.Uint32("pageID", uint32(h.PageID())), zap.Error(err))
	}
}

func (t *Tree) latchW(ctx context.Context, id storage.PageID) (*wnode, error) {
	h, err := t.pool.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	g := h.WLatch()
	n := node(g.Data())
	if err := n.check(id); err != nil {
		g.Release()
		t.unpin(h)
		return nil, err
	}
	return &wnode{id: id, h: h, g: g, n: n}, nil
}

func (t *Tree) unlatchW(w *wnode) {
	w.g.Release()
	t.unpin(w.h)
}

// moveRightW follows right links until the held node covers key, latching
// the sibling before letting go of the current node. On error nothing is
// held.
func (t *Tree) moveRightW(ctx context.Context, w *wnode, key KeyType) (*wnode, error) {
	for !w.n.covers(key) {
		next := w.n.right()
		if !next.Valid() {
			t.unlatchW(w)
			return nil, fmt.Errorf("%w: page %d does not cover %d and has no right sibling", ErrCorruptNode, w.id, key)
		}
		r, err := t.latchW(ctx, next)
		if err != nil {
			t.unlatchW(w)
			return nil, err
		}
		t.unlatchW(w)
		w = r
		t.metrics.movedRight()
	}
	return w, nil
}

// latchCovering X-latches the node at id or the first node to its right
// that covers key.
func (t *Tree) latchCovering(ctx context.Context, id storage.PageID, key KeyType) (*wnode, error) {
	w, err := t.latchW(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.moveRightW(ctx, w, key)
}

// withR runs fn on the node at id under its shared latch.
func (t *Tree) withR(ctx context.Context, id storage.PageID, fn func(n node) error) error {
	h, err := t.pool.Fetch(ctx, id)
	if err != nil {
		return err
	}
	defer t.unpin(h)
	g := h.RLatch()
	defer g.Release()

	n := node(g.Data())
	if err := n.check(id); err != nil {
		return err
	}
	return fn(n)
}

// pathEntry is an internal node passed on the way down.
type pathEntry struct {
	id    storage.PageID
	level int
}

func levelOf(path []pathEntry, level int) (storage.PageID, bool) {
	for _, p := range path {
		if p.level == level {
			return p.id, true
		}
	}
	return storage.InvalidPageID, false
}

// descend walks from the root to the leaf that covers key, holding one
// shared latch at a time. Internal nodes it descends through are appended to
// path when path is not nil. visit, if set, runs on the leaf under its latch.
func (t *Tree) descend(ctx context.Context, key KeyType, path *[]pathEntry, visit func(n node) error) (storage.PageID, error) {
	id := t.Root()
	for {
		if err := ctx.Err(); err != nil {
			return storage.InvalidPageID, err
		}
		var (
			next storage.PageID
			leaf bool
		)
		err := t.withR(ctx, id, func(n node) error {
			if !n.covers(key) {
				next = n.right()
				if !next.Valid() {
					return fmt.Errorf("%w: page %d does not cover %d and has no right sibling", ErrCorruptNode, id, key)
				}
				t.metrics.movedRight()
				return nil
			}
			if n.isLeaf() {
				leaf = true
				if visit != nil {
					return visit(n)
				}
				return nil
			}
			if path != nil {
				*path = append(*path, pathEntry{id: id, level: n.level()})
			}
			_, next = n.childFor(key)
			return nil
		})
		if err != nil {
			return storage.InvalidPageID, err
		}
		if leaf {
			return id, nil
		}
		id = next
	}
}

// findNodeAtLevel returns the node at level that covers key, found by a
// fresh descent. It returns InvalidPageID when the tree is not that tall.
func (t *Tree) findNodeAtLevel(ctx context.Context, level int, key KeyType) (storage.PageID, error) {
	id := t.Root()
	for {
		var (
			next  storage.PageID
			found bool
			short bool
		)
		err := t.withR(ctx, id, func(n node) error {
			switch {
			case n.level() < level:
				short = true
			case !n.covers(key):
				next = n.right()
				if !next.Valid() {
					return fmt.Errorf("%w: page %d does not cover %d and has no right sibling", ErrCorruptNode, id, key)
				}
			case n.level() == level:
				found = true
			default:
				_, next = n.childFor(key)
			}
			return nil
		})
		switch {
		case err != nil:
			return storage.InvalidPageID, err
		case short:
			return storage.InvalidPageID, nil
		case found:
			return id, nil
		}
		id = next
	}
}
