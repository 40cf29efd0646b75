package bufferpool

import (
	"go.uber.org/atomic"

	"github.com/tuannm99/blinkdb/internal/storage"
)

// Handle is a pinned reference to a resident page. The page stays in its
// frame until the handle is released. Bytes are reachable only through the
// guards returned by RLatch and WLatch.
type Handle struct {
	pool     *Pool
	f        *frame
	id       storage.PageID
	released atomic.Bool
	dirty    atomic.Bool
}

func newHandle(p *Pool, f *frame, id storage.PageID) *Handle {
	return &Handle{pool: p, f: f, id: id}
}

func (h *Handle) PageID() storage.PageID { return h.id }

// RLatch blocks until the shared latch of the page is held.
func (h *Handle) RLatch() *ReadGuard {
	h.f.latch.RLock()
	return &ReadGuard{h: h}
}

// WLatch blocks until the exclusive latch of the page is held.
func (h *Handle) WLatch() *WriteGuard {
	h.f.latch.Lock()
	return &WriteGuard{h: h}
}

// Release unpins the page. dirty is OR-ed with any MarkDirty done through a
// write guard. Releasing twice returns ErrInvalidUnpin.
func (h *Handle) Release(dirty bool) error {
	if !h.released.CompareAndSwap(false, true) {
		return h.pool.invalidUnpin(h.id, "handle released twice")
	}
	return h.pool.unpin(h.f, h.id, dirty || h.dirty.Load())
}

// ReadGuard is a held shared latch.
type ReadGuard struct {
	h    *Handle
	done bool
}

// Data is valid until Release.
func (g *ReadGuard) Data() []byte { return g.h.f.data }

func (g *ReadGuard) Release() {
	if g.done {
		return
	}
	g.done = true
	g.h.f.latch.RUnlock()
}

// WriteGuard is a held exclusive latch.
type WriteGuard struct {
	h    *Handle
	done bool
}

// Data is valid until Release.
func (g *WriteGuard) Data() []byte { return g.h.f.data }

// MarkDirty makes the eventual unpin of the handle dirty.
func (g *WriteGuard) MarkDirty() { g.h.dirty.Store(true) }

func (g *WriteGuard) Release() {
	if g.done {
		return
	}
	g.done = true
	g.h.f.latch.Unlock()
}
