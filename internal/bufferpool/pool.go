package bufferpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tuannm99/blinkdb/internal/storage"
)

var (
	DefaultCapacity     = 50
	DefaultFlushWorkers = 4

	ErrNoFreeFrame   = errors.New("bufferpool: no free frame available (all pinned)")
	ErrPagePinned    = errors.New("bufferpool: page is pinned")
	ErrInvalidUnpin  = errors.New("bufferpool: unpin of a page that is not pinned")
	ErrUnknownPolicy = errors.New("bufferpool: unknown replacement policy")
	ErrClosed        = errors.New("bufferpool: pool is closed")
)

// Options configures a Pool. The zero value is usable.
type Options struct {
	Capacity int
	Policy   Policy
	LRUK     int

	// FetchRetries bounds how many times Fetch and NewPage retry when every
	// frame is pinned. Zero fails on the first attempt.
	FetchRetries int
	// FetchTimeout bounds the total time spent retrying. Zero means only
	// FetchRetries and the context bound it.
	FetchTimeout time.Duration

	FlushWorkers int
	// StrictUnpin panics on an invalid unpin instead of returning an error.
	StrictUnpin bool

	Logger  *zap.Logger
	Metrics *Metrics
}

// Stats is a snapshot of the pool state and its lifetime counters.
type Stats struct {
	Capacity   int
	Resident   int
	Pinned     int
	Dirty      int
	Free       int
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Writebacks uint64
}

// Pool caches disk pages in a fixed set of frames. mu guards the page table,
// the free list, the replacer and frame metadata, and is never held across
// disk I/O.
type Pool struct {
	disk    storage.DiskManager
	opts    Options
	log     *zap.Logger
	metrics *Metrics
	bufs    sync.Pool

	mu        sync.Mutex
	frames    []*frame
	pageTable map[storage.PageID]int
	free      []int
	replacer  Replacer
	pinned    int
	closed    bool

	hits, misses, evictions, writebacks uint64
}

func NewPool(disk storage.DiskManager, opts Options) (*Pool, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.FlushWorkers <= 0 {
		opts.FlushWorkers = DefaultFlushWorkers
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	repl, err := NewReplacer(opts.Policy, opts.Capacity, opts.LRUK)
	if err != nil {
		return nil, err
	}

	pageSize := disk.PageSize()
	p := &Pool{
		disk:      disk,
		opts:      opts,
		log:       opts.Logger.Named("bufferpool"),
		metrics:   opts.Metrics,
		frames:    make([]*frame, opts.Capacity),
		pageTable: make(map[storage.PageID]int, opts.Capacity),
		free:      make([]int, 0, opts.Capacity),
		replacer:  repl,
	}
	p.bufs.New = func() any { return make([]byte, pageSize) }
	// pop from the tail, so frame 0 is handed out first
	for i := opts.Capacity - 1; i >= 0; i-- {
		p.frames[i] = newFrame(i, pageSize)
		p.free = append(p.free, i)
	}
	return p, nil
}

func (p *Pool) Capacity() int { return len(p.frames) }

func (p *Pool) PageSize() int { return p.disk.PageSize() }

// Fetch pins page id, reading it from disk unless it is resident.
func (p *Pool) Fetch(ctx context.Context, id storage.PageID) (*Handle, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("bufferpool: fetch: %w: %d", storage.ErrInvalidPageID, id)
	}
	return p.retry(ctx, func() (*Handle, error) { return p.fetch(ctx, id) })
}

// NewPage allocates a page on disk and returns it pinned, zeroed and dirty.
func (p *Pool) NewPage(ctx context.Context) (storage.PageID, *Handle, error) {
	id, err := p.disk.AllocatePage()
	if err != nil {
		p.metrics.ioError()
		return storage.InvalidPageID, nil, fmt.Errorf("bufferpool: allocate page: %w", err)
	}
	h, err := p.retry(ctx, func() (*Handle, error) { return p.bindNew(id) })
	if err != nil {
		if derr := p.disk.DeallocatePage(id); derr != nil {
			p.log.Warn("give back page after failed NewPage", zap.Uint32("pageID", uint32(id)), zap.Error(derr))
		}
		return storage.InvalidPageID, nil, err
	}
	return id, h, nil
}

// retry repeats op while it fails with ErrNoFreeFrame, backing off between
// attempts. Any other error stops it at once.
func (p *Pool) retry(ctx context.Context, op func() (*Handle, error)) (*Handle, error) {
	if p.opts.FetchRetries <= 0 {
		return op()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = p.opts.FetchTimeout

	var last error
	h, err := backoff.RetryWithData[*Handle](func() (*Handle, error) {
		h, err := op()
		last = err
		if err != nil && !errors.Is(err, ErrNoFreeFrame) {
			return nil, backoff.Permanent(err)
		}
		return h, err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.opts.FetchRetries)), ctx))

	if err != nil && errors.Is(last, ErrNoFreeFrame) && !errors.Is(err, ErrNoFreeFrame) {
		// the context ended the wait
		return nil, fmt.Errorf("%w (%w)", ErrNoFreeFrame, err)
	}
	return h, err
}

func (p *Pool) fetch(ctx context.Context, id storage.PageID) (*Handle, error) {
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		if idx, ok := p.pageTable[id]; ok {
			f := p.frames[idx]
			if ready := f.ready; ready != nil {
				// another fetcher is reading the page in
				p.mu.Unlock()
				select {
				case <-ready:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				p.mu.Lock()
				continue
			}
			p.pinLocked(f, true)
			p.hits++
			p.mu.Unlock()
			p.metrics.hit()
			return newHandle(p, f, id), nil
		}

		f, err := p.claimFrameLocked()
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if f == nil {
			continue
		}

		f.ready = make(chan struct{})
		p.bindLocked(f, id)
		p.misses++
		p.mu.Unlock()
		p.metrics.miss()

		rerr := p.disk.ReadPage(id, f.data)

		p.mu.Lock()
		close(f.ready)
		f.ready = nil
		if rerr != nil {
			p.unbindLocked(f)
			p.mu.Unlock()
			p.metrics.ioError()
			p.log.Error("read page", zap.Uint32("pageID", uint32(id)), zap.Error(rerr))
			return nil, fmt.Errorf("bufferpool: read %s: %w", id, rerr)
		}
		p.mu.Unlock()
		p.log.Debug("page miss", zap.Uint32("pageID", uint32(id)), zap.Int("frame", f.idx))
		return newHandle(p, f, id), nil
	}
}

func (p *Pool) bindNew(id storage.PageID) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return nil, ErrClosed
		}

		// A reused id may still be cached from its previous life.
		if idx, ok := p.pageTable[id]; ok {
			f := p.frames[idx]
			if f.pin > 0 || f.ready != nil {
				return nil, fmt.Errorf("%w: %s is resident from before its deallocation", ErrPagePinned, id)
			}
			p.unbindLocked(f)
		}

		f, err := p.claimFrameLocked()
		if err != nil {
			return nil, err
		}
		if f == nil {
			continue
		}
		clear(f.data)
		p.bindLocked(f, id)
		f.dirty = true
		f.version++
		return newHandle(p, f, id), nil
	}
}

// claimFrameLocked returns an unbound frame, taking a free one or evicting
// a clean victim. A dirty victim is written back with p.mu released, so it
// never comes back directly: it goes to the free list once written, or stays
// resident if it was pinned or dirtied again meanwhile. In both cases the
// result is nil and the caller must look at the page table again.
func (p *Pool) claimFrameLocked() (*frame, error) {
	if n := len(p.free); n > 0 {
		idx := p.free[n-1]
		p.free = p.free[:n-1]
		return p.frames[idx], nil
	}

	idx, ok := p.replacer.Evict()
	if !ok {
		p.metrics.noFrame()
		return nil, ErrNoFreeFrame
	}
	f := p.frames[idx]
	if !f.dirty {
		p.evictLocked(f)
		return f, nil
	}

	// Stays bound and pinned while written back so hits keep working.
	p.pinLocked(f, false)
	err := p.writeBackLocked(f)
	p.unpinLocked(f)
	if err != nil || f.pin > 0 || f.dirty {
		// Evict dropped the frame from the replacer; track it again.
		p.replacer.RecordAccess(idx)
		p.replacer.SetEvictable(idx, f.pin == 0)
		return nil, err
	}
	p.evictLocked(f)
	p.free = append(p.free, idx)
	return nil, nil
}

// evictLocked unbinds the clean, unpinned frame f.
func (p *Pool) evictLocked(f *frame) {
	p.log.Debug("evict", zap.Uint32("pageID", uint32(f.pageID)), zap.Int("frame", f.idx))
	p.replacer.Remove(f.idx)
	delete(p.pageTable, f.pageID)
	f.pageID = storage.InvalidPageID
	f.dirty = false
	p.evictions++
	p.metrics.evicted()
}

func (p *Pool) bindLocked(f *frame, id storage.PageID) {
	f.pageID = id
	f.dirty = false
	p.pageTable[id] = f.idx
	p.pinLocked(f, true)
}

func (p *Pool) unbindLocked(f *frame) {
	delete(p.pageTable, f.pageID)
	if f.pin > 0 {
		p.pinned--
		p.metrics.setPinned(p.pinned)
	}
	f.pageID = storage.InvalidPageID
	f.pin = 0
	f.dirty = false
	p.replacer.Remove(f.idx)
	p.free = append(p.free, f.idx)
}

// pinLocked adds a pin. Internal pins (flush, write-back) pass access=false
// so they do not count as a use of the page.
func (p *Pool) pinLocked(f *frame, access bool) {
	if access {
		p.replacer.RecordAccess(f.idx)
	}
	if f.pin == 0 {
		p.pinned++
		p.metrics.setPinned(p.pinned)
		p.replacer.SetEvictable(f.idx, false)
	}
	f.pin++
}

func (p *Pool) unpinLocked(f *frame) {
	f.pin--
	if f.pin == 0 {
		p.pinned--
		p.metrics.setPinned(p.pinned)
		p.replacer.SetEvictable(f.idx, true)
	}
}

// writeBackLocked writes the frame to disk with p.mu released. The caller
// holds a pin on f. The dirty flag is cleared only if nobody dirtied the page
// after the bytes were copied.
func (p *Pool) writeBackLocked(f *frame) error {
	id, version := f.pageID, f.version
	p.mu.Unlock()

	buf := p.bufs.Get().([]byte)
	f.latch.RLock()
	copy(buf, f.data)
	f.latch.RUnlock()
	err := p.disk.WritePage(id, buf)
	p.bufs.Put(buf)

	p.mu.Lock()
	if err != nil {
		p.metrics.ioError()
		p.log.Error("write back", zap.Uint32("pageID", uint32(id)), zap.Error(err))
		return fmt.Errorf("bufferpool: write %s: %w", id, err)
	}
	p.writebacks++
	p.metrics.wroteBack()
	if f.version == version {
		f.dirty = false
	}
	return nil
}

// Unpin releases h. It is the same as h.Release(dirty).
func (p *Pool) Unpin(h *Handle, dirty bool) error {
	return h.Release(dirty)
}

func (p *Pool) unpin(f *frame, id storage.PageID, dirty bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f.pageID != id || f.pin <= 0 {
		return p.invalidUnpin(id, "page not pinned")
	}
	if dirty {
		f.dirty = true
		f.version++
	}
	p.unpinLocked(f)
	return nil
}

func (p *Pool) invalidUnpin(id storage.PageID, reason string) error {
	p.log.Error("invalid unpin", zap.Uint32("pageID", uint32(id)), zap.String("reason", reason))
	err := fmt.Errorf("%w: %s: %s", ErrInvalidUnpin, id, reason)
	if p.opts.StrictUnpin {
		panic(err)
	}
	return err
}

// Flush writes page id back if it is resident and dirty. It neither unpins
// nor evicts it.
func (p *Pool) Flush(ctx context.Context, id storage.PageID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.pageTable[id]
	if !ok {
		return nil
	}
	f := p.frames[idx]
	if f.ready != nil || !f.dirty {
		return nil
	}
	p.pinLocked(f, false)
	err := p.writeBackLocked(f)
	p.unpinLocked(f)
	return err
}

// FlushAll flushes every dirty page, FlushWorkers at a time, then syncs the
// disk.
func (p *Pool) FlushAll(ctx context.Context) error {
	p.mu.Lock()
	dirty := make([]storage.PageID, 0, len(p.pageTable))
	for id, idx := range p.pageTable {
		if p.frames[idx].dirty {
			dirty = append(dirty, id)
		}
	}
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.FlushWorkers)
	for _, id := range dirty {
		g.Go(func() error { return p.Flush(gctx, id) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := p.disk.Sync(); err != nil {
		p.metrics.ioError()
		return fmt.Errorf("bufferpool: sync: %w", err)
	}
	return nil
}

// DeletePage drops page id from the pool and deallocates it on disk.
func (p *Pool) DeletePage(id storage.PageID) error {
	p.mu.Lock()
	if idx, ok := p.pageTable[id]; ok {
		f := p.frames[idx]
		if f.pin > 0 || f.ready != nil {
			p.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrPagePinned, id)
		}
		p.unbindLocked(f)
	}
	p.mu.Unlock()

	if err := p.disk.DeallocatePage(id); err != nil {
		return fmt.Errorf("bufferpool: deallocate %s: %w", id, err)
	}
	return nil
}

// PinCount reports the pin count of id and whether it is resident.
func (p *Pool) PinCount(id storage.PageID) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.pageTable[id]
	if !ok {
		return 0, false
	}
	return int(p.frames[idx].pin), true
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		Capacity:   len(p.frames),
		Resident:   len(p.pageTable),
		Pinned:     p.pinned,
		Free:       len(p.free),
		Hits:       p.hits,
		Misses:     p.misses,
		Evictions:  p.evictions,
		Writebacks: p.writebacks,
	}
	for _, idx := range p.pageTable {
		if p.frames[idx].dirty {
			st.Dirty++
		}
	}
	return st
}

// Close flushes every dirty page. Later fetches fail with ErrClosed. The
// disk manager is left open.
func (p *Pool) Close(ctx context.Context) error {
	if err := p.FlushAll(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pinned > 0 {
		p.log.Warn("closing pool with pinned pages", zap.Int("pinned", p.pinned))
	}
	p.closed = true
	return nil
}
