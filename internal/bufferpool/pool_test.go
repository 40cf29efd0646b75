package bufferpool

import (
	"context"
	"encoding/binary"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tuannm99/blinkdb/internal/storage"
)

const testPageSize = 512

func newTestPool(t *testing.T, capacity int) (*Pool, *storage.MemDiskManager) {
	t.Helper()
	return newTestPoolOpts(t, Options{Capacity: capacity})
}

func newTestPoolOpts(t *testing.T, opts Options) (*Pool, *storage.MemDiskManager) {
	t.Helper()
	disk := storage.NewMemDiskManager(testPageSize)
	pool, err := NewPool(disk, opts)
	require.NoError(t, err)
	return pool, disk
}

// allocPages allocates n pages on disk, each stamped with its own id.
func allocPages(t *testing.T, disk *storage.MemDiskManager, n int) []storage.PageID {
	t.Helper()
	ids := make([]storage.PageID, 0, n)
	buf := make([]byte, testPageSize)
	for range n {
		id, err := disk.AllocatePage()
		require.NoError(t, err)
		binary.LittleEndian.PutUint32(buf, uint32(id))
		require.NoError(t, disk.WritePage(id, buf))
		ids = append(ids, id)
	}
	return ids
}

func readStamp(h *Handle) uint32 {
	g := h.RLatch()
	defer g.Release()
	return binary.LittleEndian.Uint32(g.Data())
}

func TestPool_FetchLoadsAndPins(t *testing.T) {
	pool, disk := newTestPool(t, 4)
	ids := allocPages(t, disk, 1)
	ctx := context.Background()

	h1, err := pool.Fetch(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, ids[0], h1.PageID())
	require.Equal(t, uint32(ids[0]), readStamp(h1))

	idx, ok := pool.pageTable[ids[0]]
	require.True(t, ok)
	require.Equal(t, int32(1), pool.frames[idx].pin)
	require.False(t, pool.frames[idx].dirty)

	reads := disk.Stats().Reads

	// resident: same frame, no disk read
	h2, err := pool.Fetch(ctx, ids[0])
	require.NoError(t, err)
	require.Same(t, h1.f, h2.f)
	require.Equal(t, reads, disk.Stats().Reads)

	pin, ok := pool.PinCount(ids[0])
	require.True(t, ok)
	require.Equal(t, 2, pin)

	require.NoError(t, h1.Release(false))
	require.NoError(t, pool.Unpin(h2, false))
	pin, _ = pool.PinCount(ids[0])
	require.Equal(t, 0, pin)
}

func TestPool_FetchInvalidID(t *testing.T) {
	pool, _ := newTestPool(t, 1)
	_, err := pool.Fetch(context.Background(), storage.InvalidPageID)
	require.ErrorIs(t, err, storage.ErrInvalidPageID)
}

func TestPool_TwoFramesAllPinned(t *testing.T) {
	pool, disk := newTestPool(t, 2)
	ids := allocPages(t, disk, 3)
	ctx := context.Background()

	h1, err := pool.Fetch(ctx, ids[0])
	require.NoError(t, err)
	h2, err := pool.Fetch(ctx, ids[1])
	require.NoError(t, err)

	_, err = pool.Fetch(ctx, ids[2])
	require.ErrorIs(t, err, ErrNoFreeFrame)

	require.NoError(t, h1.Release(false))

	h3, err := pool.Fetch(ctx, ids[2])
	require.NoError(t, err)
	require.Equal(t, uint32(ids[2]), readStamp(h3))

	_, resident := pool.PinCount(ids[0])
	require.False(t, resident, "the unpinned page was the only victim")
	pin, _ := pool.PinCount(ids[1])
	require.Equal(t, 1, pin, "pinned page survived")

	require.NoError(t, h2.Release(false))
	require.NoError(t, h3.Release(false))
}

func TestPool_EvictDirtyWritesBack(t *testing.T) {
	pool, disk := newTestPool(t, 1)
	ctx := context.Background()

	id, h, err := pool.NewPage(ctx)
	require.NoError(t, err)

	g := h.WLatch()
	require.Equal(t, make([]byte, testPageSize), g.Data(), "new page is zeroed")
	g.Data()[0] = 42
	g.MarkDirty()
	g.Release()
	require.NoError(t, h.Release(false))

	idx := pool.pageTable[id]
	require.True(t, pool.frames[idx].dirty)

	other := allocPages(t, disk, 1)
	h2, err := pool.Fetch(ctx, other[0])
	require.NoError(t, err)
	defer h2.Release(false)

	_, resident := pool.PinCount(id)
	require.False(t, resident)
	require.Equal(t, byte(42), disk.Peek(id)[0])
	require.Equal(t, uint64(1), pool.Stats().Evictions)
	require.Equal(t, uint64(1), pool.Stats().Writebacks)
}

func TestPool_EvictCleanDoesNotWrite(t *testing.T) {
	pool, disk := newTestPool(t, 1)
	ids := allocPages(t, disk, 2)
	ctx := context.Background()
	writes := disk.Stats().Writes

	for _, id := range ids {
		h, err := pool.Fetch(ctx, id)
		require.NoError(t, err)
		require.NoError(t, h.Release(false))
	}
	require.Equal(t, writes, disk.Stats().Writes)
}

func TestPool_FlushIdempotent(t *testing.T) {
	pool, disk := newTestPool(t, 2)
	ids := allocPages(t, disk, 2)
	ctx := context.Background()

	h, err := pool.Fetch(ctx, ids[0])
	require.NoError(t, err)
	g := h.WLatch()
	g.Data()[100] = 7
	g.Release()
	require.NoError(t, h.Release(true))

	before := disk.Stats().Writes
	require.NoError(t, pool.Flush(ctx, ids[0]))
	require.Equal(t, before+1, disk.Stats().Writes)
	require.Equal(t, byte(7), disk.Peek(ids[0])[100])

	// clean: no write
	require.NoError(t, pool.Flush(ctx, ids[0]))
	require.Equal(t, before+1, disk.Stats().Writes)

	// not resident: no write
	require.NoError(t, pool.Flush(ctx, ids[1]))
	require.Equal(t, before+1, disk.Stats().Writes)

	// still resident, unpinned
	pin, resident := pool.PinCount(ids[0])
	require.True(t, resident)
	require.Equal(t, 0, pin)
}

func TestPool_FlushKeepsPinnedPageResident(t *testing.T) {
	pool, disk := newTestPool(t, 1)
	ids := allocPages(t, disk, 1)
	ctx := context.Background()

	h, err := pool.Fetch(ctx, ids[0])
	require.NoError(t, err)
	g := h.WLatch()
	g.Data()[1] = 1
	g.MarkDirty()
	g.Release()

	// dirty only after the unpin
	require.NoError(t, pool.Flush(ctx, ids[0]))
	require.NoError(t, h.Release(false))
	require.Equal(t, 1, pool.Stats().Dirty)

	require.NoError(t, pool.FlushAll(ctx))
	require.Equal(t, 0, pool.Stats().Dirty)
	require.Equal(t, byte(1), disk.Peek(ids[0])[1])
	require.GreaterOrEqual(t, disk.Stats().Syncs, uint64(1))
}

func TestPool_FlushAllWritesEveryDirtyFrame(t *testing.T) {
	pool, disk := newTestPoolOpts(t, Options{Capacity: 8, FlushWorkers: 3})
	ids := allocPages(t, disk, 8)
	ctx := context.Background()

	for i, id := range ids {
		h, err := pool.Fetch(ctx, id)
		require.NoError(t, err)
		g := h.WLatch()
		g.Data()[10] = byte(i + 1)
		g.Release()
		require.NoError(t, h.Release(true))
	}
	require.Equal(t, 8, pool.Stats().Dirty)

	require.NoError(t, pool.FlushAll(ctx))
	require.Equal(t, 0, pool.Stats().Dirty)
	for i, id := range ids {
		require.Equal(t, byte(i+1), disk.Peek(id)[10])
	}
}

func TestPool_InvalidUnpin(t *testing.T) {
	pool, disk := newTestPool(t, 2)
	ids := allocPages(t, disk, 1)

	h, err := pool.Fetch(context.Background(), ids[0])
	require.NoError(t, err)
	require.NoError(t, h.Release(false))

	require.ErrorIs(t, h.Release(false), ErrInvalidUnpin)
	pin, _ := pool.PinCount(ids[0])
	require.Equal(t, 0, pin, "pin count never goes negative")
}

func TestPool_StrictUnpinPanics(t *testing.T) {
	pool, disk := newTestPoolOpts(t, Options{Capacity: 2, StrictUnpin: true})
	ids := allocPages(t, disk, 1)

	h, err := pool.Fetch(context.Background(), ids[0])
	require.NoError(t, err)
	require.NoError(t, h.Release(false))
	require.Panics(t, func() { _ = h.Release(false) })
}

func TestPool_DeletePage(t *testing.T) {
	pool, disk := newTestPool(t, 2)
	ctx := context.Background()

	id, h, err := pool.NewPage(ctx)
	require.NoError(t, err)

	require.ErrorIs(t, pool.DeletePage(id), ErrPagePinned)
	_, resident := pool.PinCount(id)
	require.True(t, resident)

	require.NoError(t, h.Release(false))
	require.NoError(t, pool.DeletePage(id))

	_, resident = pool.PinCount(id)
	require.False(t, resident)
	require.False(t, disk.Allocated(id))
	require.Equal(t, 2, pool.Stats().Free)
}

func TestPool_NewPageGivesIDBackWhenFull(t *testing.T) {
	pool, disk := newTestPool(t, 1)
	ctx := context.Background()

	_, h, err := pool.NewPage(ctx)
	require.NoError(t, err)
	defer h.Release(false)

	_, _, err = pool.NewPage(ctx)
	require.ErrorIs(t, err, ErrNoFreeFrame)
	require.Equal(t, uint64(1), disk.Stats().Deallocs)
}

func TestPool_ReadFailureFreesFrame(t *testing.T) {
	pool, disk := newTestPool(t, 1)
	ids := allocPages(t, disk, 1)
	ctx := context.Background()

	disk.FailNextReads(1)
	_, err := pool.Fetch(ctx, ids[0])
	require.ErrorIs(t, err, storage.ErrIO)

	st := pool.Stats()
	require.Equal(t, 0, st.Resident)
	require.Equal(t, 0, st.Pinned)
	require.Equal(t, 1, st.Free)

	h, err := pool.Fetch(ctx, ids[0])
	require.NoError(t, err)
	require.NoError(t, h.Release(false))
}

func TestPool_WriteBackFailureKeepsVictim(t *testing.T) {
	pool, disk := newTestPool(t, 1)
	ids := allocPages(t, disk, 2)
	ctx := context.Background()

	h, err := pool.Fetch(ctx, ids[0])
	require.NoError(t, err)
	require.NoError(t, h.Release(true))

	disk.FailNextWrites(1)
	_, err = pool.Fetch(ctx, ids[1])
	require.ErrorIs(t, err, storage.ErrIO)

	pin, resident := pool.PinCount(ids[0])
	require.True(t, resident)
	require.Equal(t, 0, pin)
	require.Equal(t, 1, pool.Stats().Dirty)

	// the victim is evictable again
	h, err = pool.Fetch(ctx, ids[1])
	require.NoError(t, err)
	require.NoError(t, h.Release(false))
}

func TestPool_FetchRetriesUntilFrameFrees(t *testing.T) {
	pool, disk := newTestPoolOpts(t, Options{
		Capacity:     1,
		FetchRetries: 1000,
		FetchTimeout: 5 * time.Second,
	})
	ids := allocPages(t, disk, 2)
	ctx := context.Background()

	h, err := pool.Fetch(ctx, ids[0])
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = h.Release(false)
	}()

	h2, err := pool.Fetch(ctx, ids[1])
	require.NoError(t, err)
	require.Equal(t, uint32(ids[1]), readStamp(h2))
	require.NoError(t, h2.Release(false))
}

func TestPool_FetchRetryStopsOnContext(t *testing.T) {
	pool, disk := newTestPoolOpts(t, Options{Capacity: 1, FetchRetries: 1_000_000})
	ids := allocPages(t, disk, 2)

	h, err := pool.Fetch(context.Background(), ids[0])
	require.NoError(t, err)
	defer h.Release(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = pool.Fetch(ctx, ids[1])
	require.ErrorIs(t, err, ErrNoFreeFrame)
}

func TestPool_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg, "test")
	require.NoError(t, err)

	pool, disk := newTestPoolOpts(t, Options{Capacity: 1, Metrics: m})
	ids := allocPages(t, disk, 2)
	ctx := context.Background()

	for _, id := range []storage.PageID{ids[0], ids[0], ids[1]} {
		h, err := pool.Fetch(ctx, id)
		require.NoError(t, err)
		require.Equal(t, float64(1), testutil.ToFloat64(m.Pinned))
		require.NoError(t, h.Release(false))
	}

	require.Equal(t, float64(1), testutil.ToFloat64(m.Hits))
	require.Equal(t, float64(2), testutil.ToFloat64(m.Misses))
	require.Equal(t, float64(1), testutil.ToFloat64(m.Evictions))
	require.Equal(t, float64(0), testutil.ToFloat64(m.Pinned))

	// same names cannot be registered twice
	_, err = NewMetrics(reg, "test")
	require.Error(t, err)
}

func TestPool_Close(t *testing.T) {
	pool, disk := newTestPool(t, 2)
	ctx := context.Background()

	id, h, err := pool.NewPage(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Release(true))

	require.NoError(t, pool.Close(ctx))
	require.NotNil(t, disk.Peek(id))

	_, err = pool.Fetch(ctx, id)
	require.ErrorIs(t, err, ErrClosed)
}

func TestPool_UnknownPolicy(t *testing.T) {
	_, err := NewPool(storage.NewMemDiskManager(testPageSize), Options{Policy: "mru"})
	require.ErrorIs(t, err, ErrUnknownPolicy)
}

// Every goroutine bumps a counter on random pages through a pool much
// smaller than the page set. No increment may be lost across evictions.
func TestPool_ConcurrentIncrements(t *testing.T) {
	for _, policy := range []Policy{PolicyClock, PolicyLRU, PolicyLRUK} {
		t.Run(string(policy), func(t *testing.T) {
			pool, disk := newTestPoolOpts(t, Options{
				Capacity:     4,
				Policy:       policy,
				FetchRetries: 10_000,
				FetchTimeout: 10 * time.Second,
			})
			ids := allocPages(t, disk, 16)
			ctx := context.Background()

			const workers, rounds = 8, 200
			g, gctx := errgroup.WithContext(ctx)
			for w := range workers {
				g.Go(func() error {
					rng := rand.New(rand.NewPCG(uint64(w), 7))
					for range rounds {
						id := ids[rng.IntN(len(ids))]
						h, err := pool.Fetch(gctx, id)
						if err != nil {
							return err
						}
						wg := h.WLatch()
						n := binary.LittleEndian.Uint64(wg.Data()[8:])
						binary.LittleEndian.PutUint64(wg.Data()[8:], n+1)
						wg.MarkDirty()
						wg.Release()
						if err := h.Release(false); err != nil {
							return err
						}
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())
			require.Equal(t, 0, pool.Stats().Pinned)

			require.NoError(t, pool.FlushAll(ctx))
			var total uint64
			for _, id := range ids {
				total += binary.LittleEndian.Uint64(disk.Peek(id)[8:])
			}
			require.Equal(t, uint64(workers*rounds), total)
		})
	}
}

func TestPool_ConcurrentFetchSamePageReadsOnce(t *testing.T) {
	pool, disk := newTestPool(t, 4)
	ids := allocPages(t, disk, 1)
	reads := disk.Stats().Reads

	var wg sync.WaitGroup
	handles := make([]*Handle, 4)
	errs := make([]error, 4)
	for i := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handles[i], errs[i] = pool.Fetch(context.Background(), ids[0])
		}()
	}
	wg.Wait()

	for i, h := range handles {
		require.NoError(t, errs[i])
		require.Same(t, handles[0].f, h.f)
	}
	require.Equal(t, reads+1, disk.Stats().Reads)
	pin, _ := pool.PinCount(ids[0])
	require.Equal(t, 4, pin)
	for _, h := range handles {
		require.NoError(t, h.Release(false))
	}
}

// gatedDisk holds every write of page gate until the test lets it go.
type gatedDisk struct {
	*storage.MemDiskManager
	gate    storage.PageID
	entered chan chan struct{}
}

func newGatedPool(t *testing.T, opts Options) (*Pool, *gatedDisk) {
	t.Helper()
	disk := &gatedDisk{
		MemDiskManager: storage.NewMemDiskManager(testPageSize),
		entered:        make(chan chan struct{}),
	}
	pool, err := NewPool(disk, opts)
	require.NoError(t, err)
	return pool, disk
}

func (d *gatedDisk) WritePage(id storage.PageID, src []byte) error {
	if id == d.gate {
		release := make(chan struct{})
		d.entered <- release
		<-release
	}
	return d.MemDiskManager.WritePage(id, src)
}

type fetchResult struct {
	h   *Handle
	err error
}

func fetchAsync(ctx context.Context, pool *Pool, id storage.PageID) <-chan fetchResult {
	ch := make(chan fetchResult, 1)
	go func() {
		h, err := pool.Fetch(ctx, id)
		ch <- fetchResult{h: h, err: err}
	}()
	return ch
}

func TestPool_FetchSamePageDuringWriteBack(t *testing.T) {
	pool, disk := newGatedPool(t, Options{Capacity: 2, Policy: PolicyLRU})
	ids := allocPages(t, disk.MemDiskManager, 3)
	a, b, x := ids[0], ids[1], ids[2]
	disk.gate = a
	ctx := context.Background()

	h, err := pool.Fetch(ctx, a)
	require.NoError(t, err)
	require.NoError(t, h.Release(true))
	h, err = pool.Fetch(ctx, b)
	require.NoError(t, err)
	require.NoError(t, h.Release(false))

	// a is the victim and its write-back hangs
	first := fetchAsync(ctx, pool, x)
	release := <-disk.entered

	// x is read into b's frame in the meantime
	h2, err := pool.Fetch(ctx, x)
	require.NoError(t, err)
	close(release)

	r := <-first
	require.NoError(t, r.err)
	require.Same(t, h2.f, r.h.f, "one page, one frame")
	require.Equal(t, h2.f.idx, pool.pageTable[x])
	require.Equal(t, uint32(x), readStamp(r.h))

	pin, ok := pool.PinCount(x)
	require.True(t, ok)
	require.Equal(t, 2, pin)
	_, resident := pool.PinCount(a)
	require.False(t, resident)
	require.Equal(t, uint32(a), binary.LittleEndian.Uint32(disk.Peek(a)))

	st := pool.Stats()
	require.Equal(t, 1, st.Resident)
	require.Equal(t, 1, st.Free)

	require.NoError(t, r.h.Release(false))
	require.NoError(t, h2.Release(false))
}

func TestPool_FlushDuringEvictionLeavesPageEvictable(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg, "test")
	require.NoError(t, err)

	pool, disk := newGatedPool(t, Options{
		Capacity:     1,
		FetchRetries: 1000,
		FetchTimeout: 5 * time.Second,
		Metrics:      m,
	})
	ids := allocPages(t, disk.MemDiskManager, 2)
	a, b := ids[0], ids[1]
	disk.gate = a
	ctx := context.Background()

	h, err := pool.Fetch(ctx, a)
	require.NoError(t, err)
	require.NoError(t, h.Release(true))

	first := fetchAsync(ctx, pool, b)
	evictWrite := <-disk.entered

	flushed := make(chan error, 1)
	go func() { flushed <- pool.Flush(ctx, a) }()
	flushWrite := <-disk.entered

	// the eviction finishes while Flush still pins a and gives up
	close(evictWrite)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.NoFrame) > 0
	}, 5*time.Second, time.Millisecond)

	close(flushWrite)
	require.NoError(t, <-flushed)

	r := <-first
	require.NoError(t, r.err)
	require.Equal(t, uint32(b), readStamp(r.h))
	_, resident := pool.PinCount(a)
	require.False(t, resident)
	require.NoError(t, r.h.Release(false))
}
