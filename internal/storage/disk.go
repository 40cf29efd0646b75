package storage

import (
	"go.uber.org/atomic"
)

// DiskManager is the page-granular block device under the buffer pool.
// Every failure of the backing store is reported wrapped in ErrIO.
type DiskManager interface {
	ReadPage(id PageID, dst []byte) error
	WritePage(id PageID, src []byte) error
	AllocatePage() (PageID, error)
	DeallocatePage(id PageID) error
	PageSize() int
	Sync() error
	Close() error
}

// Stats is a point-in-time copy of the I/O counters of a disk manager.
type Stats struct {
	Reads       uint64
	Writes      uint64
	Syncs       uint64
	Allocs      uint64
	Deallocs    uint64
	LastWritten PageID
}

// counters is embedded by the disk managers.
type counters struct {
	reads       atomic.Uint64
	writes      atomic.Uint64
	syncs       atomic.Uint64
	allocs      atomic.Uint64
	deallocs    atomic.Uint64
	lastWritten atomic.Uint32
}

func (c *counters) noteWrite(id PageID) {
	c.writes.Inc()
	c.lastWritten.Store(uint32(id))
}

func (c *counters) snapshot() Stats {
	return Stats{
		Reads:       c.reads.Load(),
		Writes:      c.writes.Load(),
		Syncs:       c.syncs.Load(),
		Allocs:      c.allocs.Load(),
		Deallocs:    c.deallocs.Load(),
		LastWritten: PageID(c.lastWritten.Load()),
	}
}
