package storage

import (
	"fmt"
	"sync"
)

var _ DiskManager = (*MemDiskManager)(nil)

// MemDiskManager keeps pages in memory. It counts every call and can be told
// to fail, which makes it the disk of choice for buffer pool and index tests.
type MemDiskManager struct {
	counters

	pageSize int

	mu     sync.Mutex
	pages  map[PageID][]byte
	free   []PageID
	next   PageID
	closed bool

	failReads  int
	failWrites int
	failAllocs int
}

func NewMemDiskManager(pageSize int) *MemDiskManager {
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	return &MemDiskManager{
		pageSize: pageSize,
		pages:    make(map[PageID][]byte),
		next:     headerPageID + 1,
	}
}

func (m *MemDiskManager) PageSize() int { return m.pageSize }

func (m *MemDiskManager) Stats() Stats { return m.snapshot() }

// FailNextReads makes the next n ReadPage calls return ErrIO.
func (m *MemDiskManager) FailNextReads(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failReads = n
}

// FailNextWrites makes the next n WritePage calls return ErrIO.
func (m *MemDiskManager) FailNextWrites(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = n
}

// FailNextAllocs makes the next n AllocatePage calls return ErrIO.
func (m *MemDiskManager) FailNextAllocs(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAllocs = n
}

// Allocated reports whether id is currently allocated.
func (m *MemDiskManager) Allocated(id PageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocatedLocked(id)
}

func (m *MemDiskManager) allocatedLocked(id PageID) bool {
	if id == headerPageID || id >= m.next {
		return false
	}
	for _, f := range m.free {
		if f == id {
			return false
		}
	}
	return true
}

// Peek returns a copy of the stored bytes of id, or nil if never written.
func (m *MemDiskManager) Peek(id PageID) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.pages[id]
	if !ok {
		return nil
	}
	return append([]byte(nil), b...)
}

func (m *MemDiskManager) ReadPage(id PageID, dst []byte) error {
	if len(dst) != m.pageSize {
		return ErrBufferSize
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.failReads > 0 {
		m.failReads--
		return fmt.Errorf("%w: read page %d: injected fault", ErrIO, id)
	}
	if !m.allocatedLocked(id) {
		return fmt.Errorf("%w: %d", ErrNotAllocated, id)
	}
	if b, ok := m.pages[id]; ok {
		copy(dst, b)
	} else {
		clear(dst)
	}
	m.reads.Inc()
	return nil
}

func (m *MemDiskManager) WritePage(id PageID, src []byte) error {
	if len(src) != m.pageSize {
		return ErrBufferSize
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.failWrites > 0 {
		m.failWrites--
		return fmt.Errorf("%w: write page %d: injected fault", ErrIO, id)
	}
	if !m.allocatedLocked(id) {
		return fmt.Errorf("%w: %d", ErrNotAllocated, id)
	}
	b, ok := m.pages[id]
	if !ok {
		b = make([]byte, m.pageSize)
		m.pages[id] = b
	}
	copy(b, src)
	m.noteWrite(id)
	return nil
}

func (m *MemDiskManager) AllocatePage() (PageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return InvalidPageID, ErrClosed
	}
	if m.failAllocs > 0 {
		m.failAllocs--
		return InvalidPageID, fmt.Errorf("%w: allocate: injected fault", ErrIO)
	}
	m.allocs.Inc()
	if n := len(m.free); n > 0 {
		id := m.free[n-1]
		m.free = m.free[:n-1]
		return id, nil
	}
	id := m.next
	m.next++
	return id, nil
}

func (m *MemDiskManager) DeallocatePage(id PageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if !m.allocatedLocked(id) {
		return fmt.Errorf("%w: %d", ErrNotAllocated, id)
	}
	delete(m.pages, id)
	m.free = append(m.free, id)
	m.deallocs.Inc()
	return nil
}

func (m *MemDiskManager) Sync() error {
	m.syncs.Inc()
	return nil
}

func (m *MemDiskManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
