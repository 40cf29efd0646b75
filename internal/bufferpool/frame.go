package bufferpool

import (
	"sync"

	"github.com/tuannm99/blinkdb/internal/storage"
)

// frame is one page-sized slot of the pool. The latch guards data; every
// other field is guarded by Pool.mu.
type frame struct {
	idx   int
	data  []byte
	latch sync.RWMutex

	pageID  storage.PageID
	pin     int32
	dirty   bool
	version uint64 // bumped on every dirty unpin

	// ready is non-nil while the page is being read in. It is closed when
	// the read finishes, successfully or not.
	ready chan struct{}
}

func newFrame(idx, pageSize int) *frame {
	return &frame{idx: idx, data: make([]byte, pageSize)}
}

func (f *frame) bound() bool { return f.pageID.Valid() }
