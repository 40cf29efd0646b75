package storage

import (
	"errors"
	"fmt"
)

const (
	OneB  = 1 << 0  // 1
	OneKB = 1 << 10 // 1,024
	OneMB = 1 << 20 // 1,048,576
	OneGB = 1 << 30 // 1,073,741,824

	DefaultPageSize    = 4 * OneKB // 4,096
	MinPageSize        = 512
	MaxPageSize        = 64 * OneKB
	DefaultSegmentSize = OneGB
)

const (
	FileMode0644 = 0o644
	FileMode0664 = 0o664
	FileMode0755 = 0o755
)

// PageID identifies a logical page. It is stable for the lifetime of the page
// and reused only after DeallocatePage.
type PageID uint32

// InvalidPageID doubles as "no page" in on-page links. Page 0 of a file is
// the file header and is never handed out by AllocatePage.
const InvalidPageID PageID = 0

func (id PageID) Valid() bool { return id != InvalidPageID }

func (id PageID) String() string { return fmt.Sprintf("page(%d)", uint32(id)) }

var (
	ErrIO              = errors.New("storage: I/O error")
	ErrBadPageSize     = errors.New("storage: invalid page size")
	ErrBufferSize      = errors.New("storage: buffer size != page size")
	ErrInvalidPageID   = errors.New("storage: invalid page id")
	ErrNotAllocated    = errors.New("storage: page is not allocated")
	ErrCorruptedHeader = errors.New("storage: corrupted file header")
	ErrClosed          = errors.New("storage: disk manager is closed")
)

// ValidatePageSize reports whether size is a usable page size: a power of two
// in [MinPageSize, MaxPageSize].
func ValidatePageSize(size int) error {
	if size < MinPageSize || size > MaxPageSize || size&(size-1) != 0 {
		return fmt.Errorf("%w: %d", ErrBadPageSize, size)
	}
	return nil
}
