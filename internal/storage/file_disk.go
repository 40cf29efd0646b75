package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var _ DiskManager = (*FileDiskManager)(nil)

// FileOptions configures a FileDiskManager.
type FileOptions struct {
	// PageSize is used when creating a new file. An existing file keeps the
	// page size recorded in its header; a non-zero mismatching value is an error.
	PageSize int
	// SegmentSize is the maximum size of one segment file. It is rounded down
	// to a multiple of the page size.
	SegmentSize int64
	// SyncOnWrite fsyncs the segment after every page write.
	SyncOnWrite bool
	Logger      *zap.Logger
}

// FileDiskManager stores pages in segment files on the local file system and
// keeps allocation state in a header page (page 0).
type FileDiskManager struct {
	counters

	fs          LocalFileSet
	pageSize    int
	segmentSize int64
	syncOnWrite bool
	log         *zap.Logger

	mu        sync.Mutex // guards hdr, hdrDirty, segs, closed
	hdr       fileHeader
	hdrDirty  bool
	segs      map[int32]*os.File
	closed    bool

	allocMu sync.Mutex // serializes AllocatePage/DeallocatePage and owns scratch
	scratch []byte
}

// OpenFileDiskManager opens the page file described by fs, creating and
// formatting it when it does not exist yet.
func OpenFileDiskManager(fs LocalFileSet, opts FileOptions) (*FileDiskManager, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultSegmentSize
	}

	dm := &FileDiskManager{
		fs:          fs,
		syncOnWrite: opts.SyncOnWrite,
		log:         opts.Logger.Named("disk"),
		segs:        make(map[int32]*os.File),
	}

	f, err := dm.segment(0)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = dm.closeSegments()
		return nil, fmt.Errorf("%w: stat %s: %w", ErrIO, fs.Base, err)
	}

	if info.Size() == 0 {
		pageSize := opts.PageSize
		if pageSize == 0 {
			pageSize = DefaultPageSize
		}
		if err := ValidatePageSize(pageSize); err != nil {
			_ = dm.closeSegments()
			return nil, err
		}
		dm.pageSize = pageSize
		dm.hdr = newFileHeader(pageSize)
		dm.hdrDirty = true
		if err := dm.writeHeaderLocked(); err != nil {
			_ = dm.closeSegments()
			return nil, err
		}
		dm.log.Info("created page file",
			zap.String("dir", fs.Dir),
			zap.String("base", fs.Base),
			zap.Int("pageSize", pageSize),
			zap.Stringer("fileID", dm.hdr.fileID),
		)
	} else {
		buf := make([]byte, headerLen)
		if _, err := f.ReadAt(buf, 0); err != nil {
			_ = dm.closeSegments()
			return nil, fmt.Errorf("%w: read header: %w", ErrIO, err)
		}
		hdr, err := decodeFileHeader(buf)
		if err != nil {
			_ = dm.closeSegments()
			return nil, err
		}
		if opts.PageSize != 0 && opts.PageSize != int(hdr.pageSize) {
			_ = dm.closeSegments()
			return nil, fmt.Errorf("%w: file has %d, requested %d", ErrBadPageSize, hdr.pageSize, opts.PageSize)
		}
		dm.hdr = hdr
		dm.pageSize = int(hdr.pageSize)
		dm.log.Debug("opened page file",
			zap.String("base", fs.Base),
			zap.Uint32("nextPageID", uint32(hdr.nextPageID)),
			zap.Uint32("freeCount", hdr.freeCount),
		)
	}

	dm.segmentSize = opts.SegmentSize - opts.SegmentSize%int64(dm.pageSize)
	if dm.segmentSize < int64(dm.pageSize) {
		dm.segmentSize = int64(dm.pageSize)
	}
	dm.scratch = make([]byte, dm.pageSize)
	return dm, nil
}

func (dm *FileDiskManager) PageSize() int { return dm.pageSize }

// FileID is the identity stamped into the header when the file was created.
func (dm *FileDiskManager) FileID() uuid.UUID {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.hdr.fileID
}

// NumPages returns the high-water mark of allocated page ids (header included).
func (dm *FileDiskManager) NumPages() uint32 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return uint32(dm.hdr.nextPageID)
}

// FreePages returns the number of deallocated pages waiting for reuse.
func (dm *FileDiskManager) FreePages() uint32 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.hdr.freeCount
}

func (dm *FileDiskManager) Stats() Stats { return dm.snapshot() }

func (dm *FileDiskManager) locate(id PageID) (segNo int32, offset int64) {
	pps := dm.segmentSize / int64(dm.pageSize)
	segNo = int32(int64(id) / pps)
	offset = (int64(id) % pps) * int64(dm.pageSize)
	return segNo, offset
}

// segment returns an open handle for segNo. Callers must not hold dm.mu.
func (dm *FileDiskManager) segment(segNo int32) (*os.File, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.segmentLocked(segNo)
}

func (dm *FileDiskManager) segmentLocked(segNo int32) (*os.File, error) {
	if dm.closed {
		return nil, ErrClosed
	}
	if f, ok := dm.segs[segNo]; ok {
		return f, nil
	}
	f, err := dm.fs.OpenSegment(segNo)
	if err != nil {
		return nil, fmt.Errorf("%w: open segment %d: %w", ErrIO, segNo, err)
	}
	dm.segs[segNo] = f
	return f, nil
}

func (dm *FileDiskManager) checkID(id PageID) error {
	dm.mu.Lock()
	next := dm.hdr.nextPageID
	closed := dm.closed
	dm.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if id == headerPageID {
		return fmt.Errorf("%w: %d is the file header", ErrInvalidPageID, id)
	}
	if id >= next {
		return fmt.Errorf("%w: %d (next=%d)", ErrNotAllocated, id, next)
	}
	return nil
}

// ReadPage reads exactly one page into dst. Bytes past the end of the
// segment read as zero, so allocated but never written pages are blank.
func (dm *FileDiskManager) ReadPage(id PageID, dst []byte) error {
	if len(dst) != dm.pageSize {
		return ErrBufferSize
	}
	if err := dm.checkID(id); err != nil {
		return err
	}
	return dm.readRaw(id, dst)
}

func (dm *FileDiskManager) readRaw(id PageID, dst []byte) error {
	segNo, off := dm.locate(id)
	f, err := dm.segment(segNo)
	if err != nil {
		return err
	}

	n, err := f.ReadAt(dst, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: read page %d: %w", ErrIO, id, err)
	}
	clear(dst[n:])
	dm.reads.Inc()
	return nil
}

// WritePage writes exactly one page from src.
func (dm *FileDiskManager) WritePage(id PageID, src []byte) error {
	if len(src) != dm.pageSize {
		return ErrBufferSize
	}
	if err := dm.checkID(id); err != nil {
		return err
	}
	return dm.writeRaw(id, src)
}

func (dm *FileDiskManager) writeRaw(id PageID, src []byte) error {
	segNo, off := dm.locate(id)
	f, err := dm.segment(segNo)
	if err != nil {
		return err
	}

	n, err := f.WriteAt(src, off)
	if err != nil {
		return fmt.Errorf("%w: write page %d: %w", ErrIO, id, err)
	}
	if n != len(src) {
		return fmt.Errorf("%w: write page %d: %w", ErrIO, id, io.ErrShortWrite)
	}
	if dm.syncOnWrite {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("%w: sync segment %d: %w", ErrIO, segNo, err)
		}
		dm.syncs.Inc()
	}
	dm.noteWrite(id)
	return nil
}

// AllocatePage hands out a deallocated page when one is available, otherwise
// extends the file.
func (dm *FileDiskManager) AllocatePage() (PageID, error) {
	dm.allocMu.Lock()
	defer dm.allocMu.Unlock()

	dm.mu.Lock()
	closed, head := dm.closed, dm.hdr.freeHead
	dm.mu.Unlock()
	if closed {
		return InvalidPageID, ErrClosed
	}

	if head.Valid() {
		if err := dm.readRaw(head, dm.scratch); err != nil {
			return InvalidPageID, err
		}
		next, ok := decodeFreePage(dm.scratch)
		if !ok {
			return InvalidPageID, fmt.Errorf("%w: page %d on free list is not marked free", ErrCorruptedHeader, head)
		}
		// wipe the marker so the page reads as live and blank
		clear(dm.scratch)
		if err := dm.writeRaw(head, dm.scratch); err != nil {
			return InvalidPageID, err
		}
		dm.mu.Lock()
		dm.hdr.freeHead = next
		dm.hdr.freeCount--
		dm.hdrDirty = true
		dm.mu.Unlock()
		dm.allocs.Inc()
		return head, nil
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()
	id := dm.hdr.nextPageID
	if id == PageID(^uint32(0)) {
		return InvalidPageID, fmt.Errorf("%w: page id space exhausted", ErrIO)
	}
	dm.hdr.nextPageID++
	dm.hdrDirty = true
	dm.allocs.Inc()
	return id, nil
}

// DeallocatePage puts id on the free list. Its content is overwritten with
// the free-list link. A page that is already free yields ErrNotAllocated.
func (dm *FileDiskManager) DeallocatePage(id PageID) error {
	if err := dm.checkID(id); err != nil {
		return err
	}

	dm.allocMu.Lock()
	defer dm.allocMu.Unlock()

	if err := dm.readRaw(id, dm.scratch); err != nil {
		return err
	}
	if _, free := decodeFreePage(dm.scratch); free {
		return fmt.Errorf("%w: %d is already free", ErrNotAllocated, id)
	}

	dm.mu.Lock()
	head := dm.hdr.freeHead
	dm.mu.Unlock()

	encodeFreePage(dm.scratch, head)
	if err := dm.writeRaw(id, dm.scratch); err != nil {
		return err
	}

	dm.mu.Lock()
	dm.hdr.freeHead = id
	dm.hdr.freeCount++
	dm.hdrDirty = true
	dm.mu.Unlock()
	dm.deallocs.Inc()
	return nil
}

func (dm *FileDiskManager) writeHeaderLocked() error {
	if !dm.hdrDirty {
		return nil
	}
	f, err := dm.segmentLocked(0)
	if err != nil {
		return err
	}
	buf := make([]byte, dm.pageSize)
	dm.hdr.encode(buf)
	if _, err := f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("%w: write header: %w", ErrIO, err)
	}
	dm.hdrDirty = false
	return nil
}

// Sync persists the header and fsyncs every open segment.
func (dm *FileDiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.closed {
		return ErrClosed
	}
	return dm.syncLocked()
}

func (dm *FileDiskManager) syncLocked() error {
	if err := dm.writeHeaderLocked(); err != nil {
		return err
	}
	for segNo, f := range dm.segs {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("%w: sync segment %d: %w", ErrIO, segNo, err)
		}
	}
	dm.syncs.Inc()
	return nil
}

// Close syncs and closes all segment files. It is safe to call twice.
func (dm *FileDiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.closed {
		return nil
	}
	err := dm.syncLocked()
	dm.closed = true
	if cerr := dm.closeSegmentsLocked(); err == nil {
		err = cerr
	}
	return err
}

func (dm *FileDiskManager) closeSegments() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.closeSegmentsLocked()
}

func (dm *FileDiskManager) closeSegmentsLocked() error {
	var firstErr error
	for segNo, f := range dm.segs {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: close segment %d: %w", ErrIO, segNo, err)
		}
		delete(dm.segs, segNo)
	}
	return firstErr
}
