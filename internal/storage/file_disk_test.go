package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 512

func openTestDisk(t *testing.T, dir string, opts FileOptions) *FileDiskManager {
	t.Helper()
	if opts.PageSize == 0 {
		opts.PageSize = testPageSize
	}
	dm, err := OpenFileDiskManager(LocalFileSet{Dir: dir, Base: "pages"}, opts)
	require.NoError(t, err)
	return dm
}

func filled(size int, b byte) []byte {
	return bytes.Repeat([]byte{b}, size)
}

func TestFileDisk_CreateAndReopen(t *testing.T) {
	dir := t.TempDir()

	dm := openTestDisk(t, dir, FileOptions{})
	fileID := dm.FileID()
	require.Equal(t, testPageSize, dm.PageSize())
	require.Equal(t, uint32(1), dm.NumPages(), "only the header page exists")

	id, err := dm.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, PageID(1), id)
	require.NoError(t, dm.WritePage(id, filled(testPageSize, 0xAB)))
	require.NoError(t, dm.Close())
	require.NoError(t, dm.Close(), "second close is a no-op")

	// page size comes from the header when not given
	dm2, err := OpenFileDiskManager(LocalFileSet{Dir: dir, Base: "pages"}, FileOptions{})
	require.NoError(t, err)
	defer dm2.Close()

	assert.Equal(t, fileID, dm2.FileID())
	assert.Equal(t, testPageSize, dm2.PageSize())
	assert.Equal(t, uint32(2), dm2.NumPages())

	buf := make([]byte, testPageSize)
	require.NoError(t, dm2.ReadPage(id, buf))
	assert.Equal(t, filled(testPageSize, 0xAB), buf)
}

func TestFileDisk_PageSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, openTestDisk(t, dir, FileOptions{}).Close())

	_, err := OpenFileDiskManager(LocalFileSet{Dir: dir, Base: "pages"}, FileOptions{PageSize: 1024})
	require.ErrorIs(t, err, ErrBadPageSize)
}

func TestFileDisk_InvalidPageSize(t *testing.T) {
	_, err := OpenFileDiskManager(LocalFileSet{Dir: t.TempDir(), Base: "pages"}, FileOptions{PageSize: 1000})
	require.ErrorIs(t, err, ErrBadPageSize)
}

func TestFileDisk_CorruptedHeader(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, openTestDisk(t, dir, FileOptions{}).Close())

	path := filepath.Join(dir, "pages")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[13] ^= 0xFF // flip a bit of nextPageID, checksum no longer matches
	require.NoError(t, os.WriteFile(path, raw, FileMode0644))

	_, err = OpenFileDiskManager(LocalFileSet{Dir: dir, Base: "pages"}, FileOptions{})
	require.ErrorIs(t, err, ErrCorruptedHeader)
}

func TestFileDisk_UnwrittenPageReadsZero(t *testing.T) {
	dm := openTestDisk(t, t.TempDir(), FileOptions{})
	defer dm.Close()

	id, err := dm.AllocatePage()
	require.NoError(t, err)

	buf := filled(testPageSize, 0xFF)
	require.NoError(t, dm.ReadPage(id, buf))
	assert.Equal(t, make([]byte, testPageSize), buf)
}

func TestFileDisk_RejectsBadIDsAndBuffers(t *testing.T) {
	dm := openTestDisk(t, t.TempDir(), FileOptions{})
	defer dm.Close()

	buf := make([]byte, testPageSize)
	require.ErrorIs(t, dm.ReadPage(InvalidPageID, buf), ErrInvalidPageID)
	require.ErrorIs(t, dm.ReadPage(7, buf), ErrNotAllocated)
	require.ErrorIs(t, dm.WritePage(7, buf), ErrNotAllocated)
	require.ErrorIs(t, dm.ReadPage(1, make([]byte, 10)), ErrBufferSize)
	require.ErrorIs(t, dm.DeallocatePage(InvalidPageID), ErrInvalidPageID)
}

func TestFileDisk_FreeListReuse(t *testing.T) {
	dir := t.TempDir()
	dm := openTestDisk(t, dir, FileOptions{})

	var ids []PageID
	for range 4 {
		id, err := dm.AllocatePage()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Equal(t, []PageID{1, 2, 3, 4}, ids)

	require.NoError(t, dm.DeallocatePage(2))
	require.NoError(t, dm.DeallocatePage(4))
	require.Equal(t, uint32(2), dm.FreePages())

	// free list survives a reopen
	require.NoError(t, dm.Close())
	dm = openTestDisk(t, dir, FileOptions{})
	defer dm.Close()
	require.Equal(t, uint32(2), dm.FreePages())

	// LIFO reuse, then the file grows again
	id, err := dm.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, PageID(4), id)
	id, err = dm.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, PageID(2), id)
	id, err = dm.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, PageID(5), id)
	require.Equal(t, uint32(0), dm.FreePages())

	st := dm.Stats()
	require.Equal(t, uint64(3), st.Allocs)
}

func TestFileDisk_DoubleFree(t *testing.T) {
	dm := openTestDisk(t, t.TempDir(), FileOptions{})
	defer dm.Close()

	a, err := dm.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, dm.DeallocatePage(a))
	require.ErrorIs(t, dm.DeallocatePage(a), ErrNotAllocated)
	require.Equal(t, uint32(1), dm.FreePages())

	// the page is handed out once, then the file grows
	id, err := dm.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, a, id)
	id, err = dm.AllocatePage()
	require.NoError(t, err)
	require.NotEqual(t, a, id)

	// reused and never written: blank, and can be freed again
	buf := make([]byte, testPageSize)
	require.NoError(t, dm.ReadPage(a, buf))
	require.Equal(t, make([]byte, testPageSize), buf)
	require.NoError(t, dm.DeallocatePage(a))
	require.Equal(t, uint32(1), dm.FreePages())
}

func TestFileDisk_Segments(t *testing.T) {
	dir := t.TempDir()
	// two pages per segment
	dm := openTestDisk(t, dir, FileOptions{SegmentSize: 2 * testPageSize})

	for i := range 5 {
		id, err := dm.AllocatePage()
		require.NoError(t, err)
		require.NoError(t, dm.WritePage(id, filled(testPageSize, byte(i+1))))
	}
	require.NoError(t, dm.Sync())

	lfs := LocalFileSet{Dir: dir, Base: "pages"}
	segs, err := lfs.Segments()
	require.NoError(t, err)
	require.Equal(t, []int32{0, 1, 2}, segs)

	buf := make([]byte, testPageSize)
	require.NoError(t, dm.ReadPage(5, buf))
	assert.Equal(t, filled(testPageSize, 5), buf)

	st := dm.Stats()
	assert.Equal(t, uint64(5), st.Writes)
	assert.Equal(t, PageID(5), st.LastWritten)
	assert.GreaterOrEqual(t, st.Syncs, uint64(1))

	require.NoError(t, dm.Close())
	require.NoError(t, RemoveAllSegments(lfs))
	segs, err = lfs.Segments()
	require.NoError(t, err)
	require.Empty(t, segs)
}

func TestFileDisk_Closed(t *testing.T) {
	dm := openTestDisk(t, t.TempDir(), FileOptions{})
	require.NoError(t, dm.Close())

	_, err := dm.AllocatePage()
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, dm.ReadPage(1, make([]byte, testPageSize)), ErrClosed)
	require.ErrorIs(t, dm.Sync(), ErrClosed)
}

func TestSegFileName(t *testing.T) {
	assert.Equal(t, "idx", SegFileName("idx", 0))
	assert.Equal(t, "idx.3", SegFileName("idx", 3))
}

func TestValidatePageSize(t *testing.T) {
	require.NoError(t, ValidatePageSize(DefaultPageSize))
	require.NoError(t, ValidatePageSize(MinPageSize))
	require.ErrorIs(t, ValidatePageSize(MinPageSize/2), ErrBadPageSize)
	require.ErrorIs(t, ValidatePageSize(3000), ErrBadPageSize)
	require.ErrorIs(t, ValidatePageSize(2*MaxPageSize), ErrBadPageSize)
}
