package storage

import (
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"

	"github.com/tuannm99/blinkdb/internal/alias/bx"
)

// File header, stored in page 0 of segment 0:
//
//	0  magic        uint32
//	4  version      uint16
//	6  reserved     uint16
//	8  pageSize     uint32
//	12 nextPageID   uint32
//	16 freeHead     uint32
//	20 freeCount    uint32
//	24 fileID       [16]byte
//	40 checksum     uint32 (crc32 over bytes [0,40))
const (
	fileMagic     uint32 = 0xB11C0DB0
	fileVersion   uint16 = 1
	headerPageID         = PageID(0)
	headerBodyLen        = 40
	headerLen            = headerBodyLen + 4

	freeMagic uint32 = 0xF4EEF4EE
)

type fileHeader struct {
	pageSize   uint32
	nextPageID PageID
	freeHead   PageID
	freeCount  uint32
	fileID     uuid.UUID
}

func newFileHeader(pageSize int) fileHeader {
	return fileHeader{
		pageSize:   uint32(pageSize),
		nextPageID: headerPageID + 1,
		fileID:     uuid.New(),
	}
}

func (h *fileHeader) encode(dst []byte) {
	clear(dst)
	bx.PutU32At(dst, 0, fileMagic)
	bx.PutU16At(dst, 4, fileVersion)
	bx.PutU32At(dst, 8, h.pageSize)
	bx.PutU32At(dst, 12, uint32(h.nextPageID))
	bx.PutU32At(dst, 16, uint32(h.freeHead))
	bx.PutU32At(dst, 20, h.freeCount)
	copy(dst[24:40], h.fileID[:])
	bx.PutU32At(dst, headerBodyLen, crc32.ChecksumIEEE(dst[:headerBodyLen]))
}

func decodeFileHeader(src []byte) (fileHeader, error) {
	var h fileHeader
	if len(src) < headerLen {
		return h, ErrCorruptedHeader
	}
	if bx.U32At(src, 0) != fileMagic {
		return h, fmt.Errorf("%w: bad magic %#x", ErrCorruptedHeader, bx.U32At(src, 0))
	}
	if v := bx.U16At(src, 4); v != fileVersion {
		return h, fmt.Errorf("%w: unsupported version %d", ErrCorruptedHeader, v)
	}
	if sum := crc32.ChecksumIEEE(src[:headerBodyLen]); sum != bx.U32At(src, headerBodyLen) {
		return h, fmt.Errorf("%w: checksum mismatch", ErrCorruptedHeader)
	}
	h.pageSize = bx.U32At(src, 8)
	h.nextPageID = PageID(bx.U32At(src, 12))
	h.freeHead = PageID(bx.U32At(src, 16))
	h.freeCount = bx.U32At(src, 20)
	copy(h.fileID[:], src[24:40])
	return h, nil
}

// A deallocated page carries [freeMagic][next free page id] at its start.
func encodeFreePage(dst []byte, next PageID) {
	clear(dst)
	bx.PutU32At(dst, 0, freeMagic)
	bx.PutU32At(dst, 4, uint32(next))
}

func decodeFreePage(src []byte) (PageID, bool) {
	if bx.U32At(src, 0) != freeMagic {
		return InvalidPageID, false
	}
	return PageID(bx.U32At(src, 4)), true
}
