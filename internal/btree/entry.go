package btree

import (
	"fmt"

	"github.com/tuannm99/blinkdb/internal/alias/bx"
	"github.com/tuannm99/blinkdb/internal/storage"
)

// KeyType is the index key. Keys are unique.
type KeyType = int64

// RecordPointer locates a tuple in a heap file: page and slot.
type RecordPointer struct {
	PageID uint32
	Slot   uint16
}

func (rp RecordPointer) String() string { return fmt.Sprintf("(%d,%d)", rp.PageID, rp.Slot) }

const (
	// LeafEntrySize is 8 bytes key + 4 bytes PageID + 2 bytes Slot.
	LeafEntrySize = 8 + 4 + 2

	// InternalEntrySize is 8 bytes key + 4 bytes child page id.
	InternalEntrySize = 8 + 4
)

type leafEntry struct {
	key KeyType
	rp  RecordPointer
}

// internalEntry (key, child): child holds keys up to key. The key of the last
// entry of a node is not used for routing; that child runs up to the node's
// high key.
type internalEntry struct {
	key   KeyType
	child storage.PageID
}

// Layout: [key int64][PageID uint32][Slot uint16]
func putLeafEntry(b []byte, e leafEntry) {
	bx.PutI64At(b, 0, e.key)
	bx.PutU32At(b, 8, e.rp.PageID)
	bx.PutU16At(b, 12, e.rp.Slot)
}

func readLeafEntry(b []byte) leafEntry {
	return leafEntry{
		key: bx.I64At(b, 0),
		rp:  RecordPointer{PageID: bx.U32At(b, 8), Slot: bx.U16At(b, 12)},
	}
}

// Layout: [key int64][child uint32]
func putInternalEntry(b []byte, e internalEntry) {
	bx.PutI64At(b, 0, e.key)
	bx.PutU32At(b, 8, uint32(e.child))
}

func readInternalEntry(b []byte) internalEntry {
	return internalEntry{key: bx.I64At(b, 0), child: storage.PageID(bx.U32At(b, 8))}
}
