package btree

import (
	"fmt"
	"math"
	"sort"

	"github.com/tuannm99/blinkdb/internal/alias/bx"
	"github.com/tuannm99/blinkdb/internal/storage"
)

// Node page layout (little endian):
//
//	0  kind      uint8  (1 leaf, 2 internal)
//	1  flags     uint8  (bit 0: high key is +inf)
//	2  level     uint16 (0 for leaves)
//	4  count     uint16
//	6  reserved  uint16
//	8  pageID    uint32
//	12 right     uint32 (0: none)
//	16 highKey   int64
//	24 reserved  [8]byte
//	32 entries
const (
	nodeHeaderSize = 32

	kindLeaf     uint8 = 1
	kindInternal uint8 = 2

	flagHighInf uint8 = 1 << 0

	offKind   = 0
	offFlags  = 1
	offLevel  = 2
	offCount  = 4
	offPageID = 8
	offRight  = 12
	offHigh   = 16

	// posInf routes to the rightmost node of a level. No finite high key can
	// equal it: a separator is always smaller than some key to its right.
	posInf KeyType = math.MaxInt64
)

// node interprets a latched page buffer. It never outlives the latch.
type node []byte

func initNode(b []byte, kind uint8, level int, id storage.PageID) node {
	clear(b)
	n := node(b)
	bx.PutU8At(n, offKind, kind)
	bx.PutU16At(n, offLevel, uint16(level))
	bx.PutU32At(n, offPageID, uint32(id))
	n.setHigh(0, true)
	return n
}

func (n node) kind() uint8               { return bx.U8At(n, offKind) }
func (n node) isLeaf() bool              { return n.kind() == kindLeaf }
func (n node) level() int                { return int(bx.U16At(n, offLevel)) }
func (n node) count() int                { return int(bx.U16At(n, offCount)) }
func (n node) setCount(c int)            { bx.PutU16At(n, offCount, uint16(c)) }
func (n node) pageID() storage.PageID    { return storage.PageID(bx.U32At(n, offPageID)) }
func (n node) right() storage.PageID     { return storage.PageID(bx.U32At(n, offRight)) }
func (n node) setRight(r storage.PageID) { bx.PutU32At(n, offRight, uint32(r)) }

// high returns the high key; inf reports +infinity, in which case k is
// meaningless.
func (n node) high() (k KeyType, inf bool) {
	return bx.I64At(n, offHigh), bx.U8At(n, offFlags)&flagHighInf != 0
}

func (n node) setHigh(k KeyType, inf bool) {
	flags := bx.U8At(n, offFlags) &^ flagHighInf
	if inf {
		flags |= flagHighInf
		k = 0
	}
	bx.PutU8At(n, offFlags, flags)
	bx.PutI64At(n, offHigh, k)
}

// highKey is the high key with +inf mapped to posInf.
func (n node) highKey() KeyType {
	if k, inf := n.high(); !inf {
		return k
	}
	return posInf
}

// covers reports whether key belongs to this node or its subtree. A key that
// is not covered lives to the right.
func (n node) covers(key KeyType) bool {
	k, inf := n.high()
	return inf || key <= k
}

func (n node) check(id storage.PageID) error {
	if k := n.kind(); k != kindLeaf && k != kindInternal {
		return fmt.Errorf("%w: page %d has kind %d", ErrCorruptNode, id, k)
	}
	if got := n.pageID(); got != id {
		return fmt.Errorf("%w: page %d claims to be page %d", ErrCorruptNode, id, got)
	}
	if n.isLeaf() != (n.level() == 0) {
		return fmt.Errorf("%w: page %d kind %d at level %d", ErrCorruptNode, id, n.kind(), n.level())
	}
	return nil
}

// ---- leaf entries ----

func leafOff(i int) int { return nodeHeaderSize + i*LeafEntrySize }

func (n node) leafAt(i int) leafEntry { return readLeafEntry(n[leafOff(i):]) }

func (n node) leafKey(i int) KeyType { return bx.I64At(n, leafOff(i)) }

// leafSearch returns the position of key, or where it would be inserted.
func (n node) leafSearch(key KeyType) (int, bool) {
	c := n.count()
	i := sort.Search(c, func(i int) bool { return n.leafKey(i) >= key })
	return i, i < c && n.leafKey(i) == key
}

func (n node) leafInsert(i int, e leafEntry) {
	c := n.count()
	bx.Shift(n, leafOff(i+1), leafOff(i), (c-i)*LeafEntrySize)
	putLeafEntry(n[leafOff(i):], e)
	n.setCount(c + 1)
}

func (n node) leafRemove(i int) {
	c := n.count()
	bx.Shift(n, leafOff(i), leafOff(i+1), (c-i-1)*LeafEntrySize)
	clear(n[leafOff(c-1):leafOff(c)])
	n.setCount(c - 1)
}

func (n node) leafEntries() []leafEntry {
	out := make([]leafEntry, n.count())
	for i := range out {
		out[i] = n.leafAt(i)
	}
	return out
}

func (n node) setLeafEntries(es []leafEntry) {
	clear(n[nodeHeaderSize:])
	for i, e := range es {
		putLeafEntry(n[leafOff(i):], e)
	}
	n.setCount(len(es))
}

// ---- internal entries ----

func internalOff(i int) int { return nodeHeaderSize + i*InternalEntrySize }

func (n node) internalAt(i int) internalEntry { return readInternalEntry(n[internalOff(i):]) }

func (n node) internalKey(i int) KeyType { return bx.I64At(n, internalOff(i)) }

func (n node) setInternalKey(i int, k KeyType) { bx.PutI64At(n, internalOff(i), k) }

// childFor picks the first entry whose key bounds key, or the last entry.
func (n node) childFor(key KeyType) (int, storage.PageID) {
	c := n.count()
	i := sort.Search(c-1, func(i int) bool { return key <= n.internalKey(i) })
	return i, n.internalAt(i).child
}

func (n node) indexOfChild(child storage.PageID) (int, bool) {
	for i := range n.count() {
		if n.internalAt(i).child == child {
			return i, true
		}
	}
	return -1, false
}

func (n node) internalInsert(i int, e internalEntry) {
	c := n.count()
	bx.Shift(n, internalOff(i+1), internalOff(i), (c-i)*InternalEntrySize)
	putInternalEntry(n[internalOff(i):], e)
	n.setCount(c + 1)
}

func (n node) internalEntries() []internalEntry {
	out := make([]internalEntry, n.count())
	for i := range out {
		out[i] = n.internalAt(i)
	}
	return out
}

func (n node) setInternalEntries(es []internalEntry) {
	clear(n[nodeHeaderSize:])
	for i, e := range es {
		putInternalEntry(n[internalOff(i):], e)
	}
	n.setCount(len(es))
}
