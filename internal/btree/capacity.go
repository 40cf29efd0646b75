package btree

import "fmt"

const (
	MinLeafCapacity     = 2
	MinInternalCapacity = 3
)

// maxEntriesPerPage is how many fixed-size entries fit after the node header.
func maxEntriesPerPage(pageSize, entrySize int) int {
	if entrySize <= 0 || pageSize <= nodeHeaderSize {
		return 0
	}
	return (pageSize - nodeHeaderSize) / entrySize
}

func maxLeafEntriesPerPage(pageSize int) int {
	return maxEntriesPerPage(pageSize, LeafEntrySize)
}

func maxInternalEntriesPerPage(pageSize int) int {
	return maxEntriesPerPage(pageSize, InternalEntrySize)
}

// resolveCapacity returns want, or the page maximum when want is zero.
// A smaller value is used by tests to force splits early.
func resolveCapacity(kind string, want, pageMax, minimum int) (int, error) {
	if want == 0 {
		want = pageMax
	}
	if want < minimum || want > pageMax {
		return 0, fmt.Errorf("%w: %s capacity %d not in [%d, %d]", ErrBadCapacity, kind, want, minimum, pageMax)
	}
	return want, nil
}
