package btree

import "errors"

var (
	ErrDuplicateKey = errors.New("btree: duplicate key")
	ErrKeyNotFound  = errors.New("btree: key not found")
	ErrCorruptNode  = errors.New("btree: corrupt node")
	ErrBadCapacity  = errors.New("btree: invalid node capacity")
	ErrClosed       = errors.New("btree: tree is closed")
	// ErrInvariant is returned by Check when the tree structure is broken.
	ErrInvariant = errors.New("btree: invariant violated")
)
