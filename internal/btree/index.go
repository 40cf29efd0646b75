package btree

import "context"

// Index is the ordered unique index surface used by callers above the
// storage core.
type Index interface {
	Search(ctx context.Context, key KeyType) (RecordPointer, bool, error)
	Insert(ctx context.Context, key KeyType, rp RecordPointer) error
	Delete(ctx context.Context, key KeyType) error
	Scan(ctx context.Context, low, high KeyType) *Cursor
	Len() int64
	Close(ctx context.Context) error
}

var _ Index = (*Tree)(nil)
