package bufferpool

import (
	"context"

	"github.com/tuannm99/blinkdb/internal/storage"
)

// Manager is the page access surface used by indexes.
type Manager interface {
	Fetch(ctx context.Context, id storage.PageID) (*Handle, error)
	NewPage(ctx context.Context) (storage.PageID, *Handle, error)
	DeletePage(id storage.PageID) error
	FlushAll(ctx context.Context) error
	PageSize() int
}

var _ Manager = (*Pool)(nil)
