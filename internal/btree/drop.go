package btree

import (
	"context"
	"errors"
	"os"

	"go.uber.org/zap"

	"github.com/tuannm99/blinkdb/internal/storage"
)

// Drop frees every page of the tree and removes its meta file. The tree is
// closed afterwards. Nothing else may use the tree while it is dropped.
func (t *Tree) Drop(ctx context.Context) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	var pages []storage.PageID
	if err := t.walk(ctx, func(id storage.PageID, _ node) error {
		pages = append(pages, id)
		return nil
	}); err != nil {
		return err
	}

	t.closed.Store(true)
	for _, id := range pages {
		if err := t.pool.DeletePage(id); err != nil {
			return err
		}
	}

	t.rootMu.Lock()
	defer t.rootMu.Unlock()
	if t.metaPath != "" {
		if err := os.Remove(t.metaPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	t.count.Store(0)
	t.log.Info("dropped tree", zap.Stringer("id", t.id), zap.Int("pages", len(pages)))
	return nil
}
