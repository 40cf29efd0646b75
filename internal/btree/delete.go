package btree

import (
	"context"
	"fmt"
)

// Delete removes key. Nodes are never merged: a leaf may become empty and
// stays in the chain with its high key, which keeps routing correct.
func (t *Tree) Delete(ctx context.Context, key KeyType) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	leafID, err := t.descend(ctx, key, nil, nil)
	if err != nil {
		return err
	}
	leaf, err := t.latchCovering(ctx, leafID, key)
	if err != nil {
		return err
	}
	defer t.unlatchW(leaf)

	i, found := leaf.n.leafSearch(key)
	if !found {
		return fmt.Errorf("%w: %d", ErrKeyNotFound, key)
	}
	leaf.n.leafRemove(i)
	leaf.dirty()
	t.count.Dec()
	return nil
}
