package btree

import "context"

// Search returns the record pointer stored under key.
func (t *Tree) Search(ctx context.Context, key KeyType) (RecordPointer, bool, error) {
	if err := t.checkOpen(); err != nil {
		return RecordPointer{}, false, err
	}
	var (
		rp    RecordPointer
		found bool
	)
	_, err := t.descend(ctx, key, nil, func(n node) error {
		var i int
		if i, found = n.leafSearch(key); found {
			rp = n.leafAt(i).rp
		}
		return nil
	})
	if err != nil {
		return RecordPointer{}, false, err
	}
	return rp, found, nil
}
