package btree

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/tuannm99/blinkdb/internal/storage"
)

const (
	// MetaFileSuffix is appended to an index name to form its meta file name.
	MetaFileSuffix = ".blink.meta.json"
	metaVersion    = 1
)

// diskMeta is everything about a tree that does not live in its pages.
type diskMeta struct {
	Version          int    `json:"version"`
	ID               string `json:"id"`
	Root             uint32 `json:"root"`
	Height           int    `json:"height"`
	Count            int64  `json:"count"`
	PageSize         int    `json:"page_size"`
	LeafCapacity     int    `json:"leaf_capacity"`
	InternalCapacity int    `json:"internal_capacity"`
	// Clean is true only while the tree is closed. A tree opened from an
	// unclean meta recounts its keys.
	Clean bool `json:"clean"`
}

func loadMeta(path string) (diskMeta, bool, error) {
	if path == "" {
		return diskMeta{}, false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return diskMeta{}, false, nil
		}
		return diskMeta{}, false, err
	}

	var m diskMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return diskMeta{}, false, fmt.Errorf("btree: decode meta %s: %w", path, err)
	}
	if m.Version != metaVersion {
		return diskMeta{}, false, fmt.Errorf("btree: meta %s has version %d, want %d", path, m.Version, metaVersion)
	}
	if !storage.PageID(m.Root).Valid() {
		return diskMeta{}, false, fmt.Errorf("btree: meta %s has no root", path)
	}
	return m, true, nil
}

func (t *Tree) snapshotMeta(clean bool) diskMeta {
	return diskMeta{
		Version:          metaVersion,
		ID:               t.id.String(),
		Root:             t.root.Load(),
		Height:           int(t.height.Load()),
		Count:            t.count.Load(),
		PageSize:         t.pool.PageSize(),
		LeafCapacity:     t.leafCap,
		InternalCapacity: t.internalCap,
		Clean:            clean,
	}
}

// saveMeta persists the tree metadata. Callers serialize through rootMu.
func (t *Tree) saveMeta(clean bool) error {
	if t.metaPath == "" {
		return nil
	}
	m := t.snapshotMeta(clean)

	data, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.metaPath), storage.FileMode0755); err != nil {
		return err
	}
	if err := writeFileAtomic(t.metaPath, data, storage.FileMode0644); err != nil {
		return err
	}

	t.log.Debug("meta saved",
		zap.String("path", t.metaPath),
		zap.Uint32("root", m.Root),
		zap.Int("height", m.Height),
		zap.Int64("count", m.Count),
		zap.Bool("clean", clean),
	)
	return nil
}

// writeFileAtomic writes to a temp file in the same directory, fsyncs it and
// renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	committed = true
	return nil
}
