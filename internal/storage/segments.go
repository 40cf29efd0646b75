package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// LocalFileSet is a directory plus base file name. A page file larger than
// one segment is split into Base, Base.1, Base.2, ...
type LocalFileSet struct {
	Dir  string
	Base string
}

// SegFileName returns the segment file name:
//   - seg 0: base
//   - seg N>0: base.N
func SegFileName(base string, segNo int32) string {
	if segNo <= 0 {
		return base
	}
	return fmt.Sprintf("%s.%d", base, segNo)
}

func (lfs LocalFileSet) segmentPath(segNo int32) string {
	return filepath.Join(lfs.Dir, SegFileName(lfs.Base, segNo))
}

// OpenSegment opens (creating if needed, never truncating) one segment file.
func (lfs LocalFileSet) OpenSegment(segNo int32) (*os.File, error) {
	if err := os.MkdirAll(lfs.Dir, FileMode0755); err != nil {
		return nil, err
	}
	return os.OpenFile(lfs.segmentPath(segNo), os.O_RDWR|os.O_CREATE, FileMode0644)
}

// Segments scans Dir and returns the segment numbers present for Base,
// in ascending order.
func (lfs LocalFileSet) Segments() ([]int32, error) {
	ents, err := os.ReadDir(lfs.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	segs := make([]int32, 0)
	prefix := lfs.Base + "."
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == lfs.Base {
			segs = append(segs, 0)
			continue
		}
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		n64, err := strconv.ParseInt(strings.TrimPrefix(name, prefix), 10, 32)
		if err != nil || n64 <= 0 {
			continue
		}
		segs = append(segs, int32(n64))
	}

	slices.Sort(segs)
	return segs, nil
}

// RemoveAllSegments removes every segment of the file set.
func RemoveAllSegments(lfs LocalFileSet) error {
	segs, err := lfs.Segments()
	if err != nil {
		return err
	}
	for _, segNo := range segs {
		if err := os.Remove(lfs.segmentPath(segNo)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
