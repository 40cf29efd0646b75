// Package engine manages a data directory holding named B-link tree indexes.
// All indexes share one page file and one buffer pool; each keeps its root
// and counters in its own meta file.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tuannm99/blinkdb/internal/alias/util"
	"github.com/tuannm99/blinkdb/internal/btree"
	"github.com/tuannm99/blinkdb/internal/bufferpool"
	"github.com/tuannm99/blinkdb/internal/config"
	"github.com/tuannm99/blinkdb/internal/storage"
)

const (
	// PageFileBase is the page file name inside the data directory.
	PageFileBase = "blinkdb.pages"
	indexDirName = "indexes"
)

var (
	ErrClosed        = errors.New("engine: database is closed")
	ErrIndexNotFound = errors.New("engine: index not found")
	ErrIndexExists   = errors.New("engine: index already exists")
	ErrIndexBadName  = errors.New("engine: invalid index name")
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

func validateIdent(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrIndexBadName, name)
	}
	return nil
}

type Options struct {
	Config *config.Config
	Logger *zap.Logger
	// Registerer receives pool and index metrics when Config.Metrics is
	// enabled. Nil uses prometheus.DefaultRegisterer. Every series carries a
	// data_dir label, and Close unregisters them.
	Registerer prometheus.Registerer
}

// Stats combines the disk and pool counters.
type Stats struct {
	Disk      storage.Stats
	Pool      bufferpool.Stats
	PageSize  int
	NumPages  uint32
	FreePages uint32
}

type DB struct {
	dir  string
	cfg  *config.Config
	log  *zap.Logger
	disk *storage.FileDiskManager
	pool *bufferpool.Pool

	treeMetrics *btree.Metrics
	reg         prometheus.Registerer
	collectors  []prometheus.Collector

	mu      sync.Mutex
	indexes map[string]*btree.Tree
	closed  bool
}

// Open opens (creating if needed) the data directory cfg.Storage.DataDir.
func Open(opts Options) (*DB, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	dir := cfg.Storage.DataDir
	db := &DB{dir: dir, cfg: cfg, log: log, indexes: make(map[string]*btree.Tree)}

	var poolMetrics *bufferpool.Metrics
	if cfg.Metrics.Enabled {
		var err error
		if poolMetrics, err = db.registerMetrics(opts.Registerer); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(filepath.Join(dir, indexDirName), storage.FileMode0755); err != nil {
		db.unregisterMetrics()
		return nil, err
	}
	disk, err := storage.OpenFileDiskManager(
		storage.LocalFileSet{Dir: dir, Base: PageFileBase},
		cfg.FileOptions(log),
	)
	if err != nil {
		db.unregisterMetrics()
		return nil, err
	}
	pool, err := bufferpool.NewPool(disk, cfg.PoolOptions(log, poolMetrics))
	if err != nil {
		util.CloseLogged(log, "page file", disk)
		db.unregisterMetrics()
		return nil, err
	}
	db.disk, db.pool = disk, pool

	log.Info("database opened",
		zap.String("dir", dir),
		zap.Int("pageSize", disk.PageSize()),
		zap.Int("poolCapacity", pool.Capacity()),
		zap.Stringer("fileID", disk.FileID()),
	)
	return db, nil
}

// registerMetrics registers the pool and index collectors, labelled with the
// data directory so several databases can share reg.
func (db *DB) registerMetrics(reg prometheus.Registerer) (*bufferpool.Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	label := db.dir
	if abs, err := filepath.Abs(db.dir); err == nil {
		label = abs
	}
	db.reg = prometheus.WrapRegistererWith(prometheus.Labels{"data_dir": label}, reg)

	ns := db.cfg.Metrics.Namespace
	poolMetrics, err := bufferpool.NewMetrics(db.reg, ns)
	if err != nil {
		return nil, fmt.Errorf("engine: register metrics: %w", err)
	}
	db.collectors = poolMetrics.Collectors()
	if db.treeMetrics, err = btree.NewMetrics(db.reg, ns); err != nil {
		db.unregisterMetrics()
		return nil, fmt.Errorf("engine: register metrics: %w", err)
	}
	db.collectors = append(db.collectors, db.treeMetrics.Collectors()...)
	return poolMetrics, nil
}

func (db *DB) unregisterMetrics() {
	for _, c := range db.collectors {
		db.reg.Unregister(c)
	}
	db.collectors = nil
}

func (db *DB) Dir() string { return db.dir }

func (db *DB) Pool() *bufferpool.Pool { return db.pool }

func (db *DB) metaPath(name string) string {
	return filepath.Join(db.dir, indexDirName, name+btree.MetaFileSuffix)
}

func (db *DB) treeOptions(name string) btree.Options {
	return btree.Options{
		MetaPath:         db.metaPath(name),
		LeafCapacity:     db.cfg.Index.LeafCapacity,
		InternalCapacity: db.cfg.Index.InternalCapacity,
		Logger:           db.log.With(zap.String("index", name)),
		Metrics:          db.treeMetrics,
	}
}

func (db *DB) exists(name string) (bool, error) {
	_, err := os.Stat(db.metaPath(name))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// CreateIndex creates an empty index.
func (db *DB) CreateIndex(ctx context.Context, name string) (*btree.Tree, error) {
	if err := validateIdent(name); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}
	ok, err := db.exists(name)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, fmt.Errorf("%w: %s", ErrIndexExists, name)
	}
	return db.openLocked(ctx, name)
}

// OpenIndex returns the open handle of an existing index.
func (db *DB) OpenIndex(ctx context.Context, name string) (*btree.Tree, error) {
	if err := validateIdent(name); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}
	if t, ok := db.indexes[name]; ok {
		return t, nil
	}
	ok, err := db.exists(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}
	return db.openLocked(ctx, name)
}

// Index opens name, creating it when it does not exist yet.
func (db *DB) Index(ctx context.Context, name string) (*btree.Tree, error) {
	t, err := db.OpenIndex(ctx, name)
	if errors.Is(err, ErrIndexNotFound) {
		t, err = db.CreateIndex(ctx, name)
		if errors.Is(err, ErrIndexExists) {
			return db.OpenIndex(ctx, name)
		}
	}
	return t, err
}

func (db *DB) openLocked(ctx context.Context, name string) (*btree.Tree, error) {
	t, err := btree.Open(ctx, db.pool, db.treeOptions(name))
	if err != nil {
		return nil, fmt.Errorf("engine: open index %s: %w", name, err)
	}
	db.indexes[name] = t
	return t, nil
}

// DropIndex frees every page of the index and removes its meta file.
func (db *DB) DropIndex(ctx context.Context, name string) error {
	if err := validateIdent(name); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	t, ok := db.indexes[name]
	if !ok {
		found, err := db.exists(name)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrIndexNotFound, name)
		}
		if t, err = db.openLocked(ctx, name); err != nil {
			return err
		}
	}
	if err := t.Drop(ctx); err != nil {
		return fmt.Errorf("engine: drop index %s: %w", name, err)
	}
	delete(db.indexes, name)
	db.log.Info("index dropped", zap.String("index", name))
	return nil
}

// Destroy closes the database and deletes its files.
func (db *DB) Destroy(ctx context.Context) error {
	if err := db.Close(ctx); err != nil {
		return err
	}
	return Remove(db.dir)
}

// Remove deletes the page file and every index meta file under dir. The
// database must not be open. dir itself is left in place.
func Remove(dir string) error {
	if err := storage.RemoveAllSegments(storage.LocalFileSet{Dir: dir, Base: PageFileBase}); err != nil {
		return fmt.Errorf("engine: remove page file: %w", err)
	}
	if err := os.RemoveAll(filepath.Join(dir, indexDirName)); err != nil {
		return fmt.Errorf("engine: remove indexes: %w", err)
	}
	return nil
}

// ListIndexes returns the index names in the data directory, sorted.
func (db *DB) ListIndexes() ([]string, error) {
	ents, err := os.ReadDir(filepath.Join(db.dir, indexDirName))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range ents {
		if name, ok := strings.CutSuffix(e.Name(), btree.MetaFileSuffix); ok && !e.IsDir() {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

func (db *DB) Stats() Stats {
	return Stats{
		Disk:      db.disk.Stats(),
		Pool:      db.pool.Stats(),
		PageSize:  db.disk.PageSize(),
		NumPages:  db.disk.NumPages(),
		FreePages: db.disk.FreePages(),
	}
}

// Close closes every open index, flushes the pool and closes the page file.
func (db *DB) Close(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	var errs []error
	for name, t := range db.indexes {
		if err := t.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close index %s: %w", name, err))
		}
	}
	if err := db.pool.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := db.disk.Close(); err != nil {
		errs = append(errs, err)
	}
	db.unregisterMetrics()
	db.log.Info("database closed", zap.String("dir", db.dir))
	return errors.Join(errs...)
}
