// Package config loads blinkdb settings. BLINKDB_* environment variables
// override the YAML file, which overrides the defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tuannm99/blinkdb/internal/bufferpool"
	"github.com/tuannm99/blinkdb/internal/storage"
	"github.com/tuannm99/blinkdb/pkg/logger"
)

const EnvPrefix = "BLINKDB"

var ErrInvalid = errors.New("config: invalid value")

type Config struct {
	Storage    Storage       `mapstructure:"storage"`
	BufferPool BufferPool    `mapstructure:"buffer_pool"`
	Index      Index         `mapstructure:"index"`
	Log        logger.Config `mapstructure:"log"`
	Metrics    Metrics       `mapstructure:"metrics"`
}

type Storage struct {
	DataDir     string `mapstructure:"data_dir"`
	PageSize    int    `mapstructure:"page_size"`
	SegmentSize int64  `mapstructure:"segment_size"`
	SyncOnWrite bool   `mapstructure:"sync_on_write"`
}

type BufferPool struct {
	Capacity     int           `mapstructure:"capacity"`
	Policy       string        `mapstructure:"policy"`
	LRUK         int           `mapstructure:"lru_k"`
	FetchRetries int           `mapstructure:"fetch_retries"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	FlushWorkers int           `mapstructure:"flush_workers"`
	StrictUnpin  bool          `mapstructure:"strict_unpin"`
}

// Index holds node capacity overrides. Zero means as many as fit a page.
type Index struct {
	LeafCapacity     int `mapstructure:"leaf_capacity"`
	InternalCapacity int `mapstructure:"internal_capacity"`
}

type Metrics struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.page_size", storage.DefaultPageSize)
	v.SetDefault("storage.segment_size", int64(storage.DefaultSegmentSize))
	v.SetDefault("storage.sync_on_write", false)

	v.SetDefault("buffer_pool.capacity", bufferpool.DefaultCapacity)
	v.SetDefault("buffer_pool.policy", string(bufferpool.PolicyClock))
	v.SetDefault("buffer_pool.lru_k", bufferpool.DefaultLRUK)
	v.SetDefault("buffer_pool.fetch_retries", 10)
	v.SetDefault("buffer_pool.fetch_timeout", time.Second)
	v.SetDefault("buffer_pool.flush_workers", bufferpool.DefaultFlushWorkers)
	v.SetDefault("buffer_pool.strict_unpin", false)

	v.SetDefault("index.leaf_capacity", 0)
	v.SetDefault("index.internal_capacity", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output_file", "stderr")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.namespace", "blinkdb")
}

// Default is the configuration with no file and no environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}

// Load reads path (YAML; empty skips the file) and applies BLINKDB_*
// environment overrides, e.g. BLINKDB_BUFFER_POOL_CAPACITY=128.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("%w: storage.data_dir is empty", ErrInvalid)
	}
	if err := storage.ValidatePageSize(c.Storage.PageSize); err != nil {
		return fmt.Errorf("%w: storage.page_size: %w", ErrInvalid, err)
	}
	if c.Storage.SegmentSize < int64(c.Storage.PageSize) {
		return fmt.Errorf("%w: storage.segment_size %d is smaller than a page", ErrInvalid, c.Storage.SegmentSize)
	}
	if c.BufferPool.Capacity <= 0 {
		return fmt.Errorf("%w: buffer_pool.capacity must be positive, got %d", ErrInvalid, c.BufferPool.Capacity)
	}
	policy, err := bufferpool.ParsePolicy(c.BufferPool.Policy)
	if err != nil {
		return fmt.Errorf("%w: buffer_pool.policy: %w", ErrInvalid, err)
	}
	if policy == bufferpool.PolicyLRUK && c.BufferPool.LRUK < 1 {
		return fmt.Errorf("%w: buffer_pool.lru_k must be at least 1, got %d", ErrInvalid, c.BufferPool.LRUK)
	}
	if c.BufferPool.FetchRetries < 0 || c.BufferPool.FetchTimeout < 0 {
		return fmt.Errorf("%w: buffer_pool fetch retries and timeout must not be negative", ErrInvalid)
	}
	if c.Index.LeafCapacity < 0 || c.Index.InternalCapacity < 0 {
		return fmt.Errorf("%w: index capacities must not be negative", ErrInvalid)
	}
	return nil
}

// PoolOptions maps the buffer_pool section onto bufferpool.Options. Validate
// has already checked the policy.
func (c *Config) PoolOptions(log *zap.Logger, m *bufferpool.Metrics) bufferpool.Options {
	policy, _ := bufferpool.ParsePolicy(c.BufferPool.Policy)
	return bufferpool.Options{
		Capacity:     c.BufferPool.Capacity,
		Policy:       policy,
		LRUK:         c.BufferPool.LRUK,
		FetchRetries: c.BufferPool.FetchRetries,
		FetchTimeout: c.BufferPool.FetchTimeout,
		FlushWorkers: c.BufferPool.FlushWorkers,
		StrictUnpin:  c.BufferPool.StrictUnpin,
		Logger:       log,
		Metrics:      m,
	}
}

func (c *Config) FileOptions(log *zap.Logger) storage.FileOptions {
	return storage.FileOptions{
		PageSize:    c.Storage.PageSize,
		SegmentSize: c.Storage.SegmentSize,
		SyncOnWrite: c.Storage.SyncOnWrite,
		Logger:      log,
	}
}
