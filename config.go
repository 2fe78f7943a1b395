package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
)

const (
	// defaultMaxSize caps the cache at 8 GiB of entry metadata plus
	// tile data.
	defaultMaxSize = 8 << 30

	// interprocessLockTimeout bounds every lock acquisition in robust
	// mode. A holder that keeps a lock past this budget is treated as
	// hung and the cache is recovered.
	interprocessLockTimeout = 10 * time.Second

	defaultEvictionInterval = 1 * time.Minute
)

// Config groups placement, capacity, durability and telemetry options.
type Config struct {
	// Dir is the cache directory. Empty selects a per-user default
	// under os.UserCacheDir. Ignored when Persistent is false.
	Dir string

	// MaxSize is the capacity in bytes across all buckets, tile data
	// included. Zero means defaultMaxSize.
	MaxSize int64

	// Persistent keeps the cache in memory-mapped files shared between
	// processes. When false everything lives in process memory and is
	// lost on exit.
	Persistent bool

	// Robust arms the crash-tolerance protocol: timed interprocess
	// locks, mutation flags and automatic recovery. Without it the
	// directory is owned exclusively by one process at a time.
	Robust bool

	// TilesPerFile sets how many tiles each tile file holds. Zero
	// means defaultTilesPerFile (a 1 GiB file). Must be a multiple of
	// the bucket count.
	TilesPerFile int

	// EvictionInterval is the cadence of the background eviction
	// sweep. Zero disables the sweeper; inserts still evict inline.
	EvictionInterval time.Duration

	// Logger receives structured diagnostics. The zero value discards.
	Logger logr.Logger
}

// DefaultConfig returns the production configuration: a persistent,
// crash-tolerant cache in the user cache directory.
func DefaultConfig() Config {
	return Config{
		MaxSize:          defaultMaxSize,
		Persistent:       true,
		Robust:           true,
		TilesPerFile:     defaultTilesPerFile,
		EvictionInterval: defaultEvictionInterval,
		Logger:           logr.Discard(),
	}
}

// normalize applies defaults and validates the result.
func (c *Config) normalize() error {
	if c.MaxSize == 0 {
		c.MaxSize = defaultMaxSize
	}
	if c.MaxSize < 0 {
		return fmt.Errorf("%w: MaxSize %d", ErrInvalidConfig, c.MaxSize)
	}
	if c.TilesPerFile == 0 {
		c.TilesPerFile = defaultTilesPerFile
	}
	if c.TilesPerFile < bucketCount || c.TilesPerFile%bucketCount != 0 {
		return fmt.Errorf("%w: TilesPerFile %d must be a positive multiple of %d", ErrInvalidConfig, c.TilesPerFile, bucketCount)
	}
	if c.Robust && !c.Persistent {
		return fmt.Errorf("%w: Robust requires Persistent", ErrInvalidConfig)
	}
	if c.Persistent && c.Dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return fmt.Errorf("%w: no cache directory: %v", ErrInvalidConfig, err)
		}
		c.Dir = filepath.Join(base, "rendercache")
	}
	if c.Logger.GetSink() == nil {
		c.Logger = logr.Discard()
	}
	return nil
}
