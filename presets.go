package cache

import (
	"time"

	"github.com/go-logr/logr"
)

// DiskCacheConfig is the long-lived render result cache shared between
// every process of a render farm node.
func DiskCacheConfig() Config {
	return Config{
		MaxSize:          defaultMaxSize,
		Persistent:       true,
		Robust:           true,
		TilesPerFile:     defaultTilesPerFile,
		EvictionInterval: 1 * time.Minute,
		Logger:           logr.Discard(),
	}
}

// ViewerCacheConfig holds interactive playback frames in process
// memory only; nothing survives an exit and no interprocess locking
// is paid.
func ViewerCacheConfig() Config {
	return Config{
		MaxSize:          2 << 30,
		Persistent:       false,
		Robust:           false,
		TilesPerFile:     defaultTilesPerFile,
		EvictionInterval: 15 * time.Second,
		Logger:           logr.Discard(),
	}
}

// SingleProcessCacheConfig is a persistent cache owned exclusively by
// one process. Cheaper locks, but a second process opening the same
// directory gets ErrBusyCache.
func SingleProcessCacheConfig() Config {
	return Config{
		MaxSize:          defaultMaxSize,
		Persistent:       true,
		Robust:           false,
		TilesPerFile:     defaultTilesPerFile,
		EvictionInterval: 1 * time.Minute,
		Logger:           logr.Discard(),
	}
}

// LowMemoryCacheConfig is a small in-memory cache for constrained
// hosts and tests.
func LowMemoryCacheConfig() Config {
	return Config{
		MaxSize:          256 << 20,
		Persistent:       false,
		Robust:           false,
		TilesPerFile:     bucketCount * 4,
		EvictionInterval: 30 * time.Second,
		Logger:           logr.Discard(),
	}
}
