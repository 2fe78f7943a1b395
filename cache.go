package cache

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/petermattis/goid"
	"golang.org/x/sync/errgroup"
)

const (
	// cacheSchemaVersion is bumped whenever the on-disk layout changes.
	// A directory written by a different version is wiped on open.
	cacheSchemaVersion = 1

	dirLockFile  = "Lock"
	initLockFile = "Init.lock"
	versionFile  = "Version"
)

// processToken distinguishes this process in compute-owner words. The
// pid alone is not enough: pids are recycled, and the token must not
// collide with one left behind by a dead process.
var processToken = func() uint64 {
	var b [8]byte
	_, _ = cryptorand.Read(b[:])
	return binary.LittleEndian.Uint64(b[:]) ^ uint64(os.Getpid())<<32
}()

// computeOwnerToken identifies one goroutine of one process, so a
// pending entry records exactly who is computing it.
func computeOwnerToken() uint64 {
	return processToken ^ uint64(goid.Get())
}

// Stats exposes approximate telemetry aggregated across buckets.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int64
	Size      int64
	Capacity  int64
	HitRatio  float64
	TileFiles int
	Attached  int64
}

// Cache is a sharded, optionally persistent, optionally multi-process
// content cache. Entries are addressed by 64-bit content hashes; bulk
// data is spread over fixed-size tiles.
type Cache struct {
	cfg Config
	log logr.Logger

	// capacity is the steady-state size limit, adjustable at runtime
	// through SetCapacity. Seeded from Config.MaxSize.
	capacity atomic.Int64

	buckets [bucketCount]*bucket
	pool    *tilePool

	// Robust-mode plumbing. shmGuard is held shared by every operation
	// and exclusively by recovery, so a wipe never races in-flight work
	// of this process.
	shm        *syncSegment
	semValid   *namedSemaphore
	semInvalid *namedSemaphore
	shmGuard   sync.RWMutex

	dirRelease unlockFunc

	lockTimeout time.Duration

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	closed    atomic.Bool
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open attaches to (or creates) the cache described by cfg.
func Open(cfg Config) (*Cache, error) {
	if err := cfg.normalize(); err != nil {
		return nil, wrapError("open", err)
	}
	c := &Cache{
		cfg:     cfg,
		log:     cfg.Logger,
		closeCh: make(chan struct{}),
	}
	c.capacity.Store(cfg.MaxSize)
	if cfg.Robust {
		c.lockTimeout = interprocessLockTimeout
	}

	if err := c.attach(); err != nil {
		return nil, wrapError("open", err)
	}

	if cfg.EvictionInterval > 0 {
		c.wg.Add(1)
		go c.sweeper()
	}
	return c, nil
}

func (c *Cache) attach() error {
	if !c.cfg.Persistent {
		for i := range c.buckets {
			b, err := openBucket("", i, false, nil, 0)
			if err != nil {
				return err
			}
			c.buckets[i] = b
		}
		pool, err := openTilePool("", false, nil, 0, c.cfg.TilesPerFile)
		if err != nil {
			return err
		}
		c.pool = pool
		return nil
	}

	dir := c.cfg.Dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	dirLock := &fileRWLock{path: filepath.Join(dir, dirLockFile)}
	if c.cfg.Robust {
		release, err := dirLock.rlock(c.lockTimeout)
		if err != nil {
			return err
		}
		c.dirRelease = release
	} else {
		release, err := dirLock.tryLock()
		if err != nil {
			return err
		}
		c.dirRelease = release
	}

	// The init lock serializes attachment and first-time formatting
	// between robust processes without conflicting with the lifetime
	// directory lock above.
	initRelease, err := (&fileRWLock{path: filepath.Join(dir, initLockFile)}).lock(c.lockTimeout)
	if err != nil {
		c.detachDir()
		return err
	}
	defer initRelease()

	if ver, ok := readVersion(dir); !ok || ver != cacheSchemaVersion {
		c.log.Info("cache version mismatch, wiping", "dir", dir, "found", ver, "want", cacheSchemaVersion)
		if err := removeCacheFiles(dir); err != nil {
			c.detachDir()
			return err
		}
		if err := writeVersion(dir); err != nil {
			c.detachDir()
			return err
		}
	}

	if c.cfg.Robust {
		shm, err := attachSyncSegment(dir)
		if err != nil {
			c.detachDir()
			return err
		}
		c.shm = shm
		if c.semValid, err = openSemaphore(dir, semValidFile); err != nil {
			c.detachShared()
			return err
		}
		if c.semInvalid, err = openSemaphore(dir, semInvalidFile); err != nil {
			c.detachShared()
			return err
		}
	}

	for i := range c.buckets {
		b, err := openBucket(dir, i, true, c.shm, c.lockTimeout)
		if err != nil {
			c.detachShared()
			return err
		}
		c.buckets[i] = b
	}
	pool, err := openTilePool(dir, true, c.shm, c.lockTimeout, c.cfg.TilesPerFile)
	if err != nil {
		c.detachShared()
		return err
	}
	c.pool = pool

	if c.shm != nil {
		c.shm.addPoolProcs(1)
		for i := range c.buckets {
			c.shm.addBucketProcs(i, 1)
		}
	}
	return nil
}

func (c *Cache) detachDir() {
	if c.dirRelease != nil {
		c.dirRelease()
		c.dirRelease = nil
	}
}

func (c *Cache) detachShared() {
	for _, b := range c.buckets {
		if b != nil {
			_ = b.close()
		}
	}
	if c.semInvalid != nil {
		_ = c.semInvalid.close()
	}
	if c.semValid != nil {
		_ = c.semValid.close()
	}
	if c.shm != nil {
		_ = c.shm.detach()
	}
	c.detachDir()
}

func readVersion(dir string) (int, bool) {
	b, err := os.ReadFile(filepath.Join(dir, versionFile))
	if err != nil {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, false
	}
	return v, true
}

func writeVersion(dir string) error {
	return os.WriteFile(filepath.Join(dir, versionFile), []byte(strconv.Itoa(cacheSchemaVersion)+"\n"), 0o644)
}

// removeCacheFiles deletes every storage and coordination file the
// cache owns, leaving foreign files in the directory alone.
func removeCacheFiles(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read cache dir: %w", err)
	}
	for _, de := range entries {
		name := de.Name()
		switch {
		case strings.HasPrefix(name, "ToCStorage"),
			strings.HasPrefix(name, "LRULock"),
			strings.HasPrefix(name, "TilesStorage"),
			name == shmSegmentFile,
			name == semValidFile,
			name == semInvalidFile,
			name == versionFile:
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove %s: %w", name, err)
			}
		}
	}
	return nil
}

// op wraps one cache operation: closed check, shared recovery guard,
// and the recover-and-retry loop for the robust error signals.
func (c *Cache) op(name string, fn func() error) error {
	if c.closed.Load() {
		return wrapError(name, ErrCacheClosed)
	}
	for attempt := 0; ; attempt++ {
		var epoch uint64
		if c.shm != nil {
			epoch = c.shm.epoch()
		}
		c.shmGuard.RLock()
		err := fn()
		c.shmGuard.RUnlock()
		if err == nil {
			return nil
		}
		if c.shm == nil || !isRecoverable(err) || attempt > 0 {
			return wrapError(name, err)
		}
		c.log.Info("cache inconsistent, recovering", "cause", err)
		if rerr := c.recoverFromInconsistentState(epoch); rerr != nil {
			return wrapError(name, rerr)
		}
	}
}

func (c *Cache) bucketFor(hash uint64) *bucket {
	return c.buckets[bucketIndexOf(hash)]
}

// ownerBucketOfTile maps a tile id to the bucket whose free set owns
// its slot.
func (c *Cache) ownerBucketOfTile(id uint64) int {
	perBucket := c.cfg.TilesPerFile / bucketCount
	return int(tileSlotIndex(id)) / perBucket
}

// returnTiles hands freed tile ids back to the free sets of their
// owning buckets. Called without any bucket lock held; each owning
// bucket is locked in turn.
func (c *Cache) returnTiles(ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	// Ids referencing files a recovery wipe deleted must not re-enter
	// the free sets. The pages of the others are invalidated first.
	var nFiles uint32
	if err := c.pool.withRead(func() error {
		nFiles = uint32(c.pool.fileCount())
		for _, id := range ids {
			if fi := tileFileIndex(id); fi < nFiles {
				_ = c.pool.files[fi].flush(flushInvalidate, int64(tileSlotIndex(id))*TileBytes, TileBytes)
			}
		}
		return nil
	}); err != nil {
		return err
	}
	byBucket := make(map[int][]uint64)
	for _, id := range ids {
		if tileFileIndex(id) >= nFiles {
			continue
		}
		o := c.ownerBucketOfTile(id)
		byBucket[o] = append(byBucket[o], id)
	}
	for o, group := range byBucket {
		b := c.buckets[o]
		err := b.withWrite(func(r rootRef) error {
			return b.insertFreeTiles(r, group)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// allocateTile pops a free tile for allocation seq of entry hash. The
// spread hash picks the preferred bucket; when that one is dry the
// other buckets are probed before a whole new tile file is created.
func (c *Cache) allocateTile(hash uint64, seq int) (uint64, error) {
	start := bucketIndexOf(tileSpreadHash(hash, seq))
	for attempt := 0; attempt < 2; attempt++ {
		for i := 0; i < bucketCount; i++ {
			b := c.buckets[(start+i)%bucketCount]
			var id uint64
			var ok bool
			err := b.withWrite(func(r rootRef) error {
				id, ok = r.tilesPopMin()
				return nil
			})
			if err != nil {
				return 0, err
			}
			if ok {
				return id, nil
			}
		}
		if attempt == 0 {
			if err := c.growPool(); err != nil {
				return 0, err
			}
		}
	}
	return 0, fmt.Errorf("%w: no free tiles after pool growth", ErrBucketInconsistent)
}

// growPool appends one tile file and distributes its slots. The pool
// lock is dropped before the bucket locks are taken: every nesting in
// the cache orders bucket before pool, and holding the pool here
// would invert that. A crash between the two phases leaves a file
// whose slots no free set knows; the next recovery reclaims it.
func (c *Cache) growPool() error {
	var idx int
	err := c.pool.withWrite(func() error {
		var err error
		idx, err = c.pool.addFile()
		return err
	})
	if err != nil {
		return err
	}
	var g errgroup.Group
	g.SetLimit(8)
	for bi := 0; bi < bucketCount; bi++ {
		b := c.buckets[bi]
		ids := c.pool.slotRange(idx, bi)
		g.Go(func() error {
			return b.withWrite(func(r rootRef) error {
				return b.insertFreeTiles(r, ids)
			})
		})
	}
	return g.Wait()
}

// Remove drops the entry for hash if present. Pending entries are
// removed too; their computers notice at insert time.
func (c *Cache) Remove(hash uint64) error {
	var freed []uint64
	err := c.op("remove", func() error {
		freed = freed[:0]
		b := c.bucketFor(hash)
		err := b.withWrite(func(r rootRef) error {
			e := b.findEntry(r, hash)
			if !e.valid() {
				return nil
			}
			b.removeEntry(r, e, func(id uint64) { freed = append(freed, id) })
			return nil
		})
		if err != nil {
			return err
		}
		return c.returnTiles(freed)
	})
	if err == nil {
		c.wakeWaiters()
	}
	return err
}

// RemovePluginEntries drops every entry tagged with pluginID, across
// all buckets.
func (c *Cache) RemovePluginEntries(pluginID string) error {
	return c.op("remove_plugin", func() error {
		for _, b := range c.buckets {
			var freed []uint64
			err := b.withWrite(func(r rootRef) error {
				var victims []int64
				r.forEachEntry(func(e entryRef) bool {
					if e.pluginID() == pluginID {
						victims = append(victims, e.off)
					}
					return true
				})
				for _, off := range victims {
					b.removeEntry(r, entryRef{s: &b.seg, off: off}, func(id uint64) { freed = append(freed, id) })
				}
				return nil
			})
			if err != nil {
				return err
			}
			if err := c.returnTiles(freed); err != nil {
				return err
			}
		}
		c.wakeWaiters()
		return nil
	})
}

// Clear wipes every bucket and deletes every tile file. Attached
// processes pick the wipe up through the generation words.
func (c *Cache) Clear() error {
	return c.op("clear", func() error {
		for _, b := range c.buckets {
			if err := b.wipe(); err != nil {
				return err
			}
		}
		err := c.pool.withWrite(func() error {
			return c.pool.wipe()
		})
		if err != nil {
			return err
		}
		c.wakeWaiters()
		return nil
	})
}

// Flush pushes dirty mapped pages to disk. With sync false the
// writeback is only scheduled.
func (c *Cache) Flush(sync bool) error {
	mode := flushAsync
	if sync {
		mode = flushSync
	}
	return c.op("flush", func() error {
		if !c.cfg.Persistent {
			return nil
		}
		for _, b := range c.buckets {
			if err := b.withRead(func(rootRef) error {
				return b.st.flush(mode, 0, b.st.size())
			}); err != nil {
				return err
			}
		}
		return c.pool.withRead(func() error {
			return c.pool.flush(mode)
		})
	})
}

// Has reports whether a ready entry exists for hash. A pure probe:
// it never creates a placeholder and does not count as a hit or miss.
func (c *Cache) Has(hash uint64) (bool, error) {
	var found bool
	err := c.op("has", func() error {
		b := c.bucketFor(hash)
		return b.withRead(func(r rootRef) error {
			e := b.findEntry(r, hash)
			found = e.valid() && e.status() == EntryStatusReady
			return nil
		})
	})
	return found, err
}

// SetCapacity changes the steady-state size limit and trims the cache
// back under it. A capacity of zero disables size-based eviction.
func (c *Cache) SetCapacity(bytes int64) error {
	if bytes < 0 {
		return wrapError("set_capacity", ErrInvalidConfig)
	}
	c.capacity.Store(bytes)
	return c.EvictLRU(0)
}

// Size reports the current content size in bytes.
func (c *Cache) Size() (int64, error) {
	var total int64
	err := c.op("size", func() error {
		total = 0
		for _, b := range c.buckets {
			if err := b.withRead(func(r rootRef) error {
				total += r.bucketSize()
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return total, err
}

// Stats aggregates telemetry across all buckets.
func (c *Cache) Stats() (Stats, error) {
	s := Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Capacity:  c.capacity.Load(),
		Attached:  1,
	}
	err := c.op("stats", func() error {
		s.Entries, s.Size = 0, 0
		for _, b := range c.buckets {
			if err := b.withRead(func(r rootRef) error {
				s.Entries += r.entryCount()
				s.Size += r.bucketSize()
				return nil
			}); err != nil {
				return err
			}
		}
		return c.pool.withRead(func() error {
			s.TileFiles = c.pool.fileCount()
			return nil
		})
	})
	if err != nil {
		return Stats{}, err
	}
	if c.shm != nil {
		s.Attached = int64(c.shm.load(shmOffPoolProcs))
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRatio = float64(s.Hits) / float64(total)
	}
	return s, nil
}

// MemoryStats reports the bytes held per plugin id. Entries without a
// plugin id are grouped under the empty key.
func (c *Cache) MemoryStats() (map[string]int64, error) {
	out := make(map[string]int64)
	err := c.op("memory_stats", func() error {
		clear(out)
		for _, b := range c.buckets {
			if err := b.withRead(func(r rootRef) error {
				r.forEachEntry(func(e entryRef) bool {
					out[e.pluginID()] += e.size()
					return true
				})
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// wakeWaiters nudges blocked WaitForPending calls, ours and those of
// the other attached processes.
func (c *Cache) wakeWaiters() {
	if c.semValid != nil {
		c.semValid.post()
	}
}

// Close detaches from the cache. Persistent content stays on disk.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closeCh)
		c.wg.Wait()

		c.shmGuard.Lock()
		defer c.shmGuard.Unlock()

		if c.cfg.Persistent {
			for _, b := range c.buckets {
				if b != nil {
					if ferr := b.st.flush(flushSync, 0, b.st.size()); ferr != nil && err == nil {
						err = ferr
					}
				}
			}
		}
		if c.shm != nil {
			c.shm.addPoolProcs(-1)
			for i := range c.buckets {
				c.shm.addBucketProcs(i, -1)
			}
		}
		for _, b := range c.buckets {
			if b != nil {
				if cerr := b.close(); cerr != nil && err == nil {
					err = cerr
				}
			}
		}
		if c.pool != nil {
			if cerr := c.pool.close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		if c.semInvalid != nil {
			_ = c.semInvalid.close()
		}
		if c.semValid != nil {
			_ = c.semValid.close()
		}
		if c.shm != nil {
			_ = c.shm.detach()
		}
		c.detachDir()
	})
	if err != nil {
		return wrapError("close", err)
	}
	return nil
}
