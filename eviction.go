package cache

import (
	"time"
)

// Eviction runs per bucket against an even share of the configured
// capacity. Entries leave in LRU order; pending entries are skipped,
// their computers still hold them.

// bucketShare is the byte budget of one bucket.
func (c *Cache) bucketShare() int64 {
	return c.capacity.Load() / bucketCount
}

// EvictLRU drops the oldest entries until the content size is at most
// capacity minus bytesToFree, walking the buckets round-robin so no
// single bucket is drained ahead of the others. A cache already under
// that target loses nothing; EvictLRU(0) trims it back under its
// capacity. Whole
// entries leave, so the final eviction may overshoot the request. A
// no-op when the capacity is zero.
func (c *Cache) EvictLRU(bytesToFree int64) error {
	capacity := c.capacity.Load()
	if capacity <= 0 {
		return nil
	}
	target := capacity - bytesToFree
	if target < 0 {
		target = 0
	}
	var freed []uint64
	return c.op("evict_lru", func() error {
		freed = freed[:0]
		var cur int64
		for _, b := range c.buckets {
			if err := b.withRead(func(r rootRef) error {
				cur += r.bucketSize()
				return nil
			}); err != nil {
				return err
			}
		}
		for cur > target {
			progressed := false
			for _, b := range c.buckets {
				if cur <= target {
					break
				}
				var dropped int64
				removed := false
				err := b.withWrite(func(r rootRef) error {
					for off := r.lruFront(); off != 0; {
						e := entryRef{s: &b.seg, off: off}
						off = e.lruNext()
						if e.status() == EntryStatusPending {
							continue
						}
						dropped = e.size()
						b.removeEntry(r, e, func(id uint64) { freed = append(freed, id) })
						c.evictions.Add(1)
						removed = true
						return nil
					}
					return nil
				})
				if err != nil {
					return err
				}
				if removed {
					cur -= dropped
					progressed = true
				}
			}
			if !progressed {
				break
			}
		}
		return c.returnTiles(freed)
	})
}

// evictBucketLocked trims the bucket to its share. The caller holds
// the bucket's write lock; freed tile ids are appended to *freed for
// the caller to return once the lock is dropped.
func (c *Cache) evictBucketLocked(b *bucket, r rootRef, freed *[]uint64) {
	share := c.bucketShare()
	if share <= 0 {
		return
	}
	cur := r.lruFront()
	for r.bucketSize() > share && cur != 0 {
		e := entryRef{s: &b.seg, off: cur}
		next := e.lruNext()
		if e.status() != EntryStatusPending {
			b.removeEntry(r, e, func(id uint64) { *freed = append(*freed, id) })
			c.evictions.Add(1)
		}
		cur = next
	}
}

// evictBucket takes the bucket's write lock and trims it.
func (c *Cache) evictBucket(b *bucket) error {
	var freed []uint64
	err := b.withWrite(func(r rootRef) error {
		c.evictBucketLocked(b, r, &freed)
		return nil
	})
	if err != nil {
		return err
	}
	return c.returnTiles(freed)
}

// sweeper is the background eviction loop.
func (c *Cache) sweeper() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
		}
		if err := c.op("sweep", func() error {
			for _, b := range c.buckets {
				if err := c.evictBucket(b); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			c.log.Error(err, "eviction sweep failed")
		}
	}
}
