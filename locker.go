package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// LockState is the outcome of acquiring an entry.
type LockState int

const (
	// LockStateCached means the payload was found and deserialized
	// into the caller's entry.
	LockStateCached LockState = iota
	// LockStateMustCompute means the caller registered the entry and
	// now owns its computation. It must call Insert or Release.
	LockStateMustCompute
	// LockStateComputationPending means another worker, possibly in
	// another process, is computing the entry. WaitForPending blocks
	// until it resolves.
	LockStateComputationPending
)

func (s LockState) String() string {
	switch s {
	case LockStateCached:
		return "cached"
	case LockStateMustCompute:
		return "must-compute"
	case LockStateComputationPending:
		return "pending"
	}
	return "unknown"
}

// Pending-wait backoff. The semaphore shortcut wakes waiters early;
// the backoff only bounds the polling when no wake-up arrives.
const (
	pendingPollInitial = 20 * time.Millisecond
	pendingPollMax     = 200 * time.Millisecond
)

// EntryLocker tracks one acquisition of one entry. It is not safe for
// concurrent use; each rendering goroutine acquires its own.
type EntryLocker struct {
	c     *Cache
	entry CacheEntry
	hash  uint64
	state LockState
	owner uint64
	done  bool

	// pending deserialization result, filled under the bucket lock and
	// applied to the entry after it is released.
	loaded *PropertyMap
}

// Acquire looks the entry up and returns a locker describing what the
// caller must do next: use the deserialized result, compute it, or
// wait for another worker.
func (c *Cache) Acquire(ctx context.Context, entry CacheEntry) (*EntryLocker, error) {
	l := &EntryLocker{c: c, entry: entry, hash: entry.Hash()}
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, wrapError("acquire", ErrAborted)
		}
		if err := c.op("acquire", l.lookupOrRegister); err != nil {
			return nil, err
		}
		if l.state != LockStateCached {
			if l.state == LockStateMustCompute {
				c.misses.Add(1)
			}
			return l, nil
		}
		if err := l.applyLoaded(); err == nil {
			c.hits.Add(1)
			l.touchLRU()
			return l, nil
		} else if attempt > 0 || !errors.Is(err, ErrSerializationFailed) {
			return nil, wrapError("acquire", err)
		}
		// Stored payload does not fit the entry type anymore. Drop it
		// and compete for the computation.
		if err := c.Remove(l.hash); err != nil {
			return nil, err
		}
	}
}

// Status reports the state decided at acquisition time.
func (l *EntryLocker) Status() LockState { return l.state }

// Hash returns the content hash the locker is bound to.
func (l *EntryLocker) Hash() uint64 { return l.hash }

// lookupOrRegister resolves the current state of the entry, claiming
// the computation when nobody else has. First a shared probe, then at
// most one exclusive attempt.
func (l *EntryLocker) lookupOrRegister() error {
	b := l.c.bucketFor(l.hash)
	l.loaded = nil

	settled := false
	err := b.withRead(func(r rootRef) error {
		e := b.findEntry(r, l.hash)
		if !e.valid() {
			return nil
		}
		switch e.status() {
		case EntryStatusReady:
			pm, err := b.loadPayload(e)
			if err != nil {
				return err
			}
			l.loaded = pm
			l.state = LockStateCached
			settled = true
		case EntryStatusPending:
			if e.owner() == computeOwnerToken() && !allowsMultipleFetch(l.entry) {
				// This goroutine is still computing the hash itself;
				// waiting here would deadlock on our own placeholder.
				// Fall through to the write path and take it back.
				return nil
			}
			l.state = LockStateComputationPending
			settled = true
		}
		return nil
	})
	if err != nil || settled {
		return err
	}

	return b.withWrite(func(r rootRef) error {
		e := b.findEntry(r, l.hash)
		if !e.valid() {
			var err error
			e, err = b.createEntry(r, l.hash)
			if err != nil {
				return err
			}
			if p, ok := l.entry.(PluginIdentifiable); ok {
				if err := b.runGrow(64, func() error { return e.setPluginID(p.PluginID()) }); err != nil {
					return err
				}
			}
		}
		switch e.status() {
		case EntryStatusReady:
			pm, err := b.loadPayload(e)
			if err != nil {
				return err
			}
			l.loaded = pm
			l.state = LockStateCached
		case EntryStatusPending:
			if e.owner() == computeOwnerToken() && !allowsMultipleFetch(l.entry) {
				l.owner = e.owner()
				l.state = LockStateMustCompute
				return nil
			}
			l.state = LockStateComputationPending
		case EntryStatusNull:
			l.owner = computeOwnerToken()
			e.setStatus(EntryStatusPending)
			e.setOwner(l.owner)
			l.state = LockStateMustCompute
		}
		return nil
	})
}

func allowsMultipleFetch(e CacheEntry) bool {
	m, ok := e.(MultiFetchable)
	return ok && m.AllowMultipleFetch()
}

// applyLoaded deserializes the loaded payload into the entry. An
// ErrNeedsWriteLock answer gets exactly one retry under the bucket's
// write lock, through the entry's DeserializeExclusive.
func (l *EntryLocker) applyLoaded() error {
	err := l.entry.Deserialize(l.loaded)
	if !errors.Is(err, ErrNeedsWriteLock) {
		return err
	}
	wd, ok := l.entry.(WriteDeserializer)
	if !ok {
		return err
	}
	b := l.c.bucketFor(l.hash)
	return l.c.op("deserialize", func() error {
		return b.withWrite(func(r rootRef) error {
			e := b.findEntry(r, l.hash)
			if !e.valid() || e.status() != EntryStatusReady {
				return fmt.Errorf("%w: entry %x changed before exclusive deserialization", ErrSerializationFailed, l.hash)
			}
			pm, err := b.loadPayload(e)
			if err != nil {
				return err
			}
			return wd.DeserializeExclusive(pm)
		})
	})
}

// touchLRU records the hit in the bucket's recency list.
func (l *EntryLocker) touchLRU() {
	b := l.c.bucketFor(l.hash)
	_ = l.c.op("touch", func() error {
		return b.withLRUWrite(func(r rootRef) error {
			if e := b.findEntry(r, l.hash); e.valid() {
				r.lruMoveBack(e.off)
			}
			return nil
		})
	})
}

// WaitForPending blocks until a pending entry resolves, then behaves
// like a fresh Acquire: the result state is Cached when the computer
// succeeded, or MustCompute when it vanished and the wait turned into
// ownership.
func (l *EntryLocker) WaitForPending(ctx context.Context) (LockState, error) {
	if l.state != LockStateComputationPending {
		return l.state, nil
	}
	delay := pendingPollInitial
	for {
		if err := ctx.Err(); err != nil {
			return 0, wrapError("wait", ErrAborted)
		}
		l.sleepOrWake(ctx, delay)
		if delay = delay * 6 / 5; delay > pendingPollMax {
			delay = pendingPollMax
		}

		if err := l.c.op("wait", l.lookupOrRegister); err != nil {
			return 0, err
		}
		switch l.state {
		case LockStateCached:
			if err := l.applyLoaded(); err != nil {
				return 0, wrapError("wait", err)
			}
			l.c.hits.Add(1)
			l.touchLRU()
			return l.state, nil
		case LockStateMustCompute:
			return l.state, nil
		}
	}
}

// sleepOrWake parks for at most d, returning early when another
// worker posts the wake-up semaphore, a recovery announces the
// invalid zone, or the context ends.
func (l *EntryLocker) sleepOrWake(ctx context.Context, d time.Duration) {
	if l.c.semValid != nil {
		deadline := time.Now().Add(d)
		for time.Now().Before(deadline) {
			if l.c.semValid.tryWait() || l.c.semInvalid.tryWait() {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(semPollInterval):
			}
		}
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Insert stores the computed payload: the entry's serialized
// properties plus the bulk data spread over tiles. Only valid in the
// MustCompute state.
func (l *EntryLocker) Insert(data []byte) error {
	if l.state != LockStateMustCompute || l.done {
		return wrapError("insert", fmt.Errorf("locker not in compute state"))
	}
	l.done = true

	pm := NewPropertyMap()
	if err := l.entry.Serialize(pm); err != nil {
		return wrapError("insert", err)
	}

	var leaked []uint64
	err := l.c.op("insert", func() error {
		tiles, err := l.allocTiles(data)
		if err != nil {
			return err
		}
		leaked = tiles
		if err := l.writeTiles(tiles, data); err != nil {
			return err
		}
		if err := l.commit(pm, tiles, int64(len(data))); err != nil {
			return err
		}
		leaked = nil
		return nil
	})
	if len(leaked) > 0 {
		// The entry never took ownership of these tiles; put them
		// back so they are not lost until the next wipe.
		_ = l.c.returnTiles(leaked)
	}
	l.c.wakeWaiters()
	if err != nil {
		return err
	}
	return nil
}

func (l *EntryLocker) allocTiles(data []byte) ([]uint64, error) {
	n := (len(data) + TileBytes - 1) / TileBytes
	tiles := make([]uint64, 0, n)
	for seq := 0; seq < n; seq++ {
		id, err := l.c.allocateTile(l.hash, seq)
		if err != nil {
			_ = l.c.returnTiles(tiles)
			return nil, err
		}
		tiles = append(tiles, id)
	}
	return tiles, nil
}

func (l *EntryLocker) writeTiles(tiles []uint64, data []byte) error {
	if len(tiles) == 0 {
		return nil
	}
	return l.c.pool.withRead(func() error {
		for i, id := range tiles {
			td, err := l.c.pool.tileData(id)
			if err != nil {
				return err
			}
			chunk := data[i*TileBytes:]
			if len(chunk) > TileBytes {
				chunk = chunk[:TileBytes]
			}
			copy(td, chunk)
		}
		return nil
	})
}

// commit publishes the payload under the bucket's write lock. The
// entry may have been removed or reassigned while we computed; a
// removed entry is re-created, a reassigned one loses us the insert.
func (l *EntryLocker) commit(pm *PropertyMap, tiles []uint64, dataLen int64) error {
	b := l.c.bucketFor(l.hash)
	var evicted []uint64
	err := b.withWrite(func(r rootRef) error {
		e := b.findEntry(r, l.hash)
		if e.valid() && e.status() == EntryStatusPending && e.owner() != l.owner {
			return nil
		}
		if !e.valid() {
			var err error
			e, err = b.createEntry(r, l.hash)
			if err != nil {
				return err
			}
			if p, ok := l.entry.(PluginIdentifiable); ok {
				if err := b.runGrow(64, func() error { return e.setPluginID(p.PluginID()) }); err != nil {
					return err
				}
			}
		}
		for _, id := range tiles {
			if err := b.runGrow(int64(len(tiles))*8, func() error { return e.appendTileID(id) }); err != nil {
				return err
			}
		}
		e.setDataLen(dataLen)
		if err := b.storePayload(r, e, pm); err != nil {
			return err
		}
		e.setStatus(EntryStatusReady)
		e.setOwner(0)
		r = b.seg.root()
		r.lruMoveBack(e.off)
		l.c.evictBucketLocked(b, r, &evicted)
		return nil
	})
	if err != nil {
		return err
	}
	return l.c.returnTiles(evicted)
}

// Release abandons a MustCompute acquisition without inserting. The
// pending placeholder is removed so waiters can take over. Safe to
// call in any state; non-compute states are a no-op.
func (l *EntryLocker) Release() {
	if l.state != LockStateMustCompute || l.done {
		return
	}
	l.done = true
	b := l.c.bucketFor(l.hash)
	var freed []uint64
	_ = l.c.op("release", func() error {
		freed = freed[:0]
		return b.withWrite(func(r rootRef) error {
			e := b.findEntry(r, l.hash)
			if e.valid() && e.status() == EntryStatusPending && e.owner() == l.owner {
				b.removeEntry(r, e, func(id uint64) { freed = append(freed, id) })
			}
			return nil
		})
	})
	_ = l.c.returnTiles(freed)
	l.c.wakeWaiters()
}

// TileData reads the bulk payload back. Only meaningful for Cached
// entries; the data is copied out of the mapped tiles.
func (l *EntryLocker) TileData() ([]byte, error) {
	var out []byte
	err := l.c.op("tile_data", func() error {
		b := l.c.bucketFor(l.hash)
		return b.withRead(func(r rootRef) error {
			e := b.findEntry(r, l.hash)
			if !e.valid() || e.status() != EntryStatusReady {
				return fmt.Errorf("%w: entry %x not ready", ErrSerializationFailed, l.hash)
			}
			n := e.dataLen()
			out = make([]byte, n)
			return l.c.pool.withRead(func() error {
				for i := int64(0); i < e.tileCount(); i++ {
					td, err := l.c.pool.tileData(e.tileID(i))
					if err != nil {
						return err
					}
					copy(out[i*TileBytes:], td)
				}
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
