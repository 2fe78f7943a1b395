package cache

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

const (
	// growUnit is the granularity of ToC segment growth. Growing in
	// coarse steps keeps the remap churn low for the other attached
	// processes.
	growUnit = 512 * 1024

	tocFilePattern = "ToCStorage%02x"
	tocLockPattern = "ToCStorage%02x.lock"
	lruLockPattern = "LRULock%02x"
)

// bucket is one of the 256 shards. All shared state lives in the
// mapped ToC segment; the struct itself only carries process-local
// handles.
type bucket struct {
	index       int
	persistent  bool
	lockTimeout time.Duration

	st  storage
	seg segment

	tocLock rwLocker
	lruLock exclusiveLocker

	// shm is nil in non-persistent mode. mapMu serializes remapping
	// against concurrent readers of the same process; seenGen is the
	// shm generation the current mapping corresponds to.
	shm     *syncSegment
	mapMu   sync.RWMutex
	seenGen uint64

	// localProps holds payload bodies in non-persistent mode, where
	// nothing needs to cross a process boundary and encoding them
	// would be wasted work.
	localMu    sync.Mutex
	localProps map[uint64]*PropertyMap
}

// openBucket attaches bucket i in dir, formatting a fresh segment when
// the existing one is missing or does not validate. The caller holds
// the exclusive init lock (robust mode) or the exclusive directory
// lock, so no other process is attaching at the same time.
func openBucket(dir string, i int, persistent bool, shm *syncSegment, lockTimeout time.Duration) (*bucket, error) {
	b := &bucket{
		index:       i,
		persistent:  persistent,
		lockTimeout: lockTimeout,
		shm:         shm,
		localProps:  make(map[uint64]*PropertyMap),
	}
	if persistent {
		st, err := openFileStorage(filepath.Join(dir, fmt.Sprintf(tocFilePattern, i)))
		if err != nil {
			return nil, err
		}
		b.st = st
		b.tocLock = &fileRWLock{path: filepath.Join(dir, fmt.Sprintf(tocLockPattern, i))}
		b.lruLock = &fileRWLock{path: filepath.Join(dir, fmt.Sprintf(lruLockPattern, i))}
	} else {
		b.st = &memStorage{}
		l := &localRWLock{}
		b.tocLock = l
		b.lruLock = &localRWLock{}
	}
	b.seg = segment{st: b.st}

	// Validate under the bucket's own lock: another attached process
	// may be growing the segment right now.
	unlock, err := b.tocLock.lock(lockTimeout)
	if err != nil {
		_ = b.st.close()
		return nil, err
	}
	if shm != nil {
		b.seenGen = shm.bucketGen(i)
	}
	if err := b.seg.validate(); err != nil {
		if err := b.format(); err != nil {
			unlock()
			_ = b.st.close()
			return nil, err
		}
	}
	unlock()
	return b, nil
}

// wipe resets the bucket to empty and announces the new mapping.
func (b *bucket) wipe() error {
	unlock, err := b.tocLock.lock(b.lockTimeout)
	if err != nil {
		return err
	}
	defer unlock()
	return b.wipeLocked()
}

// wipeLocked is wipe with the ToC lock already held by the caller but
// not mapMu.
func (b *bucket) wipeLocked() error {
	b.mapMu.Lock()
	defer b.mapMu.Unlock()
	if err := b.format(); err != nil {
		return err
	}
	if b.shm != nil {
		b.seenGen = b.shm.bumpBucketGen(b.index)
	}
	return nil
}

// insertFreeTiles adds ids to the bucket's free set, growing the
// segment as needed. The caller holds the write lock.
func (b *bucket) insertFreeTiles(r rootRef, ids []uint64) error {
	for _, id := range ids {
		err := r.tilesInsert(id)
		if err == ErrOutOfTocMemory {
			if err = b.grow(int64(len(ids))*8 + growUnit/8); err != nil {
				return err
			}
			r = b.seg.root()
			err = r.tilesInsert(id)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// format wipes the segment back to an empty bucket.
func (b *bucket) format() error {
	if err := b.seg.initSegment(growUnit); err != nil {
		return err
	}
	if err := b.seg.initRoot(); err != nil {
		return err
	}
	b.localMu.Lock()
	b.localProps = make(map[uint64]*PropertyMap)
	b.localMu.Unlock()
	return nil
}

// revalidateShared brings the mapping up to date with the shared
// generation word and leaves mapMu held for reading. Called with the
// interprocess lock already held, so the file size cannot change
// underneath.
func (b *bucket) revalidateShared() (func(), error) {
	if b.shm == nil {
		b.mapMu.RLock()
		return b.mapMu.RUnlock, nil
	}
	for {
		b.mapMu.RLock()
		gen := b.shm.bucketGen(b.index)
		if gen == b.seenGen {
			return b.mapMu.RUnlock, nil
		}
		b.mapMu.RUnlock()

		b.mapMu.Lock()
		gen = b.shm.bucketGen(b.index)
		if gen != b.seenGen {
			if err := b.remap(); err != nil {
				b.mapMu.Unlock()
				return nil, err
			}
			b.seenGen = gen
		}
		b.mapMu.Unlock()
	}
}

// revalidateExclusive is the write-side variant: mapMu stays held
// exclusively so the critical section may grow or wipe the mapping
// without re-locking.
func (b *bucket) revalidateExclusive() (func(), error) {
	b.mapMu.Lock()
	if b.shm != nil {
		gen := b.shm.bucketGen(b.index)
		if gen != b.seenGen {
			if err := b.remap(); err != nil {
				b.mapMu.Unlock()
				return nil, err
			}
			b.seenGen = gen
		}
	}
	return b.mapMu.Unlock, nil
}

func (b *bucket) remap() error {
	return b.st.(*fileStorage).remap()
}

// withRead runs fn with the bucket locked for reading and the mapping
// validated. A bucket found in its mutating state aborts with
// ErrBucketInconsistent before fn runs.
func (b *bucket) withRead(fn func(r rootRef) error) error {
	unlock, err := b.tocLock.rlock(b.lockTimeout)
	if err != nil {
		return err
	}
	defer unlock()
	release, err := b.revalidateShared()
	if err != nil {
		return err
	}
	defer release()
	if err := b.seg.validate(); err != nil {
		return err
	}
	r := b.seg.root()
	if r.state() != bucketStateOk {
		return fmt.Errorf("%w: bucket %d left mid-mutation", ErrBucketInconsistent, b.index)
	}
	return fn(r)
}

// withWrite runs fn with the bucket locked exclusively. The bucket
// state word is flipped to inconsistent around fn, so a crash inside
// fn is detected by the next locker.
func (b *bucket) withWrite(fn func(r rootRef) error) error {
	unlock, err := b.tocLock.lock(b.lockTimeout)
	if err != nil {
		return err
	}
	defer unlock()
	release, err := b.revalidateExclusive()
	if err != nil {
		return err
	}
	defer release()
	if err := b.seg.validate(); err != nil {
		return err
	}
	r := b.seg.root()
	if r.state() != bucketStateOk {
		return fmt.Errorf("%w: bucket %d left mid-mutation", ErrBucketInconsistent, b.index)
	}
	r.setState(bucketStateInconsistent)
	err = fn(r)
	// Offsets survive growth, so the root window stays usable even if
	// fn grew the segment.
	b.seg.root().setState(bucketStateOk)
	if err == nil {
		err = b.st.flush(flushAsync, 0, b.st.size())
	}
	return err
}

// grow extends the segment so that at least need more bytes are
// allocatable, then announces the new mapping to the other processes.
// The caller holds the exclusive ToC lock and mapMu.
func (b *bucket) grow(need int64) error {
	oldSize := b.st.size()
	newSize := oldSize + alignUp(need+blockHeaderSize, growUnit)

	if err := b.st.resizePreserving(newSize); err != nil {
		return err
	}
	b.seg.extend(oldSize)
	if b.shm != nil {
		b.seenGen = b.shm.bumpBucketGen(b.index)
	}
	return nil
}

// allocGrow allocates n bytes, growing the segment once on demand.
func (b *bucket) allocGrow(n int64) (int64, error) {
	off, err := b.seg.alloc(n)
	if err == nil {
		return off, nil
	}
	if err != ErrOutOfTocMemory {
		return 0, err
	}
	if err := b.grow(n); err != nil {
		return 0, err
	}
	return b.seg.alloc(n)
}

// runGrow retries fn once after growing by need when fn reports the
// segment allocator exhausted. fn must be idempotent up to the point
// of the failed allocation.
func (b *bucket) runGrow(need int64, fn func() error) error {
	err := fn()
	if err != ErrOutOfTocMemory {
		return err
	}
	if err := b.grow(need); err != nil {
		return err
	}
	return fn()
}

// findEntry looks up hash. The zero ref means not present.
func (b *bucket) findEntry(r rootRef, hash uint64) entryRef {
	off := r.mapLookup(hash)
	if off == 0 {
		return entryRef{}
	}
	return entryRef{s: &b.seg, off: off}
}

// createEntry inserts a fresh null entry for hash at the MRU end.
func (b *bucket) createEntry(r rootRef, hash uint64) (entryRef, error) {
	var e entryRef
	err := b.runGrow(entrySize+initialMapCap*mapSlotSize, func() error {
		var err error
		e, err = b.seg.newEntry(hash)
		if err != nil {
			return err
		}
		if err := b.seg.root().mapInsert(hash, e.off); err != nil {
			e.destroy()
			return err
		}
		return nil
	})
	if err != nil {
		return entryRef{}, err
	}
	r = b.seg.root()
	r.lruPushBack(e.off)
	r.addEntryCount(1)
	r.addBucketSize(entrySize)
	e.setSize(entrySize)
	return e, nil
}

// removeEntry unlinks and destroys e. Tiles the entry referenced are
// handed to releaseTile, which returns them to the free sets.
func (b *bucket) removeEntry(r rootRef, e entryRef, releaseTile func(id uint64)) {
	hash := e.hash()
	r.lruUnlink(e.off)
	r.mapDelete(hash)
	r.addEntryCount(-1)
	r.addBucketSize(-e.size())
	e.releaseTiles(releaseTile)
	e.destroy()

	b.localMu.Lock()
	delete(b.localProps, hash)
	b.localMu.Unlock()
}

// storePayload persists the serialized property bag of e and accounts
// the size delta. In non-persistent mode the map is kept as-is in
// process memory instead of being encoded.
func (b *bucket) storePayload(r rootRef, e entryRef, pm *PropertyMap) error {
	oldSize := e.size()
	newSize := int64(entrySize) + e.tileCount()*TileBytes

	if b.persistent {
		enc, err := encodeProperties(e.hash(), pm)
		if err != nil {
			return err
		}
		if err := b.runGrow(int64(len(enc)), func() error {
			return e.setPropBytes(enc)
		}); err != nil {
			return err
		}
		newSize += int64(len(enc))
	} else {
		b.localMu.Lock()
		b.localProps[e.hash()] = pm
		b.localMu.Unlock()
	}

	e.setSize(newSize)
	b.seg.root().addBucketSize(newSize - oldSize)
	return nil
}

// loadPayload reads the property bag of e back, verifying the canary.
func (b *bucket) loadPayload(e entryRef) (*PropertyMap, error) {
	if !b.persistent {
		b.localMu.Lock()
		pm, ok := b.localProps[e.hash()]
		b.localMu.Unlock()
		if !ok {
			return nil, fmt.Errorf("%w: payload missing for %x", ErrSerializationFailed, e.hash())
		}
		return pm, nil
	}
	raw := e.propBytes()
	if raw == nil {
		return nil, fmt.Errorf("%w: payload missing for %x", ErrSerializationFailed, e.hash())
	}
	// Copy out of the mapping before decoding; the caller may release
	// the bucket lock while the PropertyMap is still alive.
	buf := make([]byte, len(raw))
	copy(buf, raw)
	return decodeProperties(e.hash(), buf)
}

// withLRUWrite runs fn under the bucket's LRU mutex plus a read lock
// on the ToC, enough for reordering the list without structural
// changes.
func (b *bucket) withLRUWrite(fn func(r rootRef) error) error {
	unlockLRU, err := b.lruLock.lock(b.lockTimeout)
	if err != nil {
		return err
	}
	defer unlockLRU()
	return b.withRead(fn)
}

func (b *bucket) close() error {
	if b.st == nil {
		return nil
	}
	err := b.st.close()
	b.st = nil
	return err
}
