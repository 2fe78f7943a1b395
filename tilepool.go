package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// TileBytes is the fixed size of one tile. Bulk pixel data is
	// stored as a sequence of tiles; entry metadata only carries the
	// tile ids.
	TileBytes = 16 * 1024

	// defaultTilesPerFile makes each tile file exactly 1 GiB.
	defaultTilesPerFile = 65536

	tileFilePattern = "TilesStorage%d"
	tileLockFile    = "TilesStorage.lock"
)

// Tile ids pack the slot index in the high half and the file index in
// the low half. Ids of lower slots sort first, so the pop-smallest
// policy of the free sets fills each bucket's slot range front to
// back, oldest file first within a slot.

func makeTileID(fileIdx, slotIdx uint32) uint64 {
	return uint64(slotIdx)<<32 | uint64(fileIdx)
}

func tileFileIndex(id uint64) uint32 { return uint32(id) }
func tileSlotIndex(id uint64) uint32 { return uint32(id >> 32) }

// tilePool manages the fixed-size tile files. Files never shrink or
// grow: a full pool gets a whole new file, whose slots are divided
// evenly between the buckets. The pool generation word in the shared
// segment tells the other processes to pick up new files.
type tilePool struct {
	dir         string
	persistent  bool
	lockTimeout time.Duration
	perFile     int

	lock rwLocker

	shm     *syncSegment
	mapMu   sync.RWMutex
	seenGen uint64

	files []storage
}

// openTilePool attaches the pool in dir, mapping every tile file
// already present. perFile must be a positive multiple of bucketCount.
func openTilePool(dir string, persistent bool, shm *syncSegment, lockTimeout time.Duration, perFile int) (*tilePool, error) {
	p := &tilePool{
		dir:         dir,
		persistent:  persistent,
		lockTimeout: lockTimeout,
		perFile:     perFile,
		shm:         shm,
	}
	if persistent {
		p.lock = &fileRWLock{path: filepath.Join(dir, tileLockFile)}
		if err := p.scan(); err != nil {
			return nil, err
		}
	} else {
		p.lock = &localRWLock{}
	}
	if shm != nil {
		p.seenGen = shm.poolGen()
	}
	return p, nil
}

// scan closes every mapping and re-attaches the tile files present on
// disk, in index order. A gap in the numbering means a past crash
// between file creation and use; the missing file is re-created on the
// next allocation, so scanning just stops at the gap.
func (p *tilePool) scan() error {
	for _, f := range p.files {
		_ = f.close()
	}
	p.files = nil
	for i := 0; ; i++ {
		path := filepath.Join(p.dir, fmt.Sprintf(tileFilePattern, i))
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("stat tile file: %w", err)
		}
		st, err := openFileStorage(path)
		if err != nil {
			return err
		}
		if st.size() != int64(p.perFile)*TileBytes {
			// Partially created file: a crashed process died between
			// the create and the resize. Finish the job.
			if err := st.resize(int64(p.perFile) * TileBytes); err != nil {
				_ = st.close()
				return err
			}
		}
		p.files = append(p.files, st)
	}
}

// revalidateShared refreshes the file list when another process
// changed the pool. Mirrors bucket.revalidateShared.
func (p *tilePool) revalidateShared() (func(), error) {
	if p.shm == nil {
		p.mapMu.RLock()
		return p.mapMu.RUnlock, nil
	}
	for {
		p.mapMu.RLock()
		gen := p.shm.poolGen()
		if gen == p.seenGen {
			return p.mapMu.RUnlock, nil
		}
		p.mapMu.RUnlock()

		p.mapMu.Lock()
		gen = p.shm.poolGen()
		if gen != p.seenGen {
			if err := p.scan(); err != nil {
				p.mapMu.Unlock()
				return nil, err
			}
			p.seenGen = gen
		}
		p.mapMu.Unlock()
	}
}

// revalidateExclusive holds mapMu exclusively for the duration so the
// critical section may add or remove files without re-locking.
func (p *tilePool) revalidateExclusive() (func(), error) {
	p.mapMu.Lock()
	if p.shm != nil {
		gen := p.shm.poolGen()
		if gen != p.seenGen {
			if err := p.scan(); err != nil {
				p.mapMu.Unlock()
				return nil, err
			}
			p.seenGen = gen
		}
	}
	return p.mapMu.Unlock, nil
}

func (p *tilePool) withRead(fn func() error) error {
	unlock, err := p.lock.rlock(p.lockTimeout)
	if err != nil {
		return err
	}
	defer unlock()
	release, err := p.revalidateShared()
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func (p *tilePool) withWrite(fn func() error) error {
	unlock, err := p.lock.lock(p.lockTimeout)
	if err != nil {
		return err
	}
	defer unlock()
	release, err := p.revalidateExclusive()
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// tileData returns the bytes of one tile. Valid only while the pool
// lock acquired by the surrounding withRead/withWrite is held.
func (p *tilePool) tileData(id uint64) ([]byte, error) {
	fi := int(tileFileIndex(id))
	si := int64(tileSlotIndex(id))
	if fi >= len(p.files) || si >= int64(p.perFile) {
		return nil, fmt.Errorf("%w: tile id %x out of range", ErrBucketInconsistent, id)
	}
	off := si * TileBytes
	return p.files[fi].bytes()[off : off+TileBytes], nil
}

func (p *tilePool) fileCount() int { return len(p.files) }

// addFile creates the next tile file and returns its index. The
// caller holds the exclusive pool lock and mapMu (via withWrite) and
// distributes the new slots to the bucket free sets afterwards.
func (p *tilePool) addFile() (int, error) {
	idx := len(p.files)
	var st storage
	if p.persistent {
		fs, err := openFileStorage(filepath.Join(p.dir, fmt.Sprintf(tileFilePattern, idx)))
		if err != nil {
			return 0, err
		}
		st = fs
	} else {
		st = &memStorage{}
	}
	if err := st.resize(int64(p.perFile) * TileBytes); err != nil {
		_ = st.close()
		return 0, err
	}

	p.files = append(p.files, st)
	if p.shm != nil {
		p.seenGen = p.shm.bumpPoolGen()
	}
	return idx, nil
}

// wipe deletes every tile file and announces the change. The caller
// holds the exclusive pool lock and mapMu.
func (p *tilePool) wipe() error {
	if err := p.removeFiles(); err != nil {
		return err
	}
	if p.shm != nil {
		p.seenGen = p.shm.bumpPoolGen()
	}
	return nil
}

// slotRange returns the tile ids of file fileIdx owned by bucket b.
func (p *tilePool) slotRange(fileIdx, b int) []uint64 {
	perBucket := p.perFile / bucketCount
	ids := make([]uint64, 0, perBucket)
	for s := b * perBucket; s < (b+1)*perBucket; s++ {
		ids = append(ids, makeTileID(uint32(fileIdx), uint32(s)))
	}
	return ids
}

// flush pushes tile data to disk. Used by the cache-wide flush.
func (p *tilePool) flush(mode flushMode) error {
	for _, f := range p.files {
		if err := f.flush(mode, 0, f.size()); err != nil {
			return err
		}
	}
	return nil
}

// removeFiles deletes every tile file, mapping included. Recovery and
// Clear call this under the exclusive pool lock.
func (p *tilePool) removeFiles() error {
	var firstErr error
	for i, f := range p.files {
		if err := f.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if p.persistent {
			path := filepath.Join(p.dir, fmt.Sprintf(tileFilePattern, i))
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
				firstErr = err
			}
		}
	}
	p.files = nil
	return firstErr
}

func (p *tilePool) close() error {
	var firstErr error
	for _, f := range p.files {
		if err := f.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.files = nil
	return firstErr
}
