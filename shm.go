package cache

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"
)

// The shared synchronization segment is a small fixed-size mapped file
// holding the mapping-validity words every attached process consults
// before touching a mapped ToC or tile file. All fields are 64-bit
// words manipulated with atomic loads/stores directly on the mapped
// memory, which requires a 64-bit little-endian platform (the same
// constraint the rest of the mapped format carries).
const (
	shmMagic   uint64 = 0x52435348_4D534547 // "RCSHMSEG"
	shmVersion uint64 = 1

	shmOffMagic     = 0
	shmOffVersion   = 8
	shmOffEpoch     = 16 // rebuild counter, bumped by every recovery
	shmOffPoolGen   = 24 // tile pool mapping generation
	shmOffPoolProcs = 32 // processes holding a valid pool mapping
	shmOffBuckets   = 64 // per bucket: gen u64, procs u64

	shmBucketStride = 16
	shmSegmentSize  = shmOffBuckets + bucketCount*shmBucketStride

	shmSegmentFile  = "SyncSegment"
	semValidFile    = "SHMValidSem"
	semInvalidFile  = "SHMInvalidSem"
	semPollInterval = 2 * time.Millisecond
)

// syncSegment wraps the mapped synchronization region.
type syncSegment struct {
	st *fileStorage
}

// attachSyncSegment opens (or initializes) the segment in dir. A short
// or garbled file is re-created: the segment carries no cache data,
// only coordination words, so resetting it is always safe under the
// exclusive init lock held by the caller during attach.
func attachSyncSegment(dir string) (*syncSegment, error) {
	st, err := openFileStorage(filepath.Join(dir, shmSegmentFile))
	if err != nil {
		return nil, err
	}
	s := &syncSegment{st: st}
	if st.size() != shmSegmentSize || s.load(shmOffMagic) != shmMagic || s.load(shmOffVersion) != shmVersion {
		if err := s.initialize(); err != nil {
			_ = st.close()
			return nil, err
		}
	}
	return s, nil
}

func (s *syncSegment) initialize() error {
	if err := s.st.resize(shmSegmentSize); err != nil {
		return fmt.Errorf("init sync segment: %w", err)
	}
	s.store(shmOffVersion, shmVersion)
	s.store(shmOffMagic, shmMagic)
	return nil
}

// word returns the atomically addressable u64 at off. The mapping is
// page-aligned and every field offset is a multiple of 8, which
// satisfies the alignment requirement of 64-bit atomics.
func (s *syncSegment) word(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&s.st.bytes()[off]))
}

func (s *syncSegment) load(off int) uint64     { return atomic.LoadUint64(s.word(off)) }
func (s *syncSegment) store(off int, v uint64) { atomic.StoreUint64(s.word(off), v) }
func (s *syncSegment) add(off int, d int64) uint64 {
	return atomic.AddUint64(s.word(off), uint64(d))
}

func (s *syncSegment) epoch() uint64     { return s.load(shmOffEpoch) }
func (s *syncSegment) bumpEpoch() uint64 { return s.add(shmOffEpoch, 1) }

func (s *syncSegment) bucketGen(i int) uint64 {
	return s.load(shmOffBuckets + i*shmBucketStride)
}

func (s *syncSegment) bumpBucketGen(i int) uint64 {
	return s.add(shmOffBuckets+i*shmBucketStride, 1)
}

func (s *syncSegment) addBucketProcs(i int, d int64) uint64 {
	return s.add(shmOffBuckets+i*shmBucketStride+8, d)
}

func (s *syncSegment) poolGen() uint64          { return s.load(shmOffPoolGen) }
func (s *syncSegment) bumpPoolGen() uint64      { return s.add(shmOffPoolGen, 1) }
func (s *syncSegment) addPoolProcs(d int64) uint64 {
	return s.add(shmOffPoolProcs, d)
}

func (s *syncSegment) detach() error {
	if s == nil || s.st == nil {
		return nil
	}
	err := s.st.close()
	s.st = nil
	return err
}

// namedSemaphore is a counting semaphore over a single mapped counter
// word, kept in its own file next to the synchronization segment.
// Recovery posts the invalid semaphore before its lock sweep and the
// valid one after the wipe; pending waiters consume either to re-probe
// early instead of sleeping out their backoff.
type namedSemaphore struct {
	st *fileStorage
}

func openSemaphore(dir, name string) (*namedSemaphore, error) {
	st, err := openFileStorage(filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}
	if st.size() < 8 {
		if err := st.resizePreserving(8); err != nil {
			_ = st.close()
			return nil, fmt.Errorf("init semaphore %s: %w", name, err)
		}
	}
	return &namedSemaphore{st: st}, nil
}

func (s *namedSemaphore) counter() *uint64 {
	return (*uint64)(unsafe.Pointer(&s.st.bytes()[0]))
}

func (s *namedSemaphore) post() {
	atomic.AddUint64(s.counter(), 1)
}

// tryWait decrements the counter if it is positive.
func (s *namedSemaphore) tryWait() bool {
	for {
		v := atomic.LoadUint64(s.counter())
		if v == 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(s.counter(), v, v-1) {
			return true
		}
	}
}

// wait blocks until a post can be consumed or the timeout elapses.
func (s *namedSemaphore) wait(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if s.tryWait() {
			return nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return fmt.Errorf("%w: semaphore wait timed out", ErrAbandonedLock)
		}
		time.Sleep(semPollInterval)
	}
}

func (s *namedSemaphore) close() error {
	if s == nil || s.st == nil {
		return nil
	}
	err := s.st.close()
	s.st = nil
	return err
}
