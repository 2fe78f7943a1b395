package cache

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/unkn0wn-root/rendercache/internal/mathutil"
)

// The ToC segment is a self-contained heap inside one mapped bucket
// file. Every reference inside the segment is a byte offset from the
// start of the mapping, never a raw pointer, so the same bytes stay
// valid in any process at any mapping address. Offset 0 is reserved
// as the nil offset.
//
// Layout:
//
//	[0, 64)    segment header
//	[64, ...)  block heap: 16-byte block headers followed by payload
//
// Free blocks form an address-ordered singly linked list threaded
// through their headers; adjacent free blocks are coalesced on free.
const (
	segMagic   uint32 = 0x52435453 // "RCTS"
	segVersion uint32 = cacheSchemaVersion

	segHeaderSize = 64
	segOffMagic   = 0
	segOffVersion = 4
	segOffSize    = 8
	segOffFree    = 16
	segOffRoot    = 24

	blockHeaderSize = 16
	blockOffSize    = 0
	blockOffNext    = 8

	// blockAllocated marks the next word of an in-use block. Free
	// blocks hold the offset of the next free block (or 0) there.
	blockAllocated uint64 = ^uint64(0)

	segAlign = 8
)

// segment provides typed access to one mapped ToC heap. It carries no
// state of its own besides the storage handle; everything lives in the
// mapped bytes.
type segment struct {
	st storage
}

func (s *segment) data() []byte { return s.st.bytes() }

func (s *segment) u64(off int64) uint64 {
	return binary.LittleEndian.Uint64(s.data()[off : off+8])
}

func (s *segment) putU64(off int64, v uint64) {
	binary.LittleEndian.PutUint64(s.data()[off:off+8], v)
}

func (s *segment) u32(off int64) uint32 {
	return binary.LittleEndian.Uint32(s.data()[off : off+4])
}

func (s *segment) putU32(off int64, v uint32) {
	binary.LittleEndian.PutUint32(s.data()[off:off+4], v)
}

// initSegment formats n bytes of backing store as an empty heap with a
// single free block spanning everything after the header.
func (s *segment) initSegment(n int64) error {
	if n < segHeaderSize+blockHeaderSize+segAlign {
		return fmt.Errorf("%w: segment size %d too small", ErrInvalidConfig, n)
	}
	if err := s.st.resize(n); err != nil {
		return err
	}
	s.putU32(segOffVersion, segVersion)
	s.putU64(segOffSize, uint64(n))
	s.putU64(segOffRoot, 0)

	first := int64(segHeaderSize)
	s.putU64(first+blockOffSize, uint64(n-segHeaderSize))
	s.putU64(first+blockOffNext, 0)
	s.putU64(segOffFree, uint64(first))

	// Magic last: a crash mid-format leaves a segment that fails
	// validation instead of one that parses as empty.
	s.putU32(segOffMagic, segMagic)
	return nil
}

// validate checks that the mapped bytes look like a segment this
// version understands. Callers treat any failure as a wiped bucket.
func (s *segment) validate() error {
	if int64(len(s.data())) < segHeaderSize {
		return fmt.Errorf("%w: segment truncated", ErrBucketInconsistent)
	}
	if s.u32(segOffMagic) != segMagic {
		return fmt.Errorf("%w: bad segment magic", ErrBucketInconsistent)
	}
	if s.u32(segOffVersion) != segVersion {
		return fmt.Errorf("%w: segment version %d, want %d", ErrBucketInconsistent, s.u32(segOffVersion), segVersion)
	}
	if s.u64(segOffSize) != uint64(len(s.data())) {
		return fmt.Errorf("%w: segment size header mismatch", ErrBucketInconsistent)
	}
	return nil
}

func (s *segment) rootOff() int64       { return int64(s.u64(segOffRoot)) }
func (s *segment) setRootOff(off int64) { s.putU64(segOffRoot, uint64(off)) }

// alloc carves an n-byte payload out of the free list, first fit in
// address order. Returns the payload offset, or ErrOutOfTocMemory when
// no free block is large enough; the caller grows the segment and
// retries.
func (s *segment) alloc(n int64) (int64, error) {
	need := alignUp(n, segAlign) + blockHeaderSize

	prevLink := int64(segOffFree)
	cur := int64(s.u64(segOffFree))
	for cur != 0 {
		size := int64(s.u64(cur + blockOffSize))
		next := int64(s.u64(cur + blockOffNext))
		if size >= need {
			remainder := size - need
			if remainder >= blockHeaderSize+segAlign {
				// Split: the tail keeps the list position.
				tail := cur + need
				s.putU64(tail+blockOffSize, uint64(remainder))
				s.putU64(tail+blockOffNext, uint64(next))
				s.putU64(prevLink, uint64(tail))
				s.putU64(cur+blockOffSize, uint64(need))
			} else {
				s.putU64(prevLink, uint64(next))
			}
			s.putU64(cur+blockOffNext, blockAllocated)
			payload := cur + blockHeaderSize
			zero(s.data()[payload : payload+n])
			return payload, nil
		}
		prevLink = cur + blockOffNext
		cur = next
	}
	return 0, ErrOutOfTocMemory
}

// free returns the block owning payload to the free list, merging with
// its address neighbors where possible.
func (s *segment) free(payload int64) {
	if payload == 0 {
		return
	}
	block := payload - blockHeaderSize
	size := int64(s.u64(block + blockOffSize))

	// Find the insertion point in the address-ordered list.
	prevLink := int64(segOffFree)
	prev := int64(0)
	cur := int64(s.u64(segOffFree))
	for cur != 0 && cur < block {
		prev = cur
		prevLink = cur + blockOffNext
		cur = int64(s.u64(cur + blockOffNext))
	}

	// Merge forward.
	if cur != 0 && block+size == cur {
		size += int64(s.u64(cur + blockOffSize))
		s.putU64(block+blockOffNext, s.u64(cur+blockOffNext))
	} else {
		s.putU64(block+blockOffNext, uint64(cur))
	}
	s.putU64(block+blockOffSize, uint64(size))

	// Merge backward.
	if prev != 0 && prev+int64(s.u64(prev+blockOffSize)) == block {
		s.putU64(prev+blockOffSize, s.u64(prev+blockOffSize)+uint64(size))
		s.putU64(prev+blockOffNext, s.u64(block+blockOffNext))
		return
	}
	s.putU64(prevLink, uint64(block))
}

// payloadSize reports the usable bytes of an allocated payload.
func (s *segment) payloadSize(payload int64) int64 {
	block := payload - blockHeaderSize
	return int64(s.u64(block+blockOffSize)) - blockHeaderSize
}

// freeMemory sums the free list.
func (s *segment) freeMemory() int64 {
	var total int64
	for cur := int64(s.u64(segOffFree)); cur != 0; cur = int64(s.u64(cur + blockOffNext)) {
		total += int64(s.u64(cur + blockOffSize))
	}
	return total
}

// extend registers [oldSize, newSize) as free space after the backing
// store grew. The caller has already resized and remapped the storage.
func (s *segment) extend(oldSize int64) {
	newSize := int64(len(s.data()))
	if newSize <= oldSize {
		return
	}
	s.putU64(segOffSize, uint64(newSize))
	block := oldSize
	s.putU64(block+blockOffSize, uint64(newSize-oldSize))
	s.putU64(block+blockOffNext, blockAllocated)
	s.free(block + blockHeaderSize)
}

func alignUp(n, a int64) int64 {
	return (n + a - 1) &^ (a - 1)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Bucket root record. One per segment, pointed to by the header root
// word. All LRU and map references below are segment offsets.
const (
	rootSize = 96

	rootOffState      = 0
	rootOffBucketSize = 8
	rootOffEntryCount = 16
	rootOffLRUFront   = 24
	rootOffLRUBack    = 32
	rootOffMapOff     = 40
	rootOffMapCap     = 48
	rootOffMapLen     = 56
	rootOffMapTombs   = 64
	rootOffTilesOff   = 72
	rootOffTilesCap   = 80
	rootOffTilesLen   = 88

	// bucketStateOk and bucketStateInconsistent are the two values of
	// the root state word. Writers flip to inconsistent before any
	// structural mutation and back once the structures are consistent
	// again; a reader finding the flag set knows the writer died.
	bucketStateOk           uint64 = 0
	bucketStateInconsistent uint64 = 1

	initialMapCap = 64
	mapSlotSize   = 16

	// mapTombstone marks a deleted slot; 0 marks an empty one. Entry
	// offsets are always >= segHeaderSize so neither collides.
	mapTombstone uint64 = ^uint64(0)
)

// initRoot allocates and installs an empty root record plus its first
// entry map array.
func (s *segment) initRoot() error {
	off, err := s.alloc(rootSize)
	if err != nil {
		return err
	}
	mapOff, err := s.alloc(initialMapCap * mapSlotSize)
	if err != nil {
		return err
	}
	s.putU64(off+rootOffMapOff, uint64(mapOff))
	s.putU64(off+rootOffMapCap, initialMapCap)
	s.setRootOff(off)
	return nil
}

func (s *segment) root() rootRef { return rootRef{s: s, off: s.rootOff()} }

// rootRef is a typed window over the root record.
type rootRef struct {
	s   *segment
	off int64
}

func (r rootRef) state() uint64     { return r.s.u64(r.off + rootOffState) }
func (r rootRef) setState(v uint64) { r.s.putU64(r.off+rootOffState, v) }

func (r rootRef) bucketSize() int64 { return int64(r.s.u64(r.off + rootOffBucketSize)) }
func (r rootRef) addBucketSize(d int64) {
	r.s.putU64(r.off+rootOffBucketSize, uint64(r.bucketSize()+d))
}

func (r rootRef) entryCount() int64 { return int64(r.s.u64(r.off + rootOffEntryCount)) }
func (r rootRef) addEntryCount(d int64) {
	r.s.putU64(r.off+rootOffEntryCount, uint64(r.entryCount()+d))
}

func (r rootRef) lruFront() int64     { return int64(r.s.u64(r.off + rootOffLRUFront)) }
func (r rootRef) lruBack() int64      { return int64(r.s.u64(r.off + rootOffLRUBack)) }
func (r rootRef) setLRUFront(v int64) { r.s.putU64(r.off+rootOffLRUFront, uint64(v)) }
func (r rootRef) setLRUBack(v int64)  { r.s.putU64(r.off+rootOffLRUBack, uint64(v)) }

// Entry hash map: open addressing with linear probing over 16-byte
// slots of {hash u64, entryOff u64}. Deletion writes a tombstone so
// probe chains stay intact; rehash drops the tombstones.

func (r rootRef) mapOff() int64   { return int64(r.s.u64(r.off + rootOffMapOff)) }
func (r rootRef) mapCap() int64   { return int64(r.s.u64(r.off + rootOffMapCap)) }
func (r rootRef) mapLen() int64   { return int64(r.s.u64(r.off + rootOffMapLen)) }
func (r rootRef) mapTombs() int64 { return int64(r.s.u64(r.off + rootOffMapTombs)) }

func (r rootRef) slotHash(i int64) uint64 {
	return r.s.u64(r.mapOff() + i*mapSlotSize)
}

func (r rootRef) slotEntry(i int64) uint64 {
	return r.s.u64(r.mapOff() + i*mapSlotSize + 8)
}

func (r rootRef) setSlot(i int64, hash, entryOff uint64) {
	r.s.putU64(r.mapOff()+i*mapSlotSize, hash)
	r.s.putU64(r.mapOff()+i*mapSlotSize+8, entryOff)
}

// mapLookup returns the entry offset stored for hash, or 0.
func (r rootRef) mapLookup(hash uint64) int64 {
	capSlots := r.mapCap()
	if capSlots == 0 {
		return 0
	}
	i := int64(hash) & (capSlots - 1)
	for probes := int64(0); probes < capSlots; probes++ {
		e := r.slotEntry(i)
		if e == 0 {
			return 0
		}
		if e != mapTombstone && r.slotHash(i) == hash {
			return int64(e)
		}
		i = (i + 1) & (capSlots - 1)
	}
	return 0
}

// mapInsert stores hash -> entryOff, rehashing first when occupancy
// (live plus tombstones) would pass 3/4.
func (r rootRef) mapInsert(hash uint64, entryOff int64) error {
	if (r.mapLen()+r.mapTombs()+1)*4 > r.mapCap()*3 {
		if err := r.mapRehash(); err != nil {
			return err
		}
	}
	capSlots := r.mapCap()
	i := int64(hash) & (capSlots - 1)
	for {
		e := r.slotEntry(i)
		if e == 0 || e == mapTombstone {
			if e == mapTombstone {
				r.s.putU64(r.off+rootOffMapTombs, uint64(r.mapTombs()-1))
			}
			r.setSlot(i, hash, uint64(entryOff))
			r.s.putU64(r.off+rootOffMapLen, uint64(r.mapLen()+1))
			return nil
		}
		i = (i + 1) & (capSlots - 1)
	}
}

// mapDelete removes hash from the map. Missing keys are ignored.
func (r rootRef) mapDelete(hash uint64) {
	capSlots := r.mapCap()
	if capSlots == 0 {
		return
	}
	i := int64(hash) & (capSlots - 1)
	for probes := int64(0); probes < capSlots; probes++ {
		e := r.slotEntry(i)
		if e == 0 {
			return
		}
		if e != mapTombstone && r.slotHash(i) == hash {
			r.setSlot(i, 0, mapTombstone)
			r.s.putU64(r.off+rootOffMapLen, uint64(r.mapLen()-1))
			r.s.putU64(r.off+rootOffMapTombs, uint64(r.mapTombs()+1))
			return
		}
		i = (i + 1) & (capSlots - 1)
	}
}

// mapRehash resizes the slot array from the live count, which both
// grows a full table and compacts a tombstone-crowded one, then
// reinserts the live slots.
func (r rootRef) mapRehash() error {
	oldOff := r.mapOff()
	oldCap := r.mapCap()
	newCap := int64(mathutil.NextPowerOf2(int((r.mapLen() + 1) * 2)))
	if newCap < initialMapCap {
		newCap = initialMapCap
	}

	newOff, err := r.s.alloc(newCap * mapSlotSize)
	if err != nil {
		return err
	}
	// alloc may not move the root, but re-derive the window anyway in
	// case the caller grew the segment underneath us.
	nr := r.s.root()
	for i := int64(0); i < oldCap; i++ {
		h := nr.s.u64(oldOff + i*mapSlotSize)
		e := nr.s.u64(oldOff + i*mapSlotSize + 8)
		if e == 0 || e == mapTombstone {
			continue
		}
		j := int64(h) & (newCap - 1)
		for nr.s.u64(newOff+j*mapSlotSize+8) != 0 {
			j = (j + 1) & (newCap - 1)
		}
		nr.s.putU64(newOff+j*mapSlotSize, h)
		nr.s.putU64(newOff+j*mapSlotSize+8, e)
	}
	nr.s.putU64(nr.off+rootOffMapOff, uint64(newOff))
	nr.s.putU64(nr.off+rootOffMapCap, uint64(newCap))
	nr.s.putU64(nr.off+rootOffMapTombs, 0)
	nr.s.free(oldOff)
	return nil
}

// forEachEntry visits every live entry of the bucket. Returning false
// from fn stops the walk. Entries must not be removed from inside fn;
// collect offsets and remove afterwards.
func (r rootRef) forEachEntry(fn func(e entryRef) bool) {
	capSlots := r.mapCap()
	for i := int64(0); i < capSlots; i++ {
		e := r.slotEntry(i)
		if e == 0 || e == mapTombstone {
			continue
		}
		if !fn(entryRef{s: r.s, off: int64(e)}) {
			return
		}
	}
}

// Free tile set: a sorted u64 array of tile ids owned by this bucket
// and not referenced by any entry. Allocation pops the smallest id;
// the slot index sits in the high half of an id, so low slots of
// every file are handed out before higher ones.

func (r rootRef) tilesOff() int64 { return int64(r.s.u64(r.off + rootOffTilesOff)) }
func (r rootRef) tilesCap() int64 { return int64(r.s.u64(r.off + rootOffTilesCap)) }
func (r rootRef) tilesLen() int64 { return int64(r.s.u64(r.off + rootOffTilesLen)) }

func (r rootRef) tileAt(i int64) uint64 {
	return r.s.u64(r.tilesOff() + i*8)
}

func (r rootRef) setTileAt(i int64, v uint64) {
	r.s.putU64(r.tilesOff()+i*8, v)
}

// tilesInsert adds id keeping the array sorted, growing it as needed.
func (r rootRef) tilesInsert(id uint64) error {
	n := r.tilesLen()
	if n == r.tilesCap() {
		newCap := r.tilesCap() * 2
		if newCap == 0 {
			newCap = 64
		}
		newOff, err := r.s.alloc(newCap * 8)
		if err != nil {
			return err
		}
		nr := r.s.root()
		oldOff := nr.tilesOff()
		copy(nr.s.data()[newOff:newOff+n*8], nr.s.data()[oldOff:oldOff+n*8])
		nr.s.putU64(nr.off+rootOffTilesOff, uint64(newOff))
		nr.s.putU64(nr.off+rootOffTilesCap, uint64(newCap))
		if oldOff != 0 {
			nr.s.free(oldOff)
		}
		r = nr
	}
	i := int64(sort.Search(int(n), func(i int) bool { return r.tileAt(int64(i)) >= id }))
	copy(r.s.data()[r.tilesOff()+(i+1)*8:r.tilesOff()+(n+1)*8], r.s.data()[r.tilesOff()+i*8:r.tilesOff()+n*8])
	r.setTileAt(i, id)
	r.s.putU64(r.off+rootOffTilesLen, uint64(n+1))
	return nil
}

// tilesPopMin removes and returns the smallest free tile id.
func (r rootRef) tilesPopMin() (uint64, bool) {
	n := r.tilesLen()
	if n == 0 {
		return 0, false
	}
	id := r.tileAt(0)
	copy(r.s.data()[r.tilesOff():r.tilesOff()+(n-1)*8], r.s.data()[r.tilesOff()+8:r.tilesOff()+n*8])
	r.s.putU64(r.off+rootOffTilesLen, uint64(n-1))
	return id, true
}

// tilesRemove deletes a specific id from the set if present.
func (r rootRef) tilesRemove(id uint64) bool {
	n := r.tilesLen()
	i := int64(sort.Search(int(n), func(i int) bool { return r.tileAt(int64(i)) >= id }))
	if i >= n || r.tileAt(i) != id {
		return false
	}
	copy(r.s.data()[r.tilesOff()+i*8:r.tilesOff()+(n-1)*8], r.s.data()[r.tilesOff()+(i+1)*8:r.tilesOff()+n*8])
	r.s.putU64(r.off+rootOffTilesLen, uint64(n-1))
	return true
}

// Embedded LRU list over entry records. prev/next fields live inside
// each entry; front is least recently used.

func (r rootRef) lruPushBack(entryOff int64) {
	e := entryRef{s: r.s, off: entryOff}
	e.setLRUPrev(r.lruBack())
	e.setLRUNext(0)
	if back := r.lruBack(); back != 0 {
		entryRef{s: r.s, off: back}.setLRUNext(entryOff)
	} else {
		r.setLRUFront(entryOff)
	}
	r.setLRUBack(entryOff)
}

func (r rootRef) lruUnlink(entryOff int64) {
	e := entryRef{s: r.s, off: entryOff}
	prev, next := e.lruPrev(), e.lruNext()
	if prev != 0 {
		entryRef{s: r.s, off: prev}.setLRUNext(next)
	} else {
		r.setLRUFront(next)
	}
	if next != 0 {
		entryRef{s: r.s, off: next}.setLRUPrev(prev)
	} else {
		r.setLRUBack(prev)
	}
	e.setLRUPrev(0)
	e.setLRUNext(0)
}

func (r rootRef) lruMoveBack(entryOff int64) {
	if r.lruBack() == entryOff {
		return
	}
	r.lruUnlink(entryOff)
	r.lruPushBack(entryOff)
}
