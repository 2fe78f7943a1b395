package cache

import (
	"testing"
)

func newTestSegment(t *testing.T, size int64) *segment {
	t.Helper()
	s := &segment{st: &memStorage{}}
	if err := s.initSegment(size); err != nil {
		t.Fatalf("initSegment: %v", err)
	}
	return s
}

func TestSegmentInitAndValidate(t *testing.T) {
	s := newTestSegment(t, 4096)
	if err := s.validate(); err != nil {
		t.Fatalf("fresh segment should validate: %v", err)
	}
	if got := s.freeMemory(); got != 4096-segHeaderSize {
		t.Errorf("free memory = %d, want %d", got, 4096-segHeaderSize)
	}

	// Corrupting the magic must fail validation.
	s.putU32(segOffMagic, 0xdeadbeef)
	if err := s.validate(); err == nil {
		t.Error("expected validation failure on bad magic")
	}
}

func TestSegmentValidateSizeMismatch(t *testing.T) {
	s := newTestSegment(t, 4096)
	// Grow the backing store without telling the segment.
	if err := s.st.resizePreserving(8192); err != nil {
		t.Fatalf("resizePreserving: %v", err)
	}
	if err := s.validate(); err == nil {
		t.Error("expected validation failure on size header mismatch")
	}
}

func TestSegmentAllocFree(t *testing.T) {
	s := newTestSegment(t, 4096)

	a, err := s.alloc(100)
	if err != nil {
		t.Fatalf("alloc a: %v", err)
	}
	b, err := s.alloc(200)
	if err != nil {
		t.Fatalf("alloc b: %v", err)
	}
	if a == b {
		t.Fatal("allocations overlap")
	}
	if got := s.payloadSize(a); got < 100 {
		t.Errorf("payloadSize(a) = %d, want >= 100", got)
	}

	// Payloads must come back zeroed.
	for i, by := range s.data()[a : a+100] {
		if by != 0 {
			t.Fatalf("payload byte %d not zeroed", i)
		}
	}

	s.free(a)
	s.free(b)
	if got := s.freeMemory(); got != 4096-segHeaderSize {
		t.Errorf("free memory after frees = %d, want %d", got, 4096-segHeaderSize)
	}
}

func TestSegmentCoalescing(t *testing.T) {
	s := newTestSegment(t, 4096)

	a, _ := s.alloc(256)
	b, _ := s.alloc(256)
	c, _ := s.alloc(256)

	// Free in an order that exercises both merge directions.
	s.free(a)
	s.free(c)
	s.free(b)

	// After full coalescing one allocation can take nearly everything.
	big := int64(4096 - segHeaderSize - blockHeaderSize)
	if _, err := s.alloc(big); err != nil {
		t.Fatalf("alloc after coalescing: %v", err)
	}
}

func TestSegmentOutOfMemory(t *testing.T) {
	s := newTestSegment(t, 1024)
	if _, err := s.alloc(4096); err != ErrOutOfTocMemory {
		t.Fatalf("alloc = %v, want ErrOutOfTocMemory", err)
	}
}

func TestSegmentExtend(t *testing.T) {
	s := newTestSegment(t, 1024)
	if _, err := s.alloc(2048); err != ErrOutOfTocMemory {
		t.Fatalf("alloc before extend = %v, want ErrOutOfTocMemory", err)
	}

	old := s.st.size()
	if err := s.st.resizePreserving(8192); err != nil {
		t.Fatalf("resizePreserving: %v", err)
	}
	s.extend(old)

	if err := s.validate(); err != nil {
		t.Fatalf("validate after extend: %v", err)
	}
	if _, err := s.alloc(2048); err != nil {
		t.Fatalf("alloc after extend: %v", err)
	}
}

func TestRootMapInsertLookupDelete(t *testing.T) {
	s := newTestSegment(t, growUnit)
	if err := s.initRoot(); err != nil {
		t.Fatalf("initRoot: %v", err)
	}
	r := s.root()

	const n = 200 // enough to force at least one rehash past the 3/4 mark
	for i := uint64(1); i <= n; i++ {
		if err := r.mapInsert(i*0x9e3779b97f4a7c15, int64(segHeaderSize+i)); err != nil {
			t.Fatalf("mapInsert %d: %v", i, err)
		}
		r = s.root()
	}
	if got := r.mapLen(); got != n {
		t.Fatalf("mapLen = %d, want %d", got, n)
	}

	for i := uint64(1); i <= n; i++ {
		if got := r.mapLookup(i * 0x9e3779b97f4a7c15); got != int64(segHeaderSize+i) {
			t.Fatalf("mapLookup %d = %d, want %d", i, got, segHeaderSize+i)
		}
	}
	if got := r.mapLookup(0xdead); got != 0 {
		t.Errorf("mapLookup(missing) = %d, want 0", got)
	}

	for i := uint64(1); i <= n; i += 2 {
		r.mapDelete(i * 0x9e3779b97f4a7c15)
	}
	if got := r.mapLen(); got != n/2 {
		t.Errorf("mapLen after deletes = %d, want %d", got, n/2)
	}
	for i := uint64(1); i <= n; i++ {
		got := r.mapLookup(i * 0x9e3779b97f4a7c15)
		if i%2 == 1 && got != 0 {
			t.Fatalf("deleted key %d still resolves to %d", i, got)
		}
		if i%2 == 0 && got != int64(segHeaderSize+i) {
			t.Fatalf("surviving key %d resolves to %d", i, got)
		}
	}

	// Reinserting over tombstones must not corrupt probe chains.
	for i := uint64(1); i <= n; i += 2 {
		if err := r.mapInsert(i*0x9e3779b97f4a7c15, int64(segHeaderSize+i)); err != nil {
			t.Fatalf("reinsert %d: %v", i, err)
		}
		r = s.root()
	}
	for i := uint64(1); i <= n; i++ {
		if got := r.mapLookup(i * 0x9e3779b97f4a7c15); got != int64(segHeaderSize+i) {
			t.Fatalf("post-reinsert lookup %d = %d", i, got)
		}
	}
}

func TestFreeTileSetOrdering(t *testing.T) {
	s := newTestSegment(t, growUnit)
	if err := s.initRoot(); err != nil {
		t.Fatalf("initRoot: %v", err)
	}
	r := s.root()

	ids := []uint64{makeTileID(1, 3), makeTileID(0, 7), makeTileID(0, 2), makeTileID(2, 0), makeTileID(0, 9)}
	for _, id := range ids {
		if err := r.tilesInsert(id); err != nil {
			t.Fatalf("tilesInsert %x: %v", id, err)
		}
		r = s.root()
	}
	if got := r.tilesLen(); got != int64(len(ids)) {
		t.Fatalf("tilesLen = %d, want %d", got, len(ids))
	}

	// Pop order must be ascending, so lower slots drain first.
	want := []uint64{makeTileID(2, 0), makeTileID(0, 2), makeTileID(1, 3), makeTileID(0, 7), makeTileID(0, 9)}
	for i, w := range want {
		id, ok := r.tilesPopMin()
		if !ok {
			t.Fatalf("pop %d: set empty", i)
		}
		if id != w {
			t.Fatalf("pop %d = %x, want %x", i, id, w)
		}
	}
	if _, ok := r.tilesPopMin(); ok {
		t.Error("pop from empty set succeeded")
	}
}

func TestFreeTileSetRemove(t *testing.T) {
	s := newTestSegment(t, growUnit)
	if err := s.initRoot(); err != nil {
		t.Fatalf("initRoot: %v", err)
	}
	r := s.root()

	for i := uint32(0); i < 10; i++ {
		if err := r.tilesInsert(makeTileID(0, i)); err != nil {
			t.Fatalf("tilesInsert: %v", err)
		}
		r = s.root()
	}
	if !r.tilesRemove(makeTileID(0, 4)) {
		t.Fatal("tilesRemove of present id failed")
	}
	if r.tilesRemove(makeTileID(0, 4)) {
		t.Fatal("tilesRemove of absent id succeeded")
	}
	if got := r.tilesLen(); got != 9 {
		t.Errorf("tilesLen = %d, want 9", got)
	}
}

func TestLRUListOps(t *testing.T) {
	s := newTestSegment(t, growUnit)
	if err := s.initRoot(); err != nil {
		t.Fatalf("initRoot: %v", err)
	}
	r := s.root()

	var offs []int64
	for i := 0; i < 3; i++ {
		e, err := s.newEntry(uint64(i + 1))
		if err != nil {
			t.Fatalf("newEntry: %v", err)
		}
		r.lruPushBack(e.off)
		offs = append(offs, e.off)
	}

	if r.lruFront() != offs[0] || r.lruBack() != offs[2] {
		t.Fatalf("list ends front=%d back=%d, want %d/%d", r.lruFront(), r.lruBack(), offs[0], offs[2])
	}

	r.lruMoveBack(offs[0])
	if r.lruFront() != offs[1] || r.lruBack() != offs[0] {
		t.Fatalf("after moveBack front=%d back=%d", r.lruFront(), r.lruBack())
	}

	r.lruUnlink(offs[1])
	if r.lruFront() != offs[2] {
		t.Fatalf("after unlink front=%d, want %d", r.lruFront(), offs[2])
	}

	r.lruUnlink(offs[2])
	r.lruUnlink(offs[0])
	if r.lruFront() != 0 || r.lruBack() != 0 {
		t.Error("emptied list still has ends")
	}
}

func TestEntryPayloads(t *testing.T) {
	s := newTestSegment(t, growUnit)
	e, err := s.newEntry(0xabcd)
	if err != nil {
		t.Fatalf("newEntry: %v", err)
	}

	if err := e.setPluginID("com.example.blur"); err != nil {
		t.Fatalf("setPluginID: %v", err)
	}
	if got := e.pluginID(); got != "com.example.blur" {
		t.Errorf("pluginID = %q", got)
	}

	for i := uint32(0); i < 20; i++ {
		if err := e.appendTileID(makeTileID(0, i)); err != nil {
			t.Fatalf("appendTileID %d: %v", i, err)
		}
	}
	if got := e.tileCount(); got != 20 {
		t.Fatalf("tileCount = %d, want 20", got)
	}
	for i := int64(0); i < 20; i++ {
		if got := e.tileID(i); got != makeTileID(0, uint32(i)) {
			t.Fatalf("tileID(%d) = %x", i, got)
		}
	}

	var released []uint64
	e.releaseTiles(func(id uint64) { released = append(released, id) })
	if len(released) != 20 {
		t.Errorf("released %d tiles, want 20", len(released))
	}
	if e.tileCount() != 0 {
		t.Error("tile array not cleared")
	}

	// Prop payload reuse: a second store that fits must keep the block.
	if err := e.setPropBytes(make([]byte, 64)); err != nil {
		t.Fatalf("setPropBytes: %v", err)
	}
	before := s.freeMemory()
	if err := e.setPropBytes(make([]byte, 32)); err != nil {
		t.Fatalf("setPropBytes shrink: %v", err)
	}
	if got := s.freeMemory(); got != before {
		t.Errorf("shrinking prop payload changed free memory %d -> %d", before, got)
	}
	if got := len(e.propBytes()); got != 32 {
		t.Errorf("propBytes len = %d, want 32", got)
	}

	e.destroy()
}
