package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

// frameEntry is the test client: a rendered frame identified by its
// parameter hash, with a little metadata and a bulk pixel payload.
type frameEntry struct {
	hash   uint64
	plugin string

	width, height int64
	colorspace    string
}

func (f *frameEntry) Hash() uint64 { return f.hash }

func (f *frameEntry) Serialize(pm *PropertyMap) error {
	pm.SetInt("width", f.width)
	pm.SetInt("height", f.height)
	pm.SetString("colorspace", f.colorspace)
	return nil
}

func (f *frameEntry) Deserialize(pm *PropertyMap) error {
	var err error
	if f.width, err = pm.GetInt("width"); err != nil {
		return err
	}
	if f.height, err = pm.GetInt("height"); err != nil {
		return err
	}
	f.colorspace, err = pm.GetString("colorspace")
	return err
}

func (f *frameEntry) PluginID() string { return f.plugin }

// The tests drive owner and waiter from one goroutine, so the frame
// entry permits being fetched again while it is still being computed.
func (f *frameEntry) AllowMultipleFetch() bool { return true }

// testConfig keeps tile files small so non-persistent tests do not
// allocate gigabytes.
func testConfig() Config {
	return Config{
		MaxSize:      1 << 30,
		TilesPerFile: bucketCount,
	}
}

func openTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	c, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// testHash builds a hash landing in a chosen bucket.
func testHash(bucket int, n uint64) uint64 {
	return uint64(bucket)<<56 | n
}

func pixelData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 31)
	}
	return b
}

func TestAcquireComputeAndHit(t *testing.T) {
	c := openTestCache(t, testConfig())
	ctx := context.Background()
	hash := testHash(0x10, 1)

	e := &frameEntry{hash: hash, plugin: "blur", width: 1920, height: 1080, colorspace: "ACEScg"}
	l, err := c.Acquire(ctx, e)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if l.Status() != LockStateMustCompute {
		t.Fatalf("first acquire = %v, want must-compute", l.Status())
	}
	if err := l.Insert(pixelData(1000)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got := &frameEntry{hash: hash, plugin: "blur"}
	l2, err := c.Acquire(ctx, got)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if l2.Status() != LockStateCached {
		t.Fatalf("second acquire = %v, want cached", l2.Status())
	}
	if got.width != 1920 || got.height != 1080 || got.colorspace != "ACEScg" {
		t.Errorf("metadata lost: %+v", got)
	}

	data, err := l2.TileData()
	if err != nil {
		t.Fatalf("TileData: %v", err)
	}
	if !bytes.Equal(data, pixelData(1000)) {
		t.Error("pixel data mismatch")
	}
}

func TestTileDataMultiTile(t *testing.T) {
	c := openTestCache(t, testConfig())
	ctx := context.Background()
	hash := testHash(0x20, 7)

	// Spans four tiles with a partial tail.
	payload := pixelData(3*TileBytes + 1000)

	e := &frameEntry{hash: hash, width: 4096, height: 4096, colorspace: "linear"}
	l, err := c.Acquire(ctx, e)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if l.Status() != LockStateMustCompute {
		t.Fatalf("status = %v", l.Status())
	}
	if err := l.Insert(payload); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	l2, err := c.Acquire(ctx, &frameEntry{hash: hash})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	data, err := l2.TileData()
	if err != nil {
		t.Fatalf("TileData: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Error("multi-tile payload mismatch")
	}
}

func TestMetadataOnlyEntry(t *testing.T) {
	c := openTestCache(t, testConfig())
	ctx := context.Background()
	hash := testHash(0x30, 3)

	l, err := c.Acquire(ctx, &frameEntry{hash: hash, width: 10, height: 20, colorspace: "raw"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Insert(nil); err != nil {
		t.Fatalf("Insert(nil): %v", err)
	}

	got := &frameEntry{hash: hash}
	l2, err := c.Acquire(ctx, got)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if l2.Status() != LockStateCached {
		t.Fatalf("status = %v", l2.Status())
	}
	if got.width != 10 {
		t.Errorf("width = %d", got.width)
	}
	data, err := l2.TileData()
	if err != nil {
		t.Fatalf("TileData: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("TileData len = %d, want 0", len(data))
	}
}

func TestPendingAndWait(t *testing.T) {
	c := openTestCache(t, testConfig())
	ctx := context.Background()
	hash := testHash(0x40, 9)

	owner, err := c.Acquire(ctx, &frameEntry{hash: hash, width: 1, colorspace: "x"})
	if err != nil {
		t.Fatalf("owner Acquire: %v", err)
	}
	if owner.Status() != LockStateMustCompute {
		t.Fatalf("owner status = %v", owner.Status())
	}

	waiterEntry := &frameEntry{hash: hash}
	waiter, err := c.Acquire(ctx, waiterEntry)
	if err != nil {
		t.Fatalf("waiter Acquire: %v", err)
	}
	if waiter.Status() != LockStateComputationPending {
		t.Fatalf("waiter status = %v", waiter.Status())
	}

	done := make(chan error, 1)
	go func() {
		st, err := waiter.WaitForPending(ctx)
		if err == nil && st != LockStateCached {
			err = fmt.Errorf("wait resolved to %v", st)
		}
		done <- err
	}()

	if err := owner.Insert(pixelData(64)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WaitForPending: %v", err)
	}
	if waiterEntry.width != 1 || waiterEntry.colorspace != "x" {
		t.Errorf("waiter entry not deserialized: %+v", waiterEntry)
	}
}

func TestReleaseHandsOffOwnership(t *testing.T) {
	c := openTestCache(t, testConfig())
	ctx := context.Background()
	hash := testHash(0x50, 2)

	owner, err := c.Acquire(ctx, &frameEntry{hash: hash})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if owner.Status() != LockStateMustCompute {
		t.Fatalf("status = %v", owner.Status())
	}

	waiter, err := c.Acquire(ctx, &frameEntry{hash: hash})
	if err != nil {
		t.Fatalf("waiter Acquire: %v", err)
	}
	if waiter.Status() != LockStateComputationPending {
		t.Fatalf("waiter status = %v", waiter.Status())
	}

	// The owner gives up; the waiter inherits the computation.
	owner.Release()
	st, err := waiter.WaitForPending(ctx)
	if err != nil {
		t.Fatalf("WaitForPending: %v", err)
	}
	if st != LockStateMustCompute {
		t.Fatalf("after release wait = %v, want must-compute", st)
	}
	if err := waiter.Insert(pixelData(16)); err != nil {
		t.Fatalf("Insert after handoff: %v", err)
	}
}

func TestInsertRequiresComputeState(t *testing.T) {
	c := openTestCache(t, testConfig())
	ctx := context.Background()
	hash := testHash(0x55, 4)

	l, err := c.Acquire(ctx, &frameEntry{hash: hash})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Insert(nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// Double insert through the same locker is rejected.
	if err := l.Insert(nil); err == nil {
		t.Error("second Insert succeeded")
	}

	cached, err := c.Acquire(ctx, &frameEntry{hash: hash})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := cached.Insert(nil); err == nil {
		t.Error("Insert on cached locker succeeded")
	}
	// Release on a cached locker is a harmless no-op.
	cached.Release()
	if l2, err := c.Acquire(ctx, &frameEntry{hash: hash}); err != nil || l2.Status() != LockStateCached {
		t.Errorf("entry vanished after no-op release: %v %v", l2.Status(), err)
	}
}

func TestRemove(t *testing.T) {
	c := openTestCache(t, testConfig())
	ctx := context.Background()
	hash := testHash(0x60, 5)

	l, _ := c.Acquire(ctx, &frameEntry{hash: hash})
	if err := l.Insert(pixelData(TileBytes)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := c.Remove(hash); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	l2, err := c.Acquire(ctx, &frameEntry{hash: hash})
	if err != nil {
		t.Fatalf("Acquire after remove: %v", err)
	}
	if l2.Status() != LockStateMustCompute {
		t.Errorf("status after remove = %v", l2.Status())
	}
	// Removing a missing entry is not an error.
	if err := c.Remove(testHash(0x60, 999)); err != nil {
		t.Errorf("Remove(missing) = %v", err)
	}
}

func TestClear(t *testing.T) {
	c := openTestCache(t, testConfig())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		l, err := c.Acquire(ctx, &frameEntry{hash: testHash(i*20, uint64(i)+1)})
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		if err := l.Insert(pixelData(100)); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	if err := c.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	s, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.Entries != 0 || s.Size != 0 || s.TileFiles != 0 {
		t.Errorf("after clear: entries=%d size=%d tileFiles=%d", s.Entries, s.Size, s.TileFiles)
	}

	// The cache keeps working after a clear.
	l, err := c.Acquire(ctx, &frameEntry{hash: testHash(3, 3)})
	if err != nil {
		t.Fatalf("Acquire after clear: %v", err)
	}
	if err := l.Insert(pixelData(50)); err != nil {
		t.Fatalf("Insert after clear: %v", err)
	}
}

func TestStatsCounters(t *testing.T) {
	c := openTestCache(t, testConfig())
	ctx := context.Background()
	hash := testHash(0x70, 8)

	l, _ := c.Acquire(ctx, &frameEntry{hash: hash})
	_ = l.Insert(pixelData(10))
	for i := 0; i < 3; i++ {
		if _, err := c.Acquire(ctx, &frameEntry{hash: hash}); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}

	s, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.Misses != 1 {
		t.Errorf("Misses = %d, want 1", s.Misses)
	}
	if s.Hits != 3 {
		t.Errorf("Hits = %d, want 3", s.Hits)
	}
	if s.Entries != 1 {
		t.Errorf("Entries = %d, want 1", s.Entries)
	}
	if s.HitRatio < 0.74 || s.HitRatio > 0.76 {
		t.Errorf("HitRatio = %f", s.HitRatio)
	}
	if s.Capacity != c.cfg.MaxSize {
		t.Errorf("Capacity = %d", s.Capacity)
	}

	size, err := c.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != s.Size {
		t.Errorf("Size() = %d, Stats.Size = %d", size, s.Size)
	}
}

func TestRemovePluginEntries(t *testing.T) {
	c := openTestCache(t, testConfig())
	ctx := context.Background()

	insert := func(hash uint64, plugin string) {
		t.Helper()
		l, err := c.Acquire(ctx, &frameEntry{hash: hash, plugin: plugin})
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if err := l.Insert(pixelData(10)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	insert(testHash(1, 1), "blur")
	insert(testHash(2, 2), "blur")
	insert(testHash(3, 3), "glow")

	if err := c.RemovePluginEntries("blur"); err != nil {
		t.Fatalf("RemovePluginEntries: %v", err)
	}

	for _, tc := range []struct {
		hash uint64
		want LockState
	}{
		{testHash(1, 1), LockStateMustCompute},
		{testHash(2, 2), LockStateMustCompute},
		{testHash(3, 3), LockStateCached},
	} {
		l, err := c.Acquire(ctx, &frameEntry{hash: tc.hash})
		if err != nil {
			t.Fatalf("Acquire %x: %v", tc.hash, err)
		}
		if l.Status() != tc.want {
			t.Errorf("entry %x status = %v, want %v", tc.hash, l.Status(), tc.want)
		}
		l.Release()
	}
}

func TestMemoryStats(t *testing.T) {
	c := openTestCache(t, testConfig())
	ctx := context.Background()

	l, _ := c.Acquire(ctx, &frameEntry{hash: testHash(4, 4), plugin: "denoise"})
	if err := l.Insert(pixelData(TileBytes)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	l2, _ := c.Acquire(ctx, &frameEntry{hash: testHash(5, 5)})
	if err := l2.Insert(pixelData(10)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	ms, err := c.MemoryStats()
	if err != nil {
		t.Fatalf("MemoryStats: %v", err)
	}
	if ms["denoise"] < TileBytes {
		t.Errorf("denoise bytes = %d, want >= %d", ms["denoise"], TileBytes)
	}
	if _, ok := ms[""]; !ok {
		t.Error("untagged entry missing from memory stats")
	}
}

func TestAcquireContextCanceled(t *testing.T) {
	c := openTestCache(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Acquire(ctx, &frameEntry{hash: 1}); !errors.Is(err, ErrAborted) {
		t.Errorf("Acquire with canceled ctx = %v, want ErrAborted", err)
	}
}

func TestOperationsAfterClose(t *testing.T) {
	c, err := Open(testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close is idempotent.
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := c.Acquire(context.Background(), &frameEntry{hash: 1}); !errors.Is(err, ErrCacheClosed) {
		t.Errorf("Acquire after close = %v, want ErrCacheClosed", err)
	}
	if err := c.Remove(1); !errors.Is(err, ErrCacheClosed) {
		t.Errorf("Remove after close = %v, want ErrCacheClosed", err)
	}
}

// changedEntry expects a property the stored payload never had, so its
// Deserialize fails the way a plugin upgrade changes a payload schema.
type changedEntry struct {
	frameEntry
	renderer string
}

func (e *changedEntry) Deserialize(pm *PropertyMap) error {
	var err error
	e.renderer, err = pm.GetString("renderer")
	return err
}

func TestSchemaChangeRecomputes(t *testing.T) {
	c := openTestCache(t, testConfig())
	ctx := context.Background()
	hash := testHash(0x33, 1)

	l, _ := c.Acquire(ctx, &frameEntry{hash: hash, colorspace: "old"})
	if err := l.Insert(nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// The incompatible payload is dropped and ownership offered anew.
	l2, err := c.Acquire(ctx, &changedEntry{frameEntry: frameEntry{hash: hash}})
	if err != nil {
		t.Fatalf("Acquire with changed schema: %v", err)
	}
	if l2.Status() != LockStateMustCompute {
		t.Errorf("status = %v, want must-compute", l2.Status())
	}
}

// soloEntry forbids re-entry: a second fetch by the computing
// goroutine must take the computation over, not wait on itself.
type soloEntry struct {
	frameEntry
}

func (e *soloEntry) AllowMultipleFetch() bool { return false }

func TestSelfReentryTakesOverComputation(t *testing.T) {
	c := openTestCache(t, testConfig())
	ctx := context.Background()
	hash := testHash(0x36, 6)

	first, err := c.Acquire(ctx, &soloEntry{frameEntry: frameEntry{hash: hash, colorspace: "c"}})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if first.Status() != LockStateMustCompute {
		t.Fatalf("first status = %v", first.Status())
	}

	second, err := c.Acquire(ctx, &soloEntry{frameEntry: frameEntry{hash: hash, colorspace: "c"}})
	if err != nil {
		t.Fatalf("re-entrant Acquire: %v", err)
	}
	if second.Status() != LockStateMustCompute {
		t.Fatalf("re-entrant status = %v, want must-compute takeover", second.Status())
	}
	if err := second.Insert(pixelData(32)); err != nil {
		t.Fatalf("Insert after takeover: %v", err)
	}
	if ok, _ := c.Has(hash); !ok {
		t.Error("entry missing after takeover insert")
	}
}

// lockedEntry insists on exclusive rights to apply its payload.
type lockedEntry struct {
	frameEntry
	exclusiveCalls int
}

func (e *lockedEntry) Deserialize(*PropertyMap) error { return ErrNeedsWriteLock }

func (e *lockedEntry) DeserializeExclusive(pm *PropertyMap) error {
	e.exclusiveCalls++
	return e.frameEntry.Deserialize(pm)
}

func TestDeserializeUnderWriteLock(t *testing.T) {
	c := openTestCache(t, testConfig())
	ctx := context.Background()
	hash := testHash(0x37, 2)

	l, _ := c.Acquire(ctx, &frameEntry{hash: hash, width: 5, colorspace: "lin"})
	if err := l.Insert(nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got := &lockedEntry{frameEntry: frameEntry{hash: hash}}
	l2, err := c.Acquire(ctx, got)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if l2.Status() != LockStateCached {
		t.Fatalf("status = %v", l2.Status())
	}
	if got.exclusiveCalls != 1 || got.width != 5 || got.colorspace != "lin" {
		t.Errorf("exclusive deserialize: calls=%d entry=%+v", got.exclusiveCalls, got.frameEntry)
	}
}

func TestHasProbes(t *testing.T) {
	c := openTestCache(t, testConfig())
	ctx := context.Background()
	hash := testHash(0x38, 8)

	if ok, err := c.Has(hash); err != nil || ok {
		t.Fatalf("Has(missing) = %v, %v", ok, err)
	}
	// The probe must not have planted a placeholder.
	s, _ := c.Stats()
	if s.Entries != 0 {
		t.Fatalf("Has allocated an entry")
	}

	l, _ := c.Acquire(ctx, &frameEntry{hash: hash, colorspace: "c"})
	if ok, _ := c.Has(hash); ok {
		t.Error("Has(pending) = true, want false")
	}
	if err := l.Insert(pixelData(64)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if ok, err := c.Has(hash); err != nil || !ok {
		t.Errorf("Has(ready) = %v, %v", ok, err)
	}
}

func TestConcurrentSingleComputer(t *testing.T) {
	c := openTestCache(t, testConfig())
	hash := testHash(0x44, 11)

	const workers = 16
	var computed atomic.Int64
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			e := &frameEntry{hash: hash, width: 7, colorspace: "c"}
			l, err := c.Acquire(ctx, e)
			if err != nil {
				errs <- err
				return
			}
			st := l.Status()
			if st == LockStateComputationPending {
				if st, err = l.WaitForPending(ctx); err != nil {
					errs <- err
					return
				}
			}
			if st == LockStateMustCompute {
				computed.Add(1)
				if err := l.Insert(pixelData(200)); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("worker: %v", err)
	}

	if got := computed.Load(); got != 1 {
		t.Errorf("%d workers computed, want exactly 1", got)
	}
	s, _ := c.Stats()
	if s.Entries != 1 {
		t.Errorf("Entries = %d, want 1", s.Entries)
	}
}

func TestConcurrentDistinctHashes(t *testing.T) {
	c := openTestCache(t, testConfig())

	const n = 64
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hash := testHash(i%bucketCount, uint64(i)+1)
			l, err := c.Acquire(context.Background(), &frameEntry{hash: hash, width: int64(i)})
			if err != nil {
				errs <- err
				return
			}
			if l.Status() != LockStateMustCompute {
				errs <- fmt.Errorf("hash %x status %v", hash, l.Status())
				return
			}
			if err := l.Insert(pixelData(500)); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("worker: %v", err)
	}

	s, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.Entries != n {
		t.Errorf("Entries = %d, want %d", s.Entries, n)
	}
}
