package cache

// Entry record layout. Each cache entry is one fixed-size record plus
// up to three variable payloads (plugin id string, tile id array,
// serialized property bytes), all allocated from the same segment.
const (
	entrySize = 120

	entryOffStatus   = 0
	entryOffHash     = 8
	entryOffOwner    = 16
	entryOffSize     = 24
	entryOffLRUPrev  = 32
	entryOffLRUNext  = 40
	entryOffPlugOff  = 48
	entryOffPlugLen  = 56
	entryOffTilesOff = 64
	entryOffTilesLen = 72
	entryOffTilesCap = 80
	entryOffPropOff  = 88
	entryOffPropLen  = 96
	entryOffPropCap  = 104
	entryOffDataLen  = 112
)

// EntryStatus is the lifecycle state of one entry inside its bucket.
type EntryStatus uint32

const (
	// EntryStatusNull marks a record that exists but has never held a
	// payload. Fresh inserts start here.
	EntryStatusNull EntryStatus = iota
	// EntryStatusPending marks an entry whose payload is being computed
	// by the process/goroutine recorded in the owner word.
	EntryStatusPending
	// EntryStatusReady marks an entry whose payload is valid.
	EntryStatusReady
)

func (s EntryStatus) String() string {
	switch s {
	case EntryStatusNull:
		return "null"
	case EntryStatusPending:
		return "pending"
	case EntryStatusReady:
		return "ready"
	}
	return "unknown"
}

// entryRef is a typed window over one entry record.
type entryRef struct {
	s   *segment
	off int64
}

func (e entryRef) valid() bool { return e.off != 0 }

func (e entryRef) status() EntryStatus {
	return EntryStatus(e.s.u32(e.off + entryOffStatus))
}

func (e entryRef) setStatus(v EntryStatus) {
	e.s.putU32(e.off+entryOffStatus, uint32(v))
}

func (e entryRef) hash() uint64     { return e.s.u64(e.off + entryOffHash) }
func (e entryRef) setHash(v uint64) { e.s.putU64(e.off+entryOffHash, v) }

func (e entryRef) owner() uint64     { return e.s.u64(e.off + entryOffOwner) }
func (e entryRef) setOwner(v uint64) { e.s.putU64(e.off+entryOffOwner, v) }

func (e entryRef) size() int64     { return int64(e.s.u64(e.off + entryOffSize)) }
func (e entryRef) setSize(v int64) { e.s.putU64(e.off+entryOffSize, uint64(v)) }

// dataLen is the byte length of the bulk payload spread over the
// entry's tiles. The last tile is only partially used when dataLen is
// not a multiple of the tile size.
func (e entryRef) dataLen() int64     { return int64(e.s.u64(e.off + entryOffDataLen)) }
func (e entryRef) setDataLen(v int64) { e.s.putU64(e.off+entryOffDataLen, uint64(v)) }

func (e entryRef) lruPrev() int64     { return int64(e.s.u64(e.off + entryOffLRUPrev)) }
func (e entryRef) lruNext() int64     { return int64(e.s.u64(e.off + entryOffLRUNext)) }
func (e entryRef) setLRUPrev(v int64) { e.s.putU64(e.off+entryOffLRUPrev, uint64(v)) }
func (e entryRef) setLRUNext(v int64) { e.s.putU64(e.off+entryOffLRUNext, uint64(v)) }

// pluginID returns the owning plugin identifier, used to group entries
// for targeted removal.
func (e entryRef) pluginID() string {
	off := int64(e.s.u64(e.off + entryOffPlugOff))
	n := int64(e.s.u64(e.off + entryOffPlugLen))
	if off == 0 || n == 0 {
		return ""
	}
	return string(e.s.data()[off : off+n])
}

func (e entryRef) setPluginID(id string) error {
	if old := int64(e.s.u64(e.off + entryOffPlugOff)); old != 0 {
		e.s.free(old)
		e.s.putU64(e.off+entryOffPlugOff, 0)
		e.s.putU64(e.off+entryOffPlugLen, 0)
	}
	if id == "" {
		return nil
	}
	off, err := e.s.alloc(int64(len(id)))
	if err != nil {
		return err
	}
	copy(e.s.data()[off:off+int64(len(id))], id)
	e.s.putU64(e.off+entryOffPlugOff, uint64(off))
	e.s.putU64(e.off+entryOffPlugLen, uint64(len(id)))
	return nil
}

// tileCount reports how many tiles the entry references.
func (e entryRef) tileCount() int64 {
	return int64(e.s.u64(e.off + entryOffTilesLen))
}

func (e entryRef) tileID(i int64) uint64 {
	off := int64(e.s.u64(e.off + entryOffTilesOff))
	return e.s.u64(off + i*8)
}

// appendTileID grows the entry's tile array by one id.
func (e entryRef) appendTileID(id uint64) error {
	n := e.tileCount()
	capTiles := int64(e.s.u64(e.off + entryOffTilesCap))
	if n == capTiles {
		newCap := capTiles * 2
		if newCap == 0 {
			newCap = 8
		}
		newOff, err := e.s.alloc(newCap * 8)
		if err != nil {
			return err
		}
		oldOff := int64(e.s.u64(e.off + entryOffTilesOff))
		if oldOff != 0 {
			copy(e.s.data()[newOff:newOff+n*8], e.s.data()[oldOff:oldOff+n*8])
			e.s.free(oldOff)
		}
		e.s.putU64(e.off+entryOffTilesOff, uint64(newOff))
		e.s.putU64(e.off+entryOffTilesCap, uint64(newCap))
	}
	off := int64(e.s.u64(e.off + entryOffTilesOff))
	e.s.putU64(off+n*8, id)
	e.s.putU64(e.off+entryOffTilesLen, uint64(n+1))
	return nil
}

// releaseTiles clears the tile array and hands every id to visit.
func (e entryRef) releaseTiles(visit func(id uint64)) {
	n := e.tileCount()
	for i := int64(0); i < n; i++ {
		visit(e.tileID(i))
	}
	if off := int64(e.s.u64(e.off + entryOffTilesOff)); off != 0 {
		e.s.free(off)
	}
	e.s.putU64(e.off+entryOffTilesOff, 0)
	e.s.putU64(e.off+entryOffTilesLen, 0)
	e.s.putU64(e.off+entryOffTilesCap, 0)
}

// propBytes returns the serialized property payload, aliasing the
// mapped memory. Callers copy before releasing the bucket lock.
func (e entryRef) propBytes() []byte {
	off := int64(e.s.u64(e.off + entryOffPropOff))
	n := int64(e.s.u64(e.off + entryOffPropLen))
	if off == 0 || n == 0 {
		return nil
	}
	return e.s.data()[off : off+n]
}

// setPropBytes stores the serialized property payload, reusing the
// existing allocation when it is large enough.
func (e entryRef) setPropBytes(b []byte) error {
	off := int64(e.s.u64(e.off + entryOffPropOff))
	capBytes := int64(e.s.u64(e.off + entryOffPropCap))
	n := int64(len(b))
	if off == 0 || capBytes < n {
		if off != 0 {
			e.s.free(off)
			e.s.putU64(e.off+entryOffPropOff, 0)
			e.s.putU64(e.off+entryOffPropLen, 0)
			e.s.putU64(e.off+entryOffPropCap, 0)
		}
		if n == 0 {
			return nil
		}
		newOff, err := e.s.alloc(n)
		if err != nil {
			return err
		}
		off = newOff
		e.s.putU64(e.off+entryOffPropOff, uint64(off))
		e.s.putU64(e.off+entryOffPropCap, uint64(e.s.payloadSize(off)))
	}
	copy(e.s.data()[off:off+n], b)
	e.s.putU64(e.off+entryOffPropLen, uint64(n))
	return nil
}

// destroy frees every payload of the entry and then the record itself.
// The caller has already unlinked it from the LRU list and the map.
func (e entryRef) destroy() {
	if off := int64(e.s.u64(e.off + entryOffPlugOff)); off != 0 {
		e.s.free(off)
	}
	if off := int64(e.s.u64(e.off + entryOffTilesOff)); off != 0 {
		e.s.free(off)
	}
	if off := int64(e.s.u64(e.off + entryOffPropOff)); off != 0 {
		e.s.free(off)
	}
	e.s.free(e.off)
}

// newEntry allocates a zeroed entry record for hash.
func (s *segment) newEntry(hash uint64) (entryRef, error) {
	off, err := s.alloc(entrySize)
	if err != nil {
		return entryRef{}, err
	}
	e := entryRef{s: s, off: off}
	e.setHash(hash)
	return e, nil
}
