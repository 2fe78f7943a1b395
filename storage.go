package cache

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// flushMode selects the semantics of a storage flush.
type flushMode int

const (
	// flushSync writes the range to disk before returning.
	flushSync flushMode = iota
	// flushAsync schedules the writeback and returns immediately.
	flushAsync
	// flushInvalidate tells the OS the range is dead so that a later
	// writeback does not push stale bytes to disk.
	flushInvalidate
)

// storage is a uniform interface over the two cache backends: a
// memory-mapped file (persistent mode) and a resizable process-local
// buffer. Byte slices returned by bytes() are invalidated by resize,
// resizePreserving and close.
type storage interface {
	bytes() []byte
	path() string
	size() int64
	// resize discards the current content and re-creates the backing
	// store with n zero bytes.
	resize(n int64) error
	// resizePreserving grows or shrinks the backing store to n bytes,
	// keeping the common prefix.
	resizePreserving(n int64) error
	flush(mode flushMode, off, n int64) error
	close() error
}

var pageSize = int64(unix.Getpagesize())

// fileStorage maps a regular file with MAP_SHARED so that every
// process attached to the same path observes the same bytes.
type fileStorage struct {
	file *os.File
	p    string
	data []byte
}

// openFileStorage opens or creates the file at path and maps its
// current content.
func openFileStorage(path string) (*fileStorage, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	s := &fileStorage{file: f, p: path}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat storage: %w", err)
	}
	if st.Size() > 0 {
		if err := s.mapFile(st.Size()); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *fileStorage) mapFile(n int64) error {
	data, err := unix.Mmap(int(s.file.Fd()), 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap %s: %w", s.p, err)
	}
	s.data = data
	return nil
}

func (s *fileStorage) unmap() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	if err != nil {
		return fmt.Errorf("munmap %s: %w", s.p, err)
	}
	return nil
}

func (s *fileStorage) bytes() []byte { return s.data }
func (s *fileStorage) path() string { return s.p }
func (s *fileStorage) size() int64  { return int64(len(s.data)) }

func (s *fileStorage) resize(n int64) error {
	if err := s.unmap(); err != nil {
		return err
	}
	// Truncating to zero first drops the old extents so that the new
	// content starts out as holes of zero bytes.
	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate %s: %w", s.p, err)
	}
	if n == 0 {
		return nil
	}
	if err := s.file.Truncate(n); err != nil {
		return fmt.Errorf("truncate %s: %w", s.p, err)
	}
	return s.mapFile(n)
}

func (s *fileStorage) resizePreserving(n int64) error {
	if err := s.unmap(); err != nil {
		return err
	}
	if err := s.file.Truncate(n); err != nil {
		return fmt.Errorf("truncate %s: %w", s.p, err)
	}
	if n == 0 {
		return nil
	}
	return s.mapFile(n)
}

// remap refreshes the mapping after another process resized the file.
func (s *fileStorage) remap() error {
	if err := s.unmap(); err != nil {
		return err
	}
	st, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("stat storage: %w", err)
	}
	if st.Size() == 0 {
		return nil
	}
	return s.mapFile(st.Size())
}

func (s *fileStorage) flush(mode flushMode, off, n int64) error {
	if s.data == nil || n == 0 {
		return nil
	}
	// msync and madvise operate on page granularity.
	start := off &^ (pageSize - 1)
	end := off + n
	if end > int64(len(s.data)) {
		end = int64(len(s.data))
	}
	if start >= end {
		return nil
	}
	rng := s.data[start:end]
	switch mode {
	case flushSync:
		return unix.Msync(rng, unix.MS_SYNC)
	case flushAsync:
		return unix.Msync(rng, unix.MS_ASYNC)
	case flushInvalidate:
		return unix.Madvise(rng, unix.MADV_DONTNEED)
	}
	return nil
}

func (s *fileStorage) close() error {
	unmapErr := s.unmap()
	closeErr := s.file.Close()
	if unmapErr != nil {
		return unmapErr
	}
	return closeErr
}

// memStorage is the process-local backend used in non-persistent mode.
type memStorage struct {
	data []byte
}

func (s *memStorage) bytes() []byte { return s.data }
func (s *memStorage) path() string  { return "" }
func (s *memStorage) size() int64   { return int64(len(s.data)) }

func (s *memStorage) resize(n int64) error {
	s.data = make([]byte, n)
	return nil
}

func (s *memStorage) resizePreserving(n int64) error {
	next := make([]byte, n)
	copy(next, s.data)
	s.data = next
	return nil
}

func (s *memStorage) flush(flushMode, int64, int64) error { return nil }
func (s *memStorage) close() error                        { s.data = nil; return nil }
