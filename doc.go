// Package cache implements a multi-process, crash-tolerant, sharded LRU
// cache for render engines. Entries are addressed by a 64-bit content
// hash and live in memory-mapped table-of-contents files (one per
// bucket) plus a shared pool of fixed-size tile files, so cached
// artifacts survive process restarts and are visible to every process
// attached to the same cache directory.
//
// The cache is split into 256 buckets selected by the two top
// hexadecimal digits of the hash. Each bucket owns an independent
// mapped heap holding its entry records, LRU links and free-tile set,
// which keeps concurrent lookups mostly contention-free.
//
// Lookup is performed through an EntryLocker handshake that guarantees
// at most one producer computes a given hash at a time, across threads
// and across processes.
package cache
