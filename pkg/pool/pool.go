// Package pool provides pooled byte slices for the codec hot path.
// Slices are bucketed by capacity so that block encoding and decoding
// reuse allocations instead of growing fresh scratch per segment.
package pool

import "sync"

// Size selects a bucket
type Size int

const (
	// Small is for key payloads and version nodes (4KB)
	Small Size = iota
	// Medium is for typical column blocks (64KB)
	Medium
	// Large is for full segment bodies (1MB)
	Large
)

var capacities = map[Size]int{
	Small:  4 * 1024,
	Medium: 64 * 1024,
	Large:  1024 * 1024,
}

var buckets = map[Size]*sync.Pool{
	Small:  newBucket(capacities[Small]),
	Medium: newBucket(capacities[Medium]),
	Large:  newBucket(capacities[Large]),
}

func newBucket(capacity int) *sync.Pool {
	return &sync.Pool{
		New: func() interface{} {
			b := make([]byte, 0, capacity)
			return &b
		},
	}
}

// Get returns a zero-length slice from the bucket. Callers may grow it
// past the bucket capacity; Put drops oversized slices.
func Get(size Size) []byte {
	return (*buckets[size].Get().(*[]byte))[:0]
}

// Put returns a slice to its bucket. Oversized slices are dropped so a
// single huge segment does not pin memory for the process lifetime.
func Put(b []byte, size Size) {
	if cap(b) > 4*capacities[size] {
		return
	}
	b = b[:0]
	buckets[size].Put(&b)
}

// Copy returns a fresh slice holding b's contents. Callers use this
// before Put when the result outlives the pooled slice.
func Copy(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
