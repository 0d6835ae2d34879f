package expr

import "math/bits"

// Bitset is a fixed-length row mask. Bit i set means row i passes.
type Bitset struct {
	words []uint64
	n     int
}

// NewBitset creates an all-zero bitset of n rows
func NewBitset(n int) *Bitset {
	return &Bitset{words: make([]uint64, (n+63)/64), n: n}
}

// Len returns the number of rows covered
func (b *Bitset) Len() int { return b.n }

// Set sets bit i
func (b *Bitset) Set(i int) {
	b.words[i/64] |= 1 << (uint(i) % 64)
}

// Get reports bit i
func (b *Bitset) Get(i int) bool {
	return b.words[i/64]&(1<<(uint(i)%64)) != 0
}

// Count returns the number of set bits
func (b *Bitset) Count() int {
	total := 0
	for _, w := range b.words {
		total += bits.OnesCount64(w)
	}
	return total
}

// And intersects in place with o
func (b *Bitset) And(o *Bitset) {
	for i := range b.words {
		b.words[i] &= o.words[i]
	}
}

// Or unions in place with o
func (b *Bitset) Or(o *Bitset) {
	for i := range b.words {
		b.words[i] |= o.words[i]
	}
}

// Not complements in place, masking the tail bits beyond Len
func (b *Bitset) Not() {
	for i := range b.words {
		b.words[i] = ^b.words[i]
	}
	if tail := uint(b.n % 64); tail != 0 && len(b.words) > 0 {
		b.words[len(b.words)-1] &= (1 << tail) - 1
	}
}

// Indices returns the positions of set bits in ascending order
func (b *Bitset) Indices() []int {
	out := make([]int, 0, b.Count())
	for i := 0; i < b.n; i++ {
		if b.Get(i) {
			out = append(out, i)
		}
	}
	return out
}
