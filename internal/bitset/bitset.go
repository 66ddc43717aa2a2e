// Package bitset implements a growable bitmap used to track which slots
// of a fixed-granularity resource (heap tile slots, pyramid tile
// positions) are currently in use.
package bitset

import "unsafe"

// word is the integer type backing a single element of the bitmap.
type word = uint64

// nbit is the number of bits in a word.
const nbit = int(unsafe.Sizeof(word(0))) * 8

// Set is a growable bitmap with word-granularity storage.
// The zero value is an empty set.
type Set struct {
	words []word
	free  int // number of unset bits
}

// Len returns the number of bits the set can currently hold.
func (s *Set) Len() int { return len(s.words) * nbit }

// Free returns the number of unset bits.
func (s *Set) Free() int { return s.free }

// Grow appends n additional words of unset bits to the set and returns
// the index at which the new range begins. It is valid to call with any
// n; n <= 0 is a no-op and returns s.Len().
func (s *Set) Grow(n int) (index int) {
	index = s.Len()
	if n > 0 {
		s.free += n * nbit
		s.words = append(s.words, make([]word, n)...)
	}
	return
}

// Set marks the bit at index as in-use.
func (s *Set) Set(index int) {
	i, b := index/nbit, word(1)<<(index%nbit)
	if s.words[i]&b == 0 {
		s.words[i] |= b
		s.free--
	}
}

// Unset marks the bit at index as free.
func (s *Set) Unset(index int) {
	i, b := index/nbit, word(1)<<(index%nbit)
	if s.words[i]&b != 0 {
		s.words[i] &^= b
		s.free++
	}
}

// IsSet reports whether the bit at index is in-use.
func (s *Set) IsSet(index int) bool {
	i, b := index/nbit, word(1)<<(index%nbit)
	return s.words[i]&b != 0
}

// Find locates a single unset bit. ok is false only when Free() == 0.
func (s *Set) Find() (index int, ok bool) {
	if s.free == 0 {
		return 0, false
	}
	for i, w := range s.words {
		if w == ^word(0) {
			continue
		}
		b := 0
		for ; w&(1<<b) != 0; b++ {
		}
		return i*nbit + b, true
	}
	return 0, false
}

// FindRange locates n contiguous unset bits and returns the index of the
// first one. It falls back to Find when n <= 1.
func (s *Set) FindRange(n int) (index int, ok bool) {
	if n <= 1 {
		return s.Find()
	}
	if s.free < n {
		return 0, false
	}
	run, start := 0, 0
	for i, w := range s.words {
		if w == ^word(0) {
			run = 0
			continue
		}
		for b := 0; b < nbit; b++ {
			if w&(1<<b) == 0 {
				if run == 0 {
					start = i*nbit + b
				}
				run++
				if run >= n {
					return start, true
				}
				continue
			}
			run = 0
		}
	}
	return 0, false
}

// SetRange marks n contiguous bits beginning at index as in-use. The
// caller is responsible for ensuring the range was located by a
// preceding FindRange call (or is otherwise known to be free).
func (s *Set) SetRange(index, n int) {
	for i := 0; i < n; i++ {
		s.Set(index + i)
	}
}

// Clear unsets every bit without shrinking the backing storage.
func (s *Set) Clear() {
	n := s.Len()
	if n == s.free {
		return
	}
	for i := range s.words {
		s.words[i] = 0
	}
	s.free = n
}

// All calls yield once per bit, in index order, passing whether the bit
// is set. Iteration stops early if yield returns false.
func (s *Set) All(yield func(index int, set bool) bool) {
	for i, w := range s.words {
		for b := 0; b < nbit; b++ {
			if !yield(i*nbit+b, w&(1<<b) != 0) {
				return
			}
		}
	}
}
