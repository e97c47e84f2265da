package transport

import "math/bits"

// ChunkSize is the default read-size policy: min(max, remaining).
// It returns 0 when nothing remains, so callers never issue an empty read.
func ChunkSize(remaining, max int) int {
	if remaining <= 0 {
		return 0
	}
	if max > 0 && remaining > max {
		return max
	}
	return remaining
}

// PowerOfTwoChunkSize requests min(max, largest power of two <= remaining).
// Kept for byte-for-byte parity with older peers' read pattern; it needs more
// reads than ChunkSize for the same body and is otherwise equivalent.
func PowerOfTwoChunkSize(remaining, max int) int {
	if remaining <= 0 {
		return 0
	}
	p := 1 << (bits.Len(uint(remaining)) - 1)
	if max > 0 && p > max {
		return max
	}
	return p
}
