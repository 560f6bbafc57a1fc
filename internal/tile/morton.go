package tile

// Interleave spreads the bits of a 32-bit value so that bit i of the
// input lands at bit 2i of the output. Two interleaved values combined
// as Interleave(x)<<1 | Interleave(y) form a Morton code, which keeps
// spatially close tiles close in one dimension.
func Interleave(n uint64) uint64 {
	n &= 0xffffffff
	n = (n | (n << 16)) & 0x0000ffff0000ffff
	n = (n | (n << 8)) & 0x00ff00ff00ff00ff
	n = (n | (n << 4)) & 0x0f0f0f0f0f0f0f0f
	n = (n | (n << 2)) & 0x3333333333333333
	n = (n | (n << 1)) & 0x5555555555555555
	return n
}

// Uninterleave is the inverse of Interleave for 64-bit inputs, giving
// back values up to 2^32-1.
func Uninterleave(n uint64) uint64 {
	n &= 0x5555555555555555
	n = (n ^ (n >> 1)) & 0x3333333333333333
	n = (n ^ (n >> 2)) & 0x0f0f0f0f0f0f0f0f
	n = (n ^ (n >> 4)) & 0x00ff00ff00ff00ff
	n = (n ^ (n >> 8)) & 0x0000ffff0000ffff
	n = (n ^ (n >> 16)) & 0xffffffff
	return n
}

// Morton combines x and y into a single Morton code with x occupying
// the odd bit positions.
func Morton(x, y uint64) uint64 {
	return Interleave(x)<<1 | Interleave(y)
}

// UnMorton splits a Morton code back into its x and y components.
func UnMorton(code uint64) (x, y uint64) {
	return Uninterleave(code >> 1), Uninterleave(code)
}
