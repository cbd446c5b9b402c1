package protocol

// charOffset is added to every byte folded into the checksum.
const charOffset = 0

// Checksum is a running Adler-style checksum. The zero value is ready to use.
//
// The sum is a pure byte-serial function, so feeding a buffer in several
// pieces yields the same result as feeding it at once, as long as no piece
// is shorter than four bytes: short pieces contribute nothing.
type Checksum struct {
	s1, s2 uint32
}

// Update folds p into the running state and returns the current sum.
func (c *Checksum) Update(p []byte) uint32 {
	return PartialChecksum(p, &c.s1, &c.s2)
}

// Sum32 returns the current sum without changing the state.
func (c *Checksum) Sum32() uint32 {
	return (c.s1 & 0xffff) | (c.s2 << 16)
}

// PartialChecksum accumulates p into s1 and s2 and returns the combined sum.
func PartialChecksum(p []byte, s1, s2 *uint32) uint32 {
	n := len(p)
	if n < 4 {
		return 0
	}

	a, b := *s1, *s2
	i := 0
	for ; i < n-4; i += 4 {
		b += 4*(a+uint32(p[i])) + 3*uint32(p[i+1]) + 2*uint32(p[i+2]) + uint32(p[i+3]) + 10*charOffset
		a += uint32(p[i]) + uint32(p[i+1]) + uint32(p[i+2]) + uint32(p[i+3]) + 4*charOffset
	}
	for ; i < n; i++ {
		a += uint32(p[i]) + charOffset
		b += a
	}

	*s1, *s2 = a, b
	return (a & 0xffff) | (b << 16)
}

// ChecksumBytes computes the checksum of p from a zero state.
func ChecksumBytes(p []byte) uint32 {
	var s1, s2 uint32
	return PartialChecksum(p, &s1, &s2)
}
