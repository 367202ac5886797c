package headsocket

import "math/bits"

// sha1Digest is the 20-byte SHA-1 digest, kept as its own type so callers
// can't mix it up with an arbitrary byte slice.
type sha1Digest [20]byte

// sha1State implements RFC 3174 streaming SHA-1 directly, rather than
// importing crypto/sha1: the handshake's hash step is core engineering
// surface for this library, not incidental glue (see SPEC_FULL.md §4.1).
type sha1State struct {
	h         [5]uint32
	block     [64]byte
	blockLen  int
	byteCount uint64
}

func newSHA1() *sha1State {
	return &sha1State{h: [5]uint32{
		0x67452301, 0xEFCDAB89, 0x98BADCFE, 0x10325476, 0xC3D2E1F0,
	}}
}

// Write ingests bytes into the running hash. It never returns an error.
func (s *sha1State) Write(p []byte) (int, error) {
	n := len(p)
	s.byteCount += uint64(n)

	for len(p) > 0 {
		copied := copy(s.block[s.blockLen:], p)
		s.blockLen += copied
		p = p[copied:]

		if s.blockLen == 64 {
			s.processBlock()
			s.blockLen = 0
		}
	}
	return n, nil
}

// Sum appends the padding and trailing length, then returns the finalized
// digest. The padding is written into s itself, so Sum must be the last
// call on s.
func (s *sha1State) Sum() sha1Digest {
	bitCount := s.byteCount * 8

	s.Write([]byte{0x80})
	var zero [64]byte
	if s.blockLen > 56 {
		s.Write(zero[:64-s.blockLen])
	}
	s.Write(zero[:56-s.blockLen])

	var lengthField [8]byte
	for i := 0; i < 8; i++ {
		lengthField[i] = byte(bitCount >> (56 - 8*i))
	}
	s.Write(lengthField[:])

	var digest sha1Digest
	for i, word := range s.h {
		digest[i*4+0] = byte(word >> 24)
		digest[i*4+1] = byte(word >> 16)
		digest[i*4+2] = byte(word >> 8)
		digest[i*4+3] = byte(word)
	}
	return digest
}

func (s *sha1State) processBlock() {
	var w [80]uint32
	for i := 0; i < 16; i++ {
		w[i] = uint32(s.block[i*4])<<24 | uint32(s.block[i*4+1])<<16 |
			uint32(s.block[i*4+2])<<8 | uint32(s.block[i*4+3])
	}
	for i := 16; i < 80; i++ {
		w[i] = bits.RotateLeft32(w[i-3]^w[i-8]^w[i-14]^w[i-16], 1)
	}

	a, b, c, d, e := s.h[0], s.h[1], s.h[2], s.h[3], s.h[4]

	for i := 0; i < 80; i++ {
		var f, k uint32
		switch {
		case i < 20:
			f, k = (b&c)|(^b&d), 0x5A827999
		case i < 40:
			f, k = b^c^d, 0x6ED9EBA1
		case i < 60:
			f, k = (b&c)|(b&d)|(c&d), 0x8F1BBCDC
		default:
			f, k = b^c^d, 0xCA62C1D6
		}

		temp := bits.RotateLeft32(a, 5) + f + e + k + w[i]
		e, d, c, b, a = d, c, bits.RotateLeft32(b, 30), a, temp
	}

	s.h[0] += a
	s.h[1] += b
	s.h[2] += c
	s.h[3] += d
	s.h[4] += e
}

// sha1Sum hashes p in one call and returns the digest.
func sha1Sum(p []byte) sha1Digest {
	s := newSHA1()
	s.Write(p)
	return s.Sum()
}
