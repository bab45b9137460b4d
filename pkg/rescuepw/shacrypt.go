package rescuepw

import (
	"hash"
)

// shaCryptPerm256 is the byte-index permutation SHA-256-crypt's final
// base64 encoding pass consumes, 3 source bytes at a time (last group has
// only 2; -1 marks the absent high byte).
var shaCryptPerm256 = [][3]int{
	{0, 10, 20}, {21, 1, 11}, {12, 22, 2}, {3, 13, 23}, {24, 4, 14},
	{15, 25, 5}, {6, 16, 26}, {27, 7, 17}, {18, 28, 8}, {9, 19, 29},
	{-1, 31, 30},
}

// shaCryptPerm512 is SHA-512-crypt's equivalent, 21 full triples plus a
// final single byte (index 63).
var shaCryptPerm512 = [][3]int{
	{0, 21, 42}, {22, 43, 1}, {44, 2, 23}, {3, 24, 45}, {25, 46, 4},
	{47, 5, 26}, {6, 27, 48}, {28, 49, 7}, {50, 8, 29}, {9, 30, 51},
	{31, 52, 10}, {53, 11, 32}, {12, 33, 54}, {34, 55, 13}, {56, 14, 35},
	{15, 36, 57}, {37, 58, 16}, {59, 17, 38}, {18, 39, 60}, {40, 61, 19},
	{62, 20, 41}, {-1, -1, 63},
}

const b64Alphabet = "./0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// shaCrypt implements the Drepper SHA-256/SHA-512-crypt algorithm common
// to both variants, parameterized by the underlying hash constructor,
// digest size, and final-encoding permutation table.
func shaCrypt(newHash func() hash.Hash, digestSize int, password, salt string, rounds int, perm [][3]int) string {
	pw := []byte(password)
	s := []byte(salt)

	digestB := newHash()
	digestB.Write(pw)
	digestB.Write(s)
	digestB.Write(pw)
	bSum := digestB.Sum(nil)

	a := newHash()
	a.Write(pw)
	a.Write(s)
	writeCycled(a, bSum, len(pw))

	for i := len(pw); i > 0; i >>= 1 {
		if i&1 != 0 {
			a.Write(bSum)
		} else {
			a.Write(pw)
		}
	}
	aSum := a.Sum(nil)

	dp := newHash()
	for range pw {
		dp.Write(pw)
	}
	dpSum := dp.Sum(nil)
	p := cycledBytes(dpSum, len(pw))

	ds := newHash()
	reps := 16 + int(aSum[0])
	for i := 0; i < reps; i++ {
		ds.Write(s)
	}
	dsSum := ds.Sum(nil)
	sSeq := cycledBytes(dsSum, len(s))

	digest := aSum
	for i := 0; i < rounds; i++ {
		c := newHash()
		if i%2 != 0 {
			c.Write(p)
		} else {
			c.Write(digest)
		}
		if i%3 != 0 {
			c.Write(sSeq)
		}
		if i%7 != 0 {
			c.Write(p)
		}
		if i%2 != 0 {
			c.Write(digest)
		} else {
			c.Write(p)
		}
		digest = c.Sum(nil)
	}

	encoded := encodeDigest(digest, digestSize, perm)

	idTag := "5"
	if digestSize == 64 {
		idTag = "6"
	}
	return "$" + idTag + "$" + string(s) + "$" + encoded
}

// writeCycled writes n bytes to h, repeating src as many times as needed.
func writeCycled(h hash.Hash, src []byte, n int) {
	for n > len(src) {
		h.Write(src)
		n -= len(src)
	}
	h.Write(src[:n])
}

// cycledBytes returns a new slice of length n built by repeating src.
func cycledBytes(src []byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = src[i%len(src)]
	}
	return out
}

func byteAt(digest []byte, idx int) int {
	if idx < 0 {
		return 0
	}
	return int(digest[idx])
}

// encodeDigest runs the final permutation + custom base64 pass, 3 source
// bytes -> 4 characters, with the last, partial group of the table
// producing fewer characters (3 for a 2-byte remainder, 2 for a 1-byte
// remainder).
func encodeDigest(digest []byte, digestSize int, perm [][3]int) string {
	var out []byte
	for gi, idx := range perm {
		last := gi == len(perm)-1
		n := 4
		if last {
			if digestSize == 32 {
				n = 3 // 2 source bytes remain for sha256-crypt
			} else {
				n = 2 // 1 source byte remains for sha512-crypt
			}
		}

		b2 := byteAt(digest, idx[0])
		b1 := byteAt(digest, idx[1])
		b0 := byteAt(digest, idx[2])
		w := b2<<16 | b1<<8 | b0

		for i := 0; i < n; i++ {
			out = append(out, b64Alphabet[w&0x3f])
			w >>= 6
		}
	}
	return string(out)
}
