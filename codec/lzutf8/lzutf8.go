// Package lzutf8 implements the LZ-UTF8 compression format: an LZ77
// variant whose output interleaves verbatim UTF-8 literals with "sized
// pointer" sequences. Pointer lead bytes reuse the 110xxxxx / 111xxxxx
// bit patterns of multi-byte UTF-8 lead bytes; they are distinguishable
// because a pointer lead byte is always followed by a byte with a clear
// high bit, which can never happen in well-formed UTF-8.
//
// Pointer encodings:
//
//	2 bytes: 110LLLLL 0DDDDDDD            length 4..31, distance 1..127
//	3 bytes: 111LLLLL 0DDDDDDD DDDDDDDD   length 4..31, distance 1..32767
package lzutf8

import "fmt"

const (
	minMatchLength = 4
	maxMatchLength = 31
	maxDistance    = 1<<15 - 1
)

// hash of a 4-byte window into the match table.
func hash4(b []byte) uint32 {
	var v = uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return (v * 2654435761) >> 16 & (tableSize - 1)
}

const tableSize = 1 << 16

// Compress encodes |src|, which must be well-formed UTF-8 for the output
// to be unambiguously decodable.
func Compress(src []byte) []byte {
	var out = make([]byte, 0, len(src))
	var table [tableSize]int // position+1 of the latest occurrence

	var pos = 0
	for pos < len(src) {
		if pos+minMatchLength <= len(src) {
			var h = hash4(src[pos : pos+4])
			var candidate = table[h] - 1
			table[h] = pos + 1

			if candidate >= 0 && pos-candidate <= maxDistance {
				var length = matchLength(src, candidate, pos)
				if length >= minMatchLength {
					out = appendPointer(out, pos-candidate, length)
					pos += length
					continue
				}
			}
		}
		out = append(out, src[pos])
		pos++
	}
	return out
}

func matchLength(src []byte, candidate, pos int) int {
	var n = 0
	for n < maxMatchLength && pos+n < len(src) && src[candidate+n] == src[pos+n] {
		n++
	}
	return n
}

func appendPointer(out []byte, distance, length int) []byte {
	if distance <= 127 {
		return append(out, 0xC0|byte(length), byte(distance))
	}
	return append(out, 0xE0|byte(length)&0x1F, byte(distance>>8), byte(distance))
}

// Decompress decodes LZ-UTF8 |src|. It fails on truncated pointer
// sequences and on pointers that reach before the start of output.
func Decompress(src []byte) ([]byte, error) {
	var out = make([]byte, 0, len(src)*2)

	var pos = 0
	for pos < len(src) {
		var b = src[pos]
		// A pointer lead byte has its top two bits set and is followed
		// by a byte with a clear high bit.
		if b >= 0xC0 && pos+1 < len(src) && src[pos+1] < 0x80 {
			var length, distance int
			if b < 0xE0 {
				length = int(b & 0x1F)
				distance = int(src[pos+1])
				pos += 2
			} else {
				if pos+2 >= len(src) {
					return nil, fmt.Errorf("truncated pointer sequence at offset %d", pos)
				}
				length = int(b & 0x1F)
				distance = int(src[pos+1])<<8 | int(src[pos+2])
				pos += 3
			}
			if distance == 0 || distance > len(out) {
				return nil, fmt.Errorf("pointer distance %d exceeds output length %d", distance, len(out))
			}
			// Copy byte-at-a-time: the match may overlap its own output.
			var start = len(out) - distance
			for i := 0; i < length; i++ {
				out = append(out, out[start+i])
			}
		} else {
			out = append(out, b)
			pos++
		}
	}
	return out, nil
}
