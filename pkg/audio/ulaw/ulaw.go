// Package ulaw implements G.711 μ-law companding.
//
// Decoding is table driven: the 256 possible input bytes are expanded once at
// package initialisation and every later lookup is a single array index.
// Encoding is computed, since the only callers are fakes and tests; the
// synthesis upstream emits μ-law natively.
package ulaw

import "encoding/binary"

const (
	bias = 0x84
	clip = 32635
)

var decodeTable = buildDecodeTable()

func buildDecodeTable() [256]int16 {
	var t [256]int16
	for i := range t {
		u := ^byte(i)
		sign := u & 0x80
		exponent := (u >> 4) & 0x07
		mantissa := int32(u & 0x0F)
		sample := (((mantissa << 3) + bias) << exponent) - bias
		if sign != 0 {
			sample = -sample
		}
		t[i] = int16(sample)
	}
	return t
}

// Decode returns the linear 16-bit sample for one μ-law byte.
func Decode(u byte) int16 {
	return decodeTable[u]
}

// DecodeFrame decodes src into 16-bit little-endian PCM. The result is written
// into dst when it has room for 2*len(src) bytes, otherwise a new slice is
// allocated. The returned slice has length 2*len(src).
func DecodeFrame(dst, src []byte) []byte {
	n := len(src) * 2
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	for i, u := range src {
		binary.LittleEndian.PutUint16(dst[2*i:], uint16(decodeTable[u]))
	}
	return dst
}

// Encode compresses one linear 16-bit sample to μ-law.
func Encode(sample int16) byte {
	s := int32(sample)
	var sign byte
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > clip {
		s = clip
	}
	s += bias

	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(s>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

// EncodeFrame compresses 16-bit little-endian PCM into μ-law. A trailing odd
// byte is ignored.
func EncodeFrame(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = Encode(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	return out
}
