package rtc

import "github.com/haivivi/callroute/pkg/audio/pcm"

// G.711 µ-law companding, ITU-T G.711 section 3.

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// ulawEncode compresses one 16-bit linear sample.
func ulawEncode(s int16) byte {
	v := int(s)
	sign := 0
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > ulawClip {
		v = ulawClip
	}
	v += ulawBias
	exp := 7
	for mask := 0x4000; v&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mantissa := (v >> (exp + 3)) & 0x0f
	return ^byte(sign | exp<<4 | mantissa)
}

// ulawDecode expands one µ-law byte.
func ulawDecode(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exp := int(b>>4) & 0x07
	mantissa := int(b & 0x0f)
	v := ((mantissa << 3) + ulawBias) << exp
	v -= ulawBias
	if sign != 0 {
		return int16(-v)
	}
	return int16(v)
}

// encodeULaw appends the µ-law encoding of samples in [-1, 1] to dst.
func encodeULaw(dst []byte, samples []float32) []byte {
	for _, s := range samples {
		dst = append(dst, ulawEncode(pcm.ToInt16(s)))
	}
	return dst
}

// decodeULaw appends decoded samples to dst.
func decodeULaw(dst []float32, payload []byte) []float32 {
	for _, b := range payload {
		dst = append(dst, float32(ulawDecode(b))/32768)
	}
	return dst
}
