package pcm

// DecodeInt16 converts little-endian int16 samples in src to floats in
// [-1, 1). It returns the number of samples written to dst; a trailing odd
// byte in src is ignored.
func DecodeInt16(dst []float32, src []byte) int {
	n := min(len(dst), len(src)/2)
	for i := 0; i < n; i++ {
		s := int16(src[i*2]) | int16(src[i*2+1])<<8
		dst[i] = float32(s) / 32768.0
	}
	return n
}

// EncodeInt16 converts float samples to little-endian int16, clamping values
// outside [-1, 1]. It returns the number of bytes written to dst.
func EncodeInt16(dst []byte, src []float32) int {
	n := min(len(dst)/2, len(src))
	for i := 0; i < n; i++ {
		s := ToInt16(src[i])
		dst[i*2] = byte(s)
		dst[i*2+1] = byte(s >> 8)
	}
	return n * 2
}

// ToInt16 converts a single float sample to int16 with clamping.
func ToInt16(v float32) int16 {
	switch {
	case v >= 1:
		return 32767
	case v <= -1:
		return -32768
	}
	return int16(v * 32767)
}
