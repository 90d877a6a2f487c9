package embed

// BinaryQuantize compresses an embedding to one bit per dimension, keeping
// only the sign of each coordinate. Bits are packed most-significant first,
// eight per byte, and each byte is re-centered into signed range by
// subtracting 128. Output length is ceil(len(vec)/8).
func BinaryQuantize(vec []float32) []int8 {
	out := make([]int8, (len(vec)+7)/8)
	for i, v := range vec {
		if v > 0 {
			out[i/8] = int8(uint8(out[i/8]) | 1<<(7-i%8))
		}
	}
	for i := range out {
		out[i] = int8(uint8(out[i]) - 128)
	}
	return out
}

// UnpackSigns recovers the sign pattern from a quantized embedding: true for
// coordinates that were positive. dim is the original vector length.
func UnpackSigns(q []int8, dim int) []bool {
	out := make([]bool, dim)
	for i := range out {
		b := uint8(q[i/8]) + 128
		out[i] = b&(1<<(7-i%8)) != 0
	}
	return out
}
