// Package bitmap provides densely-packed arrays of booleans, used as
// membership sets over small index ranges.
package bitmap

import "math/bits"

// TODO: this could be more efficient on many architectures if we used larger
//   blocks than 8-bit bytes.
const byteSize = 8

// CountOnes returns the total number of bits set in d.
func CountOnes(d Dense) int {
	var sum int
	for _, b := range d.bits[:bytesFor(d.len)] {
		sum += bits.OnesCount8(b)
	}
	return sum
}

// bytesFor returns the number of bytes necessary to hold the provided number of
// bits.
func bytesFor(bits int) int {
	return (bits + byteSize - 1) / byteSize
}
