package bitmap

import "strings"

// A Dense is a bitmap where every bit is explicitly represented. Bits of the
// last byte past the end are always clear.
type Dense struct {
	bits []byte
	len  int
}

// Get returns the i-th bit in this bitmap. Bits past the end read as false.
func (d Dense) Get(i int) bool {
	if i < 0 || i >= d.len {
		return false
	}
	j, pos := i/byteSize, i%byteSize
	return 0 < d.bits[j]&(1<<pos)
}

// Size returns the number of bits in this bitmap.
func (d Dense) Size() int {
	return d.len
}

// Set sets the i-th bit.
func (d *Dense) Set(i int) {
	j, pos := i/byteSize, i%byteSize
	d.bits[j] |= 1 << pos
}

// AppendBit adds a single bit to the end of d.
func (d *Dense) AppendBit(bit bool) {
	i, pos := d.len/byteSize, d.len%byteSize
	d.len += 1
	if pos == 0 && i >= len(d.bits) {
		d.bits = append(d.bits, 0)
	}
	if bit {
		d.bits[i] |= 1 << pos
	} else {
		d.bits[i] &^= 1 << pos
	}
}

// Grow extends d with clear bits until it holds at least n of them.
func (d *Dense) Grow(n int) {
	if n <= d.len {
		return
	}
	for len(d.bits) < bytesFor(n) {
		d.bits = append(d.bits, 0)
	}
	d.len = n
}

// DropFront removes the first n bits of d, moving the rest down so that bit
// n becomes bit 0. Dropping at least Size bits leaves d empty.
func (d *Dense) DropFront(n int) {
	if n <= 0 {
		return
	}
	if n >= d.len {
		d.bits, d.len = d.bits[:0], 0
		return
	}
	skip, shift := n/byteSize, n%byteSize
	src := d.bits[skip:bytesFor(d.len)]
	d.len -= n
	need := bytesFor(d.len)
	for i := 0; i < need; i++ {
		b := src[i] >> shift
		if shift > 0 && i+1 < len(src) {
			b |= src[i+1] << (byteSize - shift)
		}
		d.bits[i] = b
	}
	d.bits = d.bits[:need]
	if r := d.len % byteSize; r != 0 {
		d.bits[need-1] &= byte(1)<<r - 1
	}
}

func (d Dense) String() string {
	var sb strings.Builder
	for i := 0; i < d.len; i++ {
		if i > 0 && i%byteSize == 0 {
			sb.WriteByte(' ')
		}
		if d.Get(i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}
