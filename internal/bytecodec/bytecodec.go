// Package bytecodec packs and unpacks little- and big-endian integers of
// arbitrary byte width (1..8), bit fields and the fixed-point scalings used by
// the flight controller.
package bytecodec

// Uint reads an unsigned little-endian integer of n bytes starting at off.
func Uint(b []byte, off, n int) uint64 {
	var v uint64
	for i := n - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[off+i])
	}
	return v
}

// Int reads a signed little-endian integer of n bytes, sign extending from the
// top bit of the last byte.
func Int(b []byte, off, n int) int64 {
	return signExtend(Uint(b, off, n), n*8)
}

// UintBE reads an unsigned big-endian integer of n bytes.
func UintBE(b []byte, off, n int) uint64 {
	var v uint64
	for i := 0; i < n; i++ {
		v = v<<8 | uint64(b[off+i])
	}
	return v
}

// IntBE reads a signed big-endian integer of n bytes.
func IntBE(b []byte, off, n int) int64 {
	return signExtend(UintBE(b, off, n), n*8)
}

// PutUint writes the low n bytes of v little-endian at off.
func PutUint(b []byte, off, n int, v uint64) {
	for i := 0; i < n; i++ {
		b[off+i] = byte(v >> (8 * i))
	}
}

// PutUintBE writes the low n bytes of v big-endian at off.
func PutUintBE(b []byte, off, n int, v uint64) {
	for i := 0; i < n; i++ {
		b[off+n-1-i] = byte(v >> (8 * i))
	}
}

// AppendUint appends the low n bytes of v little-endian.
func AppendUint(b []byte, n int, v uint64) []byte {
	for i := 0; i < n; i++ {
		b = append(b, byte(v>>(8*i)))
	}
	return b
}

// Bits extracts width bits of v starting at bit shift.
func Bits(v uint64, shift, width uint) uint64 {
	return (v >> shift) & (1<<width - 1)
}

// SetBits replaces width bits of v starting at shift with field.
func SetBits(v uint64, shift, width uint, field uint64) uint64 {
	mask := uint64(1<<width-1) << shift
	return v&^mask | (field<<shift)&mask
}

func signExtend(v uint64, bits int) int64 {
	if bits <= 0 || bits >= 64 {
		return int64(v)
	}
	shift := 64 - bits
	return int64(v<<shift) >> shift
}

// Fixed12_4 converts a 12.4 fixed-point value to float.
func Fixed12_4(raw int64) float64 { return float64(raw) / 16 }

// ToFixed12_4 is the inverse of Fixed12_4, rounded to nearest.
func ToFixed12_4(v float64) int64 { return Round(v * 16) }

// Fixed16_16 converts a 16.16 fixed-point value to float.
func Fixed16_16(raw int64) float64 { return float64(raw) / 65536 }

// ToFixed16_16 is the inverse of Fixed16_16.
func ToFixed16_16(v float64) int64 { return Round(v * 65536) }

// Round rounds half away from zero.
func Round(v float64) int64 {
	if v < 0 {
		return -int64(-v + 0.5)
	}
	return int64(v + 0.5)
}
