package msp

// Crc8DvbS2 folds one byte into a CRC-8 accumulator using the DVB-S2
// polynomial 0xD5, MSB first, no reflection.
func Crc8DvbS2(b, crc byte) byte {
	crc ^= b
	for i := 0; i < 8; i++ {
		if crc&0x80 != 0 {
			crc = crc<<1 ^ 0xD5
		} else {
			crc <<= 1
		}
	}
	return crc
}

// Crc8 runs Crc8DvbS2 over p starting from a zero accumulator.
func Crc8(p []byte) byte {
	var crc byte
	for _, b := range p {
		crc = Crc8DvbS2(b, crc)
	}
	return crc
}

// XorChecksum is the v1 trailer: every byte of p folded with XOR.
func XorChecksum(p []byte) byte {
	var x byte
	for _, b := range p {
		x ^= b
	}
	return x
}
