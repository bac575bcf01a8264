package gtr9

const crc16Poly = 0x1021

// Crc16 computes CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF) over data.
// The device appends it big-endian after the payload.
func Crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ crc16Poly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// RecordChecksum is the additive 8-bit checksum carried by GPS32
// sub-records, computed over the record's preceding bytes.
func RecordChecksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}
