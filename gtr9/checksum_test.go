package gtr9

import (
	"testing"
)

func TestCrc16KnownVectors(t *testing.T) {
	testCases := []struct {
		Name     string
		Data     []byte
		Expected uint16
	}{
		{
			Name:     "AsciiDigits",
			Data:     []byte("123456789"),
			Expected: 0x29B1,
		},
		{
			Name:     "Empty",
			Data:     []byte{},
			Expected: 0xFFFF,
		},
		{
			Name:     "SingleZero",
			Data:     []byte{0x00},
			Expected: 0xE1F0,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.Name, func(test *testing.T) {
			actual := Crc16(testCase.Data)
			if actual != testCase.Expected {
				test.Errorf("Wrong CRC! Expected: %04X Actual: %04X", testCase.Expected, actual)
			}
		})
	}
}

func TestCrc16DetectsSingleBitCorruption(t *testing.T) {
	data := []byte{0x6E, 0x01, 0x27, 0x08, 0x07, 0x01, 0xE8, 0x01, 0x32}
	original := Crc16(data)

	for byteIndex := range data {
		for bit := 0; bit < 8; bit++ {
			corrupted := append([]byte(nil), data...)
			corrupted[byteIndex] ^= 1 << bit
			if Crc16(corrupted) == original {
				t.Errorf("Bit flip at byte %d bit %d not detected", byteIndex, bit)
			}
		}
	}
}

func TestRecordChecksum(t *testing.T) {
	testCases := []struct {
		Name     string
		Data     []byte
		Expected byte
	}{
		{
			Name:     "Simple",
			Data:     []byte{0x01, 0x02, 0x03},
			Expected: 0x06,
		},
		{
			Name:     "Overflow",
			Data:     []byte{0xFF, 0xFF, 0x03},
			Expected: 0x01,
		},
		{
			Name:     "Empty",
			Data:     []byte{},
			Expected: 0x00,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.Name, func(test *testing.T) {
			actual := RecordChecksum(testCase.Data)
			if actual != testCase.Expected {
				test.Errorf("Wrong checksum! Expected: %02X Actual: %02X", testCase.Expected, actual)
			}
		})
	}
}
