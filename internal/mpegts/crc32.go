package mpegts

import (
	"encoding/binary"
	"errors"
)

// MPEG-2 CRC32 with polynomial 0x04C11DB7.
var crc32Table [256]uint32

func init() {
	for i := 0; i < 256; i++ {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		crc32Table[i] = crc
	}
}

// CRC32 computes the MPEG-2 CRC of data as used by PSI sections.
func CRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = (crc << 8) ^ crc32Table[byte(crc>>24)^b]
	}
	return crc
}

var (
	errCRCShort    = errors.New("data too short for CRC32")
	errCRCMismatch = errors.New("CRC32 mismatch")
)

func verifyCRC32(data []byte) error {
	if len(data) < 4 {
		return errCRCShort
	}
	if CRC32(data) != 0 {
		return errCRCMismatch
	}
	return nil
}

// appendCRC32 appends the big-endian CRC of section to section.
func appendCRC32(section []byte) []byte {
	return binary.BigEndian.AppendUint32(section, CRC32(section))
}
