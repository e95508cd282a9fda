package protocol

import (
	"encoding/binary"
	"fmt"
)

// EncodeInt32 returns the 4-byte big-endian form of v.
func EncodeInt32(v int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return b
}

// EncodeUint16 returns the 2-byte big-endian form of v.
func EncodeUint16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

// DecodeInt32 reads a big-endian int32 at offset.
func DecodeInt32(data []byte, offset int) (int32, error) {
	if offset < 0 || offset+4 > len(data) {
		return 0, fmt.Errorf("%w for %s at offset %d", ErrInsufficientData, KindInt32, offset)
	}
	return int32(binary.BigEndian.Uint32(data[offset:])), nil
}

// DecodeUint16 reads a big-endian uint16 at offset.
func DecodeUint16(data []byte, offset int) (uint16, error) {
	if offset < 0 || offset+2 > len(data) {
		return 0, fmt.Errorf("%w for %s at offset %d", ErrInsufficientData, KindUint16, offset)
	}
	return binary.BigEndian.Uint16(data[offset:]), nil
}

// DeclaredLength returns the frame length field of data, or -1 when fewer
// than 4 bytes are present.
func DeclaredLength(data []byte) int {
	if len(data) < 4 {
		return -1
	}
	return int(binary.BigEndian.Uint32(data))
}

// HeaderOf returns the header of a framed message without parsing it.
func HeaderOf(data []byte) (uint16, bool) {
	h, err := DecodeUint16(data, 4)
	return h, err == nil
}
