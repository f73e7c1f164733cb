package util

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
)

// CRC32 (IEEE) helpers for snapshot integrity and state digests.

var crc32Table = crc32.MakeTable(crc32.IEEE)

const checksumSize = 4

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum reports whether data matches the expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// AppendChecksum returns [data][crc32 little-endian]
func AppendChecksum(data []byte) []byte {
	result := make([]byte, len(data)+checksumSize)
	copy(result, data)
	binary.LittleEndian.PutUint32(result[len(data):], ComputeChecksum(data))
	return result
}

// ValidateAndStripChecksum splits a buffer written by AppendChecksum.
// The returned slice aliases the input.
func ValidateAndStripChecksum(dataWithChecksum []byte) ([]byte, bool) {
	if len(dataWithChecksum) < checksumSize {
		return nil, false
	}
	dataLen := len(dataWithChecksum) - checksumSize
	data := dataWithChecksum[:dataLen]
	expected := binary.LittleEndian.Uint32(dataWithChecksum[dataLen:])
	return data, ValidateChecksum(data, expected)
}

// Digest returns the checksum of v's JSON encoding. encoding/json sorts map
// keys, so equal states produce equal digests.
func Digest(v any) (uint32, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return ComputeChecksum(data), nil
}
