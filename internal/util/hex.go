package util

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// HexToBytes converts a hex string to bytes
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

// BytesToHex converts bytes to an unprefixed hex string, the form the
// Burst node API uses everywhere
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// MustHexToBytes converts hex string to bytes, panics on error
func MustHexToBytes(s string) []byte {
	b, err := HexToBytes(s)
	if err != nil {
		panic(fmt.Sprintf("invalid hex string: %s", s))
	}
	return b
}

// ReverseBytesCopy returns a reversed copy of a byte slice
func ReverseBytesCopy(b []byte) []byte {
	result := make([]byte, len(b))
	for i, j := 0, len(b)-1; j >= 0; i, j = i+1, j-1 {
		result[i] = b[j]
	}
	return result
}

// PadBytes pads bytes to specified length (left-pad with zeros)
func PadBytes(b []byte, length int) []byte {
	if len(b) >= length {
		return b
	}
	padded := make([]byte, length)
	copy(padded[length-len(b):], b)
	return padded
}

// IsValidHex checks if string is valid hexadecimal
func IsValidHex(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	_, err := hex.DecodeString(s)
	return err == nil
}

// ValidateGenerationSignature validates a generation signature (32 bytes / 64 hex chars)
func ValidateGenerationSignature(s string) bool {
	if len(s) != 64 {
		return false
	}
	return IsValidHex(s)
}

// FormatCapacity renders a capacity in TiB as a human readable string
func FormatCapacity(tib float64) string {
	switch {
	case tib >= 1024:
		return fmt.Sprintf("%.3f PiB", tib/1024)
	case tib >= 1:
		return fmt.Sprintf("%.3f TiB", tib)
	default:
		return fmt.Sprintf("%.3f GiB", tib*1024)
	}
}
