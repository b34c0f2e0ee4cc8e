package hashing

import (
	"encoding/hex"
	"fmt"
)

// MarshalJSON encodes h as a quoted lowercase hex32 string, matching the
// "hex32" wire/disk shape used throughout spec.md §6.
func (h Hash) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, Size*2+2)
	buf = append(buf, '"')
	buf = append(buf, h.Hex()...)
	buf = append(buf, '"')
	return buf, nil
}

// UnmarshalJSON decodes a quoted hex32 string into h.
func (h *Hash) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("hashing: expected quoted hex string, got %q", data)
	}
	return h.UnmarshalText(data[1 : len(data)-1])
}

// UnmarshalText decodes raw (unquoted) hex into h.
func (h *Hash) UnmarshalText(text []byte) error {
	decoded, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("hashing: decode hex: %w", err)
	}
	if len(decoded) != Size {
		return fmt.Errorf("hashing: expected %d bytes, got %d", Size, len(decoded))
	}
	copy(h[:], decoded)
	return nil
}

// ParseHash decodes a hex32 string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	err := h.UnmarshalText([]byte(s))
	return h, err
}
