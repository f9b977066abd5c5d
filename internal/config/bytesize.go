package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteSize is a size value that supports human-readable parsing.
// It accepts raw byte counts as well as binary-unit suffixes:
//
//   - "64KB"  = 64 * 1024 bytes
//   - "2MB"   = 2 * 1024 * 1024 bytes
//   - "1.5GB" = 1.5 * 1024^3 bytes
//   - "65536" = 65536 bytes
//
// It implements encoding.TextUnmarshaler for Viper/YAML support.
type ByteSize int64

var byteUnits = []struct {
	suffix string
	factor float64
}{
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// ParseByteSize parses a human-readable byte size string.
func ParseByteSize(s string) (ByteSize, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("empty byte size")
	}

	upper := strings.ToUpper(trimmed)
	for _, unit := range byteUnits {
		if !strings.HasSuffix(upper, unit.suffix) {
			continue
		}
		numStr := strings.TrimSpace(strings.TrimSuffix(upper, unit.suffix))
		if numStr == "" {
			return 0, fmt.Errorf("invalid byte size %q", s)
		}
		num, err := strconv.ParseFloat(numStr, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
		}
		if num < 0 {
			return 0, fmt.Errorf("byte size %q must not be negative", s)
		}
		return ByteSize(num * unit.factor), nil
	}

	raw, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	if raw < 0 {
		return 0, fmt.Errorf("byte size %q must not be negative", s)
	}
	return ByteSize(raw), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for YAML/Viper support.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Bytes returns the size in bytes as int64.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// Int returns the size in bytes as int.
func (b ByteSize) Int() int {
	return int(b)
}

// String returns a human-readable string representation.
func (b ByteSize) String() string {
	v := int64(b)
	for _, unit := range byteUnits {
		factor := int64(unit.factor)
		if factor > 1 && v >= factor && v%factor == 0 {
			return fmt.Sprintf("%d%s", v/factor, unit.suffix)
		}
	}
	return strconv.FormatInt(v, 10)
}
