package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Size is a byte count written in configuration either as an integer or as a
// string with a unit suffix ("256KiB", "4MiB", "1GiB"). K, KB and KiB all
// mean 1024 bytes, and likewise for M and G.
type Size uint64

var sizeUnits = []struct {
	suffix string
	shift  uint
}{
	{"GiB", 30},
	{"MiB", 20},
	{"KiB", 10},
	{"GB", 30},
	{"MB", 20},
	{"KB", 10},
	{"G", 30},
	{"M", 20},
	{"K", 10},
	{"B", 0},
}

// ParseSize parses the string form of a Size.
func ParseSize(s string) (Size, error) {
	s = strings.TrimSpace(s)
	shift := uint(0)
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			shift = u.shift
			break
		}
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if shift > 0 && n > (^uint64(0))>>shift {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return Size(n << shift), nil
}

// UnmarshalTOML implements toml.Unmarshaler.
func (s *Size) UnmarshalTOML(v any) error {
	switch v := v.(type) {
	case int64:
		if v < 0 {
			return fmt.Errorf("size must not be negative, got %d", v)
		}
		*s = Size(v)
		return nil
	case string:
		n, err := ParseSize(v)
		if err != nil {
			return err
		}
		*s = n
		return nil
	}
	return fmt.Errorf("size must be an integer or a string, got %T", v)
}

// MarshalText renders the largest exact binary unit.
func (s Size) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s Size) String() string {
	for _, u := range sizeUnits[:3] {
		if unit := uint64(1) << u.shift; s != 0 && uint64(s)%unit == 0 {
			return fmt.Sprintf("%d%s", uint64(s)/unit, u.suffix)
		}
	}
	return strconv.FormatUint(uint64(s), 10)
}
