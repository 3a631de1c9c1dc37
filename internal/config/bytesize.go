package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteSize is a size in bytes that can be written with a binary unit
// suffix: "512", "64KiB", "10MiB", "1GiB". Decimal suffixes (KB, MB, GB)
// are accepted as aliases of the binary ones.
type ByteSize int64

var byteUnits = []struct {
	suffix string
	size   int64
}{
	{"GiB", 1 << 30},
	{"MiB", 1 << 20},
	{"KiB", 1 << 10},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	mult := int64(1)
	for _, u := range byteUnits {
		if n, ok := strings.CutSuffix(s, u.suffix); ok {
			s, mult = strings.TrimSpace(n), u.size
			break
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return fmt.Errorf("invalid byte size %q", text)
	}
	if n > (1<<63-1)/mult {
		return fmt.Errorf("byte size %q overflows", text)
	}
	*b = ByteSize(n * mult)
	return nil
}

// String renders the size with the largest unit that divides it exactly.
func (b ByteSize) String() string {
	for _, u := range byteUnits[:3] {
		if b != 0 && int64(b)%u.size == 0 {
			return strconv.FormatInt(int64(b)/u.size, 10) + u.suffix
		}
	}
	return strconv.FormatInt(int64(b), 10)
}
