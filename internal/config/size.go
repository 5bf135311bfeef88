package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-viper/mapstructure/v2"
)

// ByteSize is a byte count that may be configured as "10MB", "20GiB" or a
// plain integer.
type ByteSize int64

// Int64 returns the size as an int64.
func (b ByteSize) Int64() int64 { return int64(b) }

// String renders the size with binary units.
func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

// ParseSize parses a human-readable size. KB/MB/GB/TB are powers of 1000,
// KiB/MiB/GiB/TiB powers of 1024 and a bare number is a byte count.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("negative size %q", s)
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("size %q too large", s)
	}
	return int64(n), nil
}

// byteSizeHook lets viper decode ByteSize fields from strings.
func byteSizeHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(ByteSize(0))
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != target || from.Kind() != reflect.String {
			return data, nil
		}
		n, err := ParseSize(data.(string))
		if err != nil {
			return nil, err
		}
		return ByteSize(n), nil
	}
}
