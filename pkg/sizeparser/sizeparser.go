// Package sizeparser parses the human-readable size strings accepted by
// --buffer-size ("4M", "512K", "1.5MB", a bare byte count) into a byte
// count, via github.com/c2h5oh/datasize.
package sizeparser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/c2h5oh/datasize"
)

// DefaultBufferSize is used when --buffer-size is omitted.
const DefaultBufferSize = 4 * 1024 * 1024 // 4 MiB

var sizePattern = regexp.MustCompile(`^\d+(\.\d*)?\s*[MKmk]?[Bb]?$`)

// Parse parses a size string such as "4M", "512KB", "1.5mb", or a bare
// number of bytes, and returns the size in bytes. An empty string returns
// DefaultBufferSize.
func Parse(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultBufferSize, nil
	}
	if !sizePattern.MatchString(s) {
		return 0, fmt.Errorf("sizeparser: %q is not a valid size (expected e.g. 4M, 512KB, 1048576)", s)
	}

	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("sizeparser: %q: %w", s, err)
	}
	return v.Bytes(), nil
}
