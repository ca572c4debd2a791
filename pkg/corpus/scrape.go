package corpus

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
)

// printable matches Python's string.printable, which is what bootloader
// string tables are made of.
func printable(b byte) bool {
	switch {
	case b >= 0x20 && b <= 0x7e:
		return true
	case b == '\t', b == '\n', b == '\r', b == '\v', b == '\f':
		return true
	}
	return false
}

// Scrape extracts every maximal run of printable bytes starting with
// prefix, deduplicated and sorted.
func Scrape(data []byte, prefix string) []string {
	seen := make(map[string]bool)
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		s := string(data[start:end])
		if strings.HasPrefix(s, prefix) {
			seen[s] = true
		}
		start = -1
	}
	for i, b := range data {
		if printable(b) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(data))

	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// FromBlob builds a record out of a raw bootloader image.
func FromBlob(data []byte, oem, device, build, src, prefix string) *Record {
	sum := sha256.Sum256(data)
	return &Record{
		Src:     src,
		Name:    src,
		OEM:     oem,
		Device:  device,
		Build:   build,
		SHA256:  hex.EncodeToString(sum[:]),
		Strings: Scrape(data, prefix),
	}
}
