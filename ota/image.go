package ota

import "encoding/binary"

// hasPicobinMarker reports whether b contains a word-aligned RP2350
// IMAGE_DEF block start marker.
func hasPicobinMarker(b []byte) bool {
	for i := 0; i+4 <= len(b); i += 4 {
		if binary.LittleEndian.Uint32(b[i:]) == picobinMarker {
			return true
		}
	}
	return false
}

const (
	// picobinMarker opens an IMAGE_DEF block; the bootrom only boots an
	// image that carries one in its first 4 KiB.
	picobinMarker     = 0xffffded3
	picobinSearchSize = 4096
)

// Bootable reports whether image carries the RP2350 IMAGE_DEF marker in
// its first 4 KiB, the region the bootrom searches.
func Bootable(image []byte) bool {
	return hasPicobinMarker(image[:min(len(image), picobinSearchSize)])
}
