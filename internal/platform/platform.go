// Package platform includes runtime-specific code needed by the code buffer.
//
// Memory mappings go through golang.org/x/sys/unix where available.
package platform

import (
	"errors"
	"runtime"
)

// CompilerSupported returns true when executable memory can be mapped and the
// host is able to run code emitted by the amd64 encoder.
func CompilerSupported() bool {
	return runtime.GOARCH == "amd64" && mmapSupported
}

// MmapCodeSegment maps a new read-write-exec region of the given size.
//
// See https://man7.org/linux/man-pages/man2/mmap.2.html for mmap API and flags.
func MmapCodeSegment(size int) ([]byte, error) {
	if size == 0 {
		panic(errors.New("BUG: MmapCodeSegment with zero length"))
	}
	return mmapCodeSegment(size)
}

// RemapCodeSegment returns a read-write-exec region of the given size which
// holds the content of code. The old region must not be used afterwards, it
// is either moved or unmapped.
func RemapCodeSegment(code []byte, size int) ([]byte, error) {
	if size < len(code) {
		panic(errors.New("BUG: RemapCodeSegment with size less than code"))
	}
	if len(code) == 0 {
		return MmapCodeSegment(size)
	}
	return remapCodeSegment(code, size)
}

// MunmapCodeSegment unmaps the given memory region.
func MunmapCodeSegment(code []byte) error {
	if len(code) == 0 {
		panic(errors.New("BUG: MunmapCodeSegment with zero length"))
	}
	return munmapCodeSegment(code)
}
