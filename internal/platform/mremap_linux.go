package platform

import "golang.org/x/sys/unix"

// remapCodeSegment lets the kernel move the pages of code, so the content is
// preserved without a copy. See https://man7.org/linux/man-pages/man2/mremap.2.html
func remapCodeSegment(code []byte, size int) ([]byte, error) {
	return unix.Mremap(code, size, unix.MREMAP_MAYMOVE)
}
