//go:build !unix

package platform

import (
	"fmt"
	"runtime"
)

const mmapSupported = false

var errUnsupported = fmt.Errorf("executable mmap unsupported on GOOS=%s", runtime.GOOS)

func mmapCodeSegment(int) ([]byte, error) {
	return nil, errUnsupported
}

func munmapCodeSegment([]byte) error {
	return errUnsupported
}

func remapCodeSegment([]byte, int) ([]byte, error) {
	return nil, errUnsupported
}
