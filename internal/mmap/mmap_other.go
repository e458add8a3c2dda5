//go:build !unix

package mmap

import (
	"errors"
	"os"
)

var errUnsupported = errors.New("mmap not supported on this platform")

func mapFile(*os.File, int) ([]byte, error) { return nil, errUnsupported }

func unmapFile([]byte) error { return nil }
