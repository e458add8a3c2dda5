// Package mmap maps weight files read-only into memory, falling back to a
// plain read where mapping is unavailable.
package mmap

import (
	"fmt"
	"io"
	"os"
)

// Mapping is a read-only view of a whole file.
type Mapping struct {
	Data    []byte
	mmapped bool
}

// Open returns a view of the file at path. With useMmap the file is mapped
// where the platform supports it; otherwise it is read into memory.
// The caller must Close the mapping once nothing aliases Data.
func Open(path string, useMmap bool) (*Mapping, error) {
	//nolint:gosec // G304: model paths come from the caller.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	size := stat.Size()
	if size > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%s: file of %d bytes cannot be addressed", path, size)
	}
	if size == 0 {
		return &Mapping{Data: []byte{}}, nil
	}

	if useMmap {
		if data, err := mapFile(f, int(size)); err == nil {
			return &Mapping{Data: data, mmapped: true}, nil
		}
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return &Mapping{Data: data}, nil
}

// Mapped reports whether Data is backed by a memory mapping.
func (m *Mapping) Mapped() bool { return m.mmapped }

// Close releases the mapping. Data must not be used afterwards.
func (m *Mapping) Close() error {
	data := m.Data
	m.Data = nil
	if m.mmapped && data != nil {
		m.mmapped = false
		return unmapFile(data)
	}
	return nil
}
