package gguf

import (
	"errors"
	"fmt"
	"io"
	"os"
)

var ErrUnsupportedType = errors.New("unsupported tensor type")

// TensorByName returns the tensor info for name.
func (f *File) TensorByName(name string) (TensorInfo, bool) {
	i, ok := f.index[name]
	if !ok {
		return TensorInfo{}, false
	}
	return f.Tensors[i], true
}

// TensorData returns the raw encoded bytes of the named tensor.
// With an active mmap the returned slice aliases the mapping and
// stays valid until Close; otherwise the bytes are read from disk.
func (f *File) TensorData(name string) ([]byte, TensorInfo, error) {
	info, ok := f.TensorByName(name)
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}

	size, err := info.ByteSize()
	if err != nil {
		return nil, TensorInfo{}, err
	}

	start := f.DataOffset + info.Offset
	end := start + uint64(size)

	if f.Data != nil {
		if end > uint64(len(f.Data)) {
			return nil, TensorInfo{}, fmt.Errorf("tensor %s: data out of bounds (%d > %d)", name, end, len(f.Data))
		}
		return f.Data[start:end], info, nil
	}

	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	defer fh.Close()

	buf := make([]byte, size)
	if _, err := fh.ReadAt(buf, int64(start)); err != nil && err != io.EOF {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	return buf, info, nil
}
