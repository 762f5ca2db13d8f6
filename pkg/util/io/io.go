package io

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

type lener interface {
	Len() int
}

type stater interface {
	Stat() (os.FileInfo, error)
}

// TryGetSize reports how many bytes r will yield, for readers that know it
// up front (files, bytes and strings readers).
func TryGetSize(r io.Reader) (int64, error) {
	switch f := r.(type) {
	case lener:
		return int64(f.Len()), nil
	case stater:
		st, err := f.Stat()
		if err != nil {
			return 0, errors.Wrap(err, "stat reader")
		}
		if st.IsDir() {
			return 0, errors.New("reader is a directory")
		}
		return st.Size(), nil
	}

	return 0, errors.Errorf("unsupported type of io.Reader: %T", r)
}

// FileSize returns the size of a regular file.
func FileSize(path string) (int64, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !st.Mode().IsRegular() {
		return 0, errors.Errorf("%s is not a regular file", path)
	}

	return st.Size(), nil
}
