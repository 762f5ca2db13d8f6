package io

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type addTest struct {
	reader io.Reader
	len    int64
	isErr  bool
}

func TestTryGetSize(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "f.bin"))
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write([]byte("1234567"))
	require.NoError(t, err)

	dir, err := os.Open(t.TempDir())
	require.NoError(t, err)
	defer dir.Close()

	tests := []addTest{
		{bytes.NewReader([]byte("12345")), 5, false},
		{strings.NewReader("123"), 3, false},
		{f, 7, false},
		{dir, 0, true},
		{io.LimitReader(strings.NewReader("x"), 1), 0, true},
		{nil, 0, true},
	}

	for _, v := range tests {
		res, err := TryGetSize(v.reader)
		assert.Equal(t, v.len, res, fmt.Sprintf("output len %d not equal to expected %d", res, v.len))
		assert.Equal(t, v.isErr, err != nil, "output err is not valid")
	}
}

func TestFileSize(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "a")
	require.NoError(t, os.WriteFile(name, []byte("abc"), 0o644))

	size, err := FileSize(name)
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)

	_, err = FileSize(dir)
	assert.Error(t, err)

	_, err = FileSize(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
