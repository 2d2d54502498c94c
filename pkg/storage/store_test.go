package storage

import (
	"bytes"
	"io"
	"os"
	"testing"

	"standby/pkg/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyBytes(t *testing.T) {
	data := []byte("hello world")
	id := core.CalculateBlobHash(data)

	assert.NoError(t, VerifyBytes(id, data))
	assert.ErrorIs(t, VerifyBytes(id, []byte("hello w0rld")), ErrIntegrity)
}

func TestSpoolVerified(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat([]byte("abc"), 1000)
	id := core.CalculateBlobHash(data)

	f, n, err := SpoolVerified(dir, "temp-*", id, bytes.NewReader(data))
	require.NoError(t, err)
	defer os.Remove(f.Name())
	defer f.Close()

	assert.Equal(t, int64(len(data)), n)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Hash 不匹配时，临时文件必须被清理
	_, _, err = SpoolVerified(dir, "bad-*", id, bytes.NewReader(data[1:]))
	assert.ErrorIs(t, err, ErrIntegrity)
	leftovers, _ := os.ReadDir(dir)
	assert.Len(t, leftovers, 1, "只剩下第一次成功的 spool 文件")
}
