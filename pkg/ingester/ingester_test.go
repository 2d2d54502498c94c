package ingester

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"standby/pkg/core"
	"standby/pkg/ignore"
	"standby/pkg/index"
	"standby/pkg/storage/disk"
	"standby/pkg/storage/memory"
	"standby/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// countingStore 统计 WriteBlob 调用次数
type countingStore struct {
	*memory.Store
	writes atomic.Int32
}

func (c *countingStore) WriteBlob(ctx context.Context, id types.Hash, r io.Reader) error {
	c.writes.Add(1)
	return c.Store.WriteBlob(ctx, id, r)
}

func writeFile(t *testing.T, root, rel string, data []byte) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, data, 0644))
}

func TestIngestBlob_Large(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping large blob test in short mode")
	}
	store, err := disk.NewAdapter(t.TempDir())
	require.NoError(t, err)
	ing := NewIngester(store, store.TempDir(), zaptest.NewLogger(t))
	ctx := context.Background()

	data := make([]byte, 5*1024*1024)
	_, err = rand.Read(data)
	require.NoError(t, err)

	link, err := ing.IngestBlob(ctx, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), link.Size)
	assert.Equal(t, core.CalculateBlobHash(data), link.Cid.Hash)

	rc, size, err := store.ReadBlob(ctx, link.Cid.Hash)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)
	assert.True(t, bytes.Equal(data, got), "blob content mismatch")

	// spool 文件已清理
	entries, err := os.ReadDir(store.TempDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIngestDir(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", []byte("alpha"))
	writeFile(t, root, "sub/b.bin", []byte("bravo"))
	writeFile(t, root, "sub/debug.log", []byte("ignored"))
	writeFile(t, root, ".git/HEAD", []byte("ignored"))
	writeFile(t, root, ignore.FileName, []byte("*.log\n"))

	matcher, err := ignore.NewMatcher(root)
	require.NoError(t, err)

	store := &countingStore{Store: memory.NewStore()}
	ing := NewIngester(store, t.TempDir(), zaptest.NewLogger(t))
	ctx := context.Background()

	idx, err := index.NewIndex("")
	require.NoError(t, err)
	require.NoError(t, ing.IngestDir(ctx, root, matcher, idx))

	snap := idx.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, core.CalculateBlobHash([]byte("alpha")), snap["a.txt"].Blob)
	assert.Equal(t, int64(5), snap["sub/b.bin"].Size)
	assert.EqualValues(t, 2, store.writes.Load())

	// 1. 第二次导入：没有变化的文件不再写入
	require.NoError(t, ing.IngestDir(ctx, root, matcher, idx))
	assert.EqualValues(t, 2, store.writes.Load())

	// 2. 修改一个文件、删除一个文件
	writeFile(t, root, "a.txt", []byte("alpha, longer"))
	require.NoError(t, os.Remove(filepath.Join(root, "sub", "b.bin")))
	require.NoError(t, ing.IngestDir(ctx, root, matcher, idx))

	snap = idx.Snapshot()
	assert.Len(t, snap, 1)
	assert.Equal(t, core.CalculateBlobHash([]byte("alpha, longer")), snap["a.txt"].Blob)
	assert.EqualValues(t, 3, store.writes.Load())
}
