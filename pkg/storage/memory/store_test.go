package memory

import (
	"bytes"
	"context"
	"io"
	"testing"

	"standby/pkg/core"
	"standby/pkg/storage"
	"standby/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ storage.Store = (*Store)(nil)

func TestStore_SegmentAndBlob(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	seg := []byte("seg")
	blob := []byte("blob data")
	segID := core.CalculateBlobHash(seg)
	blobID := core.CalculateBlobHash(blob)

	require.NoError(t, s.WriteSegment(ctx, segID, seg))
	require.NoError(t, s.WriteBlob(ctx, blobID, bytes.NewReader(blob)))

	got, err := s.ReadSegment(ctx, segID)
	require.NoError(t, err)
	assert.Equal(t, seg, got)

	// Segment 不能当 Blob 读
	_, _, err = s.ReadBlob(ctx, segID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	rc, size, err := s.ReadBlob(ctx, blobID)
	require.NoError(t, err)
	assert.Equal(t, int64(len(blob)), size)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, blob, data)

	total, err := s.ApproximateSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(seg)+len(blob)), total)
}

func TestStore_RejectsMismatch(t *testing.T) {
	s := NewStore()
	id := core.CalculateBlobHash([]byte("a"))
	err := s.WriteSegment(context.Background(), id, []byte("b"))
	assert.ErrorIs(t, err, storage.ErrIntegrity)
	assert.Zero(t, s.Len())
}

func TestStore_WalkDelete(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	for _, v := range []string{"x", "y", "z"} {
		data := []byte(v)
		require.NoError(t, s.WriteSegment(ctx, core.CalculateBlobHash(data), data))
	}

	// 边遍历边删除
	err := s.Walk(ctx, func(id types.Hash, _ core.ObjectType, _ int64) error {
		return s.Delete(ctx, id)
	})
	require.NoError(t, err)
	assert.Zero(t, s.Len())
}
