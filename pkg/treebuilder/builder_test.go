package treebuilder

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"standby/pkg/core"
	"standby/pkg/index"
	"standby/pkg/storage"
	"standby/pkg/storage/memory"
	"standby/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockHash(input string) types.Hash {
	sum := sha256.Sum256([]byte(input))
	return types.HashFromSum(sum[:])
}

func mustSegment(t *testing.T, store storage.Store, id types.Hash) *core.Segment {
	t.Helper()
	data, err := store.ReadSegment(context.Background(), id)
	require.NoError(t, err)
	seg, err := core.DecodeSegment(data)
	require.NoError(t, err)
	return seg
}

func TestBuilder_Build(t *testing.T) {
	store := memory.NewStore()
	idx, err := index.NewIndex("")
	require.NoError(t, err)

	// root
	//  ├── a.txt
	//  └── sub
	//       └── b.txt
	idx.Add("a.txt", mockHash("content-a"), 100, time.Now())
	idx.Add("sub/b.txt", mockHash("content-b"), 200, time.Now())

	b := NewBuilder(store)
	rootHash, err := b.Build(context.Background(), idx)
	require.NoError(t, err)

	root := mustSegment(t, store, rootHash)
	require.Len(t, root.Children, 2)
	assert.Equal(t, "a.txt", root.Children[0].Name)
	assert.Equal(t, "sub", root.Children[1].Name)

	a := mustSegment(t, store, root.Children[0].Cid.Hash)
	prop, ok := a.Property(DataProperty)
	require.True(t, ok)
	require.True(t, prop.IsBinary())
	assert.Equal(t, mockHash("content-a"), prop.Blob.Cid.Hash)
	assert.Equal(t, int64(100), prop.Blob.Size)

	subID, ok := root.Child("sub")
	require.True(t, ok)
	sub := mustSegment(t, store, subID)
	_, ok = sub.Child("b.txt")
	assert.True(t, ok)

	// 相同输入得到相同的根
	again, err := b.Build(context.Background(), idx)
	require.NoError(t, err)
	assert.Equal(t, rootHash, again)
}

func TestBuilder_SetProperty(t *testing.T) {
	store := memory.NewStore()
	b := NewBuilder(store)
	ctx := context.Background()

	// 1. 从空树开始创建 /a/b
	root1, err := b.SetProperty(ctx, "", "/a/b", core.Property{Name: "title", Value: []byte("v1")})
	require.NoError(t, err)

	// 2. 给兄弟节点加属性，/a/b 的 Segment 被共享
	root2, err := b.SetProperty(ctx, root1, "/a/c", core.Property{Name: "title", Value: []byte("c")})
	require.NoError(t, err)
	assert.NotEqual(t, root1, root2)

	a1, _ := mustSegment(t, store, root1).Child("a")
	a2, _ := mustSegment(t, store, root2).Child("a")
	b1, _ := mustSegment(t, store, a1).Child("b")
	b2, _ := mustSegment(t, store, a2).Child("b")
	assert.Equal(t, b1, b2)

	// 3. 替换同名属性
	root3, err := b.SetProperty(ctx, root2, "a/b", core.Property{Name: "title", Value: []byte("v2")})
	require.NoError(t, err)
	a3, _ := mustSegment(t, store, root3).Child("a")
	b3, _ := mustSegment(t, store, a3).Child("b")
	seg := mustSegment(t, store, b3)
	require.Len(t, seg.Props, 1)
	assert.Equal(t, []byte("v2"), seg.Props[0].Value)

	// 4. 根节点属性
	root4, err := b.SetProperty(ctx, root3, "/", core.Property{Name: "rev", Value: []byte("4")})
	require.NoError(t, err)
	_, ok := mustSegment(t, store, root4).Property("rev")
	assert.True(t, ok)
}

func TestBuilder_Remove(t *testing.T) {
	store := memory.NewStore()
	b := NewBuilder(store)
	ctx := context.Background()

	root, err := b.SetProperty(ctx, "", "/x/y", core.Property{Name: "k", Value: []byte("v")})
	require.NoError(t, err)
	root, err = b.SetProperty(ctx, root, "/x/z", core.Property{Name: "k", Value: []byte("v")})
	require.NoError(t, err)

	root, err = b.Remove(ctx, root, "/x/y")
	require.NoError(t, err)
	x, _ := mustSegment(t, store, root).Child("x")
	seg := mustSegment(t, store, x)
	require.Len(t, seg.Children, 1)
	assert.Equal(t, "z", seg.Children[0].Name)

	_, err = b.Remove(ctx, root, "/x/missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = b.Remove(ctx, root, "/")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path    string
		want    []string
		wantErr bool
	}{
		{"", nil, false},
		{"/", nil, false},
		{"/a/b", []string{"a", "b"}, false},
		{"a/b/", []string{"a", "b"}, false},
		{"a//b", nil, true},
		{"/a/../b", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := SplitPath(tt.path)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPath)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
