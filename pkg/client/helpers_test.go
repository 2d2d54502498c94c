package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"standby/pkg/core"
	"standby/pkg/refs"
	"standby/pkg/repo"
	"standby/pkg/server"
	"standby/pkg/storage/memory"
	"standby/pkg/types"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	primary   *repo.Repository
	secondary *repo.Repository
	srv       *server.Server
}

func setup(t *testing.T, opts ...server.Opt) *fixture {
	t.Helper()
	f := &fixture{
		primary:   repo.New(memory.NewStore(), refs.NewMemoryHead()),
		secondary: repo.New(memory.NewStore(), refs.NewMemoryHead()),
	}
	opts = append([]server.Opt{server.WithLogger(zaptest.NewLogger(t))}, opts...)
	f.srv = server.New(f.primary, opts...)
	require.NoError(t, f.srv.Start(context.Background(), "127.0.0.1:0"))
	t.Cleanup(func() { f.srv.Close() })
	return f
}

func (f *fixture) client(t *testing.T, target Target, opts ...Opt) *Client {
	t.Helper()
	opts = append([]Opt{
		WithLogger(zaptest.NewLogger(t)),
		WithReadTimeout(2 * time.Second),
		WithSpoolDir(t.TempDir()),
	}, opts...)
	c := New(f.srv.Addr().String(), target, opts...)
	t.Cleanup(func() { c.Close() })
	return c
}

// payload 生成可复现的内容
func payload(salt string, n int) []byte {
	seed := []byte(salt)
	b := make([]byte, n)
	for i := range b {
		b[i] = seed[i%len(seed)] ^ byte(i/len(seed))
	}
	return b
}

// buildTree 在 r 中写入一棵 depth 层、每层 fanout 个子节点的树，每个节点带一个 blob 属性。
// 按后序写入，返回根 ID。
func buildTree(t *testing.T, r *repo.Repository, depth, fanout, blobSize int, salt string) types.Hash {
	t.Helper()
	ctx := context.Background()

	var build func(level int, path string) types.Hash
	build = func(level int, path string) types.Hash {
		data := payload(salt+path, blobSize)
		blobID := core.CalculateBlobHash(data)
		require.NoError(t, r.WriteBlob(ctx, blobID, bytes.NewReader(data)))

		props := []core.Property{
			{Name: "path", Value: []byte(path)},
			{Name: "data", Blob: &core.BlobLink{Cid: core.NewLink(blobID), Size: int64(len(data))}},
		}
		var children []core.ChildLink
		if level < depth {
			for i := 0; i < fanout; i++ {
				name := fmt.Sprintf("n%d", i)
				children = append(children, core.ChildLink{Name: name, Cid: core.NewLink(build(level+1, path+"/"+name))})
			}
		}
		seg, err := core.NewSegment(props, children)
		require.NoError(t, err)
		require.NoError(t, r.WriteSegment(ctx, seg.ID(), seg.Bytes()))
		return seg.ID()
	}
	return build(0, "")
}

func setHead(t *testing.T, r *repo.Repository, id types.Hash) {
	t.Helper()
	ctx := context.Background()
	old, err := r.Head(ctx)
	require.NoError(t, err)
	require.NoError(t, r.SetHead(ctx, old, id))
}

// closure 返回从 root 可达的所有 ID
func closure(t *testing.T, r *repo.Repository, root types.Hash) map[types.Hash]struct{} {
	t.Helper()
	ctx := context.Background()
	out := map[types.Hash]struct{}{}
	var walk func(id types.Hash)
	walk = func(id types.Hash) {
		if _, ok := out[id]; ok {
			return
		}
		out[id] = struct{}{}
		data, err := r.ReadSegment(ctx, id)
		require.NoError(t, err, "segment %s missing", id.Short())
		seg, err := core.DecodeSegment(data)
		require.NoError(t, err)
		children, blobs := seg.References()
		for _, b := range blobs {
			ok, err := r.Has(ctx, b.Cid.Hash)
			require.NoError(t, err)
			require.True(t, ok, "blob %s missing", b.Cid.Hash.Short())
			out[b.Cid.Hash] = struct{}{}
		}
		for _, c := range children {
			walk(c)
		}
	}
	walk(root)
	return out
}

// requireConverged 断言两边 HEAD 相同且闭包逐字节一致
func requireConverged(t *testing.T, primary, secondary *repo.Repository) {
	t.Helper()
	ctx := context.Background()
	ph, err := primary.Head(ctx)
	require.NoError(t, err)
	sh, err := secondary.Head(ctx)
	require.NoError(t, err)
	require.Equal(t, ph, sh)

	for id := range closure(t, primary, ph) {
		want := readAny(t, primary, id)
		got := readAny(t, secondary, id)
		require.True(t, bytes.Equal(want, got), "content of %s differs", id.Short())
	}
}

func readAny(t *testing.T, r *repo.Repository, id types.Hash) []byte {
	t.Helper()
	ctx := context.Background()
	if data, err := r.ReadSegment(ctx, id); err == nil {
		return data
	}
	data, err := r.ReadBlobBytes(ctx, id)
	require.NoError(t, err)
	return data
}

// requireClosedStore 断言存储里每个 Segment 的依赖都在 (后序写入的不变式)
func requireClosedStore(t *testing.T, r *repo.Repository) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.Walk(ctx, func(id types.Hash, kind core.ObjectType, _ int64) error {
		if kind != core.TypeSegment {
			return nil
		}
		data, err := r.ReadSegment(ctx, id)
		require.NoError(t, err)
		seg, err := core.DecodeSegment(data)
		require.NoError(t, err)
		children, blobs := seg.References()
		for _, c := range children {
			ok, err := r.Has(ctx, c)
			require.NoError(t, err)
			require.True(t, ok, "segment %s present without child %s", id.Short(), c.Short())
		}
		for _, b := range blobs {
			ok, err := r.Has(ctx, b.Cid.Hash)
			require.NoError(t, err)
			require.True(t, ok, "segment %s present without blob %s", id.Short(), b.Cid.Hash.Short())
		}
		return nil
	}))
}

// failingTarget 在第 N 次写入后失败，模拟副本进程中途崩溃
type failingTarget struct {
	*repo.Repository
	remaining atomic.Int64
}

var errCrash = fmt.Errorf("simulated crash")

func (f *failingTarget) allow() error {
	if f.remaining.Add(-1) < 0 {
		return errCrash
	}
	return nil
}

func (f *failingTarget) WriteSegment(ctx context.Context, id types.Hash, data []byte) error {
	if err := f.allow(); err != nil {
		return err
	}
	return f.Repository.WriteSegment(ctx, id, data)
}

func (f *failingTarget) WriteBlob(ctx context.Context, id types.Hash, r io.Reader) error {
	if err := f.allow(); err != nil {
		return err
	}
	return f.Repository.WriteBlob(ctx, id, r)
}
