package resync

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"
	"time"

	"standby/pkg/client"
	"standby/pkg/core"
	"standby/pkg/exporter"
	"standby/pkg/faults"
	"standby/pkg/gc"
	"standby/pkg/ingester"
	"standby/pkg/netproxy"
	"standby/pkg/refs"
	"standby/pkg/repo"
	"standby/pkg/server"
	"standby/pkg/storage/disk"
	"standby/pkg/treebuilder"
	"standby/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	chunkSize = 64 * 1024
	mb        = 1024 * 1024
)

type cluster struct {
	primaryStore   *disk.Adapter
	secondaryStore *disk.Adapter
	primary        *repo.Repository
	secondary      *repo.Repository
	srv            *server.Server
	proxy          *netproxy.Proxy
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	c := &cluster{}

	var err error
	c.primaryStore, err = disk.NewAdapter(t.TempDir())
	require.NoError(t, err)
	c.primary = repo.New(c.primaryStore, refs.NewMemoryHead())

	c.secondaryStore, err = disk.NewAdapter(t.TempDir())
	require.NoError(t, err)
	head, err := refs.NewFileHead(t.TempDir())
	require.NoError(t, err)
	c.secondary = repo.New(c.secondaryStore, head)

	c.srv = server.New(c.primary,
		server.WithLogger(zaptest.NewLogger(t)),
		server.WithChunkSize(chunkSize),
	)
	require.NoError(t, c.srv.Start(context.Background(), "127.0.0.1:0"))
	t.Cleanup(func() { c.srv.Close() })

	c.proxy = netproxy.New(c.srv.Addr().String(), zaptest.NewLogger(t))
	require.NoError(t, c.proxy.Start("127.0.0.1:0"))
	t.Cleanup(func() { c.proxy.Close() })
	return c
}

func (c *cluster) client(t *testing.T, target client.Target, opts ...client.Opt) *client.Client {
	t.Helper()
	opts = append([]client.Opt{
		client.WithLogger(zaptest.NewLogger(t)),
		client.WithReadTimeout(500 * time.Millisecond),
		client.WithSpoolDir(c.secondaryStore.TempDir()),
	}, opts...)
	cl := client.New(c.proxy.Addr().String(), target, opts...)
	t.Cleanup(func() { cl.Close() })
	return cl
}

func controller(t *testing.T, cl Client, attempts int) *Controller {
	return New(cl,
		WithAttempts(attempts),
		WithBackoff(10*time.Millisecond, 2, 100*time.Millisecond),
		WithLogger(zaptest.NewLogger(t)),
	)
}

func pattern(salt byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31) ^ salt ^ byte(i>>16)
	}
	return b
}

// setBlob 在主节点的 path 上写入 blob 属性并推进 HEAD
func (c *cluster) setBlob(t *testing.T, path string, data []byte) types.Hash {
	t.Helper()
	ctx := context.Background()

	link, err := ingester.NewIngester(c.primaryStore, c.primaryStore.TempDir(), nil).IngestBlob(ctx, bytes.NewReader(data))
	require.NoError(t, err)

	old, err := c.primary.Head(ctx)
	require.NoError(t, err)
	next, err := treebuilder.NewBuilder(c.primaryStore).SetProperty(ctx, old, path, core.Property{Name: "blob", Blob: &link})
	require.NoError(t, err)
	require.NoError(t, c.primary.SetHead(ctx, old, next))
	return link.Cid.Hash
}

func (c *cluster) heads(t *testing.T) (primary, secondary types.Hash) {
	t.Helper()
	ctx := context.Background()
	primary, err := c.primary.Head(ctx)
	require.NoError(t, err)
	secondary, err = c.secondary.Head(ctx)
	require.NoError(t, err)
	return primary, secondary
}

// requireConverged 断言 HEAD 一致、blob 属性可读且等于 want，并且没有残留的临时数据
func (c *cluster) requireConverged(t *testing.T, path string, want []byte) {
	t.Helper()
	ctx := context.Background()

	p, s := c.heads(t)
	require.Equal(t, p, s, "secondary head should match primary")

	var buf bytes.Buffer
	require.NoError(t, exporter.NewExporter(c.secondaryStore).ExportProperty(ctx, s, path, "blob", &buf))
	require.True(t, bytes.Equal(want, buf.Bytes()), "blob property mismatch")

	spool, err := os.ReadDir(c.secondaryStore.TempDir())
	require.NoError(t, err)
	assert.Empty(t, spool, "no partial data may be left behind")

	pSize, err := c.primaryStore.ApproximateSize(ctx)
	require.NoError(t, err)
	sSize, err := c.secondaryStore.ApproximateSize(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, sSize, pSize, "secondary holds more than the primary")
}

func TestResync_NetworkFaults(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping network fault tests in short mode")
	}

	tests := []struct {
		name               string
		skipPos            int64
		skipBytes          int64
		flipPos            int64
		intermediateChange bool
	}{
		{"skip one byte", 100, 1, -1, false},
		{"skip one byte with change", 100, 1, -1, true},
		{"flip first byte", 0, 0, 0, false},
		{"flip in segment", 0, 0, 150, false},
		{"flip in blob chunk", 0, 0, 150000, false},
		{"flip in segment with change", 0, 0, 150, true},
		{"flip in blob chunk with change", 0, 0, 150000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			c := newCluster(t)

			// 1. 主节点写入 5MB blob
			data := pattern(1, 5*mb)
			first := c.setBlob(t, "/server", data)

			// 2. 注入故障，只允许一次尝试：同步失败且副本 HEAD 不变
			c.proxy.SkipBytes(tt.skipPos, tt.skipBytes)
			c.proxy.FlipByteAt(tt.flipPos)

			ctl := controller(t, c.client(t, c.secondary), 1)
			_, err := ctl.Sync(ctx)
			require.ErrorIs(t, err, faults.ErrRetryExhausted)

			_, s := c.heads(t)
			assert.True(t, s.IsZero(), "faulted pass must not advance head")

			// 3. 可选：主节点在两次同步之间更新了属性
			if tt.intermediateChange {
				data = pattern(2, 2*mb)
				c.setBlob(t, "/server", data)
			}

			// 4. 去掉故障，下一轮收敛
			c.proxy.Reset()
			res, err := ctl.Sync(ctx)
			require.NoError(t, err)
			assert.True(t, res.Advanced)
			c.requireConverged(t, "/server", data)

			if tt.intermediateChange {
				ok, err := c.secondaryStore.Has(ctx, first)
				require.NoError(t, err)
				assert.False(t, ok, "overwritten blob should never reach the secondary")
			}
		})
	}
}

func TestResync_RecoversWithinRetries(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	data := pattern(3, 2*mb)
	c.setBlob(t, "/node", data)

	// 故障只作用于第一条连接，重试会换一条新连接
	c.proxy.Once(true)
	c.proxy.FlipByteAt(150000)

	res, err := controller(t, c.client(t, c.secondary), 3).Sync(ctx)
	require.NoError(t, err)
	assert.True(t, res.Advanced)
	c.requireConverged(t, "/node", data)
}

func TestResync_IdempotentAndIncremental(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	ctl := controller(t, c.client(t, c.secondary), 3)

	data := pattern(4, 300*1024)
	c.setBlob(t, "/a", data)
	_, err := ctl.Sync(ctx)
	require.NoError(t, err)
	c.requireConverged(t, "/a", data)

	before, err := c.secondaryStore.ApproximateSize(ctx)
	require.NoError(t, err)

	// 1. 没有变化：零拉取，大小不变
	res, err := ctl.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, res.UpToDate())
	assert.Zero(t, res.Segments+res.Blobs)
	after, err := c.secondaryStore.ApproximateSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// 2. 更新属性：只拉取新 blob 和被改写的路径
	updated := pattern(5, 100*1024)
	c.setBlob(t, "/a", updated)
	res, err = ctl.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Blobs)
	assert.Equal(t, 2, res.Segments)
	c.requireConverged(t, "/a", updated)
}

func TestResync_AutoCleanReleasesOverwrittenBlob(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)

	collector := gc.New(c.secondaryStore, gc.WithLogger(zaptest.NewLogger(t)))
	hook := func(ctx context.Context, res client.PassResult) error {
		_, err := collector.Collect(ctx, res.Head)
		return err
	}
	ctl := controller(t, c.client(t, c.secondary, client.WithCommitHook(hook)), 3)

	old := c.setBlob(t, "/n", pattern(6, mb))
	_, err := ctl.Sync(ctx)
	require.NoError(t, err)

	data := pattern(7, 1024)
	c.setBlob(t, "/n", data)
	_, err = ctl.Sync(ctx)
	require.NoError(t, err)
	c.requireConverged(t, "/n", data)

	ok, err := c.secondaryStore.Has(ctx, old)
	require.NoError(t, err)
	assert.False(t, ok, "unreferenced blob should be collected")

	size, err := c.secondaryStore.ApproximateSize(ctx)
	require.NoError(t, err)
	assert.Less(t, size, int64(64*1024))
}

// racingTarget 在第一次写入 Blob 后替换主节点的整棵树并回收旧对象，
// 模拟同步过程中主节点 HEAD 前进、旧闭包被 GC 的情况。
type racingTarget struct {
	*repo.Repository
	onFirstBlob func()
	fired       bool
}

func (r *racingTarget) WriteBlob(ctx context.Context, id types.Hash, rd io.Reader) error {
	if err := r.Repository.WriteBlob(ctx, id, rd); err != nil {
		return err
	}
	if !r.fired {
		r.fired = true
		r.onFirstBlob()
	}
	return nil
}

func TestResync_PrimaryHeadMovesMidPass(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)

	c.setBlob(t, "/a", pattern(8, 200*1024))
	c.setBlob(t, "/b", pattern(9, 200*1024))

	replacement := pattern(10, 1000)
	target := &racingTarget{Repository: c.secondary}
	target.onFirstBlob = func() {
		link, err := ingester.NewIngester(c.primaryStore, "", nil).IngestBlob(ctx, bytes.NewReader(replacement))
		require.NoError(t, err)
		next, err := treebuilder.NewBuilder(c.primaryStore).SetProperty(ctx, "", "/c", core.Property{Name: "blob", Blob: &link})
		require.NoError(t, err)
		old, err := c.primary.Head(ctx)
		require.NoError(t, err)
		require.NoError(t, c.primary.SetHead(ctx, old, next))
		_, err = gc.New(c.primaryStore).Collect(ctx, next)
		require.NoError(t, err)
	}

	// 副本也开启自动回收，这样和主节点的大小可比
	collector := gc.New(c.secondaryStore)
	hook := func(ctx context.Context, res client.PassResult) error {
		_, err := collector.Collect(ctx, res.Head)
		return err
	}

	res, err := controller(t, c.client(t, target, client.WithCommitHook(hook)), 3).Sync(ctx)
	require.NoError(t, err)
	assert.True(t, res.Advanced)
	assert.True(t, target.fired)
	c.requireConverged(t, "/c", replacement)
}
