// Package gc 回收从 HEAD 不可达的 Segment 和 Blob。
//
// 回收不能和写入并发：写入中的对象在 HEAD 推进之前是不可达的。
// 副本在同步循环里、HEAD 推进之后调用；主节点只在没有导入时通过命令行调用。
package gc

import (
	"context"
	"fmt"
	"time"

	"standby/pkg/core"
	"standby/pkg/storage"
	"standby/pkg/types"

	"go.uber.org/zap"
)

// Stats 描述一次回收
type Stats struct {
	LiveSegments int           `json:"live_segments"`
	LiveBlobs    int           `json:"live_blobs"`
	Swept        int           `json:"swept"`
	FreedBytes   int64         `json:"freed_bytes"`
	Duration     time.Duration `json:"duration"`
}

type garbage struct {
	id   types.Hash
	size int64
}

type Collector struct {
	store  storage.Store
	logger *zap.Logger
	dryRun bool
}

type Opt func(c *Collector)

func WithLogger(logger *zap.Logger) Opt {
	return func(c *Collector) {
		c.logger = logger
	}
}

// WithDryRun 只统计，不删除
func WithDryRun(dryRun bool) Opt {
	return func(c *Collector) {
		c.dryRun = dryRun
	}
}

func New(store storage.Store, opts ...Opt) *Collector {
	c := &Collector{store: store, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect 标记所有 roots 可达的对象，删除其余对象。
// 标记阶段缺少任何 Segment 都会中止，不会删除任何东西。
func (c *Collector) Collect(ctx context.Context, roots ...types.Hash) (Stats, error) {
	start := time.Now()
	var stats Stats

	live, err := c.mark(ctx, roots, &stats)
	if err != nil {
		return stats, err
	}

	var segments, blobs []garbage
	err = c.store.Walk(ctx, func(id types.Hash, kind core.ObjectType, size int64) error {
		if _, ok := live[id]; ok {
			return nil
		}
		if kind == core.TypeSegment {
			segments = append(segments, garbage{id, size})
		} else {
			blobs = append(blobs, garbage{id, size})
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("failed to walk store: %w", err)
	}

	// 父节点先于子节点删除，Blob 最后删除。
	// 这样中途被打断时，剩下的任何 Segment 的闭包仍然完整。
	order, err := c.topDown(ctx, segments)
	if err != nil {
		return stats, err
	}
	for _, g := range append(order, blobs...) {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if !c.dryRun {
			if err := c.store.Delete(ctx, g.id); err != nil {
				return stats, fmt.Errorf("failed to delete %s: %w", g.id.Short(), err)
			}
		}
		stats.Swept++
		stats.FreedBytes += g.size
	}

	stats.Duration = time.Since(start)
	c.logger.Info("garbage collection finished",
		zap.Int("live_segments", stats.LiveSegments),
		zap.Int("live_blobs", stats.LiveBlobs),
		zap.Int("swept", stats.Swept),
		zap.Int64("freed_bytes", stats.FreedBytes),
		zap.Bool("dry_run", c.dryRun),
		zap.Duration("took", stats.Duration),
	)
	return stats, nil
}

// mark 从 roots 出发做广度优先遍历，返回可达集合
func (c *Collector) mark(ctx context.Context, roots []types.Hash, stats *Stats) (map[types.Hash]struct{}, error) {
	live := make(map[types.Hash]struct{})
	queue := make([]types.Hash, 0, len(roots))
	for _, r := range roots {
		if !r.IsZero() {
			queue = append(queue, r)
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := queue[0]
		queue = queue[1:]
		if _, ok := live[id]; ok {
			continue
		}

		data, err := c.store.ReadSegment(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("mark: failed to read segment %s: %w", id.Short(), err)
		}
		seg, err := core.DecodeSegment(data)
		if err != nil {
			return nil, fmt.Errorf("mark: segment %s: %w", id.Short(), err)
		}
		live[id] = struct{}{}
		stats.LiveSegments++

		children, blobs := seg.References()
		for _, b := range blobs {
			if _, ok := live[b.Cid.Hash]; !ok {
				live[b.Cid.Hash] = struct{}{}
				stats.LiveBlobs++
			}
		}
		queue = append(queue, children...)
	}
	return live, nil
}

// topDown 把不可达的 Segment 排成父节点在前的顺序。
// 无法解码的 Segment 不知道引用了谁，排在最前面。
func (c *Collector) topDown(ctx context.Context, segments []garbage) ([]garbage, error) {
	var order []garbage
	refs := make(map[types.Hash][]types.Hash, len(segments))
	for _, g := range segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := c.store.ReadSegment(ctx, g.id)
		if err == nil {
			var seg *core.Segment
			if seg, err = core.DecodeSegment(data); err == nil {
				refs[g.id], _ = seg.References()
				continue
			}
		}
		c.logger.Warn("unreadable garbage segment", zap.String("id", g.id.Short()), zap.Error(err))
		order = append(order, g)
	}

	// Kahn 拓扑排序：没有不可达父节点的 Segment 先删
	parents := make(map[types.Hash]int, len(refs))
	for _, children := range refs {
		for _, child := range children {
			if _, ok := refs[child]; ok {
				parents[child]++
			}
		}
	}
	var queue []garbage
	for _, g := range segments {
		if _, ok := refs[g.id]; ok && parents[g.id] == 0 {
			queue = append(queue, g)
		}
	}
	byID := make(map[types.Hash]garbage, len(segments))
	for _, g := range segments {
		byID[g.id] = g
	}
	for len(queue) > 0 {
		g := queue[0]
		queue = queue[1:]
		order = append(order, g)
		for _, child := range refs[g.id] {
			if _, ok := refs[child]; !ok {
				continue
			}
			parents[child]--
			if parents[child] == 0 {
				queue = append(queue, byID[child])
			}
		}
	}
	return order, nil
}
