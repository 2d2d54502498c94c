package client

import (
	"context"
	"errors"
	"time"

	"standby/pkg/core"
	"standby/pkg/faults"
	"standby/pkg/storage"
	"standby/pkg/transfer"
	"standby/pkg/types"

	"go.uber.org/zap"
)

// PassResult 描述一轮同步
type PassResult struct {
	Head     types.Hash    `json:"head"`     // 本轮开始时主节点的 HEAD
	Previous types.Hash    `json:"previous"` // 本轮开始时本地的 HEAD
	Segments int           `json:"segments"`
	Blobs    int           `json:"blobs"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration"`
	Advanced bool          `json:"advanced"`
}

// UpToDate 报告本轮开始时副本是否已经和主节点一致
func (r PassResult) UpToDate() bool {
	return !r.Advanced && r.Head == r.Previous
}

// Sync 执行一轮同步：
//  1. 询问主节点 HEAD
//  2. 为空或与本地相同则直接返回
//  3. 从 HEAD 出发深度优先拉取本地缺失的对象
//  4. 闭包完整后 CAS 推进本地 HEAD
func (c *Client) Sync(ctx context.Context) (res PassResult, err error) {
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		c.metrics.observe(res, err)
	}()

	sess, err := c.session(ctx)
	if err != nil {
		return res, err
	}
	defer func() {
		if err != nil {
			c.dropOnError(err)
		}
	}()

	res.Head, err = sess.fetcher.Head(ctx)
	if err != nil {
		return res, err
	}
	res.Previous, err = c.target.Head(ctx)
	if err != nil {
		return res, err
	}
	if res.Head.IsZero() || res.Head == res.Previous {
		return res, nil
	}

	logger := c.logger.With(zap.String("head", res.Head.Short()))
	logger.Debug("sync pass started", zap.String("local", res.Previous.Short()))

	p := &pass{
		fetcher: sess.fetcher,
		target:  c.target,
		res:     &res,
		fetched: make(map[types.Hash]struct{}),
	}
	if err := p.run(ctx, res.Head); err != nil {
		return res, err
	}

	// 闭包已完整，这是唯一修改 HEAD 的地方
	if err := c.target.SetHead(ctx, res.Previous, res.Head); err != nil {
		return res, err
	}
	res.Advanced = true

	logger.Info("head advanced",
		zap.String("from", res.Previous.Short()),
		zap.Int("segments", res.Segments),
		zap.Int("blobs", res.Blobs),
		zap.Int64("bytes", res.Bytes),
		zap.Duration("took", time.Since(start)),
	)
	for _, hook := range c.hooks {
		if err := hook(ctx, res); err != nil {
			logger.Warn("commit hook failed", zap.Error(err))
		}
	}
	return res, nil
}

// pass 是一轮同步的遍历状态
type pass struct {
	fetcher *transfer.Fetcher
	target  Target
	res     *PassResult
	fetched map[types.Hash]struct{} // 本轮已写入的 ID
}

// frame 是遍历栈上的一个 Segment：子节点全部就位之后它自己才写入
type frame struct {
	seg      *core.Segment
	children []types.Hash
	blobs    []core.BlobLink
	next     int
}

// run 后序遍历：Blob 和子 Segment 先于父 Segment 落盘，
// 所以任何已存在的 Segment 都意味着它的闭包已经完整。
func (p *pass) run(ctx context.Context, root types.Hash) error {
	var stack []*frame

	push := func(id types.Hash) error {
		seg, err := p.fetchSegment(ctx, id)
		if err != nil || seg == nil {
			return err
		}
		children, blobs := seg.References()
		stack = append(stack, &frame{seg: seg, children: children, blobs: blobs})
		return nil
	}

	if err := push(root); err != nil {
		return err
	}

	for len(stack) > 0 {
		top := stack[len(stack)-1]

		// 1. Blob 没有依赖，直接拉取
		for _, b := range top.blobs {
			if err := p.fetchBlob(ctx, b); err != nil {
				return err
			}
		}
		top.blobs = nil

		// 2. 下一个子节点
		if top.next < len(top.children) {
			child := top.children[top.next]
			top.next++
			if err := push(child); err != nil {
				return err
			}
			continue
		}

		// 3. 所有依赖就位，写入自己
		if err := p.writeSegment(ctx, top.seg); err != nil {
			return err
		}
		stack = stack[:len(stack)-1]
	}
	return nil
}

// present 报告 id 是否已经在本地 (之前的轮次或本轮)
func (p *pass) present(ctx context.Context, id types.Hash) (bool, error) {
	if _, ok := p.fetched[id]; ok {
		return true, nil
	}
	return p.target.Has(ctx, id)
}

// fetchSegment 拉取并校验一个 Segment，本地已有时返回 nil
func (p *pass) fetchSegment(ctx context.Context, id types.Hash) (*core.Segment, error) {
	ok, err := p.present(ctx, id)
	if err != nil || ok {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.fetcher.FetchSegment(ctx, id)
}

func (p *pass) writeSegment(ctx context.Context, seg *core.Segment) error {
	if err := p.target.WriteSegment(ctx, seg.ID(), seg.Bytes()); err != nil {
		return storeErr(seg.ID(), err)
	}
	p.fetched[seg.ID()] = struct{}{}
	p.res.Segments++
	p.res.Bytes += int64(len(seg.Bytes()))
	return nil
}

func (p *pass) fetchBlob(ctx context.Context, b core.BlobLink) error {
	id := b.Cid.Hash
	ok, err := p.present(ctx, id)
	if err != nil || ok {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := p.fetcher.FetchBlob(ctx, id, b.Size, p.target)
	if err != nil {
		return storeErr(id, err)
	}
	p.fetched[id] = struct{}{}
	p.res.Blobs++
	p.res.Bytes += n
	return nil
}

// storeErr 把存储层的 Hash 校验失败归类为完整性故障
func storeErr(id types.Hash, err error) error {
	if errors.Is(err, storage.ErrIntegrity) {
		return faults.Integrity(id, err)
	}
	return err
}
