// Package client 是副本端的同步代理：从主节点拉取 HEAD 闭包并原子地推进本地 HEAD。
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"standby/pkg/faults"
	"standby/pkg/protocol"
	"standby/pkg/transfer"
	"standby/pkg/types"

	"go.uber.org/zap"
)

// Target 是副本的本地存储 (通常是 *repo.Repository)
type Target interface {
	Has(ctx context.Context, id types.Hash) (bool, error)
	WriteSegment(ctx context.Context, id types.Hash, data []byte) error
	WriteBlob(ctx context.Context, id types.Hash, r io.Reader) error
	Head(ctx context.Context) (types.Hash, error)
	SetHead(ctx context.Context, old, next types.Hash) error
}

// CommitHook 在 HEAD 推进之后调用，错误只记录日志，不影响本轮结果
type CommitHook func(ctx context.Context, res PassResult) error

type Opt func(c *Client)

func WithLogger(logger *zap.Logger) Opt {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithConnectTimeout(d time.Duration) Opt {
	return func(c *Client) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithReadTimeout 设置等待单个回复的超时，超时视为传输故障
func WithReadTimeout(d time.Duration) Opt {
	return func(c *Client) {
		if d > 0 {
			c.readTimeout = d
		}
	}
}

func WithMaxFrameSize(n int) Opt {
	return func(c *Client) {
		if n > 0 {
			c.maxFrameSize = n
		}
	}
}

// WithSpoolDir 设置 Blob 分片的临时目录，应与存储在同一文件系统
func WithSpoolDir(dir string) Opt {
	return func(c *Client) {
		c.spoolDir = dir
	}
}

// WithCommitHook 注册 HEAD 推进后的回调 (GC、历史记录等)
func WithCommitHook(hook CommitHook) Opt {
	return func(c *Client) {
		c.hooks = append(c.hooks, hook)
	}
}

// Client 持有一个到主节点的会话，可以连续执行多轮同步
type Client struct {
	addr   string
	target Target
	logger *zap.Logger

	connectTimeout time.Duration
	readTimeout    time.Duration
	maxFrameSize   int
	spoolDir       string
	hooks          []CommitHook
	metrics        *tracker

	mu   sync.Mutex
	sess *session
}

func New(addr string, target Target, opts ...Opt) *Client {
	c := &Client{
		addr:           addr,
		target:         target,
		logger:         zap.NewNop(),
		connectTimeout: 10 * time.Second,
		readTimeout:    30 * time.Second,
		maxFrameSize:   protocol.DefaultMaxFrameSize,
		metrics:        newTracker(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// session 拥有一条连接和它的解码缓冲区
type session struct {
	conn    *protocol.Conn
	fetcher *transfer.Fetcher
}

func (c *Client) session(ctx context.Context) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return c.sess, nil
	}

	d := net.Dialer{Timeout: c.connectTimeout}
	raw, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, faults.Transport(fmt.Errorf("dial %s: %w", c.addr, err))
	}
	conn := protocol.NewConn(raw,
		protocol.WithReadTimeout(c.readTimeout),
		protocol.WithWriteTimeout(c.readTimeout),
		protocol.WithMaxFrameSize(c.maxFrameSize),
	)
	c.sess = &session{conn: conn, fetcher: transfer.NewFetcher(conn, c.spoolDir)}
	c.logger.Debug("connected to primary", zap.String("addr", c.addr))
	return c.sess, nil
}

// Reset 丢弃当前会话，下一次请求会重新建立连接
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		c.sess.conn.Close()
		c.sess = nil
	}
}

func (c *Client) Close() error {
	c.Reset()
	return nil
}

// PrimaryHead 只询问主节点的 HEAD
func (c *Client) PrimaryHead(ctx context.Context) (types.Hash, error) {
	sess, err := c.session(ctx)
	if err != nil {
		return "", err
	}
	head, err := sess.fetcher.Head(ctx)
	if err != nil {
		c.dropOnError(err)
	}
	return head, err
}

// dropOnError 除了 NotFound 之外的错误都可能让流错位，直接丢弃会话
func (c *Client) dropOnError(err error) {
	if !errors.Is(err, faults.ErrNotFound) {
		c.Reset()
	}
}
