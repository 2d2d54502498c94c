// Package resync 在单轮同步之上负责故障恢复：
// 可恢复的故障重置会话后重跑整轮，已经落盘的对象保留，所以重试是增量的。
package resync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"standby/pkg/client"
	"standby/pkg/faults"
	"standby/pkg/types"

	"go.uber.org/zap"
)

const (
	DefaultAttempts     = 5
	DefaultInterval     = 200 * time.Millisecond
	DefaultBackoffCoeff = 2
	DefaultMaxInterval  = 30 * time.Second
)

// Client 是 *client.Client 的最小接口
type Client interface {
	Sync(ctx context.Context) (client.PassResult, error)
	PrimaryHead(ctx context.Context) (types.Hash, error)
	Reset()
}

type Opt func(c *Controller)

// WithAttempts 设置一次 Sync 最多尝试的轮数，小于 1 按 1 处理
func WithAttempts(n int) Opt {
	return func(c *Controller) {
		c.attempts = n
	}
}

func WithBackoff(interval time.Duration, coeff float64, maxInterval time.Duration) Opt {
	return func(c *Controller) {
		c.interval = interval
		c.coeff = coeff
		c.maxInterval = maxInterval
	}
}

func WithLogger(logger *zap.Logger) Opt {
	return func(c *Controller) {
		c.logger = logger
	}
}

// Controller 实现 client.Syncer
type Controller struct {
	client      Client
	logger      *zap.Logger
	attempts    int
	interval    time.Duration
	coeff       float64
	maxInterval time.Duration
}

var _ client.Syncer = (*Controller)(nil)

func New(c Client, opts ...Opt) *Controller {
	ctl := &Controller{
		client:      c,
		logger:      zap.NewNop(),
		attempts:    DefaultAttempts,
		interval:    DefaultInterval,
		coeff:       DefaultBackoffCoeff,
		maxInterval: DefaultMaxInterval,
	}
	for _, opt := range opts {
		opt(ctl)
	}
	return ctl
}

// Sync 执行同步直到成功。
// Transport / Integrity 故障以及 HEAD 变化导致的 NotFound 会重试；
// 其余 NotFound 和 Protocol 故障直接返回；次数用尽返回 ErrRetryExhausted，本地 HEAD 不变。
func (c *Controller) Sync(ctx context.Context) (client.PassResult, error) {
	r := NewRetryer(c.attempts, c.interval, c.coeff, retryable, c.logger)
	r.maxInterval = c.maxInterval

	var res client.PassResult
	err := r.Run(ctx, func(ctx context.Context, attempt int) error {
		var err error
		res, err = c.attempt(ctx, attempt)
		if err == nil {
			attemptsTotal.WithLabelValues("ok").Inc()
			return nil
		}
		attemptsTotal.WithLabelValues("failed").Inc()
		return err
	})
	return res, err
}

func (c *Controller) attempt(ctx context.Context, attempt int) (client.PassResult, error) {
	res, err := c.client.Sync(ctx)
	switch {
	case err == nil:
		if attempt > 0 {
			c.logger.Info("sync recovered",
				zap.Int("attempt", attempt+1),
				zap.String("head", res.Head.Short()),
			)
		}
		return res, nil

	case ctx.Err() != nil:
		return res, err

	case faults.Retryable(err):
		c.reset(err)
		return res, err

	case errors.Is(err, faults.ErrNotFound):
		return res, c.classifyNotFound(ctx, res.Head, err)

	default:
		return res, err
	}
}

// classifyNotFound 判断 NotFound 是否由主节点 HEAD 在本轮期间移动引起 (旧 HEAD 已被回收)
func (c *Controller) classifyNotFound(ctx context.Context, started types.Hash, err error) error {
	now, herr := c.client.PrimaryHead(ctx)
	if herr != nil {
		if faults.Retryable(herr) {
			c.reset(herr)
		}
		return herr
	}
	if now != started {
		c.logger.Info("object vanished after primary head moved",
			zap.String("started", started.Short()),
			zap.String("now", now.Short()),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", errHeadMoved, err)
	}
	return err
}

func (c *Controller) reset(err error) {
	kind := "transport"
	if errors.Is(err, faults.ErrIntegrity) {
		kind = "integrity"
	}
	resets.WithLabelValues(kind).Inc()
	c.client.Reset()
}

func retryable(err error) bool {
	return faults.Retryable(err) || errors.Is(err, errHeadMoved)
}
