package client

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Syncer 执行一轮 (可能带重试的) 同步
type Syncer interface {
	Sync(ctx context.Context) (PassResult, error)
}

// HealthReporter 接收每轮同步后的健康状态 (例如 server.AdminServer)
type HealthReporter interface {
	SetServing(ok bool)
}

// Daemon 按固定间隔反复同步，复用同一个 Client 的会话
type Daemon struct {
	syncer   Syncer
	interval time.Duration
	logger   *zap.Logger
	health   HealthReporter
	trigger  <-chan struct{}
}

type DaemonOpt func(d *Daemon)

func WithHealthReporter(h HealthReporter) DaemonOpt {
	return func(d *Daemon) {
		d.health = h
	}
}

// WithTrigger 让 ch 上的每个值提前触发一轮同步，不必等到下一个 interval。
// secondary run 把 SIGHUP 接到这里。
func WithTrigger(ch <-chan struct{}) DaemonOpt {
	return func(d *Daemon) {
		d.trigger = ch
	}
}

func WithDaemonLogger(logger *zap.Logger) DaemonOpt {
	return func(d *Daemon) {
		d.logger = logger
	}
}

func NewDaemon(syncer Syncer, interval time.Duration, opts ...DaemonOpt) *Daemon {
	d := &Daemon{
		syncer:   syncer,
		interval: interval,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run 立即同步一次，然后每个 interval 同步一次，直到 ctx 结束。
// 单轮失败只记录日志，守护进程继续运行。
func (d *Daemon) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		d.once(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-d.trigger:
		}
	}
}

func (d *Daemon) once(ctx context.Context) {
	res, err := d.syncer.Sync(ctx)
	if ctx.Err() != nil {
		return
	}
	if d.health != nil {
		d.health.SetServing(err == nil)
	}
	if err != nil {
		d.logger.Warn("sync failed", zap.Error(err))
		return
	}
	if res.Advanced {
		d.logger.Debug("sync finished", zap.String("head", res.Head.Short()))
	}
}
