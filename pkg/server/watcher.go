package server

import (
	"context"
	"sync"
	"time"

	"standby/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// HeadSource 返回当前 HEAD
type HeadSource interface {
	Head(ctx context.Context) (types.Hash, error)
}

// HeadWatcher 周期性读取 HEAD，变化时通知订阅者。
// 订阅者的通道容量为 1，只保留最新值，慢订阅者不会阻塞轮询。
type HeadWatcher struct {
	src      HeadSource
	interval time.Duration
	logger   *zap.Logger
	changes  prometheus.Counter

	mu      sync.Mutex
	current types.Hash
	subs    map[chan types.Hash]struct{}
}

func NewHeadWatcher(src HeadSource, interval time.Duration, logger *zap.Logger, changes prometheus.Counter) *HeadWatcher {
	return &HeadWatcher{
		src:      src,
		interval: interval,
		logger:   logger,
		changes:  changes,
		subs:     make(map[chan types.Hash]struct{}),
	}
}

// Run 轮询直到 ctx 结束
func (w *HeadWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		w.poll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *HeadWatcher) poll(ctx context.Context) {
	head, err := w.src.Head(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("failed to read head", zap.Error(err))
		}
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if head == w.current {
		return
	}
	w.logger.Info("head changed",
		zap.String("from", w.current.Short()),
		zap.String("to", head.Short()),
	)
	w.current = head
	if w.changes != nil {
		w.changes.Inc()
	}
	for ch := range w.subs {
		// 丢掉还没被读走的旧值
		select {
		case <-ch:
		default:
		}
		ch <- head
	}
}

// Current 返回最近一次观察到的 HEAD
func (w *HeadWatcher) Current() types.Hash {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Subscribe 返回一个接收 HEAD 变化的通道和取消函数。
// 通道只保留最新的一个值。同进程里的副本可以把它转成 client.WithTrigger。
func (w *HeadWatcher) Subscribe() (<-chan types.Hash, func()) {
	ch := make(chan types.Hash, 1)
	w.mu.Lock()
	w.subs[ch] = struct{}{}
	w.mu.Unlock()
	return ch, func() {
		w.mu.Lock()
		delete(w.subs, ch)
		w.mu.Unlock()
	}
}
