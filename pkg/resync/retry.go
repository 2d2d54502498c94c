package resync

import (
	"context"
	"errors"
	"math"
	"time"

	"standby/pkg/faults"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Retryer 反复执行一个操作，直到成功、遇到不可重试的错误、次数用尽或 ctx 结束
type Retryer struct {
	attempts     int
	interval     time.Duration
	backoffCoeff float64
	maxInterval  time.Duration
	retryIf      func(err error) bool
	logger       *zap.Logger
}

func NewRetryer(attempts int, interval time.Duration, backoffCoeff float64, retryIf func(error) bool, logger *zap.Logger) *Retryer {
	if attempts < 1 {
		attempts = 1
	}
	if backoffCoeff < 1 {
		backoffCoeff = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{
		attempts:     attempts,
		interval:     interval,
		backoffCoeff: backoffCoeff,
		retryIf:      retryIf,
		logger:       logger,
	}
}

// Run 执行 fn。次数用尽时返回 ErrRetryExhausted，原因里带着每一次尝试的错误。
func (r *Retryer) Run(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	var merr *multierror.Error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !r.retryIf(err) {
			return err
		}
		merr = multierror.Append(merr, err)

		if attempt == r.attempts-1 {
			break
		}
		wait := r.wait(attempt)
		r.logger.Warn("retryable sync error",
			zap.Int("attempt", attempt+1),
			zap.Int("attempts", r.attempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
	return &faults.Fault{Kind: faults.ErrRetryExhausted, Err: merr.ErrorOrNil()}
}

func (r *Retryer) wait(attempt int) time.Duration {
	d := retryInterval(r.interval, r.backoffCoeff, attempt)
	if r.maxInterval > 0 && d > r.maxInterval {
		return r.maxInterval
	}
	return d
}

// retryInterval = interval * coeff^retryCount
func retryInterval(interval time.Duration, backoffCoeff float64, retryCount int) time.Duration {
	coeff := math.Pow(backoffCoeff, float64(retryCount))
	return time.Duration(float64(interval) * coeff)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// errHeadMoved 标记“对象不存在，但主节点 HEAD 已经变了”，可以重试
var errHeadMoved = errors.New("primary head moved during pass")
