// Package faults 定义复制协议的错误分类。
//
// Transport 和 Integrity 由 resync 控制器在本地通过“丢弃 + 重试”恢复；
// NotFound 和 Protocol 会立即中止本轮同步并上抛给调用方；
// RetryExhausted 是重试次数用尽后的最终失败。
package faults

import (
	"errors"
	"fmt"

	"standby/pkg/types"
)

var (
	ErrTransport      = errors.New("transport fault")
	ErrIntegrity      = errors.New("integrity fault")
	ErrNotFound       = errors.New("not found fault")
	ErrProtocol       = errors.New("protocol fault")
	ErrRetryExhausted = errors.New("retry exhausted")
)

// Fault 把一个分类 (Kind) 和具体原因 (Err) 绑在一起，可选地带上出问题的 ID
type Fault struct {
	Kind error
	ID   types.Hash
	Err  error
}

func (f *Fault) Error() string {
	switch {
	case f.ID.IsZero() && f.Err == nil:
		return f.Kind.Error()
	case f.ID.IsZero():
		return fmt.Sprintf("%v: %v", f.Kind, f.Err)
	case f.Err == nil:
		return fmt.Sprintf("%v: id %s", f.Kind, f.ID)
	default:
		return fmt.Sprintf("%v: id %s: %v", f.Kind, f.ID, f.Err)
	}
}

// Unwrap 让 errors.Is 同时匹配分类和原因
func (f *Fault) Unwrap() []error {
	if f.Err == nil {
		return []error{f.Kind}
	}
	return []error{f.Kind, f.Err}
}

// New 包装 err。如果 err 已经是一个 Fault，原样返回，避免重复分类。
func New(kind error, id types.Hash, err error) error {
	var f *Fault
	if err != nil && errors.As(err, &f) {
		return err
	}
	return &Fault{Kind: kind, ID: id, Err: err}
}

func Transport(err error) error { return New(ErrTransport, "", err) }

func Integrity(id types.Hash, err error) error { return New(ErrIntegrity, id, err) }

func NotFound(id types.Hash) error { return &Fault{Kind: ErrNotFound, ID: id} }

func Protocol(format string, args ...any) error {
	return &Fault{Kind: ErrProtocol, Err: fmt.Errorf(format, args...)}
}

// Retryable 报告 err 是否能通过重新同步恢复。
// RetryExhausted 是终态：它仍然能用 errors.Is 匹配到每次尝试的原因，但不可重试。
func Retryable(err error) bool {
	if errors.Is(err, ErrRetryExhausted) {
		return false
	}
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrIntegrity)
}

// IDOf 取出错误里携带的 ID (没有则为空)
func IDOf(err error) types.Hash {
	var f *Fault
	if errors.As(err, &f) {
		return f.ID
	}
	return ""
}
