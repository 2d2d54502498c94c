// Package repo 把对象存储和 HEAD 组合成一个本地副本。
package repo

import (
	"context"
	"errors"
	"io"

	"standby/pkg/refs"
	"standby/pkg/storage"
	"standby/pkg/types"
)

// Repository 是主节点和副本共用的本地存储视图
type Repository struct {
	storage.Store
	head refs.HeadRef
}

func New(store storage.Store, head refs.HeadRef) *Repository {
	return &Repository{Store: store, head: head}
}

// Head 返回当前 HEAD，还没有 HEAD 时返回空 Hash
func (r *Repository) Head(ctx context.Context) (types.Hash, error) {
	h, err := r.head.Get(ctx)
	if errors.Is(err, refs.ErrNoHead) {
		return "", nil
	}
	return h, err
}

// SetHead 原子地把 HEAD 从 old 换成 next。
// 调用方必须保证 next 的整个闭包已经写入。
func (r *Repository) SetHead(ctx context.Context, old, next types.Hash) error {
	return r.head.CompareAndSwap(ctx, old, next)
}

// HeadRef 暴露底层 HEAD 实现 (例如 SQLHead 用于写历史)
func (r *Repository) HeadRef() refs.HeadRef {
	return r.head
}

// ReadBlobBytes 读取整个 Blob，仅用于小对象和测试
func (r *Repository) ReadBlobBytes(ctx context.Context, id types.Hash) ([]byte, error) {
	rc, _, err := r.ReadBlob(ctx, id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
