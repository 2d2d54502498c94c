// Package refs 管理可变的 HEAD 指针。
// HEAD 是整个副本里唯一可变的状态，所有实现都必须保证 Swap 是原子的。
package refs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"standby/pkg/meta"
	"standby/pkg/types"

	"github.com/natefinch/atomic"
)

var (
	ErrNoHead = errors.New("HEAD not found (clean repo)")

	// ErrStaleHead 表示 CAS 失败：HEAD 在读和写之间被别人改了
	ErrStaleHead = errors.New("HEAD changed concurrently")
)

// HeadRef 是一个支持 Compare-And-Swap 的 HEAD 单元
type HeadRef interface {
	// Get 返回当前 HEAD，新仓库返回 ErrNoHead
	Get(ctx context.Context) (types.Hash, error)

	// CompareAndSwap 仅当当前值等于 old 时写入 next。
	// old 为空表示"期望还没有 HEAD"。
	CompareAndSwap(ctx context.Context, old, next types.Hash) error
}

// -----------------------------------------------------------------------------
// 1. FileHead: objects 目录旁边的 HEAD 文件
// -----------------------------------------------------------------------------

type FileHead struct {
	mu   sync.Mutex
	path string
}

// NewFileHead 使用 root/HEAD 作为存储位置
func NewFileHead(root string) (*FileHead, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create refs dir: %w", err)
	}
	return &FileHead{path: filepath.Join(root, "HEAD")}, nil
}

func (f *FileHead) Get(ctx context.Context) (types.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

func (f *FileHead) read() (types.Hash, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return "", ErrNoHead
	}
	if err != nil {
		return "", fmt.Errorf("failed to read HEAD: %w", err)
	}

	// 清理换行符 (vim 编辑时可能会自动加 \n)
	h, err := types.ParseHash(strings.TrimSpace(string(data)))
	if err != nil {
		return "", fmt.Errorf("corrupt HEAD file: %w", err)
	}
	return h, nil
}

// CompareAndSwap 用 rename 原子替换 HEAD 文件，进程内用互斥锁串行化
func (f *FileHead) CompareAndSwap(ctx context.Context, old, next types.Hash) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cur, err := f.read()
	if err != nil && !errors.Is(err, ErrNoHead) {
		return err
	}
	if cur != old {
		return fmt.Errorf("%w: expected %q, found %q", ErrStaleHead, old.Short(), cur.Short())
	}
	if err := atomic.WriteFile(f.path, strings.NewReader(next.String()+"\n")); err != nil {
		return fmt.Errorf("failed to write HEAD: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// 2. MemoryHead: 测试和纯内存副本用
// -----------------------------------------------------------------------------

type MemoryHead struct {
	mu   sync.Mutex
	head types.Hash
}

func NewMemoryHead() *MemoryHead {
	return &MemoryHead{}
}

func (m *MemoryHead) Get(ctx context.Context) (types.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.head.IsZero() {
		return "", ErrNoHead
	}
	return m.head, nil
}

func (m *MemoryHead) CompareAndSwap(ctx context.Context, old, next types.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.head != old {
		return fmt.Errorf("%w: expected %q, found %q", ErrStaleHead, old.Short(), m.head.Short())
	}
	m.head = next
	return nil
}

// -----------------------------------------------------------------------------
// 3. SQLHead: 基于 meta.Repository 的乐观锁
// -----------------------------------------------------------------------------

// SQLHead 把 HEAD 存在 refs 表里，用 version 列做 CAS，多进程共享同一个库也安全
type SQLHead struct {
	repo *meta.Repository
	name string
}

func NewSQLHead(repo *meta.Repository, name string) *SQLHead {
	if name == "" {
		name = "HEAD"
	}
	return &SQLHead{repo: repo, name: name}
}

func (s *SQLHead) Get(ctx context.Context) (types.Hash, error) {
	ref, err := s.repo.GetRef(ctx, s.name)
	if errors.Is(err, meta.ErrRefNotFound) {
		return "", ErrNoHead
	}
	if err != nil {
		return "", err
	}
	return types.Hash(ref.Hash), nil
}

func (s *SQLHead) CompareAndSwap(ctx context.Context, old, next types.Hash) error {
	var version int64
	ref, err := s.repo.GetRef(ctx, s.name)
	switch {
	case errors.Is(err, meta.ErrRefNotFound):
		if !old.IsZero() {
			return fmt.Errorf("%w: expected %q, found none", ErrStaleHead, old.Short())
		}
	case err != nil:
		return err
	default:
		if types.Hash(ref.Hash) != old {
			return fmt.Errorf("%w: expected %q, found %q", ErrStaleHead, old.Short(), types.Hash(ref.Hash).Short())
		}
		version = ref.Version
	}

	// 读到的 version 在 UPDATE ... WHERE version = ? 中再次校验
	err = s.repo.UpdateRef(ctx, s.name, next, version)
	if errors.Is(err, meta.ErrConcurrentUpdate) {
		return fmt.Errorf("%w: %v", ErrStaleHead, err)
	}
	return err
}

// Repository 暴露底层元数据库，供历史记录使用
func (s *SQLHead) Repository() *meta.Repository {
	return s.repo
}

func (s *SQLHead) Name() string {
	return s.name
}
