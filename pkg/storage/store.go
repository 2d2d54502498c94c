package storage

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"standby/pkg/core"
	"standby/pkg/types"
)

var (
	ErrNotFound = errors.New("object not found")

	// ErrIntegrity 表示写入的字节和它声称的 ID 不一致。
	// 同一个 ID 绝不能对应两段不同的字节，这种写入一律拒绝而不是覆盖。
	ErrIntegrity = errors.New("content does not match id")
)

// Store defines the interface for a content-addressed segment/blob backend.
// Implementations can be local disk, S3 or in-memory storage.
type Store interface {
	// Has 检查 ID 是否已经持久化 (Segment 或 Blob)
	Has(ctx context.Context, id types.Hash) (bool, error)

	ReadSegment(ctx context.Context, id types.Hash) ([]byte, error)

	// ReadBlob 返回 Blob 的流以及总长度
	// 返回 io.ReadCloser 而不是 []byte，避免一次性把大文件读进内存
	ReadBlob(ctx context.Context, id types.Hash) (io.ReadCloser, int64, error)

	// WriteSegment / WriteBlob 在落盘前校验 Hash，已存在则直接返回 (幂等)
	WriteSegment(ctx context.Context, id types.Hash, data []byte) error
	WriteBlob(ctx context.Context, id types.Hash, r io.Reader) error

	Delete(ctx context.Context, id types.Hash) error

	// Walk 遍历所有已持久化的对象
	Walk(ctx context.Context, fn func(id types.Hash, kind core.ObjectType, size int64) error) error

	// ApproximateSize 返回已提交对象占用的字节数 (不含临时文件)
	ApproximateSize(ctx context.Context) (int64, error)
}

// VerifyBytes 校验 data 的 Hash 是否等于 id
func VerifyBytes(id types.Hash, data []byte) error {
	if got := core.CalculateBlobHash(data); got != id {
		return fmt.Errorf("%w: expected %s, got %s", ErrIntegrity, id, got)
	}
	return nil
}

// SpoolVerified 把 r 写进 dir 下的临时文件，同时计算 Hash。
// 只有 Hash 等于 id 时才返回文件 (已 Seek 到开头)；调用方负责关闭并删除。
func SpoolVerified(dir, pattern string, id types.Hash, r io.Reader) (*os.File, int64, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, 0, err
	}
	cleanup := func() {
		f.Close()
		os.Remove(f.Name())
	}

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, hasher), r)
	if err != nil {
		cleanup()
		return nil, 0, err
	}
	if got := types.HashFromSum(hasher.Sum(nil)); got != id {
		cleanup()
		return nil, 0, fmt.Errorf("%w: expected %s, got %s", ErrIntegrity, id, got)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, 0, err
	}
	return f, n, nil
}
