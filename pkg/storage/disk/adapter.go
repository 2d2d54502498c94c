package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"standby/pkg/core"
	"standby/pkg/storage"
	"standby/pkg/types"
)

const (
	segmentsDir = "segments"
	blobsDir    = "blobs"
	tmpDir      = "tmp"
)

// Adapter 实现了 storage.Store 接口
type Adapter struct {
	rootPath string // 比如: /var/lib/standby/objects
}

// NewAdapter 创建一个新的磁盘存储适配器。
// 上次崩溃残留的临时文件会被清理，它们从来没有被提交过。
func NewAdapter(root string) (*Adapter, error) {
	for _, dir := range []string{segmentsDir, blobsDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create root storage dir: %w", err)
		}
	}
	if err := os.RemoveAll(filepath.Join(root, tmpDir)); err != nil {
		return nil, fmt.Errorf("failed to clean temp dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, tmpDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	return &Adapter{rootPath: root}, nil
}

// layout 返回哈希对应的物理路径
// 策略：使用前 2 个字符作为子目录 (Sharding)
// Example: hash "aabbcc..." -> root/segments/aa/bbcc...
func (s *Adapter) layout(kind string, hash types.Hash) string {
	h := string(hash)
	if len(h) < 2 {
		return filepath.Join(s.rootPath, kind, h)
	}
	return filepath.Join(s.rootPath, kind, h[:2], h[2:])
}

// TempDir 是未提交数据的目录，NewAdapter 时会被清空
func (s *Adapter) TempDir() string { return filepath.Join(s.rootPath, tmpDir) }

func (s *Adapter) Has(ctx context.Context, id types.Hash) (bool, error) {
	for _, kind := range []string{segmentsDir, blobsDir} {
		_, err := os.Stat(s.layout(kind, id))
		if err == nil {
			return true, nil
		}
		if !os.IsNotExist(err) {
			return false, err
		}
	}
	return false, nil
}

func (s *Adapter) ReadSegment(ctx context.Context, id types.Hash) ([]byte, error) {
	data, err := os.ReadFile(s.layout(segmentsDir, id))
	if os.IsNotExist(err) {
		return nil, storage.ErrNotFound
	}
	return data, err
}

func (s *Adapter) ReadBlob(ctx context.Context, id types.Hash) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.layout(blobsDir, id))
	if os.IsNotExist(err) {
		return nil, 0, storage.ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, stat.Size(), nil
}

func (s *Adapter) WriteSegment(ctx context.Context, id types.Hash, data []byte) error {
	if err := storage.VerifyBytes(id, data); err != nil {
		return err
	}
	return s.commit(segmentsDir, id, func(f *os.File) error {
		_, err := f.Write(data)
		return err
	})
}

func (s *Adapter) WriteBlob(ctx context.Context, id types.Hash, r io.Reader) error {
	targetPath := s.layout(blobsDir, id)
	if _, err := os.Stat(targetPath); err == nil {
		return nil
	}

	// 先在 tmp 里边写边算 Hash，校验通过才 Rename 进 blobs
	spool, _, err := storage.SpoolVerified(s.TempDir(), "temp-*", id, r)
	if err != nil {
		return err
	}
	spool.Close()
	defer os.Remove(spool.Name())

	if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
		return err
	}
	return os.Rename(spool.Name(), targetPath)
}

// commit 原子写入 (Atomic Write)
// 先写到一个临时文件，然后 Rename，保证要么文件不存在，要么文件是完整的。
func (s *Adapter) commit(kind string, id types.Hash, write func(*os.File) error) error {
	targetPath := s.layout(kind, id)

	// 幂等性：CAS 的好处，已经存在就跳过
	if _, err := os.Stat(targetPath); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(s.TempDir(), "temp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tempFile.Name())

	if err := write(tempFile); err != nil {
		tempFile.Close()
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}
	return os.Rename(tempFile.Name(), targetPath)
}

func (s *Adapter) Delete(ctx context.Context, id types.Hash) error {
	for _, kind := range []string{segmentsDir, blobsDir} {
		if err := os.Remove(s.layout(kind, id)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (s *Adapter) Walk(ctx context.Context, fn func(id types.Hash, kind core.ObjectType, size int64) error) error {
	kinds := map[string]core.ObjectType{segmentsDir: core.TypeSegment, blobsDir: core.TypeBlob}
	for dir, kind := range kinds {
		root := filepath.Join(s.rootPath, dir)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			id := types.Hash(filepath.Dir(rel) + filepath.Base(rel))
			if !id.IsValid() {
				// 不是我们写的文件，跳过
				return nil
			}
			info, err := d.Info()
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			if err != nil {
				return err
			}
			return fn(id, kind, info.Size())
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Adapter) ApproximateSize(ctx context.Context) (int64, error) {
	var total int64
	err := s.Walk(ctx, func(_ types.Hash, _ core.ObjectType, size int64) error {
		total += size
		return nil
	})
	return total, err
}
