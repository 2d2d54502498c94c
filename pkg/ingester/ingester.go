// Package ingester 把本地文件写成 Blob，供主节点导入目录时使用。
package ingester

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"standby/pkg/core"
	"standby/pkg/ignore"
	"standby/pkg/index"
	"standby/pkg/storage"
	"standby/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Ingester struct {
	store    storage.Store
	spoolDir string
	workers  int
	logger   *zap.Logger
}

// NewIngester 创建导入器。spoolDir 存放计算 Hash 时的临时文件，空字符串表示系统临时目录。
func NewIngester(store storage.Store, spoolDir string, logger *zap.Logger) *Ingester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingester{
		store:    store,
		spoolDir: spoolDir,
		workers:  runtime.GOMAXPROCS(0),
		logger:   logger,
	}
}

// IngestBlob 把 reader 的全部内容存为一个 Blob。
// 先落到临时文件里算出 Hash，再按 Hash 写入存储，内存占用与大小无关。
func (ing *Ingester) IngestBlob(ctx context.Context, reader io.Reader) (core.BlobLink, error) {
	f, err := os.CreateTemp(ing.spoolDir, "standby-ingest-*")
	if err != nil {
		return core.BlobLink{}, fmt.Errorf("failed to create spool file: %w", err)
	}
	defer func() {
		f.Close()
		os.Remove(f.Name())
	}()

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, hasher), reader)
	if err != nil {
		return core.BlobLink{}, fmt.Errorf("failed to read blob: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return core.BlobLink{}, err
	}

	id := types.HashFromSum(hasher.Sum(nil))
	if err := ing.store.WriteBlob(ctx, id, f); err != nil {
		return core.BlobLink{}, fmt.Errorf("failed to store blob %s: %w", id.Short(), err)
	}
	return core.BlobLink{Cid: core.NewLink(id), Size: n}, nil
}

func (ing *Ingester) IngestFile(ctx context.Context, path string) (core.BlobLink, error) {
	f, err := os.Open(path)
	if err != nil {
		return core.BlobLink{}, err
	}
	defer f.Close()
	return ing.IngestBlob(ctx, f)
}

// IngestDir 导入 root 下所有未被 matcher 忽略的普通文件，结果记入 idx。
// idx 里已有且大小和修改时间都没变、Blob 仍在存储中的文件不会重新读取。
func (ing *Ingester) IngestDir(ctx context.Context, root string, matcher *ignore.Matcher, idx *index.Index) error {
	type job struct {
		rel  string
		full string
		info fs.FileInfo
	}
	var jobs []job

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if matcher.Matches(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		jobs = append(jobs, job{rel: rel, full: path, info: info})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk %s: %w", root, err)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(ing.workers)
	for _, j := range jobs {
		eg.Go(func() error {
			if prev, ok := idx.Get(j.rel); ok && prev.Unchanged(j.info.Size(), j.info.ModTime()) {
				if ok, err := ing.store.Has(ctx, prev.Blob); err == nil && ok {
					return nil
				}
			}
			link, err := ing.IngestFile(ctx, j.full)
			if err != nil {
				return fmt.Errorf("failed to ingest %s: %w", j.rel, err)
			}
			idx.Add(j.rel, link.Cid.Hash, link.Size, j.info.ModTime())
			ing.logger.Debug("ingested file", zap.String("path", j.rel), zap.Int64("size", link.Size))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	// 删除已经不存在的文件
	keep := make(map[string]struct{}, len(jobs))
	for _, j := range jobs {
		keep[j.rel] = struct{}{}
	}
	for path := range idx.Snapshot() {
		if _, ok := keep[path]; !ok {
			idx.Remove(path)
		}
	}
	return nil
}
