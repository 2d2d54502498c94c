// Package exporter 按路径读取节点树，并把它还原成本地目录。
package exporter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"standby/pkg/core"
	"standby/pkg/storage"
	"standby/pkg/treebuilder"
	"standby/pkg/types"
)

var ErrNoProperty = errors.New("property not found")

type Exporter struct {
	store storage.Store
}

func NewExporter(store storage.Store) *Exporter {
	return &Exporter{store: store}
}

func (e *Exporter) segment(ctx context.Context, id types.Hash) (*core.Segment, error) {
	data, err := e.store.ReadSegment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read segment %s: %w", id.Short(), err)
	}
	return core.DecodeSegment(data)
}

// Resolve 从 root 沿 path 找到节点
func (e *Exporter) Resolve(ctx context.Context, root types.Hash, path string) (*core.Segment, error) {
	parts, err := treebuilder.SplitPath(path)
	if err != nil {
		return nil, err
	}
	seg, err := e.segment(ctx, root)
	if err != nil {
		return nil, err
	}
	for _, name := range parts {
		child, ok := seg.Child(name)
		if !ok {
			return nil, fmt.Errorf("%w: node %s", storage.ErrNotFound, path)
		}
		if seg, err = e.segment(ctx, child); err != nil {
			return nil, err
		}
	}
	return seg, nil
}

// ReadProperty 读取 path 节点上名为 name 的属性
func (e *Exporter) ReadProperty(ctx context.Context, root types.Hash, path, name string) (core.Property, error) {
	seg, err := e.Resolve(ctx, root, path)
	if err != nil {
		return core.Property{}, err
	}
	prop, ok := seg.Property(name)
	if !ok {
		return core.Property{}, fmt.Errorf("%w: %s on %s", ErrNoProperty, name, path)
	}
	return prop, nil
}

// ExportProperty 把属性值写入 writer：内联值直接写，Blob 属性从存储流式拷贝
func (e *Exporter) ExportProperty(ctx context.Context, root types.Hash, path, name string, writer io.Writer) error {
	prop, err := e.ReadProperty(ctx, root, path, name)
	if err != nil {
		return err
	}
	if !prop.IsBinary() {
		_, err := writer.Write(prop.Value)
		return err
	}
	return e.ExportBlob(ctx, *prop.Blob, writer)
}

// ExportBlob 流式拷贝一个 Blob，并校验长度没有被截断
func (e *Exporter) ExportBlob(ctx context.Context, link core.BlobLink, writer io.Writer) error {
	rc, size, err := e.store.ReadBlob(ctx, link.Cid.Hash)
	if err != nil {
		return fmt.Errorf("failed to read blob %s: %w", link.Cid.Hash.Short(), err)
	}
	defer rc.Close()

	if size != link.Size {
		return fmt.Errorf("blob %s has %d bytes, referenced as %d", link.Cid.Hash.Short(), size, link.Size)
	}
	if _, err := io.Copy(writer, rc); err != nil {
		return fmt.Errorf("failed to copy blob %s: %w", link.Cid.Hash.Short(), err)
	}
	return nil
}

type RestoreCallback func(path string, blob types.Hash, size int64)

// RestoreTree 把 root 下的树还原到 targetDir：
// 有子节点的 Segment 成为目录，带 data 属性的叶子成为文件，其他属性不导出。
func (e *Exporter) RestoreTree(ctx context.Context, root types.Hash, targetDir string, onRestore RestoreCallback) error {
	seg, err := e.segment(ctx, root)
	if err != nil {
		return err
	}

	for _, child := range seg.Children {
		if err := ctx.Err(); err != nil {
			return err
		}
		fullPath := filepath.Join(targetDir, child.Name)

		childSeg, err := e.segment(ctx, child.Cid.Hash)
		if err != nil {
			return err
		}

		if len(childSeg.Children) > 0 {
			if err := os.MkdirAll(fullPath, 0755); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", fullPath, err)
			}
			if err := e.RestoreTree(ctx, child.Cid.Hash, fullPath, onRestore); err != nil {
				return err
			}
			continue
		}

		prop, ok := childSeg.Property(treebuilder.DataProperty)
		if !ok || !prop.IsBinary() {
			continue
		}
		if err := e.restoreFile(ctx, *prop.Blob, fullPath); err != nil {
			return err
		}
		if onRestore != nil {
			onRestore(fullPath, prop.Blob.Cid.Hash, prop.Blob.Size)
		}
	}
	return nil
}

func (e *Exporter) restoreFile(ctx context.Context, link core.BlobLink, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", path, err)
	}
	if err := e.ExportBlob(ctx, link, file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
