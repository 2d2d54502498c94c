// Package treebuilder 在 Segment 图上构建和修改节点树。
// 所有修改都是写时复制：被改动节点到根的整条路径产生新的 Segment，其余 Segment 原样共享。
package treebuilder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"standby/pkg/core"
	"standby/pkg/index"
	"standby/pkg/storage"
	"standby/pkg/types"
)

// DataProperty 是文件节点保存内容的 Blob 属性名
const DataProperty = "data"

var ErrInvalidPath = errors.New("invalid node path")

type Builder struct {
	store storage.Store
}

func NewBuilder(store storage.Store) *Builder {
	return &Builder{store: store}
}

// Build 把导入索引转换为一棵 Segment 树，返回根 ID。
// 目录成为带子节点的 Segment，文件成为带 data 属性的叶子 Segment。
func (b *Builder) Build(ctx context.Context, idx *index.Index) (types.Hash, error) {
	root := newDirNode("")
	for path, entry := range idx.Snapshot() {
		root.addFile(path, entry)
	}
	return b.writeNode(ctx, root)
}

type node struct {
	name     string
	isDir    bool
	children map[string]*node // 仅目录有效
	entry    index.Entry      // 仅文件有效
}

func newDirNode(name string) *node {
	return &node{
		name:     name,
		isDir:    true,
		children: make(map[string]*node),
	}
}

// addFile 把 "a/b/c.txt" 插入内存树，沿途创建目录
func (n *node) addFile(path string, entry index.Entry) {
	parts := strings.Split(path, "/")
	current := n
	for _, part := range parts[:len(parts)-1] {
		if _, exists := current.children[part]; !exists {
			current.children[part] = newDirNode(part)
		}
		current = current.children[part]
	}

	fileName := parts[len(parts)-1]
	current.children[fileName] = &node{name: fileName, entry: entry}
}

// writeNode 自底向上写入 Segment，子节点总是先于父节点落盘
func (b *Builder) writeNode(ctx context.Context, n *node) (types.Hash, error) {
	if !n.isDir {
		prop := core.Property{
			Name: DataProperty,
			Blob: &core.BlobLink{Cid: core.NewLink(n.entry.Blob), Size: n.entry.Size},
		}
		return b.writeSegment(ctx, []core.Property{prop}, nil)
	}

	childNames := make([]string, 0, len(n.children))
	for name := range n.children {
		childNames = append(childNames, name)
	}
	sort.Strings(childNames)

	children := make([]core.ChildLink, 0, len(childNames))
	for _, name := range childNames {
		childHash, err := b.writeNode(ctx, n.children[name])
		if err != nil {
			return "", err
		}
		children = append(children, core.ChildLink{Name: name, Cid: core.NewLink(childHash)})
	}
	return b.writeSegment(ctx, nil, children)
}

func (b *Builder) writeSegment(ctx context.Context, props []core.Property, children []core.ChildLink) (types.Hash, error) {
	seg, err := core.NewSegment(props, children)
	if err != nil {
		return "", fmt.Errorf("failed to create segment: %w", err)
	}
	if err := b.store.WriteSegment(ctx, seg.ID(), seg.Bytes()); err != nil {
		return "", fmt.Errorf("failed to store segment: %w", err)
	}
	return seg.ID(), nil
}

// load 读取 Segment，id 为空时返回一个空节点
func (b *Builder) load(ctx context.Context, id types.Hash) (*core.Segment, error) {
	if id.IsZero() {
		return core.NewSegment(nil, nil)
	}
	data, err := b.store.ReadSegment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read segment %s: %w", id.Short(), err)
	}
	return core.DecodeSegment(data)
}

// SplitPath 把 "/a/b" 拆成 ["a", "b"]，根路径返回空切片
func SplitPath(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, nil
	}
	parts := strings.Split(path, "/")
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return parts, nil
}

// SetProperty 在 path 指向的节点上设置 (或替换) 属性，缺失的中间节点会被创建。
// Blob 属性引用的 Blob 必须已经写入存储。返回新的根 ID。
func (b *Builder) SetProperty(ctx context.Context, root types.Hash, path string, prop core.Property) (types.Hash, error) {
	parts, err := SplitPath(path)
	if err != nil {
		return "", err
	}
	return b.rewrite(ctx, root, parts, func(seg *core.Segment) ([]core.Property, []core.ChildLink, error) {
		props := make([]core.Property, 0, len(seg.Props)+1)
		for _, p := range seg.Props {
			if p.Name != prop.Name {
				props = append(props, p)
			}
		}
		return append(props, prop), seg.Children, nil
	})
}

// Remove 删除 path 指向的节点及其子树 (只是不再引用，回收交给 GC)
func (b *Builder) Remove(ctx context.Context, root types.Hash, path string) (types.Hash, error) {
	parts, err := SplitPath(path)
	if err != nil {
		return "", err
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: cannot remove root", ErrInvalidPath)
	}
	parent, name := parts[:len(parts)-1], parts[len(parts)-1]
	return b.rewrite(ctx, root, parent, func(seg *core.Segment) ([]core.Property, []core.ChildLink, error) {
		children := make([]core.ChildLink, 0, len(seg.Children))
		for _, c := range seg.Children {
			if c.Name != name {
				children = append(children, c)
			}
		}
		if len(children) == len(seg.Children) {
			return nil, nil, fmt.Errorf("%w: %s not found", storage.ErrNotFound, path)
		}
		return seg.Props, children, nil
	})
}

type editFunc func(seg *core.Segment) ([]core.Property, []core.ChildLink, error)

// rewrite 沿 parts 下降到目标节点，应用 edit，再把新 ID 逐层写回到根
func (b *Builder) rewrite(ctx context.Context, id types.Hash, parts []string, edit editFunc) (types.Hash, error) {
	seg, err := b.load(ctx, id)
	if err != nil {
		return "", err
	}

	if len(parts) == 0 {
		props, children, err := edit(seg)
		if err != nil {
			return "", err
		}
		return b.writeSegment(ctx, props, children)
	}

	name := parts[0]
	childID, _ := seg.Child(name)
	newChild, err := b.rewrite(ctx, childID, parts[1:], edit)
	if err != nil {
		return "", err
	}

	children := make([]core.ChildLink, 0, len(seg.Children)+1)
	for _, c := range seg.Children {
		if c.Name != name {
			children = append(children, c)
		}
	}
	children = append(children, core.ChildLink{Name: name, Cid: core.NewLink(newChild)})
	return b.writeSegment(ctx, seg.Props, children)
}
