// Package index 记录一次目录导入的结果 (路径 → Blob)，
// 持久化后下一次导入可以跳过大小和修改时间都没变的文件。
package index

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"standby/pkg/types"
)

// Entry 是一个导入文件
type Entry struct {
	Path       string     `json:"path"` // 相对导入根目录的路径 (如 "data/model.bin")
	Blob       types.Hash `json:"blob"`
	Size       int64      `json:"size"`
	ModifiedAt time.Time  `json:"modified_at"`
}

// Unchanged 报告文件是否和上次导入时一致 (按大小和修改时间判断)
func (e Entry) Unchanged(size int64, modTime time.Time) bool {
	return e.Size == size && e.ModifiedAt.Equal(modTime)
}

type Index struct {
	path    string // 持久化路径，空表示只在内存中
	Entries map[string]Entry `json:"entries"`
	mu      sync.RWMutex
}

// NewIndex 加载 indexPath 处的索引，文件不存在时返回空索引。
// indexPath 为空时索引只存在于内存。
func NewIndex(indexPath string) (*Index, error) {
	idx := &Index{
		path:    indexPath,
		Entries: make(map[string]Entry),
	}
	if indexPath == "" {
		return idx, nil
	}

	data, err := os.ReadFile(indexPath)
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	if err := json.Unmarshal(data, idx); err != nil {
		return nil, fmt.Errorf("corrupted index file: %w", err)
	}
	return idx, nil
}

func (i *Index) Add(path string, blob types.Hash, size int64, modTime time.Time) {
	key := CleanPath(path)
	i.mu.Lock()
	defer i.mu.Unlock()

	i.Entries[key] = Entry{
		Path:       key,
		Blob:       blob,
		Size:       size,
		ModifiedAt: modTime,
	}
}

func (i *Index) Get(path string) (Entry, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	e, ok := i.Entries[CleanPath(path)]
	return e, ok
}

// Save 把索引写回磁盘，内存索引直接返回
func (i *Index) Save() error {
	if i.path == "" {
		return nil
	}
	i.mu.RLock()
	defer i.mu.RUnlock()

	data, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(i.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(i.path, data, 0644)
}

// Snapshot 返回 Entry 的副本，用于并发安全的读取
func (i *Index) Snapshot() map[string]Entry {
	i.mu.RLock()
	defer i.mu.RUnlock()

	snap := make(map[string]Entry, len(i.Entries))
	maps.Copy(snap, i.Entries)
	return snap
}

func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.Entries)
}

func CleanPath(p string) string {
	return filepath.ToSlash(filepath.Clean(p))
}

func (i *Index) Remove(path string) {
	key := CleanPath(path)
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.Entries, key)
}
