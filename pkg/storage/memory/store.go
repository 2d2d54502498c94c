// Package memory 提供一个纯内存的 storage.Store，用于测试和临时副本。
package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"

	"standby/pkg/core"
	"standby/pkg/storage"
	"standby/pkg/types"
)

type entry struct {
	kind core.ObjectType
	data []byte
}

type Store struct {
	mu      sync.RWMutex
	objects map[types.Hash]entry
}

func NewStore() *Store {
	return &Store{objects: make(map[types.Hash]entry)}
}

func (s *Store) Has(_ context.Context, id types.Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[id]
	return ok, nil
}

func (s *Store) ReadSegment(_ context.Context, id types.Hash) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.objects[id]
	if !ok || e.kind != core.TypeSegment {
		return nil, storage.ErrNotFound
	}
	return bytes.Clone(e.data), nil
}

func (s *Store) ReadBlob(_ context.Context, id types.Hash) (io.ReadCloser, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.objects[id]
	if !ok || e.kind != core.TypeBlob {
		return nil, 0, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(e.data)), int64(len(e.data)), nil
}

func (s *Store) WriteSegment(_ context.Context, id types.Hash, data []byte) error {
	if err := storage.VerifyBytes(id, data); err != nil {
		return err
	}
	s.put(id, core.TypeSegment, bytes.Clone(data))
	return nil
}

func (s *Store) WriteBlob(_ context.Context, id types.Hash, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if err := storage.VerifyBytes(id, data); err != nil {
		return err
	}
	s.put(id, core.TypeBlob, data)
	return nil
}

func (s *Store) put(id types.Hash, kind core.ObjectType, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[id]; ok {
		return
	}
	s.objects[id] = entry{kind: kind, data: data}
}

func (s *Store) Delete(_ context.Context, id types.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, id)
	return nil
}

// Walk 按 ID 排序遍历，fn 里可以安全地调用 Delete
func (s *Store) Walk(ctx context.Context, fn func(id types.Hash, kind core.ObjectType, size int64) error) error {
	s.mu.RLock()
	ids := make([]types.Hash, 0, len(s.objects))
	snapshot := make(map[types.Hash]entry, len(s.objects))
	for id, e := range s.objects {
		ids = append(ids, id)
		snapshot[id] = e
	}
	s.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		e := snapshot[id]
		if err := fn(id, e.kind, int64(len(e.data))); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ApproximateSize(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, e := range s.objects {
		total += int64(len(e.data))
	}
	return total, nil
}

// Len 返回对象个数
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
