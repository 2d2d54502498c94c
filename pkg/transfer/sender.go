// Package transfer 负责单个 Segment / Blob 在线上的收发：
// 发送端把对象切成帧，接收端校验并组装，校验通过之前任何字节都不会进入存储。
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"standby/pkg/protocol"
	"standby/pkg/storage"
	"standby/pkg/types"
)

// DefaultChunkSize 是 Blob 分片的默认大小
const DefaultChunkSize = 64 * 1024

// Source 是发送端需要的只读存储视图
type Source interface {
	ReadSegment(ctx context.Context, id types.Hash) ([]byte, error)
	ReadBlob(ctx context.Context, id types.Hash) (io.ReadCloser, int64, error)
}

type MessageWriter interface {
	WriteMessage(ctx context.Context, m protocol.Message) error
}

// Sender 把本地对象编码成回复帧
type Sender struct {
	src       Source
	chunkSize int
}

func NewSender(src Source, chunkSize int) *Sender {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Sender{src: src, chunkSize: chunkSize}
}

// SendSegment 发送整个 Segment；不存在时回复 NotFound 而不是断开。
// 返回写出的数据字节数。
func (s *Sender) SendSegment(ctx context.Context, w MessageWriter, id types.Hash) (int64, error) {
	data, err := s.src.ReadSegment(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, w.WriteMessage(ctx, protocol.NotFound{ID: id})
	}
	if err != nil {
		return 0, fmt.Errorf("read segment %s: %w", id.Short(), err)
	}
	if err := w.WriteMessage(ctx, protocol.SegmentReply{ID: id, Data: data}); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// SendBlob 按 chunkSize 顺序发送 Blob 的分片，最后一片带 Last 标记。
// 空 Blob 发送一个空的最后分片。
func (s *Sender) SendBlob(ctx context.Context, w MessageWriter, id types.Hash) (int64, error) {
	rc, size, err := s.src.ReadBlob(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, w.WriteMessage(ctx, protocol.NotFound{ID: id})
	}
	if err != nil {
		return 0, fmt.Errorf("read blob %s: %w", id.Short(), err)
	}
	defer rc.Close()

	total := uint64(size)
	buf := make([]byte, s.chunkSize)
	var offset uint64
	for {
		n := min(uint64(len(buf)), total-offset)
		if _, err := io.ReadFull(rc, buf[:n]); err != nil {
			// 存储里的 Blob 比声明的短，不能发出一个注定校验失败的流
			return int64(offset), fmt.Errorf("read blob %s at %d: %w", id.Short(), offset, err)
		}
		last := offset+n == total
		chunk := protocol.BlobChunkReply{
			ID:     id,
			Offset: offset,
			Total:  total,
			Last:   last,
			Data:   buf[:n],
		}
		if err := w.WriteMessage(ctx, chunk); err != nil {
			return int64(offset), err
		}
		offset += n
		if last {
			return int64(offset), nil
		}
	}
}
