package transfer

import (
	"context"
	"fmt"

	"standby/pkg/core"
	"standby/pkg/faults"
	"standby/pkg/protocol"
	"standby/pkg/types"
)

// MessageConn 是一条可以收发消息的连接 (通常是 *protocol.Conn)
type MessageConn interface {
	MessageWriter
	ReadMessage(ctx context.Context) (protocol.Message, error)
}

// Fetcher 在一条连接上发起请求并校验回复
type Fetcher struct {
	conn     MessageConn
	spoolDir string
}

func NewFetcher(conn MessageConn, spoolDir string) *Fetcher {
	return &Fetcher{conn: conn, spoolDir: spoolDir}
}

// Head 询问主节点当前 HEAD，主节点为空时返回空 Hash
func (f *Fetcher) Head(ctx context.Context) (types.Hash, error) {
	reply, err := f.roundTrip(ctx, protocol.HeadRequest{})
	if err != nil {
		return "", err
	}
	switch m := reply.(type) {
	case protocol.HeadReply:
		return m.ID, nil
	case protocol.ErrorReply:
		return "", faults.Protocol("primary rejected head request: %s", m.Reason)
	default:
		return "", faults.Protocol("unexpected %s reply to head request", m.Kind())
	}
}

// FetchSegment 请求一个 Segment 并校验
func (f *Fetcher) FetchSegment(ctx context.Context, id types.Hash) (*core.Segment, error) {
	reply, err := f.roundTrip(ctx, protocol.SegmentRequest{ID: id})
	if err != nil {
		return nil, err
	}
	switch m := reply.(type) {
	case protocol.SegmentReply:
		if m.ID != id {
			return nil, faults.Integrity(id, fmt.Errorf("reply for unexpected id %s", m.ID.Short()))
		}
		return VerifySegment(id, m.Data)
	default:
		return nil, unexpected(id, "segment", reply)
	}
}

// FetchBlob 请求一个 Blob，组装校验后写入 w。返回 Blob 长度。
// 任何一步失败，已收到的分片都会被丢弃，w 不会看到任何数据。
func (f *Fetcher) FetchBlob(ctx context.Context, id types.Hash, expectedSize int64, w BlobWriter) (int64, error) {
	if err := f.conn.WriteMessage(ctx, protocol.BlobRequest{ID: id}); err != nil {
		return 0, err
	}

	asm := NewAssembler(f.spoolDir, id, expectedSize)
	defer asm.Discard()

	for {
		reply, err := f.conn.ReadMessage(ctx)
		if err != nil {
			return 0, err
		}
		chunk, ok := reply.(protocol.BlobChunkReply)
		if !ok {
			return 0, unexpected(id, "blob", reply)
		}
		done, err := asm.Add(chunk)
		if err != nil {
			return 0, err
		}
		if done {
			break
		}
	}

	if err := asm.Commit(ctx, w); err != nil {
		return 0, err
	}
	return int64(asm.Received()), nil
}

func (f *Fetcher) roundTrip(ctx context.Context, req protocol.Message) (protocol.Message, error) {
	if err := f.conn.WriteMessage(ctx, req); err != nil {
		return nil, err
	}
	return f.conn.ReadMessage(ctx)
}

// unexpected 把非预期的回复映射成错误分类
func unexpected(id types.Hash, what string, reply protocol.Message) error {
	switch m := reply.(type) {
	case protocol.NotFound:
		if m.ID != id {
			return faults.Integrity(id, fmt.Errorf("not-found for unexpected id %s", m.ID.Short()))
		}
		return faults.NotFound(id)
	case protocol.ErrorReply:
		return faults.Protocol("primary rejected %s request %s: %s", what, id.Short(), m.Reason)
	default:
		return faults.Protocol("unexpected %s reply to %s request %s", m.Kind(), what, id.Short())
	}
}
