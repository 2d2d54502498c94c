package transfer

import (
	"bytes"
	"context"
	"os"
	"testing"

	"standby/pkg/core"
	"standby/pkg/protocol"
	"standby/pkg/storage/memory"
	"standby/pkg/types"

	"github.com/stretchr/testify/require"
)

// recorder 记录写出的消息
type recorder struct {
	msgs []protocol.Message
}

func (r *recorder) WriteMessage(_ context.Context, m protocol.Message) error {
	// 分片的 Data 会被发送端复用，这里必须复制
	if c, ok := m.(protocol.BlobChunkReply); ok {
		c.Data = bytes.Clone(c.Data)
		m = c
	}
	r.msgs = append(r.msgs, m)
	return nil
}

// scriptedConn 按顺序返回预设的回复
type scriptedConn struct {
	recorder
	replies []protocol.Message
}

func (s *scriptedConn) ReadMessage(_ context.Context) (protocol.Message, error) {
	if len(s.replies) == 0 {
		return nil, os.ErrDeadlineExceeded
	}
	m := s.replies[0]
	s.replies = s.replies[1:]
	return m, nil
}

// loopback 直接把请求交给 Sender，模拟一条完美的连接
type loopback struct {
	sender  *Sender
	pending []protocol.Message
}

func (l *loopback) WriteMessage(ctx context.Context, m protocol.Message) error {
	rec := &recorder{}
	var err error
	switch req := m.(type) {
	case protocol.SegmentRequest:
		_, err = l.sender.SendSegment(ctx, rec, req.ID)
	case protocol.BlobRequest:
		_, err = l.sender.SendBlob(ctx, rec, req.ID)
	case protocol.HeadRequest:
		rec.msgs = append(rec.msgs, protocol.HeadReply{})
	}
	l.pending = append(l.pending, rec.msgs...)
	return err
}

func (l *loopback) ReadMessage(_ context.Context) (protocol.Message, error) {
	m := l.pending[0]
	l.pending = l.pending[1:]
	return m, nil
}

func mustWriteBlob(t *testing.T, s *memory.Store, data []byte) types.Hash {
	t.Helper()
	id := core.CalculateBlobHash(data)
	require.NoError(t, s.WriteBlob(context.Background(), id, bytes.NewReader(data)))
	return id
}

func mustWriteSegment(t *testing.T, s *memory.Store, props []core.Property, children []core.ChildLink) *core.Segment {
	t.Helper()
	seg, err := core.NewSegment(props, children)
	require.NoError(t, err)
	require.NoError(t, s.WriteSegment(context.Background(), seg.ID(), seg.Bytes()))
	return seg
}

// pattern 生成可复现的非重复数据
func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + i/251)
	}
	return b
}
