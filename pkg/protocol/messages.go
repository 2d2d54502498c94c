// Package protocol 实现主从复制的线上格式：
//
//	[4 字节大端 length][1 字节 kind][payload]
//
// length 包含 kind 本身。每种 kind 对应一个 Go 类型，集合是封闭的。
package protocol

import (
	"fmt"

	"standby/pkg/types"
)

type Kind byte

const (
	KindHeadRequest    Kind = 0x01
	KindHeadReply      Kind = 0x02
	KindSegmentRequest Kind = 0x03
	KindSegmentReply   Kind = 0x04
	KindBlobRequest    Kind = 0x05
	KindBlobChunkReply Kind = 0x06
	KindNotFound       Kind = 0x07
	KindError          Kind = 0x08
)

func (k Kind) String() string {
	switch k {
	case KindHeadRequest:
		return "head-request"
	case KindHeadReply:
		return "head-reply"
	case KindSegmentRequest:
		return "segment-request"
	case KindSegmentReply:
		return "segment-reply"
	case KindBlobRequest:
		return "blob-request"
	case KindBlobChunkReply:
		return "blob-chunk"
	case KindNotFound:
		return "not-found"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(0x%02x)", byte(k))
	}
}

// Message 是所有帧类型的公共接口。
// 未导出的 message() 方法让这个集合只能在本包内扩展。
type Message interface {
	Kind() Kind
	message()
}

// HeadRequest 询问主节点当前 HEAD
type HeadRequest struct{}

// HeadReply 的 ID 为空表示主节点还没有 HEAD
type HeadReply struct {
	ID types.Hash
}

type SegmentRequest struct {
	ID types.Hash
}

// SegmentReply 携带一个完整的 Segment
type SegmentReply struct {
	ID   types.Hash
	Data []byte
}

type BlobRequest struct {
	ID types.Hash
}

// BlobChunkReply 是 Blob 的一个分片。
// Total 是 Blob 声明的总长度，同一个 Blob 的所有分片必须一致。
type BlobChunkReply struct {
	ID     types.Hash
	Offset uint64
	Total  uint64
	Last   bool
	Data   []byte
}

type NotFound struct {
	ID types.Hash
}

// ErrorReply 是服务端对无法处理的请求的回复，发送后连接关闭
type ErrorReply struct {
	Reason string
}

func (HeadRequest) Kind() Kind    { return KindHeadRequest }
func (HeadReply) Kind() Kind      { return KindHeadReply }
func (SegmentRequest) Kind() Kind { return KindSegmentRequest }
func (SegmentReply) Kind() Kind   { return KindSegmentReply }
func (BlobRequest) Kind() Kind    { return KindBlobRequest }
func (BlobChunkReply) Kind() Kind { return KindBlobChunkReply }
func (NotFound) Kind() Kind       { return KindNotFound }
func (ErrorReply) Kind() Kind     { return KindError }

func (HeadRequest) message()    {}
func (HeadReply) message()      {}
func (SegmentRequest) message() {}
func (SegmentReply) message()   {}
func (BlobRequest) message()    {}
func (BlobChunkReply) message() {}
func (NotFound) message()       {}
func (ErrorReply) message()     {}
