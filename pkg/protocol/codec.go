package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"standby/pkg/core"
	"standby/pkg/types"
)

const (
	// HeaderSize = 4 字节长度前缀
	HeaderSize = 4

	// DefaultMaxFrameSize 必须能装下最大的 Segment 加上 id
	DefaultMaxFrameSize = 4 << 20

	chunkHeaderSize = types.HashLen + 8 + 8 + 1
	flagLast        = 0x01
)

var (
	// ErrNeedMoreData 表示缓冲区里还没有一个完整的帧，不是错误
	ErrNeedMoreData = errors.New("need more data")

	ErrMalformed = errors.New("malformed frame")

	// ErrUnknownKind 表示帧结构完整但 kind 不认识，帧已被消费
	ErrUnknownKind = errors.New("unknown message kind")

	// ErrFrameLimits 表示分片大小和帧上限的组合发不出某些合法的回复
	ErrFrameLimits = errors.New("invalid frame limits")
)

// MaxChunkData 返回 maxFrameSize 下一个 BlobChunkReply 最多能携带的数据量
func MaxChunkData(maxFrameSize int) int {
	return maxFrameSize - 1 - chunkHeaderSize
}

// CheckFrameLimits 检查最大的 Segment 和一个满的 Blob 分片都能装进一帧。
// 装不下的组合会让每一轮同步都在同一个地方断开，重试没有意义。
func CheckFrameLimits(maxFrameSize, chunkSize int) error {
	if need := 1 + types.HashLen + core.MaxSegmentSize; maxFrameSize < need {
		return fmt.Errorf("%w: max frame size %d cannot carry a full segment (need %d)",
			ErrFrameLimits, maxFrameSize, need)
	}
	if chunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", ErrFrameLimits, chunkSize)
	}
	if limit := MaxChunkData(maxFrameSize); chunkSize > limit {
		return fmt.Errorf("%w: chunk size %d exceeds %d, the most a %d byte frame can carry",
			ErrFrameLimits, chunkSize, limit, maxFrameSize)
	}
	return nil
}

// MalformedError 描述一个无法解析的帧。出现后这条流不可恢复。
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string { return "malformed frame: " + e.Reason }

func (e *MalformedError) Is(target error) bool { return target == ErrMalformed }

func malformed(format string, args ...any) error {
	return &MalformedError{Reason: fmt.Sprintf(format, args...)}
}

// Encode 把消息编码成一个完整的帧
func Encode(m Message) ([]byte, error) {
	var payload []byte
	switch m := m.(type) {
	case HeadRequest:
	case HeadReply:
		if !m.ID.IsZero() {
			if err := checkID(m.ID); err != nil {
				return nil, err
			}
			payload = []byte(m.ID)
		}
	case SegmentRequest:
		if err := checkID(m.ID); err != nil {
			return nil, err
		}
		payload = []byte(m.ID)
	case SegmentReply:
		if err := checkID(m.ID); err != nil {
			return nil, err
		}
		payload = make([]byte, 0, types.HashLen+len(m.Data))
		payload = append(payload, m.ID...)
		payload = append(payload, m.Data...)
	case BlobRequest:
		if err := checkID(m.ID); err != nil {
			return nil, err
		}
		payload = []byte(m.ID)
	case BlobChunkReply:
		if err := checkID(m.ID); err != nil {
			return nil, err
		}
		payload = make([]byte, 0, chunkHeaderSize+len(m.Data))
		payload = append(payload, m.ID...)
		payload = binary.BigEndian.AppendUint64(payload, m.Offset)
		payload = binary.BigEndian.AppendUint64(payload, m.Total)
		var flags byte
		if m.Last {
			flags |= flagLast
		}
		payload = append(payload, flags)
		payload = append(payload, m.Data...)
	case NotFound:
		if err := checkID(m.ID); err != nil {
			return nil, err
		}
		payload = []byte(m.ID)
	case ErrorReply:
		if !utf8.ValidString(m.Reason) {
			return nil, fmt.Errorf("error reason is not valid UTF-8")
		}
		payload = []byte(m.Reason)
	default:
		return nil, fmt.Errorf("cannot encode message %T", m)
	}

	frame := make([]byte, HeaderSize+1+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(1+len(payload)))
	frame[HeaderSize] = byte(m.Kind())
	copy(frame[HeaderSize+1:], payload)
	return frame, nil
}

func checkID(id types.Hash) error {
	if !id.IsValid() {
		return fmt.Errorf("invalid id %q", id)
	}
	return nil
}

// Decoder 是一个可续传的帧解析器：Feed 任意切分的字节，Next 取出完整的消息。
// 不完整的前缀保留在缓冲区里，永远不会阻塞。
type Decoder struct {
	buf      []byte
	maxFrame uint32
	err      error
}

// NewDecoder 创建解析器，maxFrameSize <= 0 时使用默认值
func NewDecoder(maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{maxFrame: uint32(maxFrameSize)}
}

// Feed 追加收到的字节
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered 返回尚未消费的字节数
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next 返回下一条完整的消息。
// 返回 ErrNeedMoreData 时缓冲区不变；返回 MalformedError 后解析器作废。
func (d *Decoder) Next() (Message, error) {
	if d.err != nil {
		return nil, d.err
	}
	if len(d.buf) < HeaderSize {
		return nil, ErrNeedMoreData
	}

	// 先校验长度，再决定要不要等数据，非法长度不会触发任何分配
	length := binary.BigEndian.Uint32(d.buf)
	if length == 0 {
		d.err = malformed("zero length")
		return nil, d.err
	}
	if length > d.maxFrame {
		d.err = malformed("length %d exceeds limit %d", length, d.maxFrame)
		return nil, d.err
	}
	if uint64(len(d.buf)) < HeaderSize+uint64(length) {
		return nil, ErrNeedMoreData
	}

	kind := Kind(d.buf[HeaderSize])
	payload := d.buf[HeaderSize+1 : HeaderSize+int(length)]

	msg, err := decodePayload(kind, payload)
	d.consume(HeaderSize + int(length))
	if err != nil {
		var m *MalformedError
		if errors.As(err, &m) {
			d.err = err
		}
		return nil, err
	}
	return msg, nil
}

// consume 丢弃已解析的帧，剩余字节前移，避免缓冲区无限增长
func (d *Decoder) consume(n int) {
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}

func decodePayload(kind Kind, p []byte) (Message, error) {
	switch kind {
	case KindHeadRequest:
		if len(p) != 0 {
			return nil, malformed("head request carries %d payload bytes", len(p))
		}
		return HeadRequest{}, nil
	case KindHeadReply:
		if len(p) == 0 {
			return HeadReply{}, nil
		}
		id, err := readID(p)
		if err != nil {
			return nil, err
		}
		if len(p) != types.HashLen {
			return nil, malformed("head reply has %d trailing bytes", len(p)-types.HashLen)
		}
		return HeadReply{ID: id}, nil
	case KindSegmentRequest, KindBlobRequest, KindNotFound:
		if len(p) != types.HashLen {
			return nil, malformed("%s payload is %d bytes, want %d", kind, len(p), types.HashLen)
		}
		id, err := readID(p)
		if err != nil {
			return nil, err
		}
		switch kind {
		case KindSegmentRequest:
			return SegmentRequest{ID: id}, nil
		case KindBlobRequest:
			return BlobRequest{ID: id}, nil
		default:
			return NotFound{ID: id}, nil
		}
	case KindSegmentReply:
		id, err := readID(p)
		if err != nil {
			return nil, err
		}
		return SegmentReply{ID: id, Data: clone(p[types.HashLen:])}, nil
	case KindBlobChunkReply:
		if len(p) < chunkHeaderSize {
			return nil, malformed("blob chunk header truncated: %d bytes", len(p))
		}
		id, err := readID(p)
		if err != nil {
			return nil, err
		}
		rest := p[types.HashLen:]
		offset := binary.BigEndian.Uint64(rest)
		total := binary.BigEndian.Uint64(rest[8:])
		flags := rest[16]
		if flags&^flagLast != 0 {
			return nil, malformed("unknown blob chunk flags 0x%02x", flags)
		}
		return BlobChunkReply{
			ID:     id,
			Offset: offset,
			Total:  total,
			Last:   flags&flagLast != 0,
			Data:   clone(rest[17:]),
		}, nil
	case KindError:
		if !utf8.Valid(p) {
			return nil, malformed("error reason is not valid UTF-8")
		}
		return ErrorReply{Reason: string(p)}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

func readID(p []byte) (types.Hash, error) {
	if len(p) < types.HashLen {
		return "", malformed("id truncated: %d bytes", len(p))
	}
	id := types.Hash(p[:types.HashLen])
	if !id.IsValid() {
		return "", malformed("invalid id")
	}
	return id, nil
}

// clone 复制出独立的切片，缓冲区会被后续帧复用
func clone(p []byte) []byte {
	if len(p) == 0 {
		return nil
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out
}
