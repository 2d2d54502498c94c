package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"standby/pkg/faults"
)

const readBufferSize = 32 * 1024

// Conn 在 net.Conn 上收发消息。
// 同一时刻只允许一个读者和一个写者，请求/响应是严格串行的。
type Conn struct {
	raw          net.Conn
	dec          *Decoder
	buf          []byte
	maxFrame     int
	readTimeout  time.Duration
	writeTimeout time.Duration

	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

type ConnOpt func(*Conn)

// WithReadTimeout 设置单次 ReadMessage 的超时，超时视为传输故障
func WithReadTimeout(d time.Duration) ConnOpt {
	return func(c *Conn) { c.readTimeout = d }
}

func WithWriteTimeout(d time.Duration) ConnOpt {
	return func(c *Conn) { c.writeTimeout = d }
}

func WithMaxFrameSize(n int) ConnOpt {
	return func(c *Conn) { c.maxFrame = n }
}

func NewConn(raw net.Conn, opts ...ConnOpt) *Conn {
	c := &Conn{
		raw:      raw,
		maxFrame: DefaultMaxFrameSize,
		buf:      make([]byte, readBufferSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dec = NewDecoder(c.maxFrame)
	return c
}

// WriteMessage 编码并写出一条消息
func (c *Conn) WriteMessage(ctx context.Context, m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	if len(frame)-HeaderSize > c.maxFrame {
		return fmt.Errorf("%s frame of %d bytes exceeds limit %d", m.Kind(), len(frame), c.maxFrame)
	}

	stop := c.watch(ctx)
	defer stop()

	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	n, err := c.raw.Write(frame)
	c.bytesOut.Add(int64(n))
	if err != nil {
		return c.transportErr(ctx, err)
	}
	return nil
}

// ReadMessage 读取下一条完整的消息。
// 网络错误、超时、非法帧和未知 kind 都作为 faults.ErrTransport 返回，
// 需要区分未知 kind 的调用方 (服务端) 用 errors.Is(err, ErrUnknownKind) 判断。
func (c *Conn) ReadMessage(ctx context.Context) (Message, error) {
	stop := c.watch(ctx)
	defer stop()

	if c.readTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
	}

	var readErr error
	for {
		msg, err := c.dec.Next()
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, ErrNeedMoreData) {
			return nil, faults.Transport(err)
		}
		if readErr != nil {
			return nil, c.transportErr(ctx, readErr)
		}

		var n int
		n, readErr = c.raw.Read(c.buf)
		if n > 0 {
			c.bytesIn.Add(int64(n))
			c.dec.Feed(c.buf[:n])
		}
	}
}

// watch 在 ctx 取消时立刻让阻塞的读写返回
func (c *Conn) watch(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		_ = c.raw.SetDeadline(time.Now())
	})
}

func (c *Conn) transportErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return faults.Transport(err)
}

// BytesIn / BytesOut 返回累计收发的字节数
func (c *Conn) BytesIn() int64  { return c.bytesIn.Load() }
func (c *Conn) BytesOut() int64 { return c.bytesOut.Load() }

func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

func (c *Conn) Close() error {
	return c.raw.Close()
}
