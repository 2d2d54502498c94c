// Package server 是主节点的复制服务：在 TCP 上回答 HEAD / Segment / Blob 请求。
// 服务端只读，从不修改自己的存储。
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"standby/pkg/protocol"
	"standby/pkg/transfer"
	"standby/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Source 是服务端需要的只读存储视图 (通常是 *repo.Repository)
type Source interface {
	transfer.Source
	Head(ctx context.Context) (types.Hash, error)
}

type Opt func(s *Server)

func WithLogger(logger *zap.Logger) Opt {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithChunkSize 设置 Blob 分片大小
func WithChunkSize(n int) Opt {
	return func(s *Server) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

func WithMaxFrameSize(n int) Opt {
	return func(s *Server) {
		if n > 0 {
			s.maxFrameSize = n
		}
	}
}

// WithTimeout 设置单次写回复的超时
func WithTimeout(timeout time.Duration) Opt {
	return func(s *Server) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithIdleTimeout 设置连接上两次请求之间允许的最长空闲，0 表示不限
func WithIdleTimeout(timeout time.Duration) Opt {
	return func(s *Server) {
		s.idleTimeout = timeout
	}
}

// WithRequestsPerSecond 限制每条连接的请求速率，0 表示不限
func WithRequestsPerSecond(n int) Opt {
	return func(s *Server) {
		s.requestsPerSecond = n
	}
}

// WithHeadPollInterval 设置 HeadWatcher 的轮询间隔
func WithHeadPollInterval(d time.Duration) Opt {
	return func(s *Server) {
		if d > 0 {
			s.headPollInterval = d
		}
	}
}

type Server struct {
	src    Source
	logger *zap.Logger

	chunkSize         int
	maxFrameSize      int
	timeout           time.Duration
	idleTimeout       time.Duration
	requestsPerSecond int
	headPollInterval  time.Duration

	watcher *HeadWatcher
	metrics *tracker

	listener net.Listener
	cancel   context.CancelFunc
	eg       errgroup.Group

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

func New(src Source, opts ...Opt) *Server {
	s := &Server{
		src:              src,
		logger:           zap.NewNop(),
		chunkSize:        transfer.DefaultChunkSize,
		maxFrameSize:     protocol.DefaultMaxFrameSize,
		timeout:          30 * time.Second,
		headPollInterval: time.Second,
		metrics:          newTracker(),
		conns:            make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.watcher = NewHeadWatcher(src, s.headPollInterval, s.logger, s.metrics.headChanges)
	return s
}

// Start 开始监听 addr (例如 "127.0.0.1:0")，立即返回
// 分片大小和帧上限不匹配时直接报错，不会开始监听。
func (s *Server) Start(ctx context.Context, addr string) error {
	if err := protocol.CheckFrameLimits(s.maxFrameSize, s.chunkSize); err != nil {
		return err
	}

	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = l

	ctx, s.cancel = context.WithCancel(ctx)
	s.eg.Go(func() error {
		return s.watcher.Run(ctx)
	})
	s.eg.Go(func() error {
		return s.acceptLoop(ctx)
	})
	s.logger.Info("replication server listening",
		zap.Stringer("addr", l.Addr()),
		zap.Int("chunk_size", s.chunkSize),
	)
	return nil
}

// Addr 返回实际监听的地址
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Watcher 返回 HEAD 变化的订阅源
func (s *Server) Watcher() *HeadWatcher {
	return s.watcher
}

// Close 停止监听，断开所有连接并等待处理协程退出
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	err := s.eg.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		raw, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.track(raw) {
			raw.Close()
			return nil
		}
		s.eg.Go(func() error {
			defer s.untrack(raw)
			s.serveConn(ctx, raw)
			return nil
		})
	}
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.metrics.connections.Inc()
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
	c.Close()
	s.metrics.connections.Dec()
}

// serveConn 串行处理一条连接上的请求，直到对端断开或出现协议错误
func (s *Server) serveConn(ctx context.Context, raw net.Conn) {
	logger := s.logger.With(zap.Stringer("remote", raw.RemoteAddr()))
	logger.Debug("connection accepted")

	conn := protocol.NewConn(raw,
		protocol.WithMaxFrameSize(s.maxFrameSize),
		protocol.WithReadTimeout(s.idleTimeout),
		protocol.WithWriteTimeout(s.timeout),
	)
	sender := transfer.NewSender(s.src, s.chunkSize)

	var limiter *rate.Limiter
	if s.requestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.requestsPerSecond), s.requestsPerSecond)
	}

	for {
		msg, err := conn.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownKind) {
				// 帧结构完整但不认识，告诉对端原因再断开
				_ = conn.WriteMessage(ctx, protocol.ErrorReply{Reason: err.Error()})
				requests.WithLabelValues("unknown", "rejected").Inc()
			}
			logger.Debug("connection closed", zap.Error(err))
			return
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}
		if err := s.handle(ctx, conn, sender, msg); err != nil {
			logger.Warn("request failed, closing connection",
				zap.Stringer("kind", msg.Kind()),
				zap.Error(err),
			)
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, conn *protocol.Conn, sender *transfer.Sender, msg protocol.Message) error {
	start := time.Now()
	kind := msg.Kind().String()
	result := "ok"
	defer func() {
		requests.WithLabelValues(kind, result).Inc()
		serveLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	var err error
	switch m := msg.(type) {
	case protocol.HeadRequest:
		var head types.Hash
		head, err = s.src.Head(ctx)
		if err == nil {
			err = conn.WriteMessage(ctx, protocol.HeadReply{ID: head})
		}
	case protocol.SegmentRequest:
		var n int64
		n, err = sender.SendSegment(ctx, conn, m.ID)
		s.metrics.segmentBytes.Add(float64(n))
	case protocol.BlobRequest:
		var n int64
		n, err = sender.SendBlob(ctx, conn, m.ID)
		s.metrics.blobBytes.Add(float64(n))
	default:
		// 回复类消息不是合法的请求
		result = "rejected"
		_ = conn.WriteMessage(ctx, protocol.ErrorReply{Reason: fmt.Sprintf("unsupported request %s", m.Kind())})
		return fmt.Errorf("unsupported request %s", m.Kind())
	}
	if err != nil {
		result = "error"
	}
	return err
}
