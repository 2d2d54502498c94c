// Package netproxy 是一个可以注入故障的 TCP 代理，用于复制链路的故障测试。
// 故障只作用于 上游→下游 方向 (主节点发往副本的字节)，位置按每条连接从 0 计数。
package netproxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// faults 是一条连接建立时的故障快照
type faults struct {
	flipAt  int64 // -1 表示不翻转
	skipAt  int64
	skipLen int64
}

func (f faults) active() bool {
	return f.flipAt >= 0 || f.skipLen > 0
}

type Proxy struct {
	target string
	logger *zap.Logger

	mu       sync.Mutex
	faults   faults
	once     bool
	applied  bool
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func New(target string, logger *zap.Logger) *Proxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Proxy{
		target: target,
		logger: logger,
		faults: faults{flipAt: -1},
		conns:  make(map[net.Conn]struct{}),
	}
}

// FlipByteAt 把下行流中第 pos 个字节按位取反，pos < 0 取消
func (p *Proxy) FlipByteAt(pos int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults.flipAt = pos
	p.applied = false
}

// SkipBytes 丢弃下行流中从 pos 开始的 n 个字节
func (p *Proxy) SkipBytes(pos, n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults.skipAt = pos
	p.faults.skipLen = n
	p.applied = false
}

// Once 为 true 时故障只作用于下一条新连接
func (p *Proxy) Once(once bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.once = once
}

// Reset 清除所有故障并断开现有连接
func (p *Proxy) Reset() {
	p.mu.Lock()
	p.faults = faults{flipAt: -1}
	conns := make([]net.Conn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (p *Proxy) Start(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	p.listener = l
	p.wg.Add(1)
	go p.acceptLoop()
	return nil
}

func (p *Proxy) Addr() net.Addr {
	return p.listener.Addr()
}

func (p *Proxy) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	err := p.listener.Close()
	p.Reset()
	p.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (p *Proxy) acceptLoop() {
	defer p.wg.Done()
	for {
		down, err := p.listener.Accept()
		if err != nil {
			return
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handle(down)
		}()
	}
}

// snapshot 取出本条连接要注入的故障
func (p *Proxy) snapshot() faults {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.faults
	if p.once && p.applied {
		return faults{flipAt: -1}
	}
	if f.active() {
		p.applied = true
	}
	return f
}

func (p *Proxy) track(conns ...net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	for _, c := range conns {
		p.conns[c] = struct{}{}
	}
	return true
}

func (p *Proxy) untrack(conns ...net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range conns {
		delete(p.conns, c)
		c.Close()
	}
}

func (p *Proxy) handle(down net.Conn) {
	up, err := net.Dial("tcp", p.target)
	if err != nil {
		p.logger.Warn("proxy dial failed", zap.String("target", p.target), zap.Error(err))
		down.Close()
		return
	}
	if !p.track(down, up) {
		down.Close()
		up.Close()
		return
	}
	defer p.untrack(down, up)

	f := p.snapshot()
	if f.active() {
		p.logger.Debug("injecting faults",
			zap.Int64("flip_at", f.flipAt),
			zap.Int64("skip_at", f.skipAt),
			zap.Int64("skip_len", f.skipLen),
		)
	}

	// 任一方向结束就关闭两端
	var eg errgroup.Group
	eg.Go(func() error {
		defer up.Close()
		defer down.Close()
		_, err := io.Copy(up, down)
		return err
	})
	eg.Go(func() error {
		defer up.Close()
		defer down.Close()
		return copyWithFaults(down, up, f)
	})
	_ = eg.Wait()
}

// copyWithFaults 从 src 拷贝到 dst，同时按位置翻转或丢弃字节
func copyWithFaults(dst io.Writer, src io.Reader, f faults) error {
	buf := make([]byte, 32*1024)
	var pos int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			out := buf[:0]
			for i := 0; i < n; i++ {
				b := buf[i]
				at := pos + int64(i)
				if f.skipLen > 0 && at >= f.skipAt && at < f.skipAt+f.skipLen {
					continue
				}
				if at == f.flipAt {
					b = ^b
				}
				out = append(out, b)
			}
			pos += int64(n)
			if len(out) > 0 {
				if _, werr := dst.Write(out); werr != nil {
					return werr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
