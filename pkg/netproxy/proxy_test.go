package netproxy

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCopyWithFaults(t *testing.T) {
	src := []byte("0123456789")
	tests := []struct {
		name string
		f    faults
		want []byte
	}{
		{"none", faults{flipAt: -1}, src},
		{"flip first", faults{flipAt: 0}, append([]byte{^byte('0')}, src[1:]...)},
		{"flip middle", faults{flipAt: 5}, []byte{'0', '1', '2', '3', '4', ^byte('5'), '6', '7', '8', '9'}},
		{"skip one", faults{flipAt: -1, skipAt: 3, skipLen: 1}, []byte("012456789")},
		{"skip tail", faults{flipAt: -1, skipAt: 8, skipLen: 10}, []byte("01234567")},
		{"flip past end", faults{flipAt: 100}, src},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			// iotest 风格：每次只读 3 个字节，验证跨 Read 的位置计数
			r := &smallReader{data: src, step: 3}
			require.NoError(t, copyWithFaults(&out, r, tt.f))
			assert.Equal(t, tt.want, out.Bytes())
		})
	}
}

type smallReader struct {
	data []byte
	step int
}

func (s *smallReader) Read(p []byte) (int, error) {
	if len(s.data) == 0 {
		return 0, io.EOF
	}
	n := min(s.step, len(p), len(s.data))
	copy(p, s.data[:n])
	s.data = s.data[n:]
	return n, nil
}

// echoServer 把收到的请求长度 n 回复为 n 个连续字节
func echoServer(t *testing.T, payload []byte) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				one := make([]byte, 1)
				if _, err := c.Read(one); err != nil {
					return
				}
				c.Write(payload)
			}()
		}
	}()
	return l
}

func fetch(t *testing.T, addr string, n int) []byte {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte{1})
	require.NoError(t, err)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	got := make([]byte, 0, n)
	buf := make([]byte, 1024)
	for len(got) < n {
		k, err := c.Read(buf)
		got = append(got, buf[:k]...)
		if err != nil {
			break
		}
	}
	return got
}

func TestProxy_EndToEnd(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 1000)
	upstream := echoServer(t, payload)

	p := New(upstream.Addr().String(), zaptest.NewLogger(t))
	require.NoError(t, p.Start("127.0.0.1:0"))
	defer p.Close()

	// 1. 没有故障时透明转发
	assert.Equal(t, payload, fetch(t, p.Addr().String(), len(payload)))

	// 2. 翻转第 150 个字节，每条新连接都生效
	p.FlipByteAt(150)
	for i := 0; i < 2; i++ {
		got := fetch(t, p.Addr().String(), len(payload))
		require.Len(t, got, len(payload))
		assert.Equal(t, ^payload[150], got[150])
	}

	// 3. Reset 之后恢复正常
	p.Reset()
	assert.Equal(t, payload, fetch(t, p.Addr().String(), len(payload)))
}

func TestProxy_Once(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 500)
	upstream := echoServer(t, payload)

	p := New(upstream.Addr().String(), zaptest.NewLogger(t))
	require.NoError(t, p.Start("127.0.0.1:0"))
	defer p.Close()

	p.Once(true)
	p.SkipBytes(100, 10)

	first := fetch(t, p.Addr().String(), len(payload)-10)
	assert.Len(t, first, len(payload)-10)

	second := fetch(t, p.Addr().String(), len(payload))
	assert.Equal(t, payload, second)
}
