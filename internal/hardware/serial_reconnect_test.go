package hardware

import (
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/token-hopper/internal/errors"
	"go.uber.org/zap"
)

// flakyPort 读写返回预设错误的串口
type flakyPort struct {
	mu      sync.Mutex
	name    string
	readErr error
	closed  bool
	written []byte
}

func (p *flakyPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readErr != nil {
		return 0, p.readErr
	}
	return copy(buf, "ok"), nil
}

func (p *flakyPort) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, data...)
	return len(data), nil
}

func (p *flakyPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *flakyPort) Flush() error { return nil }

type portFactory struct {
	mu      sync.Mutex
	ports   []*flakyPort
	failing bool
}

func (f *portFactory) open(name string) (SerialPort, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, stderrors.New("open /dev/x: no such file or directory")
	}
	p := &flakyPort{name: name}
	f.ports = append(f.ports, p)
	return p, nil
}

func (f *portFactory) last() *flakyPort {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ports[len(f.ports)-1]
}

func (f *portFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ports)
}

func (f *portFactory) setFailing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = v
}

func newTestReconnectingPort(t *testing.T, devices ...string) (*ReconnectingPort, *portFactory, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	factory := &portFactory{}
	present := map[string]bool{}
	for _, d := range devices {
		present[d] = true
	}

	cfg := ReconnectConfig{
		Device:      "/dev/ttyUSB0",
		Pattern:     "ttyUSB",
		MinInterval: time.Second,
		MaxInterval: 4 * time.Second,
	}
	cfg.setDefaults()
	p := &ReconnectingPort{
		cfg:      cfg,
		open:     factory.open,
		exists:   func(d string) bool { return present[d] },
		clock:    clock,
		log:      zap.NewNop(),
		interval: cfg.MinInterval,
	}
	p.mu.Lock()
	err := p.connect()
	p.mu.Unlock()
	require.NoError(t, err)
	return p, factory, clock
}

func TestReconnectingPort(t *testing.T) {
	t.Run("优先打开配置的设备", func(t *testing.T) {
		p, factory, _ := newTestReconnectingPort(t, "/dev/ttyUSB0", "/dev/ttyUSB1")
		assert.Equal(t, "/dev/ttyUSB0", p.Device())

		buf := make([]byte, 8)
		n, err := p.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "ok", string(buf[:n]))

		_, err = p.Write([]byte{0xAA})
		require.NoError(t, err)
		assert.Equal(t, []byte{0xAA}, factory.last().written)
	})

	t.Run("按前缀扫描备选设备", func(t *testing.T) {
		p, _, _ := newTestReconnectingPort(t, "/dev/ttyUSB2")
		assert.Equal(t, "/dev/ttyUSB2", p.Device())
	})

	t.Run("断线后重连", func(t *testing.T) {
		p, factory, _ := newTestReconnectingPort(t, "/dev/ttyUSB0")
		reconnected := make(chan struct{}, 1)
		p.OnReconnect(func() { reconnected <- struct{}{} })

		first := factory.last()
		first.readErr = stderrors.New("read /dev/ttyUSB0: input/output error")
		_, err := p.Read(make([]byte, 8))
		require.Error(t, err)
		assert.True(t, first.closed)

		n, err := p.Read(make([]byte, 8))
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, 2, factory.count())
		assert.Equal(t, 1, p.Reconnects())

		select {
		case <-reconnected:
		case <-time.After(time.Second):
			t.Fatal("重连回调未执行")
		}
	})

	t.Run("普通错误不触发重连", func(t *testing.T) {
		p, factory, _ := newTestReconnectingPort(t, "/dev/ttyUSB0")
		factory.last().readErr = stderrors.New("timeout")
		_, err := p.Read(make([]byte, 8))
		require.Error(t, err)
		assert.False(t, factory.last().closed)
		assert.Equal(t, 1, factory.count())
	})

	t.Run("重连失败后退避", func(t *testing.T) {
		p, factory, clock := newTestReconnectingPort(t, "/dev/ttyUSB0")
		factory.last().readErr = stderrors.New("write: broken pipe")
		_, _ = p.Read(make([]byte, 8))

		factory.setFailing(true)
		_, err := p.Read(make([]byte, 8))
		assert.True(t, errors.Is(err, errors.ErrBoardOpen))

		// 退避期内不再尝试打开
		_, err = p.Write([]byte{1})
		assert.True(t, errors.Is(err, errors.ErrDeviceOffline))

		factory.setFailing(false)
		clock.Advance(time.Second)
		_, err = p.Write([]byte{1})
		require.NoError(t, err)
		assert.Equal(t, 2, factory.count())
	})

	t.Run("退避间隔有上限", func(t *testing.T) {
		p, factory, clock := newTestReconnectingPort(t, "/dev/ttyUSB0")
		factory.last().readErr = stderrors.New("device not configured")
		_, _ = p.Read(make([]byte, 8))
		factory.setFailing(true)

		for i := 0; i < 5; i++ {
			_, _ = p.Read(make([]byte, 8))
			clock.Advance(10 * time.Second)
		}
		p.mu.Lock()
		assert.Equal(t, 4*time.Second, p.interval)
		p.mu.Unlock()
	})

	t.Run("关闭后不再重连", func(t *testing.T) {
		p, factory, _ := newTestReconnectingPort(t, "/dev/ttyUSB0")
		require.NoError(t, p.Close())
		assert.True(t, factory.last().closed)

		_, err := p.Read(make([]byte, 8))
		assert.True(t, errors.Is(err, errors.ErrDeviceOffline))
		assert.Equal(t, 1, factory.count())
	})
}
