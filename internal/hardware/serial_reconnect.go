package hardware

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tarm/serial"
	"github.com/wfunc/token-hopper/internal/errors"
	"github.com/wfunc/token-hopper/internal/logger"
	"go.uber.org/zap"
)

// SerialPort 桥接板串口，tarm/serial 的 *Port 与 ReconnectingPort 都满足
type SerialPort interface {
	io.ReadWriteCloser
	Flush() error
}

// SerialPortExists 检查串口设备是否存在
func SerialPortExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// PortOpener 打开指定路径的串口
type PortOpener func(name string) (SerialPort, error)

// TarmOpener 使用 tarm/serial 打开串口
func TarmOpener(baud int, readTimeout time.Duration) PortOpener {
	return func(name string) (SerialPort, error) {
		port, err := serial.OpenPort(&serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout})
		if err != nil {
			return nil, err
		}
		return port, nil
	}
}

// ReconnectConfig 串口重连参数
type ReconnectConfig struct {
	Device      string // 首选设备
	Pattern     string // 备选设备名前缀，如 ttyUSB，扫描 /dev/<Pattern>0..9
	MinInterval time.Duration
	MaxInterval time.Duration
}

func (c *ReconnectConfig) setDefaults() {
	if c.MinInterval <= 0 {
		c.MinInterval = time.Second
	}
	if c.MaxInterval < c.MinInterval {
		c.MaxInterval = 30 * time.Second
	}
}

// ReconnectingPort 断线后自动重新打开的串口
// 读写遇到断线错误时关闭底层串口，之后的读写按退避间隔尝试重连
type ReconnectingPort struct {
	cfg    ReconnectConfig
	open   PortOpener
	exists func(string) bool
	clock  clockwork.Clock
	log    *zap.Logger

	mu         sync.Mutex
	port       SerialPort
	device     string
	nextTry    time.Time
	interval   time.Duration
	reconnects int
	closed     bool

	onReconnect func()
}

// NewReconnectingPort 创建重连串口，首次连接失败时返回错误
func NewReconnectingPort(cfg ReconnectConfig, open PortOpener, clock clockwork.Clock) (*ReconnectingPort, error) {
	cfg.setDefaults()
	p := &ReconnectingPort{
		cfg:      cfg,
		open:     open,
		exists:   SerialPortExists,
		clock:    clock,
		log:      logger.GetModuleLogger("hardware"),
		interval: cfg.MinInterval,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

// OnReconnect 设置重连成功回调，在独立协程中执行
func (p *ReconnectingPort) OnReconnect(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onReconnect = fn
}

// Device 当前设备路径
func (p *ReconnectingPort) Device() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.device
}

// Reconnects 断线后重连成功的次数
func (p *ReconnectingPort) Reconnects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reconnects
}

// Read 读取数据
func (p *ReconnectingPort) Read(buf []byte) (int, error) {
	port, err := p.current()
	if err != nil {
		return 0, err
	}
	n, err := port.Read(buf)
	if err != nil {
		p.handleError(port, err)
	}
	return n, err
}

// Write 写入数据
func (p *ReconnectingPort) Write(data []byte) (int, error) {
	port, err := p.current()
	if err != nil {
		return 0, err
	}
	n, err := port.Write(data)
	if err != nil {
		p.handleError(port, err)
	}
	return n, err
}

// Flush 清空缓冲区
func (p *ReconnectingPort) Flush() error {
	port, err := p.current()
	if err != nil {
		return err
	}
	return port.Flush()
}

// Close 关闭串口，之后不再重连
func (p *ReconnectingPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	return err
}

// current 返回可用串口，断线时按退避间隔重连
func (p *ReconnectingPort) current() (SerialPort, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.New(errors.ErrDeviceOffline, "port closed")
	}
	if p.port != nil {
		return p.port, nil
	}
	if p.clock.Now().Before(p.nextTry) {
		return nil, errors.New(errors.ErrDeviceOffline, p.device)
	}

	if err := p.connect(); err != nil {
		p.nextTry = p.clock.Now().Add(p.interval)
		p.log.Warn("重连失败，等待重试",
			zap.Error(err),
			zap.Duration("interval", p.interval))
		p.interval *= 2
		if p.interval > p.cfg.MaxInterval {
			p.interval = p.cfg.MaxInterval
		}
		return nil, err
	}

	p.interval = p.cfg.MinInterval
	p.reconnects++
	p.log.Info("重连成功",
		zap.String("device", p.device),
		zap.Int("reconnects", p.reconnects))
	if p.onReconnect != nil {
		go p.onReconnect()
	}
	return p.port, nil
}

// connect 查找设备并打开，调用方持有锁
func (p *ReconnectingPort) connect() error {
	device := p.findDevice()
	if device == "" {
		return errors.Newf(errors.ErrBoardOpen, "未找到串口设备 %s", p.cfg.Device)
	}

	port, err := p.open(device)
	if err != nil {
		return errors.Wrap(err, errors.ErrBoardOpen, device)
	}
	p.port = port
	p.device = device

	p.log.Info("串口连接成功", zap.String("device", device))
	return nil
}

// findDevice 优先使用上次成功的设备，其次配置的设备，最后按前缀扫描
func (p *ReconnectingPort) findDevice() string {
	if p.device != "" && p.exists(p.device) {
		return p.device
	}
	if p.cfg.Device != "" && p.exists(p.cfg.Device) {
		return p.cfg.Device
	}
	if p.cfg.Pattern == "" {
		return ""
	}
	for i := 0; i < 10; i++ {
		device := fmt.Sprintf("/dev/%s%d", p.cfg.Pattern, i)
		if p.exists(device) {
			return device
		}
	}
	return ""
}

// handleError 断线错误时丢弃底层串口
func (p *ReconnectingPort) handleError(port SerialPort, err error) {
	if !isDisconnectError(err) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port != port {
		return
	}

	p.log.Error("检测到串口断线",
		zap.String("device", p.device),
		zap.Error(err))
	port.Close()
	p.port = nil
	p.nextTry = p.clock.Now()
}

func isDisconnectError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"input/output error",
		"device not configured",
		"broken pipe",
		"no such file",
		"no such device",
		"file already closed",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
