package hardware

import (
	stderrors "errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wfunc/token-hopper/internal/errors"
	"github.com/wfunc/token-hopper/internal/logger"
	"go.uber.org/zap"
)

// 桥接板时间戳超出该偏差时重新对齐主机时钟
const edgeResyncWindow = time.Second

// SerialBoardConfig 串口桥接板配置
type SerialBoardConfig struct {
	Port              string
	DevicePattern     string // 断线后按前缀扫描 /dev/<DevicePattern>N
	BaudRate          int
	ReadTimeout       time.Duration
	AckTimeout        time.Duration
	HeartbeatInterval time.Duration
}

func (c *SerialBoardConfig) setDefaults() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 200 * time.Millisecond
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 50 * time.Millisecond
	}
}

// SerialBoard 通过串口桥接板（MCU 负责采集边沿并打时间戳）驱动出币机
type SerialBoard struct {
	cfg   SerialBoardConfig
	port  SerialPort
	clock clockwork.Clock
	log   *zap.Logger

	sequence uint32
	writeMu  sync.Mutex

	cmdMu   sync.Mutex
	pending map[uint16]chan error

	mu      sync.RWMutex
	levels  [pinCount]Level
	watches [pinCount]watch

	tsMu      sync.Mutex
	synced    bool
	lastTicks uint32
	lastAt    time.Time

	badFrames atomic.Uint64
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// OpenSerialBoard 打开串口并启动读取与心跳，断线后自动重连
func OpenSerialBoard(cfg SerialBoardConfig, clock clockwork.Clock) (*SerialBoard, error) {
	cfg.setDefaults()
	port, err := NewReconnectingPort(ReconnectConfig{
		Device:  cfg.Port,
		Pattern: cfg.DevicePattern,
	}, TarmOpener(cfg.BaudRate, cfg.ReadTimeout), clock)
	if err != nil {
		return nil, err
	}

	b := NewSerialBoard(port, clock, cfg)
	port.OnReconnect(b.Resync)
	b.Start()
	if err := b.QueryPins(); err != nil {
		b.log.Warn("Initial pin query failed", zap.Error(err))
	}

	b.log.Info("Serial board connected",
		zap.String("port", port.Device()),
		zap.Int("baudrate", cfg.BaudRate))
	return b, nil
}

// NewSerialBoard 基于已打开的串口创建桥接板，需调用 Start
func NewSerialBoard(port SerialPort, clock clockwork.Clock, cfg SerialBoardConfig) *SerialBoard {
	cfg.setDefaults()
	b := &SerialBoard{
		cfg:     cfg,
		port:    port,
		clock:   clock,
		log:     logger.GetModuleLogger("hardware"),
		pending: make(map[uint16]chan error),
		stopCh:  make(chan struct{}),
	}
	for p := range b.levels {
		b.levels[p] = High
	}
	b.levels[PinMotor] = Low
	return b
}

// Start 启动后台任务
func (b *SerialBoard) Start() {
	b.wg.Add(1)
	go b.readLoop()
	if b.cfg.HeartbeatInterval > 0 {
		b.wg.Add(1)
		go b.heartbeatLoop()
	}
}

// getNextSeq 获取下一个序列号（奇数），偶数留给桥接板主动上报
func (b *SerialBoard) getNextSeq() uint16 {
	seq := atomic.AddUint32(&b.sequence, 2)
	if seq%2 == 0 {
		seq++
	}
	return uint16(seq)
}

// sendCommand 发送命令并等待ACK
func (b *SerialBoard) sendCommand(cmd byte, data []byte) error {
	seq := b.getNextSeq()
	respCh := make(chan error, 1)

	b.cmdMu.Lock()
	b.pending[seq] = respCh
	b.cmdMu.Unlock()

	defer func() {
		b.cmdMu.Lock()
		delete(b.pending, seq)
		b.cmdMu.Unlock()
	}()

	if err := b.writeFrame(NewFrame(cmd, seq, data)); err != nil {
		return errors.Wrap(err, errors.ErrBoardWrite)
	}

	select {
	case err := <-respCh:
		return err
	case <-b.clock.After(b.cfg.AckTimeout):
		return errors.Newf(errors.ErrSerialTimeout, "wait ACK timeout for cmd 0x%02X seq %d", cmd, seq)
	case <-b.stopCh:
		return errors.New(errors.ErrDeviceOffline)
	}
}

// writeFrame 写入数据帧
func (b *SerialBoard) writeFrame(frame *Frame) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	data := frame.ToBytes()
	n, err := b.port.Write(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return errors.Newf(errors.ErrBoardWrite, "incomplete write: %d/%d", n, len(data))
	}

	b.log.Debug("Frame sent",
		zap.Uint8("cmd", frame.Command),
		zap.Uint16("seq", frame.Sequence))
	return nil
}

// readLoop 读取循环
func (b *SerialBoard) readLoop() {
	defer b.wg.Done()

	buf := make([]byte, 256)
	frameBuf := make([]byte, 0, 512)

	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		n, err := b.port.Read(buf)
		if err != nil {
			if stderrors.Is(err, io.EOF) {
				continue
			}
			select {
			case <-b.stopCh:
				return
			default:
			}
			b.log.Error("Read error", zap.Error(errors.Wrap(err, errors.ErrBoardRead)))
			b.clock.Sleep(b.cfg.ReadTimeout)
			continue
		}
		if n == 0 {
			continue
		}

		frameBuf = append(frameBuf, buf[:n]...)
		frames, rest, bad := ExtractFrames(frameBuf)
		if bad > 0 {
			b.badFrames.Add(uint64(bad))
			b.log.Warn("Dropped malformed frames", zap.Int("count", bad))
		}
		frameBuf = append(frameBuf[:0], rest...)

		for _, frame := range frames {
			b.handleFrame(frame)
		}
	}
}

// handleFrame 处理接收到的帧
func (b *SerialBoard) handleFrame(frame *Frame) {
	switch frame.Command {
	case CmdACK:
		b.handleAck(frame, nil)
	case CmdNACK:
		b.handleAck(frame, errors.New(errors.ErrCommandFailed))
	case EventEdge:
		b.handleEdge(frame)
	case EventPinState:
		b.handlePinState(frame)
	case CmdHeartbeat:
	default:
		b.log.Warn("Unknown command",
			zap.Error(errors.Newf(errors.ErrInvalidResponse, "unknown command 0x%02X", frame.Command)))
	}
}

func (b *SerialBoard) handleAck(frame *Frame, nack *errors.AppError) {
	seq, cmd, status, err := DecodeAck(frame.Data)
	if err != nil {
		b.log.Error("Invalid ACK", zap.Error(err))
		return
	}

	b.cmdMu.Lock()
	respCh, ok := b.pending[seq]
	b.cmdMu.Unlock()
	if !ok {
		return
	}

	var result error
	if nack != nil {
		result = nack.WithDetails(fmt.Sprintf("NACK: cmd=0x%02X, error=0x%02X", cmd, status))
	}
	select {
	case respCh <- result:
	default:
	}
}

func (b *SerialBoard) handleEdge(frame *Frame) {
	report, err := DecodeEdge(frame.Data)
	if err != nil {
		b.log.Warn("Invalid edge event", zap.Error(err))
		return
	}
	at := b.edgeTime(report.Ticks)

	b.mu.Lock()
	b.levels[report.Pin] = report.Level
	w := b.watches[report.Pin]
	b.mu.Unlock()

	if w.handler != nil && w.edge.Matches(report.Level) {
		w.handler(Event{Pin: report.Pin, Level: report.Level, At: at})
	}
}

func (b *SerialBoard) handlePinState(frame *Frame) {
	levels, err := DecodePinState(frame.Data)
	if err != nil {
		b.log.Warn("Invalid pin state", zap.Error(err))
		return
	}
	b.mu.Lock()
	for p := PinCoinPulse; p < pinCount; p++ {
		b.levels[p] = levels[p]
	}
	b.mu.Unlock()
}

// Resync 重连后丢弃时间戳基准并重新查询引脚电平
func (b *SerialBoard) Resync() {
	b.tsMu.Lock()
	b.synced = false
	b.tsMu.Unlock()

	if err := b.QueryPins(); err != nil {
		b.log.Warn("Pin query after reconnect failed", zap.Error(err))
	}
}

// edgeTime 把桥接板微秒计数换算为主机时刻
// 用无符号差值跨越 32 位回绕，偏差过大时重新对齐
func (b *SerialBoard) edgeTime(ticks uint32) time.Time {
	b.tsMu.Lock()
	defer b.tsMu.Unlock()

	now := b.clock.Now()
	if !b.synced {
		b.synced = true
		b.lastTicks, b.lastAt = ticks, now
		return now
	}

	at := b.lastAt.Add(time.Duration(ticks-b.lastTicks) * time.Microsecond)
	if at.After(now) || now.Sub(at) > edgeResyncWindow {
		at = now
	}
	b.lastTicks, b.lastAt = ticks, at
	return at
}

// heartbeatLoop 心跳循环
func (b *SerialBoard) heartbeatLoop() {
	defer b.wg.Done()

	ticker := b.clock.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.Chan():
			if err := b.sendCommand(CmdHeartbeat, nil); err != nil {
				b.log.Warn("Heartbeat failed", zap.Error(err))
			}
		}
	}
}

// SetMotor 驱动电机，等待桥接板确认
func (b *SerialBoard) SetMotor(on bool) error {
	var v byte
	if on {
		v = 1
	}
	if err := b.sendCommand(CmdMotor, []byte{v}); err != nil {
		return err
	}
	b.mu.Lock()
	b.levels[PinMotor] = Level(on)
	b.mu.Unlock()
	return nil
}

// QueryPins 请求桥接板上报引脚电平
func (b *SerialBoard) QueryPins() error {
	return b.sendCommand(CmdQueryPins, nil)
}

// Read 读取最近一次上报的引脚电平
func (b *SerialBoard) Read(pin Pin) (Level, error) {
	if pin >= pinCount {
		return Low, errors.Newf(errors.ErrPinUnavailable, "unknown pin %d", pin)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.levels[pin], nil
}

// Watch 注册边沿回调
func (b *SerialBoard) Watch(pin Pin, edge Edge, h Handler) error {
	if err := validInput(pin); err != nil {
		return errors.Wrap(err, errors.ErrPinUnavailable)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watches[pin] = watch{edge: edge, handler: h}
	return nil
}

// BadFrames 丢弃的坏帧数
func (b *SerialBoard) BadFrames() uint64 {
	return b.badFrames.Load()
}

// Close 停止电机并关闭串口
func (b *SerialBoard) Close() error {
	var err error
	b.stopOnce.Do(func() {
		if stopErr := b.SetMotor(false); stopErr != nil {
			b.log.Warn("Stop motor on close failed", zap.Error(stopErr))
		}
		close(b.stopCh)
		err = b.port.Close()
		b.wg.Wait()
		b.log.Info("Serial board disconnected")
	})
	return err
}
