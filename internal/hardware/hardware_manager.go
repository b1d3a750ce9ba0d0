package hardware

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wfunc/token-hopper/internal/config"
	"github.com/wfunc/token-hopper/internal/logger"
	"go.uber.org/zap"
)

// 硬件后端
const (
	BackendSim    = "sim"
	BackendGPIO   = "gpio"
	BackendSerial = "serial"
)

// HardwareConfig 硬件配置
type HardwareConfig struct {
	Backend    string
	JamTimeout time.Duration
	Pins       GPIOPins
	Serial     SerialBoardConfig
	Sim        SimConfig
}

// ConfigFrom 由全局配置生成硬件配置
func ConfigFrom(cfg *config.Config) HardwareConfig {
	hw := cfg.Hardware
	return HardwareConfig{
		Backend:    hw.Backend,
		JamTimeout: cfg.Hopper.JamTimeout,
		Pins: GPIOPins{
			Motor:       hw.Pins.Motor,
			CoinPulse:   hw.Pins.CoinPulse,
			ErrorSignal: hw.Pins.ErrorSignal,
			HopperLow:   hw.Pins.HopperLow,
		},
		Serial: SerialBoardConfig{
			Port:              hw.Serial.Port,
			DevicePattern:     hw.Serial.DevicePattern,
			BaudRate:          hw.Serial.BaudRate,
			ReadTimeout:       hw.Serial.ReadTimeout,
			AckTimeout:        hw.Serial.AckTimeout,
			HeartbeatInterval: hw.Serial.HeartbeatInterval,
		},
		Sim: SimConfig{
			PulseInterval: hw.Sim.PulseInterval,
			JamAfter:      hw.Sim.JamAfter,
			HopperLow:     hw.Sim.HopperLow,
		},
	}
}

// OpenBoard 按后端打开出币机硬件
func OpenBoard(cfg HardwareConfig, clock clockwork.Clock) (Board, error) {
	switch cfg.Backend {
	case BackendSim, "":
		return NewSimBoard(clock, cfg.Sim), nil
	case BackendGPIO:
		b, err := OpenGPIOBoard(cfg.Pins, clock)
		if err != nil {
			return nil, err
		}
		return b, nil
	case BackendSerial:
		b, err := OpenSerialBoard(cfg.Serial, clock)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown hardware backend %q", cfg.Backend)
	}
}

// HardwareManager 硬件管理器
// 持有出币机硬件以及挂在其上的电机控制、故障解码和故障历史
type HardwareManager struct {
	board   Board
	motor   *MotorController
	decoder *ErrorDecoder
	errors  *ErrorHistory
	log     *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewHardwareManager 在已打开的硬件上注册中断回调
func NewHardwareManager(board Board, clock clockwork.Clock, jamTimeout time.Duration) (*HardwareManager, error) {
	m := &HardwareManager{
		board:   board,
		motor:   NewMotorController(board, clock, jamTimeout),
		decoder: NewErrorDecoder(clock),
		errors:  NewErrorHistory(clock),
		log:     logger.GetModuleLogger("hardware"),
	}

	if err := board.SetMotor(false); err != nil {
		return nil, fmt.Errorf("motor off at boot: %w", err)
	}
	if err := m.motor.Attach(); err != nil {
		return nil, err
	}
	if err := m.decoder.Attach(board); err != nil {
		return nil, fmt.Errorf("attach error signal: %w", err)
	}

	m.log.Info("硬件管理器初始化完成", zap.Duration("jam_timeout", m.motor.JamTimeout()))
	return m, nil
}

// Board 出币机硬件
func (m *HardwareManager) Board() Board { return m.board }

// Motor 电机控制器
func (m *HardwareManager) Motor() *MotorController { return m.motor }

// Decoder 故障信号解码器
func (m *HardwareManager) Decoder() *ErrorDecoder { return m.decoder }

// Errors 故障历史
func (m *HardwareManager) Errors() *ErrorHistory { return m.errors }

// PinLevels 输入引脚原始电平
type PinLevels struct {
	CoinPulse   Level
	ErrorSignal Level
	HopperLow   Level
}

// ReadPins 读取全部输入引脚
func (m *HardwareManager) ReadPins() (PinLevels, error) {
	var levels PinLevels
	var err error
	if levels.CoinPulse, err = m.board.Read(PinCoinPulse); err != nil {
		return levels, err
	}
	if levels.ErrorSignal, err = m.board.Read(PinErrorSignal); err != nil {
		return levels, err
	}
	if levels.HopperLow, err = m.board.Read(PinHopperLow); err != nil {
		return levels, err
	}
	return levels, nil
}

// HopperLow 币仓余量不足（低电平有效）
func (m *HardwareManager) HopperLow() bool {
	level, err := m.board.Read(PinHopperLow)
	if err != nil {
		return false
	}
	return level == Low
}

// Close 停止电机并释放硬件
func (m *HardwareManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	if err := m.motor.Stop(); err != nil {
		m.log.Warn("停止电机失败", zap.Error(err))
	}
	if err := m.board.Close(); err != nil {
		return err
	}
	m.log.Info("硬件管理器已停止")
	return nil
}
