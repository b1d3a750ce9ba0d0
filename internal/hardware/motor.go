package hardware

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wfunc/token-hopper/internal/logger"
	"go.uber.org/zap"
)

// DefaultJamTimeout 电机运行中无出币脉冲超过该时长判定卡币
const DefaultJamTimeout = 5 * time.Second

// MotorController 电机与出币计数
// 计数与最后脉冲时刻由边沿回调写入，轮询协程读取，均为原子操作
type MotorController struct {
	board      Board
	clock      clockwork.Clock
	jamTimeout time.Duration
	epoch      time.Time

	pulses    atomic.Uint32
	lastPulse atomic.Int64 // 距 epoch 的纳秒数
	running   atomic.Bool

	log *zap.Logger
}

// NewMotorController 创建电机控制器
func NewMotorController(board Board, clock clockwork.Clock, jamTimeout time.Duration) *MotorController {
	if jamTimeout <= 0 {
		jamTimeout = DefaultJamTimeout
	}
	return &MotorController{
		board:      board,
		clock:      clock,
		jamTimeout: jamTimeout,
		epoch:      clock.Now(),
		log:        logger.GetModuleLogger("hardware"),
	}
}

// Attach 注册出币传感器下降沿回调
func (m *MotorController) Attach() error {
	if err := m.board.Watch(PinCoinPulse, EdgeFalling, m.onPulse); err != nil {
		return fmt.Errorf("attach coin pulse: %w", err)
	}
	return nil
}

func (m *MotorController) onPulse(ev Event) {
	m.pulses.Add(1)
	m.lastPulse.Store(int64(ev.At.Sub(m.epoch)))
}

// Start 启动电机，并把最后脉冲时刻重置为当前时刻
func (m *MotorController) Start() error {
	m.lastPulse.Store(int64(m.clock.Since(m.epoch)))
	if err := m.board.SetMotor(true); err != nil {
		return fmt.Errorf("motor start: %w", err)
	}
	m.running.Store(true)
	m.log.Debug("Motor started")
	return nil
}

// Stop 停止电机
func (m *MotorController) Stop() error {
	m.running.Store(false)
	if err := m.board.SetMotor(false); err != nil {
		return fmt.Errorf("motor stop: %w", err)
	}
	m.log.Debug("Motor stopped", zap.Uint32("pulses", m.pulses.Load()))
	return nil
}

// Running 电机是否在运行
func (m *MotorController) Running() bool {
	return m.running.Load()
}

// PulseCount 当前计数
func (m *MotorController) PulseCount() int {
	return int(m.pulses.Load())
}

// ResetPulseCount 计数清零
func (m *MotorController) ResetPulseCount() {
	m.pulses.Store(0)
}

// CheckJam 距最后一次脉冲（或启动）超过卡币超时返回 true
func (m *MotorController) CheckJam() bool {
	elapsed := m.clock.Since(m.epoch) - time.Duration(m.lastPulse.Load())
	return elapsed > m.jamTimeout
}

// JamTimeout 卡币超时
func (m *MotorController) JamTimeout() time.Duration {
	return m.jamTimeout
}
