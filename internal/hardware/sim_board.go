package hardware

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wfunc/token-hopper/internal/logger"
	"go.uber.org/zap"
)

// SimConfig 模拟出币机参数
type SimConfig struct {
	PulseInterval time.Duration // 电机运行时每枚币的间隔，0 表示不自动出币
	JamAfter      int           // 每次启动出到第 N 枚后卡住，0 表示不卡
	HopperLow     bool
}

// SimBoard 模拟出币机（开发与测试用）
// 边沿在调用 Inject 的协程里同步回调，与真实中断一样串行
type SimBoard struct {
	clock clockwork.Clock
	cfg   SimConfig
	log   *zap.Logger

	mu          sync.Mutex
	levels      [pinCount]Level
	watches     [pinCount]watch
	motorOn     bool
	motorStarts int
	motorErr    error
	closed      bool

	stopMotor chan struct{}
	wg        sync.WaitGroup
}

// NewSimBoard 创建模拟出币机，输入引脚空闲为高
func NewSimBoard(clock clockwork.Clock, cfg SimConfig) *SimBoard {
	b := &SimBoard{
		clock: clock,
		cfg:   cfg,
		log:   logger.GetModuleLogger("hardware"),
	}
	for p := range b.levels {
		b.levels[p] = High
	}
	b.levels[PinMotor] = Low
	if cfg.HopperLow {
		b.levels[PinHopperLow] = Low
	}
	return b
}

// SetMotor 驱动电机，开启且配置了出币间隔时启动模拟出币协程
func (b *SimBoard) SetMotor(on bool) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("sim board closed")
	}
	if b.motorErr != nil && on {
		err := b.motorErr
		b.mu.Unlock()
		return err
	}
	if on == b.motorOn {
		b.mu.Unlock()
		return nil
	}

	b.motorOn = on
	if on {
		b.levels[PinMotor] = High
		b.motorStarts++
		if b.cfg.PulseInterval > 0 {
			b.stopMotor = make(chan struct{})
			b.wg.Add(1)
			go b.feed(b.stopMotor)
		}
	} else {
		b.levels[PinMotor] = Low
		if b.stopMotor != nil {
			close(b.stopMotor)
			b.stopMotor = nil
		}
	}
	b.mu.Unlock()

	b.log.Debug("Sim motor", zap.Bool("on", on))
	return nil
}

// feed 模拟出币：电机运行期间按间隔产生出币脉冲
func (b *SimBoard) feed(stop <-chan struct{}) {
	defer b.wg.Done()

	ticker := b.clock.NewTicker(b.cfg.PulseInterval)
	defer ticker.Stop()

	emitted := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if b.cfg.JamAfter > 0 && emitted >= b.cfg.JamAfter {
				continue
			}
			b.Pulse(PinCoinPulse)
			emitted++
		}
	}
}

// Read 读取引脚电平
func (b *SimBoard) Read(pin Pin) (Level, error) {
	if pin >= pinCount {
		return Low, fmt.Errorf("unknown pin %d", pin)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.levels[pin], nil
}

// Watch 注册边沿回调
func (b *SimBoard) Watch(pin Pin, edge Edge, h Handler) error {
	if err := validInput(pin); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watches[pin] = watch{edge: edge, handler: h}
	return nil
}

// Inject 以当前时刻注入一次电平变化
func (b *SimBoard) Inject(pin Pin, level Level) {
	b.InjectAt(pin, level, b.clock.Now())
}

// InjectAt 注入指定时刻的电平变化，电平未变化时不触发回调
func (b *SimBoard) InjectAt(pin Pin, level Level, at time.Time) {
	b.mu.Lock()
	if pin >= pinCount || b.levels[pin] == level {
		b.mu.Unlock()
		return
	}
	b.levels[pin] = level
	w := b.watches[pin]
	b.mu.Unlock()

	if w.handler != nil && w.edge.Matches(level) {
		w.handler(Event{Pin: pin, Level: level, At: at})
	}
}

// Pulse 产生一个完整的低脉冲
func (b *SimBoard) Pulse(pin Pin) {
	b.Inject(pin, Low)
	b.Inject(pin, High)
}

// SetHopperLow 模拟币仓余量不足
func (b *SimBoard) SetHopperLow(low bool) {
	if low {
		b.Inject(PinHopperLow, Low)
	} else {
		b.Inject(PinHopperLow, High)
	}
}

// FailMotor 之后的电机启动返回 err，nil 恢复正常
func (b *SimBoard) FailMotor(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.motorErr = err
}

// MotorOn 电机是否运行
func (b *SimBoard) MotorOn() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.motorOn
}

// MotorStarts 电机启动次数
func (b *SimBoard) MotorStarts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.motorStarts
}

// Close 停止电机并等待模拟协程退出
func (b *SimBoard) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.motorOn = false
	b.levels[PinMotor] = Low
	if b.stopMotor != nil {
		close(b.stopMotor)
		b.stopMotor = nil
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.log.Info("模拟出币机已关闭")
	return nil
}
