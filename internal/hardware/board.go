package hardware

import (
	"fmt"
	"time"
)

// Pin 出币机的逻辑引脚
type Pin uint8

const (
	PinMotor       Pin = iota // 电机驱动输出
	PinCoinPulse              // 出币计数传感器（下降沿一枚）
	PinErrorSignal            // 故障信号线（脉宽编码）
	PinHopperLow              // 币仓余量不足（低电平有效）

	pinCount
)

// String 引脚名
func (p Pin) String() string {
	switch p {
	case PinMotor:
		return "motor"
	case PinCoinPulse:
		return "coin_pulse"
	case PinErrorSignal:
		return "error_signal"
	case PinHopperLow:
		return "hopper_low"
	default:
		return fmt.Sprintf("pin(%d)", uint8(p))
	}
}

// Level 数字电平
type Level bool

const (
	Low  Level = false
	High Level = true
)

// Int 电平数值（0/1）
func (l Level) Int() int {
	if l {
		return 1
	}
	return 0
}

// Edge 触发边沿
type Edge uint8

const (
	EdgeFalling Edge = iota + 1
	EdgeRising
	EdgeBoth
)

// Matches 判断电平变化是否属于该边沿
func (e Edge) Matches(l Level) bool {
	switch e {
	case EdgeFalling:
		return l == Low
	case EdgeRising:
		return l == High
	default:
		return true
	}
}

// Event 边沿事件，At 为边沿捕获时刻
type Event struct {
	Pin   Pin
	Level Level
	At    time.Time
}

// Handler 边沿回调，运行在中断上下文（后端的采集协程），不得阻塞
type Handler func(Event)

// Board 出币机硬件接口
type Board interface {
	// SetMotor 驱动电机
	SetMotor(on bool) error
	// Read 读取输入引脚当前电平
	Read(pin Pin) (Level, error)
	// Watch 注册边沿回调，同一引脚重复注册会替换旧回调
	Watch(pin Pin, edge Edge, h Handler) error
	// Close 释放硬件资源，电机保持停止
	Close() error
}

type watch struct {
	edge    Edge
	handler Handler
}

func validInput(pin Pin) error {
	if pin == PinMotor || pin >= pinCount {
		return fmt.Errorf("pin %s is not an input", pin)
	}
	return nil
}
