//go:build !linux || nogpio

package hardware

import (
	"github.com/jonboulle/clockwork"
	"github.com/wfunc/token-hopper/internal/errors"
)

// GPIOPins 引脚名（periph 命名，如 GPIO14）
type GPIOPins struct {
	Motor       string
	CoinPulse   string
	ErrorSignal string
	HopperLow   string
}

// GPIOBoard 无 GPIO 平台上的占位实现
type GPIOBoard struct{ SimBoard }

// OpenGPIOBoard 当前平台不支持 GPIO
func OpenGPIOBoard(pins GPIOPins, clock clockwork.Clock) (*GPIOBoard, error) {
	return nil, errors.Newf(errors.ErrPinUnavailable, "gpio backend not supported on this build")
}
