//go:build linux && !nogpio

package hardware

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wfunc/token-hopper/internal/errors"
	"github.com/wfunc/token-hopper/internal/logger"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// 等待边沿的超时，用于检查退出信号
const edgePollTimeout = 100 * time.Millisecond

// GPIOPins 引脚名（periph 命名，如 GPIO14）
type GPIOPins struct {
	Motor       string
	CoinPulse   string
	ErrorSignal string
	HopperLow   string
}

// GPIOBoard 直接驱动 GPIO 的出币机
// 每个被监听的输入引脚一个采集协程，边沿到达即打时间戳并回调
type GPIOBoard struct {
	clock clockwork.Clock
	log   *zap.Logger

	motor  gpio.PinIO
	inputs [pinCount]gpio.PinIO

	mu       sync.Mutex
	watches  [pinCount]watch
	watching [pinCount]bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// OpenGPIOBoard 初始化 periph 并配置引脚
func OpenGPIOBoard(pins GPIOPins, clock clockwork.Clock) (*GPIOBoard, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, errors.ErrBoardOpen, "periph host init")
	}

	b := &GPIOBoard{
		clock:  clock,
		log:    logger.GetModuleLogger("hardware"),
		stopCh: make(chan struct{}),
	}

	b.motor = gpioreg.ByName(pins.Motor)
	if b.motor == nil {
		return nil, errors.Newf(errors.ErrPinUnavailable, "motor pin %q", pins.Motor)
	}
	if err := b.motor.Out(gpio.Low); err != nil {
		return nil, errors.Wrap(err, errors.ErrBoardWrite, pins.Motor)
	}

	names := map[Pin]string{
		PinCoinPulse:   pins.CoinPulse,
		PinErrorSignal: pins.ErrorSignal,
		PinHopperLow:   pins.HopperLow,
	}
	for pin, name := range names {
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, errors.Newf(errors.ErrPinUnavailable, "%s pin %q", pin, name)
		}
		if err := p.In(gpio.PullUp, gpio.BothEdges); err != nil {
			return nil, errors.Wrapf(err, errors.ErrBoardOpen, "configure %s pin %q", pin, name)
		}
		b.inputs[pin] = p
	}

	b.log.Info("GPIO board ready",
		zap.String("motor", pins.Motor),
		zap.String("coin_pulse", pins.CoinPulse),
		zap.String("error_signal", pins.ErrorSignal),
		zap.String("hopper_low", pins.HopperLow))
	return b, nil
}

// SetMotor 驱动电机
func (b *GPIOBoard) SetMotor(on bool) error {
	if err := b.motor.Out(gpio.Level(on)); err != nil {
		return errors.Wrap(err, errors.ErrBoardWrite, "motor")
	}
	return nil
}

// Read 读取输入引脚电平
func (b *GPIOBoard) Read(pin Pin) (Level, error) {
	if pin == PinMotor {
		return Level(b.motor.Read()), nil
	}
	if pin >= pinCount || b.inputs[pin] == nil {
		return Low, errors.Newf(errors.ErrPinUnavailable, "unknown pin %d", pin)
	}
	return Level(b.inputs[pin].Read()), nil
}

// Watch 注册边沿回调，首次注册时启动该引脚的采集协程
func (b *GPIOBoard) Watch(pin Pin, edge Edge, h Handler) error {
	if err := validInput(pin); err != nil {
		return errors.Wrap(err, errors.ErrPinUnavailable)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.watches[pin] = watch{edge: edge, handler: h}
	if !b.watching[pin] {
		b.watching[pin] = true
		b.wg.Add(1)
		go b.edgeLoop(pin)
	}
	return nil
}

func (b *GPIOBoard) edgeLoop(pin Pin) {
	defer b.wg.Done()

	p := b.inputs[pin]
	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		if !p.WaitForEdge(edgePollTimeout) {
			continue
		}
		at := b.clock.Now()
		level := Level(p.Read())

		b.mu.Lock()
		w := b.watches[pin]
		b.mu.Unlock()

		if w.handler != nil && w.edge.Matches(level) {
			w.handler(Event{Pin: pin, Level: level, At: at})
		}
	}
}

// Close 停止电机并释放引脚
func (b *GPIOBoard) Close() error {
	var err error
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.wg.Wait()

		err = b.motor.Out(gpio.Low)
		for _, p := range b.inputs {
			if p == nil {
				continue
			}
			if haltErr := p.Halt(); haltErr != nil {
				b.log.Warn("Halt pin failed", zap.String("pin", p.Name()), zap.Error(haltErr))
			}
		}
		b.log.Info("GPIO board closed")
	})
	return err
}
