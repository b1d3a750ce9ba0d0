package hardware

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// 故障信号时序（毫秒，闭区间）
const (
	startPulseMin = 90
	startPulseMax = 110
	codePulseMin  = 8
	codePulseMax  = 12
	codeSilence   = 200
)

// DecoderState 解码状态
type DecoderState uint8

const (
	DecoderIdle DecoderState = iota
	DecoderAwaitingCodePulses
)

func (s DecoderState) String() string {
	if s == DecoderAwaitingCodePulses {
		return "awaiting_code_pulses"
	}
	return "idle"
}

// ErrorDecoder 故障信号脉宽解码
// 信号线空闲为高，一个约 100ms 的起始低脉冲后跟 N 个约 10ms 的低脉冲，N 即故障码
type ErrorDecoder struct {
	clock clockwork.Clock

	mu           sync.Mutex
	state        DecoderState
	fallAt       time.Time
	hasFall      bool
	lastActivity time.Time
	pulseCount   int
	ready        bool
	code         ErrorCode
}

// NewErrorDecoder 创建解码器
func NewErrorDecoder(clock clockwork.Clock) *ErrorDecoder {
	return &ErrorDecoder{clock: clock}
}

// Attach 注册故障信号双边沿回调
func (d *ErrorDecoder) Attach(board Board) error {
	return board.Watch(PinErrorSignal, EdgeBoth, d.onEdge)
}

func (d *ErrorDecoder) onEdge(ev Event) {
	d.HandlePinChange(ev.Level, ev.At)
}

// HandlePinChange 处理一次电平变化，at 为边沿时刻
func (d *ErrorDecoder) HandlePinChange(level Level, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if level == Low {
		d.fallAt = at
		d.hasFall = true
		return
	}
	if !d.hasFall {
		return
	}
	d.hasFall = false

	width := at.Sub(d.fallAt).Milliseconds()
	switch {
	case d.state == DecoderIdle && width >= startPulseMin && width <= startPulseMax:
		d.state = DecoderAwaitingCodePulses
		d.pulseCount = 0
		d.lastActivity = at
	case d.state == DecoderAwaitingCodePulses && width >= codePulseMin && width <= codePulseMax:
		d.pulseCount++
		d.lastActivity = at
	}
}

// Update 在轮询中调用，静默超过 200ms 后结束本次解码
func (d *ErrorDecoder) Update() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != DecoderAwaitingCodePulses {
		return
	}
	if d.clock.Since(d.lastActivity).Milliseconds() <= codeSilence {
		return
	}
	d.code = CodeFromPulses(d.pulseCount)
	d.ready = true
	d.state = DecoderIdle
	d.pulseCount = 0
}

// HasNewError 是否有未消费的故障码
func (d *ErrorDecoder) HasNewError() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

// ErrorCode 最近一次解码结果
func (d *ErrorDecoder) ErrorCode() ErrorCode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.code
}

// Reset 消费故障码
func (d *ErrorDecoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ready = false
	d.code = CodeUnknown
}

// State 当前解码状态
func (d *ErrorDecoder) State() DecoderState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}
