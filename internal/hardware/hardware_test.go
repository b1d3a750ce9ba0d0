package hardware

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// fakeClock 测试用时钟
type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntil(n int)
}

func newFakeClock() fakeClock {
	return clockwork.NewFakeClock()
}

// sendPulse 在信号线上产生一个指定宽度的低脉冲，随后保持高电平 gap
func sendPulse(d *ErrorDecoder, clock fakeClock, width, gap time.Duration) {
	d.HandlePinChange(Low, clock.Now())
	clock.Advance(width)
	d.HandlePinChange(High, clock.Now())
	clock.Advance(gap)
}

// sendErrorCode 起始脉冲加 n 个码脉冲
func sendErrorCode(d *ErrorDecoder, clock fakeClock, n int) {
	sendPulse(d, clock, 100*time.Millisecond, 10*time.Millisecond)
	for i := 0; i < n; i++ {
		sendPulse(d, clock, 10*time.Millisecond, 10*time.Millisecond)
	}
}
