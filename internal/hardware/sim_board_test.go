package hardware

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimBoard(t *testing.T) {
	t.Run("初始电平", func(t *testing.T) {
		board := NewSimBoard(newFakeClock(), SimConfig{HopperLow: true})

		level, err := board.Read(PinCoinPulse)
		require.NoError(t, err)
		assert.Equal(t, High, level)

		level, err = board.Read(PinHopperLow)
		require.NoError(t, err)
		assert.Equal(t, Low, level)

		board.SetHopperLow(false)
		level, _ = board.Read(PinHopperLow)
		assert.Equal(t, High, level)
	})

	t.Run("只监听输入引脚", func(t *testing.T) {
		board := NewSimBoard(newFakeClock(), SimConfig{})
		assert.Error(t, board.Watch(PinMotor, EdgeBoth, func(Event) {}))
		assert.NoError(t, board.Watch(PinHopperLow, EdgeBoth, func(Event) {}))
	})

	t.Run("边沿过滤与时间戳", func(t *testing.T) {
		clock := newFakeClock()
		board := NewSimBoard(clock, SimConfig{})

		var events []Event
		require.NoError(t, board.Watch(PinErrorSignal, EdgeRising, func(ev Event) {
			events = append(events, ev)
		}))

		board.Inject(PinErrorSignal, Low)
		clock.Advance(10 * time.Millisecond)
		board.Inject(PinErrorSignal, High)
		board.Inject(PinErrorSignal, High) // 电平未变化

		require.Len(t, events, 1)
		assert.Equal(t, High, events[0].Level)
		assert.Equal(t, clock.Now(), events[0].At)
	})

	t.Run("模拟出币", func(t *testing.T) {
		clock := newFakeClock()
		board := NewSimBoard(clock, SimConfig{PulseInterval: 100 * time.Millisecond})
		defer board.Close()

		var pulses atomic.Int32
		require.NoError(t, board.Watch(PinCoinPulse, EdgeFalling, func(Event) { pulses.Add(1) }))

		require.NoError(t, board.SetMotor(true))
		assert.Equal(t, 1, board.MotorStarts())

		for i := 1; i <= 3; i++ {
			clock.BlockUntil(1)
			clock.Advance(100 * time.Millisecond)
			want := int32(i)
			assert.Eventually(t, func() bool { return pulses.Load() == want }, time.Second, time.Millisecond)
		}

		require.NoError(t, board.SetMotor(false))
		assert.False(t, board.MotorOn())
	})

	t.Run("模拟卡币", func(t *testing.T) {
		clock := newFakeClock()
		board := NewSimBoard(clock, SimConfig{PulseInterval: 100 * time.Millisecond, JamAfter: 2})
		defer board.Close()

		var pulses atomic.Int32
		require.NoError(t, board.Watch(PinCoinPulse, EdgeFalling, func(Event) { pulses.Add(1) }))
		require.NoError(t, board.SetMotor(true))

		for i := 0; i < 2; i++ {
			clock.BlockUntil(1)
			clock.Advance(100 * time.Millisecond)
			want := int32(i + 1)
			assert.Eventually(t, func() bool { return pulses.Load() == want }, time.Second, time.Millisecond)
		}
		for i := 0; i < 3; i++ {
			clock.BlockUntil(1)
			clock.Advance(100 * time.Millisecond)
		}
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, int32(2), pulses.Load())
	})

	t.Run("关闭后拒绝驱动电机", func(t *testing.T) {
		board := NewSimBoard(newFakeClock(), SimConfig{})
		require.NoError(t, board.Close())
		assert.Error(t, board.SetMotor(true))
		assert.NoError(t, board.Close())
	})
}
