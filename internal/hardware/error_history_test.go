package hardware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorHistory(t *testing.T) {
	t.Run("空历史", func(t *testing.T) {
		h := NewErrorHistory(newFakeClock())
		_, ok := h.Active()
		assert.False(t, ok)
		assert.False(t, h.ClearActive())
		assert.Empty(t, h.All())
	})

	t.Run("最新的未清除故障", func(t *testing.T) {
		clock := newFakeClock()
		h := NewErrorHistory(clock)

		h.Add(CodeCoinStuck)
		clock.Advance(time.Second)
		h.Add(CodeMotorFault)

		active, ok := h.Active()
		require.True(t, ok)
		assert.Equal(t, CodeMotorFault, active.Code)
		assert.Equal(t, clock.Now(), active.Timestamp)

		assert.True(t, h.ClearActive())
		active, ok = h.Active()
		require.True(t, ok)
		assert.Equal(t, CodeCoinStuck, active.Code)

		assert.True(t, h.ClearActive())
		_, ok = h.Active()
		assert.False(t, ok)
	})

	t.Run("环形覆盖", func(t *testing.T) {
		h := NewErrorHistory(newFakeClock())
		for c := CodeCoinStuck; c <= CodePowerFault; c++ {
			h.Add(c)
		}

		all := h.All()
		require.Len(t, all, 5)
		want := []ErrorCode{CodePowerFault, CodeSensorFault, CodeMotorFault, CodeMaxSpan, CodeJamPermanent}
		for i, rec := range all {
			assert.Equal(t, want[i], rec.Code)
		}
	})

	t.Run("未知故障不计入", func(t *testing.T) {
		h := NewErrorHistory(newFakeClock())
		h.Add(CodeUnknown)
		_, ok := h.Active()
		assert.False(t, ok)
		assert.Empty(t, h.All())
	})

	t.Run("清除后仍在列表中", func(t *testing.T) {
		h := NewErrorHistory(newFakeClock())
		h.Add(CodeJamPermanent)
		h.ClearActive()

		all := h.All()
		require.Len(t, all, 1)
		assert.True(t, all[0].Cleared)
	})
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "COIN_STUCK", CodeCoinStuck.Name())
	assert.Equal(t, "Power supply out of range", CodePowerFault.Description())
	assert.Equal(t, "UNKNOWN", ErrorCode(42).Name())
	assert.Equal(t, "MOTOR_FAULT(5)", CodeMotorFault.String())

	assert.Equal(t, CodeUnknown, CodeFromPulses(0))
	assert.Equal(t, CodePowerFault, CodeFromPulses(7))
	assert.Equal(t, CodeUnknown, CodeFromPulses(8))

	assert.True(t, CodeSensorOff.Known())
	assert.False(t, CodeUnknown.Known())
}
