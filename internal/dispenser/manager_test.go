package dispenser

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/wfunc/token-hopper/internal/errors"
	"github.com/wfunc/token-hopper/internal/hardware"
)

// fakeMotor 可控的电机
type fakeMotor struct {
	mu       sync.Mutex
	pulses   int
	starts   int
	stops    int
	running  bool
	jammed   bool
	startErr error
}

func (f *fakeMotor) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	f.running = true
	return nil
}

func (f *fakeMotor) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
	return nil
}

func (f *fakeMotor) PulseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulses
}

func (f *fakeMotor) ResetPulseCount() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulses = 0
}

func (f *fakeMotor) CheckJam() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jammed
}

func (f *fakeMotor) addPulses(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulses += n
}

func (f *fakeMotor) setJammed(j bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jammed = j
}

// ManagerTestSuite 交易状态机测试
type ManagerTestSuite struct {
	suite.Suite
	ctx     context.Context
	clock   clockwork.Clock
	store   *MemoryStore
	motor   *fakeMotor
	manager *Manager
	events  []Event
}

func (s *ManagerTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	s.store = NewMemoryStore()
	s.motor = &fakeMotor{}
	s.events = nil
	s.manager = s.newManager()
	s.Require().NoError(s.manager.Initialize(s.ctx))
}

func (s *ManagerTestSuite) newManager(opts ...Option) *Manager {
	opts = append(opts, WithListener(func(ev Event) { s.events = append(s.events, ev) }))
	return NewManager(s.store, s.motor, s.clock, opts...)
}

func (s *ManagerTestSuite) persisted() (Transaction, bool) {
	has, err := s.store.HasRecord(s.ctx)
	s.Require().NoError(err)
	if !has {
		return Transaction{}, false
	}
	tx, err := s.store.Load(s.ctx)
	s.Require().NoError(err)
	return tx, true
}

func (s *ManagerTestSuite) kinds() []EventKind {
	out := make([]EventKind, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}

func (s *ManagerTestSuite) TestStartDispense() {
	tx, err := s.manager.StartDispense(s.ctx, "A1", 3)
	s.Require().NoError(err)

	s.Equal("A1", tx.TxID)
	s.Equal(3, tx.Quantity)
	s.Equal(0, tx.Dispensed)
	s.Equal(StateDispensing, tx.State)
	s.Equal(s.clock.Now(), tx.StartedAt)
	s.Equal(1, s.motor.starts)

	rec, ok := s.persisted()
	s.Require().True(ok, "出币前必须落盘")
	s.Equal(StateDispensing, rec.State)
	s.Equal("A1", rec.TxID)

	s.Equal(uint64(1), s.manager.Metrics().Total)
	s.Equal([]EventKind{EventStarted}, s.kinds())
}

func (s *ManagerTestSuite) TestCompletion() {
	_, err := s.manager.StartDispense(s.ctx, "A1", 3)
	s.Require().NoError(err)

	s.motor.addPulses(2)
	s.manager.Poll(s.ctx)
	s.Equal(2, s.manager.Active().Dispensed)
	s.Equal(StateDispensing, s.manager.Active().State)

	rec, _ := s.persisted()
	s.Equal(0, rec.Dispensed, "进度不落盘")

	s.motor.addPulses(1)
	s.manager.Poll(s.ctx)

	s.True(s.manager.IsIdle())
	s.Equal(1, s.motor.stops)
	_, ok := s.persisted()
	s.False(ok, "完成后清除记录")

	got, ok := s.manager.GetTransaction("A1")
	s.Require().True(ok)
	s.Equal(StateDone, got.State)
	s.Equal(3, got.Dispensed)

	s.Equal(Metrics{Total: 1, Successful: 1}, s.manager.Metrics())
	s.Equal([]EventKind{EventStarted, EventProgress, EventDone}, s.kinds())

	// 空闲时轮询不再停电机
	s.manager.Poll(s.ctx)
	s.Equal(1, s.motor.stops)
}

func (s *ManagerTestSuite) TestOvershootClamped() {
	_, err := s.manager.StartDispense(s.ctx, "A1", 2)
	s.Require().NoError(err)

	s.motor.addPulses(4)
	s.manager.Poll(s.ctx)

	got, ok := s.manager.GetTransaction("A1")
	s.Require().True(ok)
	s.Equal(StateDone, got.State)
	s.Equal(2, got.Dispensed)
}

func (s *ManagerTestSuite) TestIdempotency() {
	first, err := s.manager.StartDispense(s.ctx, "A1", 2)
	s.Require().NoError(err)
	s.motor.addPulses(2)
	s.manager.Poll(s.ctx)

	again, err := s.manager.StartDispense(s.ctx, "A1", 2)
	s.Require().NoError(err)
	s.Equal(StateDone, again.State)
	s.Equal(2, again.Dispensed)
	s.Equal(first.StartedAt, again.StartedAt)
	s.Equal(1, s.motor.starts, "重复请求不得再次启动电机")
	s.Equal(uint64(1), s.manager.Metrics().Total)
	s.True(s.manager.IsIdle())
}

func (s *ManagerTestSuite) TestMutualExclusion() {
	_, err := s.manager.StartDispense(s.ctx, "A1", 5)
	s.Require().NoError(err)
	before := s.manager.Active()
	raw := s.store.Raw()

	tx, err := s.manager.StartDispense(s.ctx, "B2", 1)
	s.Require().Error(err)
	s.True(errors.Is(err, errors.ErrDispenserBusy))
	s.Equal("A1", tx.TxID)

	s.Equal(before, s.manager.Active())
	s.Equal(raw, s.store.Raw())
	s.Equal(1, s.motor.starts)

	// 同一交易号出币中也视为忙
	_, err = s.manager.StartDispense(s.ctx, "A1", 5)
	s.True(errors.Is(err, errors.ErrDispenserBusy))
}

func (s *ManagerTestSuite) TestJam() {
	_, err := s.manager.StartDispense(s.ctx, "J1", 5)
	s.Require().NoError(err)
	s.False(s.manager.IsIdle())

	s.motor.addPulses(2)
	s.motor.setJammed(true)
	s.manager.Poll(s.ctx)

	active := s.manager.Active()
	s.Equal(StateError, active.State)
	s.True(s.manager.IsIdle(), "错误状态可接受新交易")
	s.Equal(2, active.Dispensed)
	s.Equal(1, s.motor.stops)

	rec, ok := s.persisted()
	s.Require().True(ok)
	s.Equal(StateError, rec.State)

	m := s.manager.Metrics()
	s.Equal(uint64(1), m.Jams)
	s.Equal(uint64(1), m.Partial)
	s.Equal(uint64(0), m.Failures())

	// 卡币的交易号重试返回错误快照
	again, err := s.manager.StartDispense(s.ctx, "J1", 5)
	s.Require().NoError(err)
	s.Equal(StateError, again.State)
	s.Equal(1, s.motor.starts)
}

func (s *ManagerTestSuite) TestJamWithoutPulses() {
	_, err := s.manager.StartDispense(s.ctx, "J2", 5)
	s.Require().NoError(err)
	s.motor.setJammed(true)
	s.manager.Poll(s.ctx)

	m := s.manager.Metrics()
	s.Equal(uint64(1), m.Jams)
	s.Equal(uint64(0), m.Partial)
}

func (s *ManagerTestSuite) TestCompletionWinsOverJam() {
	_, err := s.manager.StartDispense(s.ctx, "C1", 2)
	s.Require().NoError(err)
	s.motor.addPulses(2)
	s.motor.setJammed(true)
	s.manager.Poll(s.ctx)

	got, _ := s.manager.GetTransaction("C1")
	s.Equal(StateDone, got.State)
	s.Equal(uint64(0), s.manager.Metrics().Jams)
}

func (s *ManagerTestSuite) TestNewDispenseAfterError() {
	_, err := s.manager.StartDispense(s.ctx, "J1", 5)
	s.Require().NoError(err)
	s.motor.setJammed(true)
	s.manager.Poll(s.ctx)
	s.motor.setJammed(false)

	tx, err := s.manager.StartDispense(s.ctx, "N1", 1)
	s.Require().NoError(err)
	s.Equal(StateDispensing, tx.State)
	s.Equal(0, s.motor.PulseCount())
}

func (s *ManagerTestSuite) TestPersistFailure() {
	s.store.FailPersist = stderrors.New("disk full")

	_, err := s.manager.StartDispense(s.ctx, "P1", 1)
	s.Require().Error(err)
	s.True(errors.Is(err, errors.ErrStorageWrite))
	s.Equal(0, s.motor.starts, "落盘失败不得启动电机")
	s.True(s.manager.IsIdle())
	s.Equal(uint64(0), s.manager.Metrics().Total)

	_, ok := s.manager.GetTransaction("P1")
	s.False(ok)
}

func (s *ManagerTestSuite) TestMotorStartFailure() {
	s.motor.startErr = stderrors.New("driver fault")

	tx, err := s.manager.StartDispense(s.ctx, "M1", 1)
	s.Require().Error(err)
	s.Equal(StateError, tx.State)
	s.Equal(1, s.motor.stops)

	rec, ok := s.persisted()
	s.Require().True(ok)
	s.Equal(StateError, rec.State)

	cached, ok := s.manager.GetTransaction("M1")
	s.Require().True(ok)
	s.Equal(StateError, cached.State)
	s.Equal([]EventKind{EventFailed}, s.kinds())
}

func (s *ManagerTestSuite) TestCrashRecovery() {
	s.Require().NoError(s.store.Persist(s.ctx, Transaction{
		TxID:      "R1",
		Quantity:  4,
		State:     StateDispensing,
		StartedAt: s.clock.Now(),
	}))

	m := s.newManager()
	s.Require().NoError(m.Initialize(s.ctx))

	active := m.Active()
	s.Equal(StateError, active.State)
	s.Equal("R1", active.TxID)

	rec, ok := s.persisted()
	s.Require().True(ok)
	s.Equal(StateError, rec.State)

	hist := m.History()
	s.Require().Len(hist, 2)
	s.Equal(StateError, hist[0].State)
	s.Equal(StateDispensing, hist[1].State)

	// 重放返回错误快照，不启动电机
	got, err := m.StartDispense(s.ctx, "R1", 4)
	s.Require().NoError(err)
	s.Equal(StateError, got.State)
	s.Equal(0, s.motor.starts)
	s.Equal([]EventKind{EventRecovered}, s.kinds())
}

func (s *ManagerTestSuite) TestBootWithErrorRecord() {
	errTx := Transaction{TxID: "E1", Quantity: 3, Dispensed: 1, State: StateError}

	s.Run("默认保留错误状态", func() {
		s.Require().NoError(s.store.Persist(s.ctx, errTx))
		m := s.newManager()
		s.Require().NoError(m.Initialize(s.ctx))

		s.Equal(StateError, m.Active().State)
		_, ok := s.persisted()
		s.True(ok)
	})

	s.Run("启动时清除", func() {
		s.Require().NoError(s.store.Persist(s.ctx, errTx))
		m := s.newManager(WithClearErrorOnBoot(true))
		s.Require().NoError(m.Initialize(s.ctx))

		s.Equal(StateIdle, m.Active().State)
		_, ok := s.persisted()
		s.False(ok)

		got, ok := m.GetTransaction("E1")
		s.Require().True(ok, "清除前已归档")
		s.Equal(StateError, got.State)
	})
}

func (s *ManagerTestSuite) TestBootWithDoneRecord() {
	s.Require().NoError(s.store.Persist(s.ctx, Transaction{TxID: "D1", Quantity: 2, Dispensed: 2, State: StateDone}))

	m := s.newManager()
	s.Require().NoError(m.Initialize(s.ctx))

	s.True(m.IsIdle())
	_, ok := s.persisted()
	s.False(ok)
	got, ok := m.GetTransaction("D1")
	s.Require().True(ok)
	s.Equal(StateDone, got.State)
}

func (s *ManagerTestSuite) TestBootWithCorruptRecord() {
	raw := EncodeRecord(Transaction{TxID: "X1", Quantity: 1, State: StateDispensing})
	raw[10] ^= 0xFF
	s.store.SetRaw(raw)

	m := s.newManager()
	s.Require().NoError(m.Initialize(s.ctx))
	s.True(m.IsIdle())
	s.Empty(s.store.Raw())
	s.Empty(m.History())
}

func (s *ManagerTestSuite) TestReset() {
	s.Run("空闲时无操作", func() {
		tx, err := s.manager.Reset(s.ctx)
		s.Require().NoError(err)
		s.Equal(StateIdle, tx.State)
	})

	s.Run("出币中冲突", func() {
		_, err := s.manager.StartDispense(s.ctx, "A1", 3)
		s.Require().NoError(err)

		_, err = s.manager.Reset(s.ctx)
		s.True(errors.Is(err, errors.ErrDispenserBusy))
		s.Equal(StateDispensing, s.manager.Active().State)
	})

	s.Run("错误复位为空闲", func() {
		s.motor.setJammed(true)
		s.manager.Poll(s.ctx)
		s.Require().Equal(StateError, s.manager.Active().State)

		tx, err := s.manager.Reset(s.ctx)
		s.Require().NoError(err)
		s.Equal(StateIdle, tx.State)
		s.True(s.manager.IsIdle())
		_, ok := s.persisted()
		s.False(ok)

		got, ok := s.manager.GetTransaction("A1")
		s.Require().True(ok)
		s.Equal(StateError, got.State)
	})
}

func (s *ManagerTestSuite) TestGetTransactionNotFound() {
	tx, ok := s.manager.GetTransaction("nope")
	s.False(ok)
	s.Equal(Transaction{State: StateIdle}, tx)
}

func (s *ManagerTestSuite) TestHistoryBound() {
	for i := 1; i <= HistorySize+1; i++ {
		id := fmt.Sprintf("T%d", i)
		_, err := s.manager.StartDispense(s.ctx, id, 1)
		s.Require().NoError(err)
		s.motor.addPulses(1)
		s.manager.Poll(s.ctx)
	}

	_, ok := s.manager.GetTransaction("T1")
	s.False(ok, "最旧的记录被覆盖")
	for i := 2; i <= HistorySize+1; i++ {
		_, ok := s.manager.GetTransaction(fmt.Sprintf("T%d", i))
		s.True(ok)
	}

	hist := s.manager.History()
	s.Require().Len(hist, HistorySize)
	s.Equal(fmt.Sprintf("T%d", HistorySize+1), hist[0].TxID)

	// 被淘汰的交易号会重新出币
	_, err := s.manager.StartDispense(s.ctx, "T1", 1)
	s.Require().NoError(err)
	s.Equal(HistorySize+2, s.motor.starts)
}

// TestManagerWithSimBoard 使用模拟出币机走完整流程
func TestManagerWithSimBoard(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	board := hardware.NewSimBoard(clock, hardware.SimConfig{})
	motor := hardware.NewMotorController(board, clock, 5*time.Second)
	require.NoError(t, motor.Attach())

	m := NewManager(NewMemoryStore(), motor, clock)
	require.NoError(t, m.Initialize(ctx))

	t.Run("出币完成", func(t *testing.T) {
		_, err := m.StartDispense(ctx, "S1", 3)
		require.NoError(t, err)
		assert.True(t, board.MotorOn())

		for i := 0; i < 3; i++ {
			clock.Advance(300 * time.Millisecond)
			board.Pulse(hardware.PinCoinPulse)
			m.Poll(ctx)
		}

		assert.False(t, board.MotorOn())
		got, ok := m.GetTransaction("S1")
		require.True(t, ok)
		assert.Equal(t, StateDone, got.State)
	})

	t.Run("卡币", func(t *testing.T) {
		_, err := m.StartDispense(ctx, "S2", 3)
		require.NoError(t, err)

		board.Pulse(hardware.PinCoinPulse)
		m.Poll(ctx)
		clock.Advance(5 * time.Second)
		m.Poll(ctx)
		assert.Equal(t, StateDispensing, m.Active().State, "恰好超时不算卡币")

		clock.Advance(time.Millisecond)
		m.Poll(ctx)
		assert.False(t, board.MotorOn())
		assert.Equal(t, StateError, m.Active().State)
		assert.Equal(t, 1, m.Active().Dispensed)
		assert.Equal(t, Metrics{Total: 2, Successful: 1, Jams: 1, Partial: 1}, m.Metrics())
	})
}
