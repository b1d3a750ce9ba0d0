package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/suite"
	"github.com/wfunc/token-hopper/internal/dispenser"
	"github.com/wfunc/token-hopper/internal/hardware"
)

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntil(n int)
}

// recordingSink 记录收到的事件
type recordingSink struct {
	mu       sync.Mutex
	events   []dispenser.Event
	hardware []hardware.ErrorRecord
}

func (r *recordingSink) OnDispenseEvent(ev dispenser.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) OnHardwareError(rec hardware.ErrorRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hardware = append(r.hardware, rec)
}

func (r *recordingSink) kinds() []dispenser.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []dispenser.EventKind
	for _, ev := range r.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func (r *recordingSink) hardwareCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hardware)
}

// sendErrorSignal 在故障信号线上发送起始脉冲和 n 个码脉冲
func sendErrorSignal(board *hardware.SimBoard, clock fakeClock, n int) {
	pulse := func(width time.Duration) {
		board.InjectAt(hardware.PinErrorSignal, hardware.Low, clock.Now())
		clock.Advance(width)
		board.InjectAt(hardware.PinErrorSignal, hardware.High, clock.Now())
		clock.Advance(10 * time.Millisecond)
	}
	pulse(100 * time.Millisecond)
	for i := 0; i < n; i++ {
		pulse(10 * time.Millisecond)
	}
}

// HopperServiceTestSuite 出币服务测试套件
type HopperServiceTestSuite struct {
	suite.Suite
	ctx   context.Context
	clock fakeClock
	board *hardware.SimBoard
	hw    *hardware.HardwareManager
	store *dispenser.MemoryStore
	sink  *recordingSink
	svc   *HopperService
}

func (s *HopperServiceTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	s.board = hardware.NewSimBoard(s.clock, hardware.SimConfig{})
	hw, err := hardware.NewHardwareManager(s.board, s.clock, 5*time.Second)
	s.Require().NoError(err)
	s.hw = hw
	s.store = dispenser.NewMemoryStore()
	s.sink = &recordingSink{}

	s.svc = NewHopperService(s.store, s.hw, s.clock, HopperConfig{
		PollInterval:    5 * time.Millisecond,
		FirmwareVersion: "1.2.0",
		MaxTokens:       20,
	})
	s.svc.AddSink(s.sink)
	s.Require().NoError(s.svc.Manager().Initialize(s.ctx))
}

func (s *HopperServiceTestSuite) TearDownTest() {
	s.hw.Close()
}

func (s *HopperServiceTestSuite) dispense(txID string, n int) {
	_, err := s.svc.StartDispense(s.ctx, txID, n)
	s.Require().NoError(err)
	for i := 0; i < n; i++ {
		s.board.Pulse(hardware.PinCoinPulse)
		s.svc.Tick(s.ctx)
	}
}

func (s *HopperServiceTestSuite) TestDispenseCompletes() {
	tx, err := s.svc.StartDispense(s.ctx, "A-1", 3)
	s.Require().NoError(err)
	s.Equal(dispenser.StateDispensing, tx.State)
	s.True(s.board.MotorOn())

	for i := 0; i < 3; i++ {
		s.board.Pulse(hardware.PinCoinPulse)
		s.svc.Tick(s.ctx)
	}

	s.False(s.board.MotorOn())
	got, ok := s.svc.GetTransaction("A-1")
	s.Require().True(ok)
	s.Equal(dispenser.StateDone, got.State)
	s.Equal(3, got.Dispensed)
	s.Equal([]dispenser.EventKind{
		dispenser.EventStarted,
		dispenser.EventProgress,
		dispenser.EventProgress,
		dispenser.EventDone,
	}, s.sink.kinds())
}

func (s *HopperServiceTestSuite) TestHardwareErrorDecoded() {
	sendErrorSignal(s.board, s.clock, 4)
	s.svc.Tick(s.ctx)
	s.Equal(0, s.sink.hardwareCount(), "静默期未到")

	s.clock.Advance(250 * time.Millisecond)
	s.svc.Tick(s.ctx)
	s.svc.Tick(s.ctx)
	s.Equal(1, s.sink.hardwareCount())

	snap := s.svc.Errors()
	s.Require().NotNil(snap.Active)
	s.Equal(uint8(4), snap.Active.Code)
	s.Equal("MAX_SPAN", snap.Active.Name)
	s.Len(snap.History, 1)

	st := s.svc.Status()
	s.Equal("MAX_SPAN", st.Metrics.LastErrorType)
	s.Equal("Multiple spans exceeded max time", st.Metrics.LastError)
}

func (s *HopperServiceTestSuite) TestDoneClearsActiveError() {
	sendErrorSignal(s.board, s.clock, 1)
	s.clock.Advance(250 * time.Millisecond)
	s.svc.Tick(s.ctx)
	s.Require().NotNil(s.svc.Errors().Active)

	s.dispense("B-1", 2)

	snap := s.svc.Errors()
	s.Nil(snap.Active)
	s.Require().Len(snap.History, 1)
	s.True(snap.History[0].Cleared)
}

func (s *HopperServiceTestSuite) TestClearErrors() {
	s.False(s.svc.ClearErrors())

	sendErrorSignal(s.board, s.clock, 7)
	s.clock.Advance(250 * time.Millisecond)
	s.svc.Tick(s.ctx)

	s.True(s.svc.ClearErrors())
	s.Nil(s.svc.Errors().Active)
}

func (s *HopperServiceTestSuite) TestClearErrorsKeepsPendingCode() {
	sendErrorSignal(s.board, s.clock, 4)
	s.clock.Advance(250 * time.Millisecond)
	s.hw.Decoder().Update()
	s.Require().True(s.hw.Decoder().HasNewError())

	// 解码完成但尚未被轮询取走时清除故障
	s.False(s.svc.ClearErrors())
	s.True(s.hw.Decoder().HasNewError())

	s.svc.Tick(s.ctx)
	s.False(s.hw.Decoder().HasNewError())

	snap := s.svc.Errors()
	s.Require().Len(snap.History, 1)
	s.Require().NotNil(snap.Active)
	s.Equal(uint8(hardware.CodeMaxSpan), snap.Active.Code)
	s.Equal(1, s.sink.hardwareCount())
}

func (s *HopperServiceTestSuite) TestJamStatus() {
	_, err := s.svc.StartDispense(s.ctx, "J-1", 5)
	s.Require().NoError(err)
	s.board.Pulse(hardware.PinCoinPulse)
	s.svc.Tick(s.ctx)

	s.clock.Advance(5*time.Second + time.Millisecond)
	s.svc.Tick(s.ctx)

	st := s.svc.Status()
	s.Equal("ok", st.Status)
	s.Equal("error", st.Dispenser)
	s.Equal(uint64(1), st.Metrics.TotalDispenses)
	s.Equal(uint64(1), st.Metrics.Jams)
	s.Equal(uint64(1), st.Metrics.Partial)
	s.Equal(uint64(0), st.Metrics.Failures)
	s.Require().NotNil(st.ActiveTx)
	s.Equal("J-1", st.ActiveTx.TxID)
	s.Equal(1, st.ActiveTx.Dispensed)

	// 出错后需要复位
	tx, err := s.svc.Reset(s.ctx)
	s.Require().NoError(err)
	s.Equal(dispenser.StateIdle, tx.State)
	s.Nil(s.svc.Status().ActiveTx)
}

func (s *HopperServiceTestSuite) TestStatus() {
	s.clock.Advance(90 * time.Second)
	s.board.SetHopperLow(true)

	st := s.svc.Status()
	s.Equal(int64(90), st.Uptime)
	s.Equal("1.2.0", st.Firmware)
	s.Equal("idle", st.Dispenser)
	s.True(st.HopperLow)
	s.Nil(st.ActiveTx)
	s.Empty(st.Metrics.LastError)
	s.Require().NotNil(st.GPIO)
	s.Equal(PinStatus{Raw: 0, Active: true}, st.GPIO.HopperLow)
	s.Equal(PinStatus{Raw: 1, Active: false}, st.GPIO.CoinPulse)
	s.Equal(PinStatus{Raw: 1, Active: false}, st.GPIO.ErrorSignal)
}

func (s *HopperServiceTestSuite) TestStartStop() {
	svc := NewHopperService(s.store, s.hw, s.clock, HopperConfig{})
	s.Equal(dispenser.MaxQuantity, svc.MaxTokens())

	s.Require().NoError(svc.Start(s.ctx))
	s.Require().NoError(svc.Start(s.ctx), "重复启动无副作用")
	s.clock.BlockUntil(1)
	svc.Stop()
	svc.Stop()
}

func TestHopperServiceTestSuite(t *testing.T) {
	suite.Run(t, new(HopperServiceTestSuite))
}
