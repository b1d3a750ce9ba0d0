package service

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wfunc/token-hopper/internal/dispenser"
	"github.com/wfunc/token-hopper/internal/errors"
	"github.com/wfunc/token-hopper/internal/hardware"
	"github.com/wfunc/token-hopper/internal/logger"
	"go.uber.org/zap"
)

// DefaultPollInterval 默认轮询间隔
const DefaultPollInterval = 5 * time.Millisecond

// HopperConfig 出币服务参数
type HopperConfig struct {
	PollInterval    time.Duration
	FirmwareVersion string
	MaxTokens       int
}

// HopperService 出币机主服务：驱动轮询循环并把事件分发给订阅方
type HopperService struct {
	hw      *hardware.HardwareManager
	manager *dispenser.Manager
	clock   clockwork.Clock
	cfg     HopperConfig
	log     *zap.Logger

	startedAt time.Time

	sinkMu sync.RWMutex
	sinks  []EventSink

	runMu   sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewHopperService 创建出币服务，交易管理器的事件由服务统一分发
func NewHopperService(store dispenser.Store, hw *hardware.HardwareManager, clock clockwork.Clock, cfg HopperConfig, opts ...dispenser.Option) *HopperService {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxTokens <= 0 || cfg.MaxTokens > dispenser.MaxQuantity {
		cfg.MaxTokens = dispenser.MaxQuantity
	}

	s := &HopperService{
		hw:        hw,
		clock:     clock,
		cfg:       cfg,
		log:       logger.GetModuleLogger("dispenser"),
		startedAt: clock.Now(),
	}
	opts = append(opts, dispenser.WithListener(s.handleDispenseEvent))
	s.manager = dispenser.NewManager(store, hw.Motor(), clock, opts...)
	return s
}

// AddSink 注册事件订阅方
func (s *HopperService) AddSink(sink EventSink) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// Manager 交易管理器
func (s *HopperService) Manager() *dispenser.Manager { return s.manager }

// Hardware 硬件管理器
func (s *HopperService) Hardware() *hardware.HardwareManager { return s.hw }

// MaxTokens 单笔最大出币数
func (s *HopperService) MaxTokens() int { return s.cfg.MaxTokens }

// Start 执行启动恢复并开始轮询
func (s *HopperService) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return nil
	}

	if err := s.manager.Initialize(ctx); err != nil {
		return err
	}

	s.stopCh = make(chan struct{})
	s.running = true
	s.wg.Add(1)
	go s.run()

	s.log.Info("出币服务已启动",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Int("max_tokens", s.cfg.MaxTokens))
	return nil
}

// Stop 停止轮询
func (s *HopperService) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.runMu.Unlock()

	s.wg.Wait()
	s.log.Info("出币服务已停止")
}

func (s *HopperService) run() {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-ticker.Chan():
			s.Tick(ctx)
		case <-s.stopCh:
			return
		}
	}
}

// Tick 执行一次轮询：推进交易状态并完成故障信号解码
func (s *HopperService) Tick(ctx context.Context) {
	s.manager.Poll(ctx)

	decoder := s.hw.Decoder()
	decoder.Update()
	if !decoder.HasNewError() {
		return
	}

	code := decoder.ErrorCode()
	rec := s.hw.Errors().Add(code)
	decoder.Reset()

	logger.LogHardwareEvent(uint8(code), code.Name(), code.Description())
	if code == hardware.CodeUnknown {
		s.log.Warn("故障信号无法解码", zap.Error(errors.New(errors.ErrProtocolDecode)))
	}
	for _, sink := range s.snapshotSinks() {
		sink.OnHardwareError(rec)
	}
}

func (s *HopperService) handleDispenseEvent(ev dispenser.Event) {
	if ev.Kind == dispenser.EventDone {
		// 成功出币说明机构已恢复
		if s.hw.Errors().ClearActive() {
			s.log.Info("出币成功，清除当前故障", zap.String("tx_id", ev.Transaction.TxID))
		}
	}
	for _, sink := range s.snapshotSinks() {
		sink.OnDispenseEvent(ev)
	}
}

func (s *HopperService) snapshotSinks() []EventSink {
	s.sinkMu.RLock()
	defer s.sinkMu.RUnlock()
	return append([]EventSink(nil), s.sinks...)
}

// StartDispense 开始出币
func (s *HopperService) StartDispense(ctx context.Context, txID string, quantity int) (dispenser.Transaction, error) {
	return s.manager.StartDispense(ctx, txID, quantity)
}

// GetTransaction 查询交易
func (s *HopperService) GetTransaction(txID string) (dispenser.Transaction, bool) {
	return s.manager.GetTransaction(txID)
}

// Reset 复位错误状态
func (s *HopperService) Reset(ctx context.Context) (dispenser.Transaction, error) {
	return s.manager.Reset(ctx)
}

// Errors 故障快照
func (s *HopperService) Errors() ErrorsSnapshot {
	snap := ErrorsSnapshot{History: []ErrorView{}}
	if rec, ok := s.hw.Errors().Active(); ok {
		view := NewErrorView(rec)
		snap.Active = &view
	}
	for _, rec := range s.hw.Errors().All() {
		snap.History = append(snap.History, NewErrorView(rec))
	}
	return snap
}

// ClearErrors 清除当前故障，只改历史标记，解码器事件仍由轮询消费
func (s *HopperService) ClearErrors() bool {
	return s.hw.Errors().ClearActive()
}

// Status 设备状态快照
func (s *HopperService) Status() Status {
	active := s.manager.Active()
	m := s.manager.Metrics()

	st := Status{
		Status:    "ok",
		Uptime:    int64(s.clock.Since(s.startedAt) / time.Second),
		Firmware:  s.cfg.FirmwareVersion,
		Dispenser: active.State.String(),
		HopperLow: s.hw.HopperLow(),
		Metrics: StatusMetrics{
			TotalDispenses: m.Total,
			Successful:     m.Successful,
			Jams:           m.Jams,
			Partial:        m.Partial,
			Failures:       m.Failures(),
		},
	}

	if rec, ok := s.hw.Errors().Active(); ok {
		st.Metrics.LastError = rec.Code.Description()
		st.Metrics.LastErrorType = rec.Code.Name()
	}
	if active.State != dispenser.StateIdle {
		st.ActiveTx = &ActiveTx{
			TxID:      active.TxID,
			Quantity:  active.Quantity,
			Dispensed: active.Dispensed,
		}
	}
	if levels, err := s.hw.ReadPins(); err == nil {
		st.GPIO = &GPIOStatus{
			CoinPulse:   pinStatus(levels.CoinPulse),
			ErrorSignal: pinStatus(levels.ErrorSignal),
			HopperLow:   pinStatus(levels.HopperLow),
		}
	} else {
		s.log.Debug("读取引脚失败", zap.Error(err))
	}
	return st
}
