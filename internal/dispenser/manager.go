package dispenser

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/wfunc/token-hopper/internal/errors"
	"github.com/wfunc/token-hopper/internal/logger"
	"go.uber.org/zap"
)

// Motor 出币电机
type Motor interface {
	Start() error
	Stop() error
	PulseCount() int
	ResetPulseCount()
	CheckJam() bool
}

// Metrics 出币统计，进程内单调递增
type Metrics struct {
	Total      uint64
	Successful uint64
	Jams       uint64
	Partial    uint64
}

// Failures 未完成也非卡币的交易数
func (m Metrics) Failures() uint64 {
	if m.Successful+m.Jams > m.Total {
		return 0
	}
	return m.Total - m.Successful - m.Jams
}

// EventKind 状态变化类型
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventProgress  EventKind = "progress"
	EventDone      EventKind = "done"
	EventJammed    EventKind = "jammed"
	EventFailed    EventKind = "failed"
	EventRecovered EventKind = "recovered"
	EventReset     EventKind = "reset"
)

// Event 状态变化通知
type Event struct {
	Kind        EventKind
	Transaction Transaction
	Previous    State
}

// Option Manager 选项
type Option func(*Manager)

// WithClearErrorOnBoot 启动时发现 Error 记录直接清除
func WithClearErrorOnBoot(clear bool) Option {
	return func(m *Manager) { m.clearErrorOnBoot = clear }
}

// WithListener 注册状态变化回调，回调在锁外执行
func WithListener(fn func(Event)) Option {
	return func(m *Manager) { m.listeners = append(m.listeners, fn) }
}

// WithLogger 指定日志器
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// Manager 出币交易状态机
// 同一时刻最多一笔 Dispensing 交易，状态先落盘再驱动电机
type Manager struct {
	store Store
	motor Motor
	clock clockwork.Clock
	log   *zap.Logger

	clearErrorOnBoot bool
	listeners        []func(Event)

	mu      sync.Mutex
	active  Transaction
	history history
	metrics Metrics
}

// NewManager 创建交易管理器
func NewManager(store Store, motor Motor, clock clockwork.Clock, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		motor: motor,
		clock: clock,
		log:   logger.GetModuleLogger("dispenser"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize 启动恢复：读取持久化记录并归档，Dispensing 强制转为 Error
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	events, err := m.initialize(ctx)
	m.mu.Unlock()

	m.emit(events)
	return err
}

func (m *Manager) initialize(ctx context.Context) ([]Event, error) {
	m.active = Transaction{}

	has, err := m.store.HasRecord(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabaseQuery, "read persisted record")
	}
	if !has {
		m.log.Info("无持久化交易记录")
		return nil, nil
	}

	tx, err := m.store.Load(ctx)
	if err != nil {
		if !errors.Is(err, errors.ErrRecordCorrupt) {
			return nil, errors.Wrap(err, errors.ErrDatabaseQuery, "load persisted record")
		}
		m.log.Error("持久化记录损坏，已丢弃", zap.Error(err))
		if clearErr := m.store.Clear(ctx); clearErr != nil {
			return nil, errors.Wrap(clearErr, errors.ErrStorageWrite, "clear corrupt record")
		}
		return nil, nil
	}

	if tx.TxID != "" {
		m.history.add(tx)
	}

	switch tx.State {
	case StateDispensing:
		prev := tx.State
		tx.State = StateError
		m.active = tx
		if err := m.store.Persist(ctx, tx); err != nil {
			return nil, errors.Wrap(err, errors.ErrStorageWrite, "persist recovered transaction")
		}
		m.history.add(tx)

		recovery := errors.Newf(errors.ErrRecovery, "tx %s interrupted while dispensing", tx.TxID)
		m.log.Error("断电前出币未完成，交易转为错误状态",
			zap.String("tx_id", tx.TxID),
			zap.Int("quantity", tx.Quantity),
			zap.Int("dispensed", tx.Dispensed),
			zap.Error(recovery))
		logger.LogDispenseEvent(string(EventRecovered), tx.TxID, tx.State.String(), tx.Quantity, tx.Dispensed)
		return []Event{{Kind: EventRecovered, Transaction: tx, Previous: prev}}, nil

	case StateError:
		if m.clearErrorOnBoot {
			if err := m.store.Clear(ctx); err != nil {
				return nil, errors.Wrap(err, errors.ErrStorageWrite, "clear error record")
			}
			m.log.Warn("启动时清除错误交易", zap.String("tx_id", tx.TxID))
			return nil, nil
		}
		m.active = tx
		m.log.Warn("保留错误交易，等待复位", zap.String("tx_id", tx.TxID))
		return []Event{{Kind: EventRecovered, Transaction: tx, Previous: StateError}}, nil

	default:
		// Done 或 Idle：上次结束后未来得及清除
		if err := m.store.Clear(ctx); err != nil {
			return nil, errors.Wrap(err, errors.ErrStorageWrite, "clear finished record")
		}
		m.log.Info("清除已结束的交易记录",
			zap.String("tx_id", tx.TxID),
			zap.Stringer("state", tx.State))
		return nil, nil
	}
}

// StartDispense 开始出币
// 交易号已在历史中时直接返回缓存结果；正在出币时返回 ErrDispenserBusy
func (m *Manager) StartDispense(ctx context.Context, txID string, quantity int) (Transaction, error) {
	m.mu.Lock()
	tx, events, err := m.startDispense(ctx, txID, quantity)
	m.mu.Unlock()

	m.emit(events)
	return tx, err
}

func (m *Manager) startDispense(ctx context.Context, txID string, quantity int) (Transaction, []Event, error) {
	if cached, ok := m.history.lookup(txID); ok {
		m.log.Debug("重复请求，返回缓存结果",
			zap.String("tx_id", txID),
			zap.Stringer("state", cached.State))
		return cached, nil, nil
	}

	if m.active.State == StateDispensing {
		return m.active, nil, errors.Newf(errors.ErrDispenserBusy, "active tx %s", m.active.TxID)
	}

	prevActive := m.active
	tx := Transaction{
		TxID:      txID,
		Quantity:  quantity,
		State:     StateDispensing,
		StartedAt: m.clock.Now(),
	}
	m.active = tx
	if err := m.store.Persist(ctx, tx); err != nil {
		m.active = prevActive
		m.log.Error("交易落盘失败，未启动电机", zap.String("tx_id", txID), zap.Error(err))
		return Transaction{}, nil, errors.Wrap(err, errors.ErrStorageWrite, "persist transaction")
	}

	m.motor.ResetPulseCount()
	if err := m.motor.Start(); err != nil {
		if stopErr := m.motor.Stop(); stopErr != nil {
			m.log.Warn("停止电机失败", zap.Error(stopErr))
		}
		tx.State = StateError
		m.active = tx
		m.persistOrLog(ctx, tx)
		m.history.add(tx)

		m.log.Error("电机启动失败", zap.String("tx_id", txID), zap.Error(err))
		logger.LogDispenseEvent(string(EventFailed), tx.TxID, tx.State.String(), tx.Quantity, tx.Dispensed)
		return tx, []Event{{Kind: EventFailed, Transaction: tx, Previous: StateDispensing}},
			errors.Wrap(err, errors.ErrBoardWrite, "start motor")
	}

	m.metrics.Total++
	logger.LogDispenseEvent(string(EventStarted), tx.TxID, tx.State.String(), tx.Quantity, tx.Dispensed)
	return tx, []Event{{Kind: EventStarted, Transaction: tx, Previous: prevActive.State}}, nil
}

// Poll 在轮询中调用：更新计数，判断完成或卡币
func (m *Manager) Poll(ctx context.Context) {
	m.mu.Lock()
	events := m.poll(ctx)
	m.mu.Unlock()

	m.emit(events)
}

func (m *Manager) poll(ctx context.Context) []Event {
	if m.active.State != StateDispensing {
		return nil
	}

	count := m.motor.PulseCount()
	tx := m.active

	switch {
	case count >= tx.Quantity:
		m.stopMotor()
		if count > tx.Quantity {
			m.log.Warn("出币数超出请求数量",
				zap.String("tx_id", tx.TxID),
				zap.Int("quantity", tx.Quantity),
				zap.Int("pulses", count))
		}
		tx.Dispensed = tx.Quantity
		tx.State = StateDone
		m.persistOrLog(ctx, tx)
		m.history.add(tx)
		if err := m.store.Clear(ctx); err != nil {
			m.log.Error("清除交易记录失败", zap.String("tx_id", tx.TxID), zap.Error(err))
		}
		m.active = Transaction{}
		m.metrics.Successful++

		logger.LogDispenseEvent(string(EventDone), tx.TxID, tx.State.String(), tx.Quantity, tx.Dispensed)
		return []Event{{Kind: EventDone, Transaction: tx, Previous: StateDispensing}}

	case m.motor.CheckJam():
		m.stopMotor()
		tx.Dispensed = count
		tx.State = StateError
		m.active = tx
		m.persistOrLog(ctx, tx)
		m.history.add(tx)
		m.metrics.Jams++
		if count > 0 {
			m.metrics.Partial++
		}

		logger.LogError(errors.Newf(errors.ErrJam, "dispensed %d/%d", count, tx.Quantity),
			"卡币，出币中止",
			zap.String("tx_id", tx.TxID),
			zap.Int("quantity", tx.Quantity),
			zap.Int("dispensed", count))
		logger.LogDispenseEvent(string(EventJammed), tx.TxID, tx.State.String(), tx.Quantity, tx.Dispensed)
		return []Event{{Kind: EventJammed, Transaction: tx, Previous: StateDispensing}}

	case count != tx.Dispensed:
		tx.Dispensed = count
		m.active = tx
		return []Event{{Kind: EventProgress, Transaction: tx, Previous: StateDispensing}}
	}
	return nil
}

// GetTransaction 查询交易：当前交易优先，其次历史
func (m *Manager) GetTransaction(txID string) (Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active.State != StateIdle && m.active.TxID == txID {
		return m.active, true
	}
	if tx, ok := m.history.lookup(txID); ok {
		return tx, true
	}
	return Transaction{State: StateIdle}, false
}

// Reset 复位错误状态，出币中返回 ErrDispenserBusy
func (m *Manager) Reset(ctx context.Context) (Transaction, error) {
	m.mu.Lock()
	tx, events, err := m.reset(ctx)
	m.mu.Unlock()

	m.emit(events)
	return tx, err
}

func (m *Manager) reset(ctx context.Context) (Transaction, []Event, error) {
	switch m.active.State {
	case StateIdle:
		return m.active, nil, nil
	case StateDispensing:
		return m.active, nil, errors.Newf(errors.ErrDispenserBusy, "active tx %s", m.active.TxID)
	}

	if err := m.store.Clear(ctx); err != nil {
		return m.active, nil, errors.Wrap(err, errors.ErrStorageWrite, "clear record on reset")
	}
	prev := m.active
	m.active = Transaction{}

	m.log.Info("出币机已复位", zap.String("tx_id", prev.TxID), zap.Stringer("from", prev.State))
	logger.LogDispenseEvent(string(EventReset), prev.TxID, StateIdle.String(), prev.Quantity, prev.Dispensed)
	return m.active, []Event{{Kind: EventReset, Transaction: prev, Previous: prev.State}}, nil
}

// Active 当前交易
func (m *Manager) Active() Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// IsIdle 是否可接受新的出币，错误与完成状态也算空闲
func (m *Manager) IsIdle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active.State != StateDispensing
}

// Metrics 统计快照
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// History 已归档交易，从新到旧
func (m *Manager) History() []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.list()
}

func (m *Manager) stopMotor() {
	if err := m.motor.Stop(); err != nil {
		m.log.Error("停止电机失败", zap.Error(err))
	}
}

func (m *Manager) persistOrLog(ctx context.Context, tx Transaction) {
	if err := m.store.Persist(ctx, tx); err != nil {
		m.log.Error("交易落盘失败",
			zap.String("tx_id", tx.TxID),
			zap.Stringer("state", tx.State),
			zap.Error(err))
	}
}

func (m *Manager) emit(events []Event) {
	for _, ev := range events {
		for _, fn := range m.listeners {
			fn(ev)
		}
	}
}
