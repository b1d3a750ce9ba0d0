package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/wfunc/token-hopper/internal/dispenser"
	"github.com/wfunc/token-hopper/internal/hardware"
	"github.com/wfunc/token-hopper/internal/logger"
	"github.com/wfunc/token-hopper/internal/models"
	"go.uber.org/zap"
)

const (
	journalBatchSize     = 100
	journalFlushInterval = 5 * time.Second
	journalWriteTimeout  = 3 * time.Second
)

// JournalWriter 流水批量写入
type JournalWriter interface {
	CreateBatch(ctx context.Context, logs []*models.DispenseLog) error
}

// JournalService 出币流水服务，异步批量写库
type JournalService struct {
	repo      JournalWriter
	clock     clockwork.Clock
	logger    *zap.Logger
	mu        sync.Mutex
	buffer    []*models.DispenseLog
	bufferCh  chan *models.DispenseLog
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once
	sessionID string
}

// NewJournalService 创建流水服务并启动后台写入
func NewJournalService(repo JournalWriter, clock clockwork.Clock) *JournalService {
	s := &JournalService{
		repo:      repo,
		clock:     clock,
		logger:    logger.GetModuleLogger("database"),
		buffer:    make([]*models.DispenseLog, 0, journalBatchSize),
		bufferCh:  make(chan *models.DispenseLog, 1000),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		sessionID: uuid.New().String(),
	}

	go s.backgroundWriter()

	return s
}

// SessionID 本次启动的会话ID
func (s *JournalService) SessionID() string { return s.sessionID }

// backgroundWriter 后台写入协程
func (s *JournalService) backgroundWriter() {
	defer close(s.doneCh)

	ticker := s.clock.NewTicker(journalFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case log := <-s.bufferCh:
			s.mu.Lock()
			s.buffer = append(s.buffer, log)
			if len(s.buffer) >= journalBatchSize {
				s.flushBuffer()
			}
			s.mu.Unlock()

		case <-ticker.Chan():
			s.mu.Lock()
			s.flushBuffer()
			s.mu.Unlock()

		case <-s.stopCh:
			// 退出前写入剩余的日志
			s.mu.Lock()
			s.drain()
			s.flushBuffer()
			s.mu.Unlock()
			return
		}
	}
}

func (s *JournalService) drain() {
	for {
		select {
		case log := <-s.bufferCh:
			s.buffer = append(s.buffer, log)
		default:
			return
		}
	}
}

// flushBuffer 写入缓冲区的日志到数据库
func (s *JournalService) flushBuffer() {
	if len(s.buffer) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()

	start := time.Now()
	err := s.repo.CreateBatch(ctx, s.buffer)
	logger.LogDatabaseOperation("create_batch", "dispense_logs", time.Since(start), err)
	if err != nil {
		s.logger.Error("批量写入出币流水失败", zap.Int("count", len(s.buffer)), zap.Error(err))
	}

	s.buffer = make([]*models.DispenseLog, 0, journalBatchSize)
}

func (s *JournalService) enqueue(log *models.DispenseLog) {
	log.SessionID = s.sessionID
	if log.CreatedAt.IsZero() {
		log.CreatedAt = s.clock.Now()
	}

	select {
	case s.bufferCh <- log:
	default:
		s.logger.Warn("出币流水缓冲区满，丢弃日志", zap.String("kind", string(log.Kind)))
	}
}

var journalKinds = map[dispenser.EventKind]models.DispenseLogKind{
	dispenser.EventStarted:   models.DispenseLogStarted,
	dispenser.EventDone:      models.DispenseLogDone,
	dispenser.EventJammed:    models.DispenseLogJammed,
	dispenser.EventFailed:    models.DispenseLogFailed,
	dispenser.EventRecovered: models.DispenseLogRecovered,
	dispenser.EventReset:     models.DispenseLogReset,
}

// OnDispenseEvent 记录交易状态变化，进度事件不入库
func (s *JournalService) OnDispenseEvent(ev dispenser.Event) {
	kind, ok := journalKinds[ev.Kind]
	if !ok {
		return
	}
	tx := ev.Transaction
	s.enqueue(&models.DispenseLog{
		Kind:      kind,
		TxID:      tx.TxID,
		State:     tx.State.String(),
		Quantity:  tx.Quantity,
		Dispensed: tx.Dispensed,
	})
}

// OnHardwareError 记录硬件故障
func (s *JournalService) OnHardwareError(rec hardware.ErrorRecord) {
	s.enqueue(&models.DispenseLog{
		CreatedAt: rec.Timestamp,
		Kind:      models.DispenseLogHardware,
		ErrorCode: uint8(rec.Code),
		ErrorName: rec.Code.Name(),
		Message:   rec.Code.Description(),
	})
}

// LogBoot 记录启动
func (s *JournalService) LogBoot(message string) {
	s.enqueue(&models.DispenseLog{
		Kind:    models.DispenseLogBoot,
		Message: message,
	})
}

// Close 停止后台写入并落盘剩余日志
func (s *JournalService) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh
}
