package hardware

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const errorHistorySize = 5

// ErrorRecord 故障记录
type ErrorRecord struct {
	Code      ErrorCode
	Timestamp time.Time
	Cleared   bool
}

// ErrorHistory 最近 5 条故障的环形缓冲
type ErrorHistory struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	records [errorHistorySize]ErrorRecord
	head    int
}

// NewErrorHistory 创建故障历史
func NewErrorHistory(clock clockwork.Clock) *ErrorHistory {
	return &ErrorHistory{clock: clock}
}

// Add 记录一次故障，满时覆盖最旧的一条
func (h *ErrorHistory) Add(code ErrorCode) ErrorRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec := ErrorRecord{Code: code, Timestamp: h.clock.Now()}
	h.records[h.head] = rec
	h.head = (h.head + 1) % errorHistorySize
	return rec
}

// Active 最新一条未清除的故障
func (h *ErrorHistory) Active() (ErrorRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if i, ok := h.activeIndex(); ok {
		return h.records[i], true
	}
	return ErrorRecord{}, false
}

// ClearActive 清除最新一条未清除的故障
func (h *ErrorHistory) ClearActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	i, ok := h.activeIndex()
	if !ok {
		return false
	}
	h.records[i].Cleared = true
	return true
}

// All 全部故障记录，从新到旧
func (h *ErrorHistory) All() []ErrorRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]ErrorRecord, 0, errorHistorySize)
	for n := 1; n <= errorHistorySize; n++ {
		rec := h.records[(h.head-n+errorHistorySize)%errorHistorySize]
		if rec.Code != CodeUnknown {
			out = append(out, rec)
		}
	}
	return out
}

func (h *ErrorHistory) activeIndex() (int, bool) {
	for n := 1; n <= errorHistorySize; n++ {
		i := (h.head - n + errorHistorySize) % errorHistorySize
		if h.records[i].Code != CodeUnknown && !h.records[i].Cleared {
			return i, true
		}
	}
	return 0, false
}
