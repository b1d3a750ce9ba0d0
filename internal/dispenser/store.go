package dispenser

import (
	"context"
	"sync"

	"github.com/wfunc/token-hopper/internal/errors"
)

// Store 当前交易的持久化存储，只保存一条记录
// 所有实现都保存 EncodeRecord 的字节
type Store interface {
	// HasRecord 是否存在有效标记的记录
	HasRecord(ctx context.Context) (bool, error)
	// Load 读取记录，无法解析时返回 ErrRecordCorrupt
	Load(ctx context.Context) (Transaction, error)
	// Persist 覆盖写入
	Persist(ctx context.Context, tx Transaction) error
	// Clear 使记录失效
	Clear(ctx context.Context) error
}

// MemoryStore 内存存储，用于测试和无持久化部署
type MemoryStore struct {
	mu     sync.Mutex
	record []byte

	// 非 nil 时 Persist 返回该错误
	FailPersist error
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// HasRecord 是否存在记录
func (s *MemoryStore) HasRecord(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.record) > 0 && s.record[0] == RecordMagic, nil
}

// Load 读取记录
func (s *MemoryStore) Load(ctx context.Context) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.record) == 0 {
		return Transaction{}, errors.New(errors.ErrNotFound, "no persisted record")
	}
	return DecodeRecord(s.record)
}

// Persist 写入记录
func (s *MemoryStore) Persist(ctx context.Context, tx Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPersist != nil {
		return s.FailPersist
	}
	s.record = EncodeRecord(tx)
	return nil
}

// Clear 清除记录
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = nil
	return nil
}

// SetRaw 直接写入原始字节
func (s *MemoryStore) SetRaw(raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = append([]byte(nil), raw...)
}

// Raw 原始字节
func (s *MemoryStore) Raw() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.record...)
}
