package storage

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	ldb_errors "github.com/syndtr/goleveldb/leveldb/errors"
	ldb_opt "github.com/syndtr/goleveldb/leveldb/opt"
	ldb_storage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/wfunc/token-hopper/internal/dispenser"
	"github.com/wfunc/token-hopper/internal/errors"
)

// 当前交易记录的键
var currentKey = []byte("tx:current")

// 每次写入都落盘
var syncWrite = &ldb_opt.WriteOptions{Sync: true}

// LevelStore 基于 leveldb 的交易存储
type LevelStore struct {
	mu sync.Mutex
	db *leveldb.DB
}

var _ dispenser.Store = (*LevelStore)(nil)

// OpenLevelStore 打开目录下的 leveldb
func OpenLevelStore(path string) (*LevelStore, error) {
	opt := &ldb_opt.Options{
		ErrorIfMissing: false,
	}
	db, err := leveldb.OpenFile(path, opt)
	if err != nil {
		// 上次异常退出导致清单损坏时尝试恢复
		if ldb_errors.IsCorrupted(err) {
			db, err = leveldb.RecoverFile(path, nil)
		}
	}
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrStorageOpen, "open leveldb %s", path)
	}
	return &LevelStore{db: db}, nil
}

// NewMemLevelStore 内存 leveldb，用于测试
func NewMemLevelStore() (*LevelStore, error) {
	db, err := leveldb.Open(ldb_storage.NewMemStorage(), nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrStorageOpen, "open memory leveldb")
	}
	return &LevelStore{db: db}, nil
}

// HasRecord 是否存在有效记录
func (s *LevelStore) HasRecord(ctx context.Context) (bool, error) {
	raw, err := s.get()
	if err != nil || raw == nil {
		return false, err
	}
	return len(raw) > 0 && raw[0] == dispenser.RecordMagic, nil
}

// Load 读取并解码记录
func (s *LevelStore) Load(ctx context.Context) (dispenser.Transaction, error) {
	raw, err := s.get()
	if err != nil {
		return dispenser.Transaction{}, err
	}
	if raw == nil {
		return dispenser.Transaction{}, errors.New(errors.ErrNotFound, "no persisted record")
	}
	return dispenser.DecodeRecord(raw)
}

// Persist 覆盖写入记录
func (s *LevelStore) Persist(ctx context.Context, tx dispenser.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Put(currentKey, dispenser.EncodeRecord(tx), syncWrite); err != nil {
		return errors.Wrap(err, errors.ErrStorageWrite, "persist transaction")
	}
	return nil
}

// Clear 删除记录
func (s *LevelStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Delete(currentKey, syncWrite); err != nil {
		return errors.Wrap(err, errors.ErrStorageWrite, "clear transaction")
	}
	return nil
}

// PutRaw 直接写入原始字节
func (s *LevelStore) PutRaw(raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Put(currentKey, raw, syncWrite)
}

// Close 关闭数据库
func (s *LevelStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *LevelStore) get() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.db.Get(currentKey, nil)
	if stderrors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabaseQuery, "read leveldb")
	}
	return raw, nil
}
