package repository

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/wfunc/token-hopper/internal/dispenser"
	"github.com/wfunc/token-hopper/internal/errors"
	"github.com/wfunc/token-hopper/internal/logger"
	"github.com/wfunc/token-hopper/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RecordStore 基于数据库单行记录的交易存储
type RecordStore struct {
	*BaseRepo
}

var _ dispenser.Store = (*RecordStore)(nil)

// NewRecordStore 创建数据库交易存储
func NewRecordStore(db *gorm.DB) *RecordStore {
	return &RecordStore{BaseRepo: NewBaseRepo(db)}
}

func (r *RecordStore) row(ctx context.Context) (*models.PersistedTransaction, error) {
	var row models.PersistedTransaction
	err := r.db.WithContext(ctx).Where("id = ?", models.PersistedTransactionID).Take(&row).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabaseQuery, "load persisted transaction")
	}
	return &row, nil
}

// HasRecord 是否存在有效记录
func (r *RecordStore) HasRecord(ctx context.Context) (bool, error) {
	row, err := r.row(ctx)
	if err != nil || row == nil {
		return false, err
	}
	return row.Valid && len(row.Payload) > 0 && row.Payload[0] == dispenser.RecordMagic, nil
}

// Load 读取并解码记录
func (r *RecordStore) Load(ctx context.Context) (dispenser.Transaction, error) {
	row, err := r.row(ctx)
	if err != nil {
		return dispenser.Transaction{}, err
	}
	if row == nil || !row.Valid {
		return dispenser.Transaction{}, errors.New(errors.ErrNotFound, "no persisted record")
	}
	return dispenser.DecodeRecord(row.Payload)
}

// Persist 覆盖写入记录
func (r *RecordStore) Persist(ctx context.Context, tx dispenser.Transaction) error {
	start := time.Now()
	row := models.PersistedTransaction{
		ID:      models.PersistedTransactionID,
		Payload: dispenser.EncodeRecord(tx),
		Valid:   true,
		TxID:    tx.TxID,
		State:   tx.State.String(),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	logger.LogDatabaseOperation("upsert", row.TableName(), time.Since(start), err)
	if err != nil {
		return errors.Wrap(err, errors.ErrStorageWrite, "persist transaction")
	}
	return nil
}

// Clear 使记录失效
func (r *RecordStore) Clear(ctx context.Context) error {
	err := r.db.WithContext(ctx).
		Model(&models.PersistedTransaction{}).
		Where("id = ?", models.PersistedTransactionID).
		Updates(map[string]interface{}{
			"payload": nil,
			"valid":   false,
			"tx_id":   "",
			"state":   dispenser.StateIdle.String(),
		}).Error
	if err != nil {
		return errors.Wrap(err, errors.ErrStorageWrite, "clear transaction")
	}
	return nil
}
