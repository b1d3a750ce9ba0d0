package repository

import (
	"context"
	"time"

	"github.com/wfunc/token-hopper/internal/errors"
	"github.com/wfunc/token-hopper/internal/models"
	"gorm.io/gorm"
)

// defaultLogLimit 未指定条数时的默认返回条数
const defaultLogLimit = 50

// DispenseLogRepository 出币流水仓储
type DispenseLogRepository struct {
	*BaseRepo
}

// NewDispenseLogRepository 创建出币流水仓储
func NewDispenseLogRepository(db *gorm.DB) *DispenseLogRepository {
	return &DispenseLogRepository{BaseRepo: NewBaseRepo(db)}
}

// Create 创建日志
func (r *DispenseLogRepository) Create(ctx context.Context, log *models.DispenseLog) error {
	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		return errors.Wrap(err, errors.ErrDatabaseInsert, "dispense_logs")
	}
	return nil
}

// CreateBatch 批量创建日志
func (r *DispenseLogRepository) CreateBatch(ctx context.Context, logs []*models.DispenseLog) error {
	if len(logs) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(logs, 100).Error; err != nil {
		return errors.Wrap(err, errors.ErrDatabaseInsert, "dispense_logs batch")
	}
	return nil
}

// Query 查询日志，按时间倒序
func (r *DispenseLogRepository) Query(ctx context.Context, filter models.DispenseLogFilter) ([]*models.DispenseLog, int64, error) {
	db := r.db.WithContext(ctx).Model(&models.DispenseLog{})

	if filter.TxID != "" {
		db = db.Where("tx_id = ?", filter.TxID)
	}
	if filter.Kind != "" {
		db = db.Where("kind = ?", filter.Kind)
	}

	// 获取总数
	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrDatabaseQuery, "count dispense_logs")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLogLimit
	}
	db = db.Order("created_at DESC").Order("id DESC").Limit(limit)
	if filter.Offset > 0 {
		db = db.Offset(filter.Offset)
	}

	var logs []*models.DispenseLog
	if err := db.Find(&logs).Error; err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrDatabaseQuery, "find dispense_logs")
	}
	return logs, total, nil
}

// DeleteBefore 删除指定时间之前的日志
func (r *DispenseLogRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("created_at < ?", before).Delete(&models.DispenseLog{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, errors.ErrDatabaseDelete, "dispense_logs")
	}
	return result.RowsAffected, nil
}
