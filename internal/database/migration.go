package database

import (
	"fmt"

	"github.com/wfunc/token-hopper/internal/logger"
	"github.com/wfunc/token-hopper/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models 需要迁移的模型
func Models() []interface{} {
	return []interface{}{
		&models.PersistedTransaction{},
		&models.DispenseLog{},
	}
}

// AutoMigrate 自动迁移数据库表结构，SQLite 文件库加文件锁避免多进程同时迁移
func AutoMigrate() error {
	if DB == nil {
		return fmt.Errorf("数据库未初始化")
	}

	if sqlitePath != "" {
		lock, err := acquireMigrationLock(sqlitePath)
		if err != nil {
			logger.Error("无法获取迁移锁", zap.Error(err))
			return fmt.Errorf("获取迁移锁失败: %w", err)
		}
		defer lock.release()
	}

	logger.Info("开始数据库迁移...")
	if err := Migrate(DB); err != nil {
		return err
	}
	logger.Info("数据库迁移完成")
	return nil
}

// Migrate 在指定连接上迁移表结构并创建索引
func Migrate(db *gorm.DB) error {
	for _, model := range Models() {
		if err := db.AutoMigrate(model); err != nil {
			logger.Error("迁移失败",
				zap.String("model", fmt.Sprintf("%T", model)),
				zap.Error(err),
			)
			return err
		}
		logger.Debug("迁移成功", zap.String("model", fmt.Sprintf("%T", model)))
	}
	createIndexes(db)
	return nil
}

// createIndexes 创建组合索引
func createIndexes(db *gorm.DB) {
	indexes := map[string]string{
		"idx_dispense_logs_tx_kind": "CREATE INDEX IF NOT EXISTS idx_dispense_logs_tx_kind ON dispense_logs(tx_id, kind)",
	}
	for name, stmt := range indexes {
		if err := db.Exec(stmt).Error; err != nil {
			logger.Warn("创建索引失败", zap.String("index", name), zap.Error(err))
		}
	}
}
