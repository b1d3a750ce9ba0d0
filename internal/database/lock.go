package database

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/wfunc/token-hopper/internal/logger"
	"go.uber.org/zap"
)

const (
	// lockStaleAfter 超过该时间的锁视为上次进程掉电残留
	lockStaleAfter = 5 * time.Minute
	lockRetries    = 30
	lockRetryDelay = time.Second
)

// migrationLock 迁移锁文件，内容为持有者 PID
type migrationLock struct {
	path string
	file *os.File
}

// lockPathFor SQLite 数据文件对应的锁路径
func lockPathFor(dbPath string) string {
	return dbPath + ".migration.lock"
}

// acquireMigrationLock 独占创建锁文件，过期锁会被清理后重试
func acquireMigrationLock(dbPath string) (*migrationLock, error) {
	path := lockPathFor(dbPath)

	for i := 0; i < lockRetries; i++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
		if err == nil {
			f.WriteString(strconv.Itoa(os.Getpid()))
			logger.Debug("获取迁移锁成功", zap.String("lock", path))
			return &migrationLock{path: path, file: f}, nil
		}

		if removeStaleLock(path) {
			continue
		}

		logger.Debug("等待迁移锁...", zap.Int("attempt", i+1))
		time.Sleep(lockRetryDelay)
	}

	return nil, fmt.Errorf("无法获取迁移锁 %s，可能有其他进程正在执行迁移", path)
}

// release 释放迁移锁
func (l *migrationLock) release() {
	if l == nil {
		return
	}
	l.file.Close()
	os.Remove(l.path)
	logger.Debug("释放迁移锁", zap.String("lock", l.path))
}

// removeStaleLock 删除过期锁，返回是否删除
func removeStaleLock(path string) bool {
	info, err := os.Stat(path)
	if err != nil || time.Since(info.ModTime()) <= lockStaleAfter {
		return false
	}
	logger.Warn("迁移锁文件过期，删除", zap.String("lock", path), zap.Time("mod_time", info.ModTime()))
	return os.Remove(path) == nil
}
