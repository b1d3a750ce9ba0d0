package models

import "time"

// PersistedTransactionID 当前交易记录固定主键
const PersistedTransactionID = 1

// PersistedTransaction 当前出币交易的持久化记录（单行）
// Payload 为定长编码记录，TxID/State 仅便于人工查看
type PersistedTransaction struct {
	ID        uint      `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Payload   []byte    `json:"-"`
	Valid     bool      `gorm:"not null;default:false" json:"valid"`
	TxID      string    `gorm:"size:16" json:"tx_id"`
	State     string    `gorm:"size:16" json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (PersistedTransaction) TableName() string {
	return "persisted_transactions"
}
