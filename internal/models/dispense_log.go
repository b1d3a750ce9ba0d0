package models

import "time"

// DispenseLogKind 出币日志类型
type DispenseLogKind string

const (
	DispenseLogStarted   DispenseLogKind = "started"
	DispenseLogDone      DispenseLogKind = "done"
	DispenseLogJammed    DispenseLogKind = "jammed"
	DispenseLogFailed    DispenseLogKind = "failed"
	DispenseLogRecovered DispenseLogKind = "recovered"
	DispenseLogReset     DispenseLogKind = "reset"
	DispenseLogHardware  DispenseLogKind = "hardware_error"
	DispenseLogBoot      DispenseLogKind = "boot"
)

// DispenseLog 出币流水日志
type DispenseLog struct {
	ID        uint64          `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time       `gorm:"index" json:"created_at"`
	SessionID string          `gorm:"size:36;index" json:"session_id"`
	Kind      DispenseLogKind `gorm:"size:32;index" json:"kind"`
	TxID      string          `gorm:"size:16;index" json:"tx_id,omitempty"`
	State     string          `gorm:"size:16" json:"state,omitempty"`
	Quantity  int             `json:"quantity,omitempty"`
	Dispensed int             `json:"dispensed,omitempty"`
	ErrorCode uint8           `json:"error_code,omitempty"`
	ErrorName string          `gorm:"size:32" json:"error_name,omitempty"`
	Message   string          `gorm:"size:255" json:"message,omitempty"`
}

// TableName 指定表名
func (DispenseLog) TableName() string {
	return "dispense_logs"
}

// DispenseLogFilter 日志查询条件
type DispenseLogFilter struct {
	TxID   string
	Kind   DispenseLogKind
	Limit  int
	Offset int
}
