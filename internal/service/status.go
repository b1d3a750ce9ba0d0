package service

import "github.com/wfunc/token-hopper/internal/hardware"

// Status 设备状态快照，/health 与 MQTT 状态上报共用
type Status struct {
	Status    string        `json:"status"`
	Uptime    int64         `json:"uptime"`
	Firmware  string        `json:"firmware"`
	Dispenser string        `json:"dispenser"`
	HopperLow bool          `json:"hopper_low"`
	Metrics   StatusMetrics `json:"metrics"`
	ActiveTx  *ActiveTx     `json:"active_tx,omitempty"`
	GPIO      *GPIOStatus   `json:"gpio,omitempty"`
}

// StatusMetrics 出币统计
type StatusMetrics struct {
	TotalDispenses uint64 `json:"total_dispenses"`
	Successful     uint64 `json:"successful"`
	Jams           uint64 `json:"jams"`
	Partial        uint64 `json:"partial"`
	Failures       uint64 `json:"failures"`
	LastError      string `json:"last_error"`
	LastErrorType  string `json:"last_error_type"`
}

// ActiveTx 当前交易
type ActiveTx struct {
	TxID      string `json:"tx_id"`
	Quantity  int    `json:"quantity"`
	Dispensed int    `json:"dispensed"`
}

// PinStatus 单个输入引脚，Active 为低电平有效
type PinStatus struct {
	Raw    int  `json:"raw"`
	Active bool `json:"active"`
}

// GPIOStatus 输入引脚状态
type GPIOStatus struct {
	CoinPulse   PinStatus `json:"coin_pulse"`
	ErrorSignal PinStatus `json:"error_signal"`
	HopperLow   PinStatus `json:"hopper_low"`
}

func pinStatus(l hardware.Level) PinStatus {
	return PinStatus{Raw: l.Int(), Active: l == hardware.Low}
}

// ErrorView 故障记录的对外表示
type ErrorView struct {
	Code        uint8  `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Timestamp   int64  `json:"timestamp"`
	Cleared     bool   `json:"cleared"`
}

// NewErrorView 转换故障记录
func NewErrorView(rec hardware.ErrorRecord) ErrorView {
	return ErrorView{
		Code:        uint8(rec.Code),
		Name:        rec.Code.Name(),
		Description: rec.Code.Description(),
		Timestamp:   rec.Timestamp.UnixMilli(),
		Cleared:     rec.Cleared,
	}
}

// ErrorsSnapshot 当前故障与历史
type ErrorsSnapshot struct {
	Active  *ErrorView  `json:"active"`
	History []ErrorView `json:"history"`
}
