package service

import (
	"github.com/wfunc/token-hopper/internal/dispenser"
	"github.com/wfunc/token-hopper/internal/hardware"
)

// EventSink 出币事件与硬件故障的订阅方（流水、WebSocket、MQTT、监控）
type EventSink interface {
	OnDispenseEvent(ev dispenser.Event)
	OnHardwareError(rec hardware.ErrorRecord)
}
