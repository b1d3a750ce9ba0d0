package dispenser

import (
	"fmt"
	"time"
)

// 交易号与数量约束
const (
	MaxTxIDLen  = 16
	MaxQuantity = 255
)

// State 出币状态
type State uint8

const (
	StateIdle State = iota
	StateDispensing
	StateDone
	StateError
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateDispensing: "dispensing",
	StateDone:       "done",
	StateError:      "error",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Valid 是否为已定义状态
func (s State) Valid() bool {
	return s <= StateError
}

// MarshalText 以小写名字序列化
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Transaction 一次出币交易
type Transaction struct {
	TxID      string
	Quantity  int
	Dispensed int
	State     State
	StartedAt time.Time
}

// ValidateTxID 交易号为 1..16 字节
func ValidateTxID(txID string) error {
	if len(txID) == 0 || len(txID) > MaxTxIDLen {
		return fmt.Errorf("tx_id length %d out of range 1..%d", len(txID), MaxTxIDLen)
	}
	return nil
}

// ValidateQuantity 数量在 1..max 之间
func ValidateQuantity(quantity, max int) error {
	if max <= 0 || max > MaxQuantity {
		max = MaxQuantity
	}
	if quantity < 1 || quantity > max {
		return fmt.Errorf("quantity %d out of range 1..%d", quantity, max)
	}
	return nil
}
