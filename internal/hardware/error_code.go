package hardware

import "fmt"

// ErrorCode 出币机故障码，数值等于故障信号中的短脉冲个数
type ErrorCode uint8

const (
	CodeUnknown      ErrorCode = 0 // 无故障或信号格式错误
	CodeCoinStuck    ErrorCode = 1
	CodeSensorOff    ErrorCode = 2
	CodeJamPermanent ErrorCode = 3
	CodeMaxSpan      ErrorCode = 4
	CodeMotorFault   ErrorCode = 5
	CodeSensorFault  ErrorCode = 6
	CodePowerFault   ErrorCode = 7

	maxCodePulses = 7
)

var codeNames = [...]string{
	CodeUnknown:      "UNKNOWN",
	CodeCoinStuck:    "COIN_STUCK",
	CodeSensorOff:    "SENSOR_OFF",
	CodeJamPermanent: "JAM_PERMANENT",
	CodeMaxSpan:      "MAX_SPAN",
	CodeMotorFault:   "MOTOR_FAULT",
	CodeSensorFault:  "SENSOR_FAULT",
	CodePowerFault:   "POWER_FAULT",
}

var codeDescriptions = [...]string{
	CodeUnknown:      "Unknown or malformed error signal",
	CodeCoinStuck:    "Coin stuck in exit sensor (>65ms)",
	CodeSensorOff:    "Exit sensor stuck OFF",
	CodeJamPermanent: "Permanent jam detected",
	CodeMaxSpan:      "Multiple spans exceeded max time",
	CodeMotorFault:   "Motor doesn't start",
	CodeSensorFault:  "Exit sensor disconnected/faulty",
	CodePowerFault:   "Power supply out of range",
}

// CodeFromPulses 由短脉冲个数得到故障码，超出 1..7 视为未知
func CodeFromPulses(n int) ErrorCode {
	if n < 1 || n > maxCodePulses {
		return CodeUnknown
	}
	return ErrorCode(n)
}

// Known 是否为已定义的故障（1..7）
func (c ErrorCode) Known() bool {
	return c >= CodeCoinStuck && c <= CodePowerFault
}

// Name 故障名
func (c ErrorCode) Name() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return codeNames[CodeUnknown]
}

// Description 故障描述
func (c ErrorCode) Description() string {
	if int(c) < len(codeDescriptions) {
		return codeDescriptions[c]
	}
	return codeDescriptions[CodeUnknown]
}

func (c ErrorCode) String() string {
	return fmt.Sprintf("%s(%d)", c.Name(), uint8(c))
}
