package hardware

import (
	"encoding/binary"
	"fmt"
)

// 帧定义
const (
	FrameHeader byte   = 0xAA
	FrameTail   byte   = 0x55
	MinFrameLen uint16 = 9 // 帧头(1) + 长度(2) + 命令(1) + 序列号(2) + CRC(2) + 帧尾(1)
	MaxFrameLen uint16 = 64
)

// 命令码定义
const (
	// 主机 → 桥接板
	CmdMotor      byte = 0x01 // 电机控制 data[0]: 0 停 / 1 转
	CmdQueryPins  byte = 0x21 // 查询输入引脚电平
	CmdHeartbeat  byte = 0x31 // 心跳包

	// 桥接板 → 主机
	EventEdge     byte = 0x11 // 边沿事件 data: pin(1) level(1) ticks_us(4)
	EventPinState byte = 0x22 // 引脚电平 data[0]: bit(pin) = level

	CmdACK  byte = 0x80 // ACK确认 data: seq(2) cmd(1) status(1)
	CmdNACK byte = 0x81 // NACK拒绝 data: seq(2) cmd(1) error(1)
)

// NACK 错误码
const (
	NackUnsupported  byte = 0x01 // 命令不支持
	NackInvalidParam byte = 0x02 // 参数错误
	NackBusy         byte = 0x03 // 设备忙
	NackHardware     byte = 0x04 // 硬件故障
	NackChecksum     byte = 0x05 // 校验失败
)

// Frame 数据帧结构
type Frame struct {
	Header   byte   // 帧头
	Length   uint16 // 整帧长度
	Command  byte   // 命令码
	Sequence uint16 // 序列号
	Data     []byte // 数据
	CRC16    uint16 // CRC校验
	Tail     byte   // 帧尾
}

// EdgeReport 桥接板上报的边沿
type EdgeReport struct {
	Pin   Pin
	Level Level
	Ticks uint32 // 桥接板微秒计数，32 位回绕
}

// NewFrame 创建新的数据帧
func NewFrame(cmd byte, seq uint16, data []byte) *Frame {
	f := &Frame{
		Header:   FrameHeader,
		Command:  cmd,
		Sequence: seq,
		Data:     data,
		Tail:     FrameTail,
	}
	f.Length = MinFrameLen + uint16(len(data))
	f.CRC16 = f.CalculateCRC()
	return f
}

// ToBytes 将帧转换为字节数组
func (f *Frame) ToBytes() []byte {
	buf := make([]byte, f.Length)
	buf[0] = f.Header
	binary.BigEndian.PutUint16(buf[1:3], f.Length)
	buf[3] = f.Command
	binary.BigEndian.PutUint16(buf[4:6], f.Sequence)
	idx := 6 + copy(buf[6:], f.Data)
	binary.BigEndian.PutUint16(buf[idx:], f.CRC16)
	buf[idx+2] = f.Tail
	return buf
}

// FromBytes 从字节数组解析帧
func (f *Frame) FromBytes(data []byte) error {
	if len(data) < int(MinFrameLen) {
		return fmt.Errorf("frame too short: %d < %d", len(data), MinFrameLen)
	}
	if data[0] != FrameHeader {
		return fmt.Errorf("invalid frame header: 0x%02X", data[0])
	}

	f.Header = data[0]
	f.Length = binary.BigEndian.Uint16(data[1:3])
	if f.Length < MinFrameLen || f.Length > MaxFrameLen {
		return fmt.Errorf("invalid frame length: %d", f.Length)
	}
	if len(data) < int(f.Length) {
		return fmt.Errorf("incomplete frame: %d < %d", len(data), f.Length)
	}
	if data[f.Length-1] != FrameTail {
		return fmt.Errorf("invalid frame tail: 0x%02X", data[f.Length-1])
	}

	f.Command = data[3]
	f.Sequence = binary.BigEndian.Uint16(data[4:6])
	f.Data = nil
	if dataLen := f.Length - MinFrameLen; dataLen > 0 {
		f.Data = make([]byte, dataLen)
		copy(f.Data, data[6:6+dataLen])
	}

	crcIdx := f.Length - 3
	f.CRC16 = binary.BigEndian.Uint16(data[crcIdx : crcIdx+2])
	f.Tail = data[f.Length-1]

	if calc := f.CalculateCRC(); calc != f.CRC16 {
		return fmt.Errorf("CRC mismatch: calc=0x%04X, recv=0x%04X", calc, f.CRC16)
	}
	return nil
}

// CalculateCRC 计算从命令码到数据的CRC
func (f *Frame) CalculateCRC() uint16 {
	data := make([]byte, 0, 3+len(f.Data))
	data = append(data, f.Command, byte(f.Sequence>>8), byte(f.Sequence))
	data = append(data, f.Data...)
	return CRC16XMODEM(data)
}

// CRC16XMODEM CRC16-XMODEM算法
func CRC16XMODEM(data []byte) uint16 {
	crc := uint16(0x0000)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// ExtractFrames 从接收缓冲中切出完整帧，返回剩余未成帧的数据
// 帧头之前的字节和校验失败的帧会被丢弃，bad 为丢弃的坏帧数
func ExtractFrames(buf []byte) (frames []*Frame, rest []byte, bad int) {
	for len(buf) >= int(MinFrameLen) {
		idx := -1
		for i, b := range buf {
			if b == FrameHeader {
				idx = i
				break
			}
		}
		if idx < 0 {
			return frames, buf[:0], bad
		}
		buf = buf[idx:]
		if len(buf) < int(MinFrameLen) {
			break
		}

		frameLen := binary.BigEndian.Uint16(buf[1:3])
		if frameLen < MinFrameLen || frameLen > MaxFrameLen {
			buf = buf[1:]
			bad++
			continue
		}
		if len(buf) < int(frameLen) {
			break
		}

		frame := &Frame{}
		if err := frame.FromBytes(buf[:frameLen]); err != nil {
			buf = buf[1:]
			bad++
			continue
		}
		frames = append(frames, frame)
		buf = buf[frameLen:]
	}
	return frames, buf, bad
}

// EncodeEdge 编码边沿事件数据
func EncodeEdge(r EdgeReport) []byte {
	data := make([]byte, 6)
	data[0] = byte(r.Pin)
	if r.Level {
		data[1] = 1
	}
	binary.BigEndian.PutUint32(data[2:6], r.Ticks)
	return data
}

// DecodeEdge 解析边沿事件数据
func DecodeEdge(data []byte) (EdgeReport, error) {
	if len(data) < 6 {
		return EdgeReport{}, fmt.Errorf("edge event too short: %d", len(data))
	}
	pin := Pin(data[0])
	if pin >= pinCount {
		return EdgeReport{}, fmt.Errorf("edge event for unknown pin %d", data[0])
	}
	return EdgeReport{
		Pin:   pin,
		Level: data[1] != 0,
		Ticks: binary.BigEndian.Uint32(data[2:6]),
	}, nil
}

// DecodePinState 解析引脚电平位图
func DecodePinState(data []byte) ([pinCount]Level, error) {
	var levels [pinCount]Level
	if len(data) < 1 {
		return levels, fmt.Errorf("pin state too short")
	}
	for p := Pin(0); p < pinCount; p++ {
		levels[p] = data[0]&(1<<p) != 0
	}
	return levels, nil
}

// EncodePinState 编码引脚电平位图
func EncodePinState(levels [pinCount]Level) []byte {
	var mask byte
	for p, l := range levels {
		if l {
			mask |= 1 << p
		}
	}
	return []byte{mask}
}

// EncodeAck 编码ACK/NACK数据
func EncodeAck(seq uint16, cmd, status byte) []byte {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], seq)
	data[2] = cmd
	data[3] = status
	return data
}

// DecodeAck 解析ACK/NACK数据
func DecodeAck(data []byte) (seq uint16, cmd, status byte, err error) {
	if len(data) < 4 {
		return 0, 0, 0, fmt.Errorf("ack too short: %d", len(data))
	}
	return binary.BigEndian.Uint16(data[0:2]), data[2], data[3], nil
}
