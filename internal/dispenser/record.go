package dispenser

import (
	"encoding/binary"
	"hash/crc32"
	"time"

	"github.com/wfunc/token-hopper/internal/errors"
)

// 持久化记录格式
//
//	0      magic 0xAB
//	1      version
//	2      state
//	3      quantity
//	4      dispensed
//	5      tx_id 长度
//	6..21  tx_id，不足补零
//	22..29 started_at（unix 毫秒，大端）
//	30..33 CRC-32 IEEE（大端，覆盖 0..29）
const (
	RecordSize    = 34
	RecordMagic   = 0xAB
	RecordVersion = 1

	offTxID    = 6
	offStarted = offTxID + MaxTxIDLen
	offCRC     = offStarted + 8
)

// EncodeRecord 编码交易为持久化记录
func EncodeRecord(tx Transaction) []byte {
	buf := make([]byte, RecordSize)
	buf[0] = RecordMagic
	buf[1] = RecordVersion
	buf[2] = byte(tx.State)
	buf[3] = byte(tx.Quantity)
	buf[4] = byte(tx.Dispensed)

	n := copy(buf[offTxID:offTxID+MaxTxIDLen], tx.TxID)
	buf[5] = byte(n)

	var ms int64
	if !tx.StartedAt.IsZero() {
		ms = tx.StartedAt.UnixMilli()
	}
	binary.BigEndian.PutUint64(buf[offStarted:offCRC], uint64(ms))
	binary.BigEndian.PutUint32(buf[offCRC:], crc32.ChecksumIEEE(buf[:offCRC]))
	return buf
}

// DecodeRecord 解析持久化记录，格式或校验不符返回 ErrRecordCorrupt
func DecodeRecord(buf []byte) (Transaction, error) {
	if len(buf) != RecordSize {
		return Transaction{}, errors.Newf(errors.ErrRecordCorrupt, "record size %d", len(buf))
	}
	if buf[0] != RecordMagic {
		return Transaction{}, errors.Newf(errors.ErrRecordCorrupt, "bad magic 0x%02X", buf[0])
	}
	if buf[1] != RecordVersion {
		return Transaction{}, errors.Newf(errors.ErrRecordCorrupt, "unsupported version %d", buf[1])
	}
	if sum := crc32.ChecksumIEEE(buf[:offCRC]); sum != binary.BigEndian.Uint32(buf[offCRC:]) {
		return Transaction{}, errors.Newf(errors.ErrRecordCorrupt, "crc mismatch 0x%08X", sum)
	}

	state := State(buf[2])
	if !state.Valid() {
		return Transaction{}, errors.Newf(errors.ErrRecordCorrupt, "bad state %d", buf[2])
	}
	n := int(buf[5])
	if n > MaxTxIDLen {
		return Transaction{}, errors.Newf(errors.ErrRecordCorrupt, "bad tx_id length %d", n)
	}

	tx := Transaction{
		TxID:      string(buf[offTxID : offTxID+n]),
		Quantity:  int(buf[3]),
		Dispensed: int(buf[4]),
		State:     state,
	}
	if ms := int64(binary.BigEndian.Uint64(buf[offStarted:offCRC])); ms != 0 {
		tx.StartedAt = time.UnixMilli(ms)
	}
	return tx, nil
}
