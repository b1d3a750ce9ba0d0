package dispenser

// HistorySize 幂等缓存容量
const HistorySize = 8

// history 已结束交易的环形缓冲，满时覆盖最旧的一条
type history struct {
	entries [HistorySize]Transaction
	next    int
	count   int
}

func (h *history) add(tx Transaction) {
	h.entries[h.next] = tx
	h.next = (h.next + 1) % HistorySize
	if h.count < HistorySize {
		h.count++
	}
}

// lookup 从新到旧查找，同一交易号多次归档时返回最新的一条
func (h *history) lookup(txID string) (Transaction, bool) {
	for n := 1; n <= h.count; n++ {
		tx := h.entries[(h.next-n+HistorySize)%HistorySize]
		if tx.TxID == txID {
			return tx, true
		}
	}
	return Transaction{}, false
}

// list 从新到旧
func (h *history) list() []Transaction {
	out := make([]Transaction, 0, h.count)
	for n := 1; n <= h.count; n++ {
		out = append(out, h.entries[(h.next-n+HistorySize)%HistorySize])
	}
	return out
}
