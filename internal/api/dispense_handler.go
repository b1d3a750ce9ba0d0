package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/token-hopper/internal/dispenser"
	"github.com/wfunc/token-hopper/internal/errors"
	"github.com/wfunc/token-hopper/internal/logger"
	"github.com/wfunc/token-hopper/internal/middleware"
	"github.com/wfunc/token-hopper/internal/service"
	"go.uber.org/zap"
)

// maxBodySize 出币请求体上限
const maxBodySize = 1024

// TransactionResponse 交易响应
type TransactionResponse struct {
	TxID      string `json:"tx_id"`
	State     string `json:"state"`
	Quantity  int    `json:"quantity"`
	Dispensed int    `json:"dispensed"`
}

func newTransactionResponse(tx dispenser.Transaction) TransactionResponse {
	return TransactionResponse{
		TxID:      tx.TxID,
		State:     tx.State.String(),
		Quantity:  tx.Quantity,
		Dispensed: tx.Dispensed,
	}
}

// DispenseHandler 出币接口
type DispenseHandler struct {
	hopper *service.HopperService
	log    *zap.Logger
}

// NewDispenseHandler 创建出币接口处理器
func NewDispenseHandler(hopper *service.HopperService, log *zap.Logger) *DispenseHandler {
	return &DispenseHandler{hopper: hopper, log: log}
}

// Dispense POST /dispense
func (h *DispenseHandler) Dispense(c *gin.Context) {
	if !strings.Contains(c.GetHeader("Content-Type"), "application/json") {
		middleware.RespondError(c, errors.New(errors.ErrUnsupportedMedia, "content-type must be application/json"), nil)
		return
	}

	body, err := readBody(c)
	if err != nil || !json.Valid(body) {
		middleware.RespondError(c, errors.New(errors.ErrInvalidParam, "invalid json"), nil)
		return
	}

	txID, quantity, ok := parseDispenseRequest(body)
	if !ok {
		middleware.RespondError(c, errors.New(errors.ErrInvalidParam, "invalid request format"), nil)
		return
	}

	if dispenser.ValidateTxID(txID) != nil || dispenser.ValidateQuantity(quantity, h.hopper.MaxTokens()) != nil {
		middleware.RespondError(c, errors.New(errors.ErrInvalidParam, "invalid tx_id or quantity"), nil)
		return
	}

	tx, err := h.hopper.StartDispense(c.Request.Context(), txID, quantity)
	if err != nil {
		if errors.IsRetryable(err) {
			c.Header("Retry-After", "1")
		}
		switch {
		case errors.Is(err, errors.ErrDispenserBusy):
			respondBusy(c, tx)
		case errors.Is(err, errors.ErrStorageWrite):
			h.log.Error("出币请求落盘失败",
				zap.String("tx_id", txID),
				zap.String("request_id", middleware.GetRequestID(c)),
				zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		default:
			logger.LogError(err, "出币启动失败",
				zap.String("tx_id", txID),
				zap.String("request_id", middleware.GetRequestID(c)))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":     "hardware failure",
				"tx_id":     tx.TxID,
				"state":     tx.State.String(),
				"quantity":  tx.Quantity,
				"dispensed": tx.Dispensed,
			})
		}
		return
	}

	c.JSON(http.StatusOK, newTransactionResponse(tx))
}

// GetTransaction GET /dispense/:tx_id
func (h *DispenseHandler) GetTransaction(c *gin.Context) {
	txID := c.Param("tx_id")
	if dispenser.ValidateTxID(txID) != nil {
		middleware.RespondError(c, errors.New(errors.ErrInvalidParam, "invalid tx_id"), nil)
		return
	}

	tx, ok := h.hopper.GetTransaction(txID)
	if !ok {
		middleware.RespondError(c, errors.New(errors.ErrTransactionNotFound, "not found"), nil)
		return
	}
	c.JSON(http.StatusOK, newTransactionResponse(tx))
}

// Reset POST /reset
func (h *DispenseHandler) Reset(c *gin.Context) {
	tx, err := h.hopper.Reset(c.Request.Context())
	if err != nil {
		if errors.Is(err, errors.ErrDispenserBusy) {
			respondBusy(c, tx)
			return
		}
		h.log.Error("复位失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": tx.State.String()})
}

// respondBusy 409，附带正在出币的交易
func respondBusy(c *gin.Context, active dispenser.Transaction) {
	middleware.RespondError(c, errors.New(errors.ErrDispenserBusy, "busy"), gin.H{
		"active_tx_id": active.TxID,
		"active_state": active.State.String(),
	})
}

func readBody(c *gin.Context) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
	return c.GetRawData()
}

// parseDispenseRequest 要求 tx_id 为字符串、quantity 为 0..255 的整数
func parseDispenseRequest(body []byte) (string, int, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", 0, false
	}

	rawTx, ok := fields["tx_id"]
	if !ok || !bytes.HasPrefix(bytes.TrimSpace(rawTx), []byte(`"`)) {
		return "", 0, false
	}
	var txID string
	if err := json.Unmarshal(rawTx, &txID); err != nil {
		return "", 0, false
	}

	rawQty, ok := fields["quantity"]
	if !ok || bytes.Equal(bytes.TrimSpace(rawQty), []byte("null")) {
		return "", 0, false
	}
	var quantity uint8
	if err := json.Unmarshal(rawQty, &quantity); err != nil {
		return "", 0, false
	}
	return txID, int(quantity), true
}
