package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/token-hopper/internal/errors"
	"github.com/wfunc/token-hopper/internal/middleware"
	"github.com/wfunc/token-hopper/internal/models"
	"github.com/wfunc/token-hopper/internal/repository"
	"github.com/wfunc/token-hopper/internal/service"
	"go.uber.org/zap"
)

// maxJournalLimit 单次查询流水上限
const maxJournalLimit = 200

// DeviceHandler 设备状态、故障与流水接口
type DeviceHandler struct {
	hopper  *service.HopperService
	journal *repository.DispenseLogRepository
	log     *zap.Logger
}

// NewDeviceHandler 创建设备接口处理器
func NewDeviceHandler(hopper *service.HopperService, journal *repository.DispenseLogRepository, log *zap.Logger) *DeviceHandler {
	return &DeviceHandler{hopper: hopper, journal: journal, log: log}
}

// Health GET /health
func (h *DeviceHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, h.hopper.Status())
}

// Errors GET /errors
func (h *DeviceHandler) Errors(c *gin.Context) {
	c.JSON(http.StatusOK, h.hopper.Errors())
}

// ClearErrors POST /errors/clear
func (h *DeviceHandler) ClearErrors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cleared": h.hopper.ClearErrors()})
}

// Journal GET /journal?tx_id=&kind=&limit=&offset=
func (h *DeviceHandler) Journal(c *gin.Context) {
	filter := models.DispenseLogFilter{
		TxID: c.Query("tx_id"),
		Kind: models.DispenseLogKind(c.Query("kind")),
	}

	var ok bool
	if filter.Limit, ok = queryInt(c, "limit", 0, maxJournalLimit); !ok {
		middleware.RespondError(c, errors.New(errors.ErrInvalidParam, "invalid limit"), nil)
		return
	}
	if filter.Offset, ok = queryInt(c, "offset", 0, -1); !ok {
		middleware.RespondError(c, errors.New(errors.ErrInvalidParam, "invalid offset"), nil)
		return
	}

	logs, total, err := h.journal.Query(c.Request.Context(), filter)
	if err != nil {
		h.log.Error("查询出币流水失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	if logs == nil {
		logs = []*models.DispenseLog{}
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "logs": logs})
}

// queryInt 读取非负整数参数，max<0 表示不限
func queryInt(c *gin.Context, key string, def, max int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || (max >= 0 && n > max) {
		return 0, false
	}
	return n, true
}
