package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/wfunc/token-hopper/internal/errors"
)

// RespondError 按错误码返回状态码，error 字段取错误详情
// extra 用于附加字段，如忙碌时的当前交易
func RespondError(c *gin.Context, err *errors.AppError, extra gin.H) {
	msg := err.Details
	if msg == "" {
		msg = err.Message
	}
	body := gin.H{"error": msg}
	for k, v := range extra {
		body[k] = v
	}
	c.AbortWithStatusJSON(err.HTTPStatus(), body)
}
