package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/reward-ledger/internal/logger"
	"github.com/ignatzorin/reward-ledger/internal/pkg/apperror"
)

// ErrorHandler обрабатывает ошибки, добавленные хэндлерами через c.Error.
// Бизнес-отказы отдаются клиенту с кодом, внутренние ошибки маскируются.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() || len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		fields := logrus.Fields{
			"error":  err.Error(),
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
		}

		var appErr *apperror.AppError
		if errors.As(err, &appErr) && apperror.IsExpected(err) {
			logger.Component("http").WithFields(fields).Debug("request rejected")
			body := gin.H{"error": appErr.Message, "code": appErr.Code}
			if len(appErr.Details) > 0 {
				body["details"] = appErr.Details
			}
			c.JSON(appErr.HTTPStatus, body)
			return
		}

		logger.Component("http").WithFields(fields).Error("request error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "внутренняя ошибка сервера"})
	}
}
