package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ignatzorin/reward-ledger/internal/logger"
	"github.com/ignatzorin/reward-ledger/internal/pkg/apperror"
)

// Context ключи для gin.Context.
const (
	ContextUserIDKey = "userID"
	ContextRoleKey   = "role"
)

// AccessTokenParser проверяет access токен и возвращает владельца.
type AccessTokenParser interface {
	ParseAccess(token string) (uuid.UUID, string, error)
}

// AuthMiddleware пускает к личным эндпоинтам леджера только запросы с токеном,
// выпущенным сервисом авторизации платформы по общему секрету. Отказ отдаётся
// в том же формате, что и бизнес-ошибки ErrorHandler.
func AuthMiddleware(tokens AccessTokenParser) gin.HandlerFunc {
	log := logger.Component("auth")
	return func(c *gin.Context) {
		raw, ok := BearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortWithAppError(c, apperror.ErrAuthRequired)
			return
		}

		userID, role, err := tokens.ParseAccess(raw)
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			abortWithAppError(c, apperror.ErrTokenExpired)
			return
		case err != nil || userID == uuid.Nil:
			log.WithField("path", c.Request.URL.Path).WithError(err).Debug("отклонён невалидный токен")
			abortWithAppError(c, apperror.ErrTokenInvalid)
			return
		}

		c.Set(ContextUserIDKey, userID)
		c.Set(ContextRoleKey, role)
		c.Next()
	}
}

// BearerToken достаёт токен из заголовка Authorization. Схема сравнивается без учёта регистра.
func BearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func abortWithAppError(c *gin.Context, err *apperror.AppError) {
	c.AbortWithStatusJSON(err.HTTPStatus, gin.H{"error": err.Message, "code": err.Code})
}
