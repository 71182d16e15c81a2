package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrCodeNotFound                    ErrorCode = "NOT_FOUND"
	ErrCodeForbidden                   ErrorCode = "FORBIDDEN"
	ErrCodeUnauthorized                ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidState                ErrorCode = "INVALID_STATE"
	ErrCodeInsufficientFunds           ErrorCode = "INSUFFICIENT_FUNDS"
	ErrCodeInsufficientEscrowBalance   ErrorCode = "INSUFFICIENT_ESCROW_BALANCE"
	ErrCodeInsufficientReservedBalance ErrorCode = "INSUFFICIENT_RESERVED_BALANCE"
	ErrCodeFraudRejected               ErrorCode = "FRAUD_REJECTED"
	ErrCodeDailyLimitReached           ErrorCode = "DAILY_LIMIT_REACHED"
	ErrCodeConfiguration               ErrorCode = "CONFIGURATION_ERROR"
	ErrCodeConcurrencyConflict         ErrorCode = "CONCURRENCY_CONFLICT"
	ErrCodeValidation                  ErrorCode = "VALIDATION_ERROR"
	ErrCodeDatabaseError               ErrorCode = "DATABASE_ERROR"
	ErrCodeInternal                    ErrorCode = "INTERNAL_ERROR"
)

type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Details    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is сравнивает ошибки по коду и сообщению, чтобы копии с деталями
// совпадали с исходными sentinel-ошибками через errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// WithDetails возвращает копию ошибки с дополнительными деталями.
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+len(details))
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	for k, v := range details {
		cp.Details[k] = v
	}
	return &cp
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
	}
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
		Cause:      err,
	}
}

func codeToHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden, ErrCodeFraudRejected:
		return http.StatusForbidden
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeInvalidState, ErrCodeConcurrencyConflict:
		return http.StatusConflict
	case ErrCodeInsufficientFunds, ErrCodeInsufficientEscrowBalance, ErrCodeInsufficientReservedBalance:
		return http.StatusUnprocessableEntity
	case ErrCodeDailyLimitReached:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// CodeOf возвращает код ошибки или пустую строку для ошибок инфраструктуры.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

func IsForbidden(err error) bool {
	return CodeOf(err) == ErrCodeForbidden
}

func IsValidation(err error) bool {
	return CodeOf(err) == ErrCodeValidation
}

// IsRetryable сообщает, можно ли повторить операцию (только конфликт конкурентного доступа).
func IsRetryable(err error) bool {
	return CodeOf(err) == ErrCodeConcurrencyConflict
}

// IsExpected отличает ожидаемые бизнес-отказы от сбоев инфраструктуры.
func IsExpected(err error) bool {
	switch CodeOf(err) {
	case "", ErrCodeInternal, ErrCodeDatabaseError, ErrCodeConfiguration:
		return false
	}
	return true
}

// NewFraudRejected создаёт ошибку отказа антифрода с баллом и причинами.
func NewFraudRejected(score int, reasons []string) *AppError {
	return ErrFraudRejected.WithDetails(map[string]interface{}{
		"score":   score,
		"reasons": reasons,
	})
}

// FraudDetails извлекает балл и причины из ошибки антифрода.
func FraudDetails(err error) (int, []string, bool) {
	var appErr *AppError
	if !errors.As(err, &appErr) || appErr.Code != ErrCodeFraudRejected {
		return 0, nil, false
	}
	score, _ := appErr.Details["score"].(int)
	reasons, _ := appErr.Details["reasons"].([]string)
	return score, reasons, true
}

var (
	ErrUserNotFound                = New(ErrCodeNotFound, "пользователь не найден")
	ErrWalletNotFound              = New(ErrCodeNotFound, "кошелёк не найден")
	ErrEscrowNotFound              = New(ErrCodeNotFound, "escrow счёт не найден")
	ErrBudgetNotFound              = New(ErrCodeNotFound, "бюджет задачи не найден")
	ErrTransactionNotFound         = New(ErrCodeNotFound, "транзакция не найдена")
	ErrAccountInactive             = New(ErrCodeInvalidState, "аккаунт неактивен")
	ErrEscrowInactive              = New(ErrCodeInvalidState, "escrow счёт неактивен")
	ErrInvalidTransition           = New(ErrCodeInvalidState, "недопустимая смена статуса транзакции")
	ErrNotASponsor                 = New(ErrCodeForbidden, "пользователь не является спонсором")
	ErrAuthRequired                = New(ErrCodeUnauthorized, "требуется авторизация")
	ErrTokenInvalid                = New(ErrCodeUnauthorized, "токен невалиден")
	ErrTokenExpired                = New(ErrCodeUnauthorized, "срок действия токена истёк")
	ErrInsufficientFunds           = New(ErrCodeInsufficientFunds, "недостаточно средств на балансе")
	ErrInsufficientEscrowBalance   = New(ErrCodeInsufficientEscrowBalance, "недостаточно средств на escrow счёте")
	ErrInsufficientReservedBalance = New(ErrCodeInsufficientReservedBalance, "недостаточно зарезервированных средств")
	ErrFraudRejected               = New(ErrCodeFraudRejected, "операция отклонена антифродом")
	ErrDailyLimitReached           = New(ErrCodeDailyLimitReached, "достигнут дневной лимит просмотров")
	ErrNegativeMargin              = New(ErrCodeConfiguration, "награда превышает ожидаемый доход от рекламы")
	ErrConcurrencyConflict         = New(ErrCodeConcurrencyConflict, "конфликт параллельного изменения")
	ErrInvalidAmount               = New(ErrCodeValidation, "сумма должна быть положительной")
)
