package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_IsMatchesCopiesWithDetails(t *testing.T) {
	err := ErrInsufficientEscrowBalance.WithDetails(map[string]interface{}{"shortfall": int64(10)})

	assert.ErrorIs(t, err, ErrInsufficientEscrowBalance)
	assert.NotErrorIs(t, err, ErrInsufficientFunds)
	assert.ErrorIs(t, fmt.Errorf("escrow: %w", err), ErrInsufficientEscrowBalance)
	assert.Nil(t, ErrInsufficientEscrowBalance.Details, "исходная ошибка не меняется")
}

func TestAppError_HTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, ErrUserNotFound.HTTPStatus)
	assert.Equal(t, http.StatusUnauthorized, ErrTokenExpired.HTTPStatus)
	assert.Equal(t, http.StatusForbidden, ErrFraudRejected.HTTPStatus)
	assert.Equal(t, http.StatusTooManyRequests, ErrDailyLimitReached.HTTPStatus)
	assert.Equal(t, http.StatusUnprocessableEntity, ErrInsufficientReservedBalance.HTTPStatus)
	assert.Equal(t, http.StatusConflict, ErrConcurrencyConflict.HTTPStatus)
	assert.Equal(t, http.StatusInternalServerError, ErrNegativeMargin.HTTPStatus)
}

func TestIsExpected(t *testing.T) {
	assert.True(t, IsExpected(ErrFraudRejected))
	assert.True(t, IsExpected(ErrInsufficientFunds))
	assert.False(t, IsExpected(ErrNegativeMargin))
	assert.False(t, IsExpected(errors.New("io")))
	assert.False(t, IsExpected(Wrap(errors.New("io"), ErrCodeDatabaseError, "db")))
}

func TestFraudDetails(t *testing.T) {
	score, reasons, ok := FraudDetails(NewFraudRejected(60, []string{"watched_too_fast", "too_many_ips"}))
	assert.True(t, ok)
	assert.Equal(t, 60, score)
	assert.Equal(t, []string{"watched_too_fast", "too_many_ips"}, reasons)

	_, _, ok = FraudDetails(ErrDailyLimitReached)
	assert.False(t, ok)
}

func TestWrap_Unwraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(cause, ErrCodeDatabaseError, "не удалось сохранить")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrCodeDatabaseError, CodeOf(err))
	assert.Contains(t, err.Error(), "connection reset")
}
