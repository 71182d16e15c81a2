package common

import (
	"errors"

	"github.com/lib/pq"

	"github.com/ignatzorin/reward-ledger/internal/pkg/apperror"
)

// Коды PostgreSQL, после которых транзакцию можно повторить.
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqUniqueViolation      = "23505"
	pqCheckViolation       = "23514"
)

// MapDBError переводит ошибки драйвера в ошибки приложения.
// Конфликты сериализации и дедлоки становятся ConcurrencyConflict, нарушение CHECK
// означает попытку уйти в минус и отдаётся как InvalidState.
func MapDBError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case pqSerializationFailure, pqDeadlockDetected, pqUniqueViolation:
		return apperror.Wrap(err, apperror.ErrCodeConcurrencyConflict, apperror.ErrConcurrencyConflict.Message)
	case pqCheckViolation:
		return apperror.Wrap(err, apperror.ErrCodeInvalidState, "нарушено ограничение баланса: "+pqErr.Constraint)
	}
	return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "ошибка базы данных")
}
