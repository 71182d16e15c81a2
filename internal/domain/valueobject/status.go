package valueobject

import "github.com/ignatzorin/reward-ledger/internal/pkg/apperror"

type EscrowStatus string

const (
	EscrowStatusActive EscrowStatus = "active"
	EscrowStatusFrozen EscrowStatus = "frozen"
	EscrowStatusClosed EscrowStatus = "closed"
)

func (s EscrowStatus) IsValid() bool {
	switch s {
	case EscrowStatusActive, EscrowStatusFrozen, EscrowStatusClosed:
		return true
	}
	return false
}

func (s EscrowStatus) CanTransitionTo(newStatus EscrowStatus) bool {
	transitions := map[EscrowStatus][]EscrowStatus{
		EscrowStatusActive: {EscrowStatusFrozen, EscrowStatusClosed},
		EscrowStatusFrozen: {EscrowStatusActive, EscrowStatusClosed},
		EscrowStatusClosed: {},
	}

	for _, allowed := range transitions[s] {
		if allowed == newStatus {
			return true
		}
	}
	return false
}

// ValidateTransition возвращает ошибку, если переход между статусами запрещён.
func (s EscrowStatus) ValidateTransition(newStatus EscrowStatus) error {
	if !newStatus.IsValid() {
		return apperror.New(apperror.ErrCodeValidation, "неизвестный статус escrow счёта")
	}
	if !s.CanTransitionTo(newStatus) {
		return apperror.New(apperror.ErrCodeInvalidState, "недопустимая смена статуса escrow счёта")
	}
	return nil
}
