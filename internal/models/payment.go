package models

import (
	"time"

	"github.com/google/uuid"
)

// Валюта кошельков по умолчанию.
const DefaultCurrency = "RUB"

// Типы транзакций кошелька
const (
	TransactionTypeTaskEarning    = "task_earning"
	TransactionTypeAdMobReward    = "admob_reward"
	TransactionTypeReferralBonus  = "referral_bonus"
	TransactionTypeDailyBonus     = "daily_bonus"
	TransactionTypeWithdrawal     = "withdrawal"
	TransactionTypeTaskFunding    = "task_funding"
	TransactionTypeRefund         = "refund"
	TransactionTypePlatformFee    = "platform_fee"
	TransactionTypeTopup          = "topup"
	TransactionTypeEscrowTransfer = "escrow_transfer"
	TransactionTypeEscrowRefund   = "escrow_refund"
)

// Статусы транзакций
const (
	TransactionStatusPending   = "pending"
	TransactionStatusCompleted = "completed"
	TransactionStatusFailed    = "failed"
	TransactionStatusCancelled = "cancelled"
)

// ValidTransactionTypes список валидных типов транзакций
var ValidTransactionTypes = map[string]struct{}{
	TransactionTypeTaskEarning:    {},
	TransactionTypeAdMobReward:    {},
	TransactionTypeReferralBonus:  {},
	TransactionTypeDailyBonus:     {},
	TransactionTypeWithdrawal:     {},
	TransactionTypeTaskFunding:    {},
	TransactionTypeRefund:         {},
	TransactionTypePlatformFee:    {},
	TransactionTypeTopup:          {},
	TransactionTypeEscrowTransfer: {},
	TransactionTypeEscrowRefund:   {},
}

// IsValidTransactionType сообщает, известен ли тип транзакции.
func IsValidTransactionType(t string) bool {
	_, ok := ValidTransactionTypes[t]
	return ok
}

// Wallet описывает кошелёк пользователя. Суммы хранятся в минимальных единицах валюты.
type Wallet struct {
	ID               uuid.UUID `db:"id" json:"id"`
	UserID           uuid.UUID `db:"user_id" json:"user_id"`
	AvailableBalance int64     `db:"available_balance" json:"available_balance"`
	PendingBalance   int64     `db:"pending_balance" json:"pending_balance"`
	EscrowBalance    int64     `db:"escrow_balance" json:"escrow_balance"`
	LifetimeEarnings int64     `db:"lifetime_earnings" json:"lifetime_earnings"`
	LifetimeSpending int64     `db:"lifetime_spending" json:"lifetime_spending"`
	Currency         string    `db:"currency" json:"currency"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// Transaction представляет неизменяемую запись в журнале кошелька.
// Инвариант: BalanceAfter = BalanceBefore + Amount.
type Transaction struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	WalletID      uuid.UUID  `db:"wallet_id" json:"wallet_id"`
	UserID        uuid.UUID  `db:"user_id" json:"user_id"`
	Type          string     `db:"type" json:"type"`
	Amount        int64      `db:"amount" json:"amount"`
	BalanceBefore int64      `db:"balance_before" json:"balance_before"`
	BalanceAfter  int64      `db:"balance_after" json:"balance_after"`
	Status        string     `db:"status" json:"status"`
	Description   *string    `db:"description" json:"description,omitempty"`
	ReferenceType *string    `db:"reference_type" json:"reference_type,omitempty"`
	ReferenceID   *string    `db:"reference_id" json:"reference_id,omitempty"`
	Metadata      JSONMap    `db:"metadata" json:"metadata,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	CompletedAt   *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// TxMeta описывает транзакцию, которую нужно создать при изменении баланса.
type TxMeta struct {
	Type          string
	Description   string
	ReferenceType string
	ReferenceID   string
	Metadata      JSONMap
	// LifetimeEarning отмечает кредит как заработок (учитывается в LifetimeEarnings).
	LifetimeEarning bool
}

// CanTransitionTransaction проверяет допустимость смены статуса транзакции.
// Из pending можно перейти в любой финальный статус, финальные статусы не меняются.
func CanTransitionTransaction(from, to string) bool {
	if from != TransactionStatusPending {
		return false
	}
	switch to {
	case TransactionStatusCompleted, TransactionStatusFailed, TransactionStatusCancelled:
		return true
	}
	return false
}
