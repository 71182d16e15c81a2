package models

import (
	"time"

	"github.com/google/uuid"
)

// Статусы escrow счёта
const (
	EscrowStatusActive = "active"
	EscrowStatusFrozen = "frozen"
	EscrowStatusClosed = "closed"
)

// Типы финансовых операций платформы
const (
	FinancialTypeAdRevenue      = "ad_revenue"
	FinancialTypeAdExpense      = "ad_expense"
	FinancialTypeTaskCommission = "task_commission"
	FinancialTypeTaskPayment    = "task_payment"
	FinancialTypeBonusPayment   = "bonus_payment"
	FinancialTypeEscrowDeposit  = "escrow_deposit"
	FinancialTypeEscrowRelease  = "escrow_release"
	FinancialTypeEscrowReserve  = "escrow_reserve"
	FinancialTypeEscrowRefund   = "escrow_refund"
)

// EscrowAccount описывает escrow счёт спонсора.
// Инвариант: 0 <= ReservedBalance <= Balance.
type EscrowAccount struct {
	ID              uuid.UUID `db:"id" json:"id"`
	SponsorID       uuid.UUID `db:"sponsor_id" json:"sponsor_id"`
	Balance         int64     `db:"balance" json:"balance"`
	ReservedBalance int64     `db:"reserved_balance" json:"reserved_balance"`
	TotalDeposited  int64     `db:"total_deposited" json:"total_deposited"`
	TotalWithdrawn  int64     `db:"total_withdrawn" json:"total_withdrawn"`
	TotalRefunded   int64     `db:"total_refunded" json:"total_refunded"`
	Currency        string    `db:"currency" json:"currency"`
	Status          string    `db:"status" json:"status"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// Available возвращает сумму, доступную для резервирования.
func (e *EscrowAccount) Available() int64 {
	return e.Balance - e.ReservedBalance
}

// Valid проверяет инварианты счёта.
func (e *EscrowAccount) Valid() bool {
	return e.ReservedBalance >= 0 && e.ReservedBalance <= e.Balance
}

// EscrowBalance ответ на запрос баланса escrow.
type EscrowBalance struct {
	SponsorID uuid.UUID `json:"sponsor_id"`
	Balance   int64     `json:"balance"`
	Available int64     `json:"available"`
	Reserved  int64     `json:"reserved"`
	Status    string    `json:"status"`
}

// FinancialTransaction запись аудита платформы. Только добавление.
type FinancialTransaction struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	Type      string     `db:"type" json:"type"`
	Amount    int64      `db:"amount" json:"amount"`
	UserID    *uuid.UUID `db:"user_id" json:"user_id,omitempty"`
	TaskID    *uuid.UUID `db:"task_id" json:"task_id,omitempty"`
	EscrowID  *uuid.UUID `db:"escrow_id" json:"escrow_id,omitempty"`
	Metadata  JSONMap    `db:"metadata" json:"metadata,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}
