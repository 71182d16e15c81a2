package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// События, о которых леджер уведомляет пользователей.
const (
	EventEscrowTopup         = "escrow_topup"
	EventEscrowLowBalance    = "escrow_low_balance"
	EventTaskPaymentReceived = "task_payment_received"
	EventAdRewardGranted     = "ad_reward_granted"
	EventTaskAutoPaused      = "task_auto_paused"
	EventBudgetAlert         = "budget_alert"
	EventDailyLimitReached   = "daily_limit_reached"
)

// Notification описывает событие, отправленное пользователю.
type Notification struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	UserID    uuid.UUID       `db:"user_id" json:"user_id"`
	Event     string          `db:"event" json:"event"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	IsRead    bool            `db:"is_read" json:"is_read"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
