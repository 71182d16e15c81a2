package models

import (
	"time"

	"github.com/google/uuid"
)

// AdMobTaskID постоянный идентификатор задачи просмотра рекламы.
const AdMobTaskID = "admob_rewarded_ad"

// Платформы клиентов
const (
	PlatformAndroid = "android"
	PlatformIOS     = "ios"
	PlatformWeb     = "web"
)

// AdMobReward запись о начисленной награде за просмотр рекламы.
type AdMobReward struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	UserID        uuid.UUID  `db:"user_id" json:"user_id"`
	TaskID        string     `db:"task_id" json:"task_id"`
	RewardAmount  int64      `db:"reward_amount" json:"reward_amount"`
	Platform      string     `db:"platform" json:"platform"`
	DeviceID      string     `db:"device_id" json:"device_id"`
	IPAddress     string     `db:"ip_address" json:"ip_address"`
	AdUnitID      *string    `db:"ad_unit_id" json:"ad_unit_id,omitempty"`
	Verified      bool       `db:"verified" json:"verified"`
	FraudScore    int        `db:"fraud_score" json:"fraud_score"`
	TransactionID *uuid.UUID `db:"transaction_id" json:"transaction_id,omitempty"`
	Metadata      JSONMap    `db:"metadata" json:"metadata,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// FraudLog запись журнала отклонённых попыток для разбора оператором.
type FraudLog struct {
	ID        uuid.UUID `db:"id" json:"id"`
	UserID    uuid.UUID `db:"user_id" json:"user_id"`
	Action    string    `db:"action" json:"action"`
	DeviceID  string    `db:"device_id" json:"device_id"`
	IPAddress string    `db:"ip_address" json:"ip_address"`
	Score     int       `db:"score" json:"score"`
	Reasons   []string  `db:"-" json:"reasons"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// AdWatchRequest запрос на начисление награды за просмотр.
type AdWatchRequest struct {
	UserID    uuid.UUID
	TaskID    string
	Platform  string
	DeviceID  string
	IPAddress string
	AdUnitID  string
	Timestamp time.Time
	Metadata  JSONMap
}

// AdRewardResult результат начисления награды.
type AdRewardResult struct {
	RewardID      uuid.UUID `json:"reward_id"`
	Reward        int64     `json:"reward"`
	NewBalance    int64     `json:"new_balance"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Ordinal       int       `json:"ordinal"`
	FraudScore    int       `json:"fraud_score"`
}

// AdStats статистика просмотров пользователя.
type AdStats struct {
	TodayCount       int   `json:"today_count"`
	RemainingToday   int   `json:"remaining_today"`
	TodayEarnings    int64 `json:"today_earnings"`
	TotalEarnings    int64 `json:"total_earnings"`
	NextRewardAmount int64 `json:"next_reward_amount"`
}

// FraudScore результат эвристической проверки.
type FraudScore struct {
	Score   int      `json:"score"`
	Reasons []string `json:"reasons"`
	Passed  bool     `json:"passed"`
}

// RiskVerdict результат расширенной проверки риска.
type RiskVerdict struct {
	Allowed bool     `json:"allowed"`
	Score   int      `json:"score"`
	Reasons []string `json:"reasons"`
}
