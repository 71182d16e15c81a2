package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Статусы задач, которыми управляет контроль бюджета
const (
	TaskStatusActive = "active"
	TaskStatusPaused = "paused"
)

// Причина автоматической паузы задачи.
const PauseReasonBudgetThreshold = "budget_threshold_reached"

var hundred = decimal.NewFromInt(100)

// AlertThreshold порог расходования бюджета в процентах.
type AlertThreshold struct {
	Percentage  int        `json:"percentage"`
	Triggered   bool       `json:"triggered"`
	TriggeredAt *time.Time `json:"triggered_at,omitempty"`
}

// AlertThresholds упорядоченный список порогов (JSONB).
type AlertThresholds []AlertThreshold

// Value реализует driver.Valuer.
func (t AlertThresholds) Value() (driver.Value, error) {
	if t == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t)
}

// Scan реализует sql.Scanner.
func (t *AlertThresholds) Scan(src interface{}) error {
	return scanJSON(src, t)
}

// SpendEntry запись истории расходов по задаче.
type SpendEntry struct {
	Date          time.Time  `json:"date"`
	Amount        int64      `json:"amount"`
	SubmissionRef *string    `json:"submission_ref,omitempty"`
	WorkerRef     *uuid.UUID `json:"worker_ref,omitempty"`
}

// SpendingHistory история расходов (JSONB).
type SpendingHistory []SpendEntry

// Value реализует driver.Valuer.
func (h SpendingHistory) Value() (driver.Value, error) {
	if h == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(h)
}

// Scan реализует sql.Scanner.
func (h *SpendingHistory) Scan(src interface{}) error {
	return scanJSON(src, h)
}

// TaskBudget бюджет спонсируемой задачи.
// Инвариант: SpentBudget + RemainingBudget() = TotalBudget, SpentBudget не убывает.
// Выплата сверх бюджета записывается, остаток уходит в минус; такую задачу
// останавливает BudgetGuardian по AutoPauseThreshold.
type TaskBudget struct {
	ID                 uuid.UUID       `db:"id" json:"id"`
	TaskID             uuid.UUID       `db:"task_id" json:"task_id"`
	SponsorID          uuid.UUID       `db:"sponsor_id" json:"sponsor_id"`
	TotalBudget        int64           `db:"total_budget" json:"total_budget"`
	SpentBudget        int64           `db:"spent_budget" json:"spent_budget"`
	DailyLimit         *int64          `db:"daily_limit" json:"daily_limit,omitempty"`
	AlertThresholds    AlertThresholds `db:"alert_thresholds" json:"alert_thresholds"`
	AutoPauseEnabled   bool            `db:"auto_pause_enabled" json:"auto_pause_enabled"`
	AutoPauseThreshold int             `db:"auto_pause_threshold" json:"auto_pause_threshold"`
	IsPaused           bool            `db:"is_paused" json:"is_paused"`
	PausedAt           *time.Time      `db:"paused_at" json:"paused_at,omitempty"`
	PauseReason        *string         `db:"pause_reason" json:"pause_reason,omitempty"`
	SpendingHistory    SpendingHistory `db:"spending_history" json:"spending_history"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`

	// DailyLimitNotifiedAt время последнего оповещения о дневном лимите.
	DailyLimitNotifiedAt *time.Time `db:"daily_limit_notified_at" json:"daily_limit_notified_at,omitempty"`
}

// RemainingBudget возвращает остаток бюджета. Отрицателен при перерасходе.
func (b *TaskBudget) RemainingBudget() int64 {
	return b.TotalBudget - b.SpentBudget
}

// SpendingPercentage возвращает долю потраченного бюджета в процентах.
func (b *TaskBudget) SpendingPercentage() decimal.Decimal {
	if b.TotalBudget <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(b.SpentBudget).Mul(hundred).Div(decimal.NewFromInt(b.TotalBudget))
}

// RecordSpend фиксирует расход и возвращает true, если после него бюджет превышен.
// Неположительные суммы игнорируются.
func (b *TaskBudget) RecordSpend(amount int64, at time.Time, submissionRef *string, workerRef *uuid.UUID) bool {
	if amount <= 0 {
		return false
	}
	b.SpentBudget += amount
	b.SpendingHistory = append(b.SpendingHistory, SpendEntry{
		Date:          at,
		Amount:        amount,
		SubmissionRef: submissionRef,
		WorkerRef:     workerRef,
	})
	return b.SpentBudget > b.TotalBudget
}

// Shrink уменьшает общий бюджет при возврате средств, не затрагивая потраченное.
func (b *TaskBudget) Shrink(amount int64) int64 {
	if amount <= 0 {
		return 0
	}
	remaining := b.RemainingBudget()
	if remaining <= 0 {
		return 0
	}
	cut := amount
	if cut > remaining {
		cut = remaining
	}
	b.TotalBudget -= cut
	return cut
}

// SpentOn суммирует расходы за календарный день day (в часовом поясе day).
func (b *TaskBudget) SpentOn(day time.Time) int64 {
	y, m, d := day.Date()
	loc := day.Location()
	var sum int64
	for _, entry := range b.SpendingHistory {
		ey, em, ed := entry.Date.In(loc).Date()
		if ey == y && em == m && ed == d {
			sum += entry.Amount
		}
	}
	return sum
}

// BudgetPolicy настройки контроля бюджета задачи.
type BudgetPolicy struct {
	DailyLimit         *int64 `json:"daily_limit,omitempty"`
	Thresholds         []int  `json:"thresholds"`
	AutoPauseEnabled   bool   `json:"auto_pause_enabled"`
	AutoPauseThreshold int    `json:"auto_pause_threshold"`
}

// BudgetPassReport итог одного прохода контроля бюджетов.
type BudgetPassReport struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Checked        int           `json:"checked"`
	Paused         int           `json:"paused"`
	Alerts         int           `json:"alerts"`
	DailyLimitHits int           `json:"daily_limit_hits"`
	Failed         int           `json:"failed"`
}
