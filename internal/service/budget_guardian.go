package service

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/reward-ledger/internal/config"
	domainrepo "github.com/ignatzorin/reward-ledger/internal/domain/repository"
	"github.com/ignatzorin/reward-ledger/internal/goroutine"
	"github.com/ignatzorin/reward-ledger/internal/logger"
	"github.com/ignatzorin/reward-ledger/internal/metrics"
	"github.com/ignatzorin/reward-ledger/internal/models"
	"github.com/ignatzorin/reward-ledger/internal/pkg/apperror"
)

// PassLock межпроцессная блокировка прохода контроля бюджетов.
// TryLock возвращает acquired=false, если проход уже выполняет другая реплика.
type PassLock interface {
	TryLock(ctx context.Context) (release func(), acquired bool, err error)
}

// BudgetGuardian периодически проверяет бюджеты задач: ставит задачи на паузу,
// отмечает сработавшие пороги и сообщает о достижении дневного лимита.
type BudgetGuardian struct {
	store    domainrepo.LedgerStore
	notifier Notifier
	policy   config.Policy
	loc      *time.Location
	interval time.Duration
	lock     PassLock
	guard    goroutine.Guard
	now      func() time.Time
	log      *logrus.Entry
}

// NewBudgetGuardian создаёт контроль бюджетов с интервалом запуска interval.
func NewBudgetGuardian(store domainrepo.LedgerStore, notifier Notifier, policy config.Policy, loc *time.Location, interval time.Duration) *BudgetGuardian {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if loc == nil {
		loc = time.Local
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &BudgetGuardian{
		store:    store,
		notifier: notifier,
		policy:   policy,
		loc:      loc,
		interval: interval,
		now:      time.Now,
		log:      logger.Component("budget_guardian"),
	}
}

// SetPassLock включает блокировку между репликами.
func (g *BudgetGuardian) SetPassLock(lock PassLock) {
	g.lock = lock
}

// Start запускает периодические проходы до отмены ctx.
// Каждый тик выполняется в отдельной горутине, тик во время незавершённого прохода пропускается.
func (g *BudgetGuardian) Start(ctx context.Context) {
	goroutine.SafeGoWithContext(ctx, func(ctx context.Context) {
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()

		g.log.WithField("interval", g.interval.String()).Info("контроль бюджетов запущен")
		for {
			select {
			case <-ctx.Done():
				g.log.Info("контроль бюджетов остановлен")
				return
			case <-ticker.C:
				goroutine.SafeGoWithContext(ctx, func(ctx context.Context) { g.Tick(ctx) })
			}
		}
	})
}

// Tick выполняет проход, если предыдущий уже завершён. Возвращает false, если тик пропущен.
func (g *BudgetGuardian) Tick(ctx context.Context) bool {
	ran := g.guard.TryRun(func() { g.runExclusive(ctx) })
	if !ran {
		metrics.BudgetEvents.WithLabelValues("tick_skipped").Inc()
		g.log.Warn("предыдущий проход контроля бюджетов ещё выполняется, тик пропущен")
	}
	return ran
}

func (g *BudgetGuardian) runExclusive(ctx context.Context) {
	if g.lock != nil {
		release, acquired, err := g.lock.TryLock(ctx)
		if err != nil {
			g.log.WithError(err).Error("не удалось получить блокировку прохода")
			return
		}
		if !acquired {
			metrics.BudgetEvents.WithLabelValues("tick_skipped").Inc()
			g.log.Info("проход выполняет другая реплика, тик пропущен")
			return
		}
		defer release()
	}

	report, err := g.RunBudgetCheckPass(ctx)
	if err != nil {
		g.log.WithError(err).Error("проход контроля бюджетов прерван")
		return
	}
	g.log.WithFields(logrus.Fields{
		"checked":          report.Checked,
		"paused":           report.Paused,
		"alerts":           report.Alerts,
		"daily_limit_hits": report.DailyLimitHits,
		"failed":           report.Failed,
		"duration":         report.Duration.String(),
	}).Info("проход контроля бюджетов завершён")
}

type budgetOutcome struct {
	budget     models.TaskBudget
	percentage float64
	paused     bool
	alerts     []int
	dailySpent *int64
}

// RunBudgetCheckPass проверяет все бюджеты не на паузе. Каждый бюджет обрабатывается
// отдельной единицей работы; ошибка одного бюджета не прерывает проход.
func (g *BudgetGuardian) RunBudgetCheckPass(ctx context.Context) (*models.BudgetPassReport, error) {
	started := g.now()
	report := &models.BudgetPassReport{StartedAt: started}
	defer func() {
		report.Duration = time.Since(started)
		metrics.BudgetPassDuration.Observe(report.Duration.Seconds())
	}()

	ids, err := g.store.ListUnpausedBudgetIDs(ctx)
	if err != nil {
		return report, err
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		outcome, err := g.checkBudget(ctx, id)
		if err != nil {
			report.Failed++
			metrics.BudgetEvents.WithLabelValues("failed").Inc()
			g.log.WithFields(logrus.Fields{
				"budget_id": id,
				"error":     err,
			}).Error("не удалось проверить бюджет")
			continue
		}
		if outcome == nil {
			continue
		}

		report.Checked++
		if outcome.paused {
			report.Paused++
		}
		report.Alerts += len(outcome.alerts)
		if outcome.dailySpent != nil {
			report.DailyLimitHits++
		}
		g.notify(ctx, outcome)
	}
	return report, nil
}

// checkBudget возвращает nil без ошибки, если бюджет успели поставить на паузу или удалить.
func (g *BudgetGuardian) checkBudget(ctx context.Context, id uuid.UUID) (*budgetOutcome, error) {
	var outcome *budgetOutcome
	err := WithRetry(ctx, g.policy.MaxTxRetries, func(ctx context.Context) error {
		outcome = nil
		return g.store.WithinTx(ctx, func(ctx context.Context, tx domainrepo.LedgerTx) error {
			budget, err := tx.GetBudgetForUpdate(ctx, id)
			if apperror.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			if budget.IsPaused {
				return nil
			}

			now := g.now()
			out := &budgetOutcome{}
			changed := false

			if budget.TotalBudget > 0 {
				pct := budget.SpendingPercentage()
				out.percentage = pct.InexactFloat64()

				if budget.AutoPauseEnabled && pct.GreaterThanOrEqual(decimalPercent(budget.AutoPauseThreshold)) {
					reason := models.PauseReasonBudgetThreshold
					budget.IsPaused = true
					budget.PausedAt = &now
					budget.PauseReason = &reason
					if err := tx.UpdateTaskStatus(ctx, budget.TaskID, models.TaskStatusPaused); err != nil {
						return err
					}
					out.paused = true
					changed = true
				}

				for i := range budget.AlertThresholds {
					threshold := &budget.AlertThresholds[i]
					if threshold.Triggered || pct.LessThan(decimalPercent(threshold.Percentage)) {
						continue
					}
					at := now
					threshold.Triggered = true
					threshold.TriggeredAt = &at
					out.alerts = append(out.alerts, threshold.Percentage)
					changed = true
				}
			}

			// Оповещение о дневном лимите отправляется не чаще раза в календарный день.
			if budget.DailyLimit != nil && !sameDay(budget.DailyLimitNotifiedAt, now, g.loc) {
				if spent := budget.SpentOn(now.In(g.loc)); spent >= *budget.DailyLimit {
					at := now
					budget.DailyLimitNotifiedAt = &at
					out.dailySpent = &spent
					changed = true
				}
			}

			if changed {
				if err := tx.UpdateBudget(ctx, budget); err != nil {
					return err
				}
			}
			out.budget = *budget
			outcome = out
			return nil
		})
	})
	return outcome, err
}

// notify отправляет уведомления после фиксации изменений бюджета.
func (g *BudgetGuardian) notify(ctx context.Context, out *budgetOutcome) {
	b := out.budget
	if out.paused {
		metrics.BudgetEvents.WithLabelValues("auto_paused").Inc()
		g.log.WithFields(logrus.Fields{
			"task_id":    b.TaskID,
			"sponsor_id": b.SponsorID,
			"percentage": out.percentage,
		}).Warn("задача поставлена на паузу по бюджету")
		g.notifier.NotifyUser(ctx, b.SponsorID, models.EventTaskAutoPaused, map[string]interface{}{
			"task_id":      b.TaskID,
			"spent_budget": b.SpentBudget,
			"total_budget": b.TotalBudget,
			"percentage":   out.percentage,
			"reason":       models.PauseReasonBudgetThreshold,
		})
	}

	for _, threshold := range out.alerts {
		metrics.BudgetEvents.WithLabelValues("alert").Inc()
		g.notifier.NotifyUser(ctx, b.SponsorID, models.EventBudgetAlert, map[string]interface{}{
			"task_id":    b.TaskID,
			"threshold":  threshold,
			"percentage": out.percentage,
			"remaining":  b.RemainingBudget(),
		})
	}

	if out.dailySpent != nil {
		metrics.BudgetEvents.WithLabelValues("daily_limit").Inc()
		g.notifier.NotifyUser(ctx, b.SponsorID, models.EventDailyLimitReached, map[string]interface{}{
			"task_id":     b.TaskID,
			"spent_today": *out.dailySpent,
			"daily_limit": *b.DailyLimit,
		})
	}
}

// SetBudgetPolicy меняет дневной лимит, пороги и автопаузу бюджета задачи.
// Уже сработавшие пороги, которые остались в политике, сохраняют отметку.
func (g *BudgetGuardian) SetBudgetPolicy(ctx context.Context, taskID uuid.UUID, policy models.BudgetPolicy) (*models.TaskBudget, error) {
	if policy.DailyLimit != nil && *policy.DailyLimit <= 0 {
		return nil, apperror.New(apperror.ErrCodeValidation, "дневной лимит должен быть положительным")
	}
	if policy.AutoPauseThreshold <= 0 || policy.AutoPauseThreshold > 100 {
		return nil, apperror.New(apperror.ErrCodeValidation, "порог автопаузы должен быть в диапазоне 1..100")
	}
	for _, p := range policy.Thresholds {
		if p <= 0 || p > 100 {
			return nil, apperror.New(apperror.ErrCodeValidation, "порог оповещения должен быть в диапазоне 1..100")
		}
	}

	var out *models.TaskBudget
	err := WithRetry(ctx, g.policy.MaxTxRetries, func(ctx context.Context) error {
		return g.store.WithinTx(ctx, func(ctx context.Context, tx domainrepo.LedgerTx) error {
			budget, err := tx.GetBudgetByTaskForUpdate(ctx, taskID)
			if err != nil {
				return err
			}

			existing := make(map[int]models.AlertThreshold, len(budget.AlertThresholds))
			for _, t := range budget.AlertThresholds {
				existing[t.Percentage] = t
			}
			thresholds := make(models.AlertThresholds, 0, len(policy.Thresholds))
			for _, p := range uniqueSorted(policy.Thresholds) {
				if t, ok := existing[p]; ok {
					thresholds = append(thresholds, t)
					continue
				}
				thresholds = append(thresholds, models.AlertThreshold{Percentage: p})
			}

			if !equalLimit(budget.DailyLimit, policy.DailyLimit) {
				budget.DailyLimitNotifiedAt = nil
			}
			budget.DailyLimit = policy.DailyLimit
			budget.AlertThresholds = thresholds
			budget.AutoPauseEnabled = policy.AutoPauseEnabled
			budget.AutoPauseThreshold = policy.AutoPauseThreshold
			if err := tx.UpdateBudget(ctx, budget); err != nil {
				return err
			}
			out = budget
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ResumeBudget снимает паузу с бюджета и возвращает задачу в работу.
func (g *BudgetGuardian) ResumeBudget(ctx context.Context, taskID uuid.UUID) (*models.TaskBudget, error) {
	var out *models.TaskBudget
	err := WithRetry(ctx, g.policy.MaxTxRetries, func(ctx context.Context) error {
		return g.store.WithinTx(ctx, func(ctx context.Context, tx domainrepo.LedgerTx) error {
			budget, err := tx.GetBudgetByTaskForUpdate(ctx, taskID)
			if err != nil {
				return err
			}
			if !budget.IsPaused {
				return apperror.New(apperror.ErrCodeInvalidState, "бюджет задачи не на паузе")
			}

			budget.IsPaused = false
			budget.PausedAt = nil
			budget.PauseReason = nil
			if err := tx.UpdateBudget(ctx, budget); err != nil {
				return err
			}
			if err := tx.UpdateTaskStatus(ctx, taskID, models.TaskStatusActive); err != nil {
				return err
			}
			out = budget
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	g.log.WithField("task_id", taskID).Info("бюджет задачи снят с паузы")
	return out, nil
}

func sameDay(at *time.Time, now time.Time, loc *time.Location) bool {
	if at == nil {
		return false
	}
	y1, m1, d1 := at.In(loc).Date()
	y2, m2, d2 := now.In(loc).Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

func equalLimit(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func decimalPercent(p int) decimal.Decimal {
	return decimal.NewFromInt(int64(p))
}

func uniqueSorted(values []int) []int {
	out := append([]int(nil), values...)
	sort.Ints(out)
	n := 0
	for i, v := range out {
		if i > 0 && v == out[n-1] {
			continue
		}
		out[n] = v
		n++
	}
	return out[:n]
}
