package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/reward-ledger/internal/config"
	domainrepo "github.com/ignatzorin/reward-ledger/internal/domain/repository"
	"github.com/ignatzorin/reward-ledger/internal/domain/valueobject"
	"github.com/ignatzorin/reward-ledger/internal/logger"
	"github.com/ignatzorin/reward-ledger/internal/metrics"
	"github.com/ignatzorin/reward-ledger/internal/models"
	"github.com/ignatzorin/reward-ledger/internal/pkg/apperror"
)

// EscrowService управляет escrow счетами спонсоров: пополнение, резерв под задачу,
// выплата исполнителю с комиссией и возврат резерва.
type EscrowService struct {
	ledger   *LedgerService
	store    domainrepo.LedgerStore
	users    UserDirectory
	notifier Notifier
	policy   config.Policy
	now      func() time.Time
	log      *logrus.Entry
}

// NewEscrowService создаёт escrow сервис.
func NewEscrowService(ledger *LedgerService, users UserDirectory, notifier Notifier, policy config.Policy) *EscrowService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &EscrowService{
		ledger:   ledger,
		store:    ledger.Store(),
		users:    users,
		notifier: notifier,
		policy:   policy,
		now:      time.Now,
		log:      logger.Component("escrow"),
	}
}

// Deposit пополняет escrow счёт спонсора.
func (s *EscrowService) Deposit(ctx context.Context, sponsorID uuid.UUID, amount int64, paymentRef string) (*models.EscrowAccount, error) {
	if amount <= 0 {
		return nil, apperror.ErrInvalidAmount
	}
	if err := s.requireSponsor(ctx, sponsorID); err != nil {
		metrics.EscrowOperations.WithLabelValues("deposit", "rejected").Inc()
		return nil, err
	}

	var escrow *models.EscrowAccount
	err := WithRetry(ctx, s.policy.MaxTxRetries, func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx domainrepo.LedgerTx) error {
			e, err := s.lockActiveEscrow(ctx, tx, sponsorID)
			if err != nil {
				return err
			}

			e.Balance += amount
			e.TotalDeposited += amount
			if err := tx.UpdateEscrow(ctx, e); err != nil {
				return err
			}

			if err := s.ledger.AppendFinancialTx(ctx, tx, &models.FinancialTransaction{
				Type:     models.FinancialTypeEscrowDeposit,
				Amount:   amount,
				UserID:   uuidPtr(sponsorID),
				EscrowID: uuidPtr(e.ID),
				Metadata: models.JSONMap{"payment_reference": paymentRef},
			}); err != nil {
				return err
			}

			escrow = e
			return nil
		})
	})
	metrics.EscrowOperations.WithLabelValues("deposit", metrics.Outcome(err)).Inc()
	if err != nil {
		return nil, err
	}

	metrics.EscrowAmount.WithLabelValues("deposit").Add(float64(amount))
	s.log.WithFields(logrus.Fields{
		"sponsor_id": sponsorID,
		"amount":     amount,
		"balance":    escrow.Balance,
	}).Info("escrow пополнен")

	s.notifier.NotifyUser(ctx, sponsorID, models.EventEscrowTopup, map[string]interface{}{
		"amount":            amount,
		"balance":           escrow.Balance,
		"payment_reference": paymentRef,
	})
	return escrow, nil
}

// Reserve резервирует amount под задачу taskID. Бюджет задачи создаётся при первом
// резерве и увеличивается при последующих.
func (s *EscrowService) Reserve(ctx context.Context, sponsorID uuid.UUID, amount int64, taskID uuid.UUID) (bool, error) {
	if amount <= 0 {
		return false, apperror.ErrInvalidAmount
	}

	var available int64
	err := WithRetry(ctx, s.policy.MaxTxRetries, func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx domainrepo.LedgerTx) error {
			e, err := s.lockActiveEscrow(ctx, tx, sponsorID)
			if err != nil {
				return err
			}

			if e.Available() < amount {
				return apperror.ErrInsufficientEscrowBalance.WithDetails(map[string]interface{}{
					"available": e.Available(),
					"requested": amount,
					"shortfall": amount - e.Available(),
				})
			}

			e.ReservedBalance += amount
			if err := tx.UpdateEscrow(ctx, e); err != nil {
				return err
			}

			if err := s.ledger.AppendFinancialTx(ctx, tx, &models.FinancialTransaction{
				Type:     models.FinancialTypeEscrowReserve,
				Amount:   amount,
				UserID:   uuidPtr(sponsorID),
				TaskID:   uuidPtr(taskID),
				EscrowID: uuidPtr(e.ID),
			}); err != nil {
				return err
			}

			if err := s.fundBudget(ctx, tx, sponsorID, taskID, amount); err != nil {
				return err
			}

			available = e.Available()
			return nil
		})
	})
	metrics.EscrowOperations.WithLabelValues("reserve", metrics.Outcome(err)).Inc()
	if err != nil {
		return false, err
	}

	metrics.EscrowAmount.WithLabelValues("reserve").Add(float64(amount))
	s.log.WithFields(logrus.Fields{
		"sponsor_id": sponsorID,
		"task_id":    taskID,
		"amount":     amount,
		"available":  available,
	}).Info("средства зарезервированы")

	if available < s.policy.LowBalanceWatermark {
		s.notifier.NotifyUser(ctx, sponsorID, models.EventEscrowLowBalance, map[string]interface{}{
			"available": available,
			"watermark": s.policy.LowBalanceWatermark,
		})
	}
	return true, nil
}

// Release выплачивает taskAmount из резерва: исполнитель получает сумму за вычетом
// комиссии, комиссия остаётся платформе.
func (s *EscrowService) Release(ctx context.Context, taskID, sponsorID, workerID uuid.UUID, taskAmount int64) (workerPayment, commission int64, err error) {
	if taskAmount <= 0 {
		return 0, 0, apperror.ErrInvalidAmount
	}

	workerPayment, commission = valueobject.SplitCommission(taskAmount, s.policy.CommissionRate)

	var transactionID *uuid.UUID
	err = WithRetry(ctx, s.policy.MaxTxRetries, func(ctx context.Context) error {
		transactionID = nil
		return s.store.WithinTx(ctx, func(ctx context.Context, tx domainrepo.LedgerTx) error {
			e, err := tx.GetOrCreateEscrowForUpdate(ctx, sponsorID, models.DefaultCurrency)
			if err != nil {
				return err
			}
			if e.ReservedBalance < taskAmount {
				return apperror.ErrInsufficientReservedBalance.WithDetails(map[string]interface{}{
					"reserved":  e.ReservedBalance,
					"requested": taskAmount,
				})
			}

			e.Balance -= taskAmount
			e.ReservedBalance -= taskAmount
			e.TotalWithdrawn += taskAmount
			if err := tx.UpdateEscrow(ctx, e); err != nil {
				return err
			}

			if err := s.spendBudget(ctx, tx, taskID, workerID, taskAmount); err != nil {
				return err
			}

			if workerPayment > 0 {
				_, t, err := s.ledger.CreditWalletTx(ctx, tx, workerID, workerPayment, models.TxMeta{
					Type:            models.TransactionTypeTaskEarning,
					Description:     "Оплата задачи",
					ReferenceType:   "task",
					ReferenceID:     taskID.String(),
					Metadata:        models.JSONMap{"task_amount": taskAmount, "commission": commission},
					LifetimeEarning: true,
				})
				if err != nil {
					return err
				}
				transactionID = uuidPtr(t.ID)
			}

			records := []*models.FinancialTransaction{
				{
					Type:     models.FinancialTypeEscrowRelease,
					Amount:   taskAmount,
					UserID:   uuidPtr(sponsorID),
					TaskID:   uuidPtr(taskID),
					EscrowID: uuidPtr(e.ID),
				},
				{
					Type:     models.FinancialTypeTaskPayment,
					Amount:   workerPayment,
					UserID:   uuidPtr(workerID),
					TaskID:   uuidPtr(taskID),
					EscrowID: uuidPtr(e.ID),
					Metadata: models.JSONMap{"transaction_id": optionalUUIDString(transactionID)},
				},
				{
					Type:     models.FinancialTypeTaskCommission,
					Amount:   commission,
					TaskID:   uuidPtr(taskID),
					EscrowID: uuidPtr(e.ID),
					Metadata: models.JSONMap{"rate": s.policy.CommissionRate.String()},
				},
			}
			for _, ft := range records {
				if err := s.ledger.AppendFinancialTx(ctx, tx, ft); err != nil {
					return err
				}
			}
			return nil
		})
	})
	metrics.EscrowOperations.WithLabelValues("release", metrics.Outcome(err)).Inc()
	if err != nil {
		return 0, 0, err
	}

	metrics.EscrowAmount.WithLabelValues("release").Add(float64(taskAmount))
	metrics.PlatformCommission.Add(float64(commission))
	s.log.WithFields(logrus.Fields{
		"task_id":        taskID,
		"sponsor_id":     sponsorID,
		"worker_id":      workerID,
		"task_amount":    taskAmount,
		"worker_payment": workerPayment,
		"commission":     commission,
	}).Info("оплата задачи выполнена")

	s.notifier.NotifyUser(ctx, workerID, models.EventTaskPaymentReceived, map[string]interface{}{
		"task_id":        taskID,
		"amount":         workerPayment,
		"transaction_id": optionalUUIDString(transactionID),
	})
	return workerPayment, commission, nil
}

// Refund возвращает taskAmount из резерва в доступный остаток спонсора.
func (s *EscrowService) Refund(ctx context.Context, taskID, sponsorID uuid.UUID, taskAmount int64) error {
	if taskAmount <= 0 {
		return apperror.ErrInvalidAmount
	}

	err := WithRetry(ctx, s.policy.MaxTxRetries, func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx domainrepo.LedgerTx) error {
			e, err := tx.GetOrCreateEscrowForUpdate(ctx, sponsorID, models.DefaultCurrency)
			if err != nil {
				return err
			}
			if e.ReservedBalance < taskAmount {
				return apperror.ErrInsufficientReservedBalance.WithDetails(map[string]interface{}{
					"reserved":  e.ReservedBalance,
					"requested": taskAmount,
				})
			}

			e.ReservedBalance -= taskAmount
			e.TotalRefunded += taskAmount
			if err := tx.UpdateEscrow(ctx, e); err != nil {
				return err
			}

			if err := s.ledger.AppendFinancialTx(ctx, tx, &models.FinancialTransaction{
				Type:     models.FinancialTypeEscrowRefund,
				Amount:   taskAmount,
				UserID:   uuidPtr(sponsorID),
				TaskID:   uuidPtr(taskID),
				EscrowID: uuidPtr(e.ID),
			}); err != nil {
				return err
			}

			budget, err := tx.GetBudgetByTaskForUpdate(ctx, taskID)
			if apperror.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			if budget.Shrink(taskAmount) == 0 {
				return nil
			}
			return tx.UpdateBudget(ctx, budget)
		})
	})
	metrics.EscrowOperations.WithLabelValues("refund", metrics.Outcome(err)).Inc()
	if err != nil {
		return err
	}

	metrics.EscrowAmount.WithLabelValues("refund").Add(float64(taskAmount))
	s.log.WithFields(logrus.Fields{
		"task_id":    taskID,
		"sponsor_id": sponsorID,
		"amount":     taskAmount,
	}).Info("резерв возвращён")
	return nil
}

// GetBalance возвращает баланс escrow. Счёт создаётся при первом запросе.
func (s *EscrowService) GetBalance(ctx context.Context, sponsorID uuid.UUID) (*models.EscrowBalance, error) {
	escrow, err := s.store.GetEscrow(ctx, sponsorID)
	if apperror.IsNotFound(err) {
		escrow, err = s.EnsureEscrowAccount(ctx, sponsorID)
	}
	if err != nil {
		return nil, err
	}

	return &models.EscrowBalance{
		SponsorID: sponsorID,
		Balance:   escrow.Balance,
		Available: escrow.Available(),
		Reserved:  escrow.ReservedBalance,
		Status:    escrow.Status,
	}, nil
}

// EnsureEscrowAccount создаёт активный нулевой escrow счёт, если его ещё нет.
func (s *EscrowService) EnsureEscrowAccount(ctx context.Context, sponsorID uuid.UUID) (*models.EscrowAccount, error) {
	var escrow *models.EscrowAccount
	err := WithRetry(ctx, s.policy.MaxTxRetries, func(ctx context.Context) error {
		e, err := s.ledger.GetOrCreateEscrowAccount(ctx, sponsorID)
		escrow = e
		return err
	})
	return escrow, err
}

// SetEscrowStatus замораживает, размораживает или закрывает escrow счёт.
// Закрыть можно только счёт без зарезервированных средств.
func (s *EscrowService) SetEscrowStatus(ctx context.Context, sponsorID uuid.UUID, status string) (*models.EscrowAccount, error) {
	var escrow *models.EscrowAccount
	err := WithRetry(ctx, s.policy.MaxTxRetries, func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx domainrepo.LedgerTx) error {
			e, err := tx.GetOrCreateEscrowForUpdate(ctx, sponsorID, models.DefaultCurrency)
			if err != nil {
				return err
			}
			current := valueobject.EscrowStatus(e.Status)
			if err := current.ValidateTransition(valueobject.EscrowStatus(status)); err != nil {
				return err
			}
			if status == models.EscrowStatusClosed && e.ReservedBalance > 0 {
				return apperror.New(apperror.ErrCodeInvalidState, "нельзя закрыть escrow счёт с активными резервами")
			}

			e.Status = status
			if err := tx.UpdateEscrow(ctx, e); err != nil {
				return err
			}
			escrow = e
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"sponsor_id": sponsorID,
		"status":     status,
	}).Info("статус escrow изменён")
	return escrow, nil
}

func (s *EscrowService) requireSponsor(ctx context.Context, sponsorID uuid.UUID) error {
	user, err := s.users.Get(ctx, sponsorID)
	if err != nil {
		return err
	}
	if !user.IsActive() {
		return apperror.ErrAccountInactive
	}
	if !user.HasRole(models.RoleSponsor) {
		return apperror.ErrNotASponsor
	}
	return nil
}

func (s *EscrowService) lockActiveEscrow(ctx context.Context, tx domainrepo.LedgerTx, sponsorID uuid.UUID) (*models.EscrowAccount, error) {
	e, err := tx.GetOrCreateEscrowForUpdate(ctx, sponsorID, models.DefaultCurrency)
	if err != nil {
		return nil, err
	}
	if e.Status != models.EscrowStatusActive {
		return nil, apperror.ErrEscrowInactive.WithDetails(map[string]interface{}{"status": e.Status})
	}
	return e, nil
}

// fundBudget создаёт бюджет задачи с настройками по умолчанию или увеличивает его.
func (s *EscrowService) fundBudget(ctx context.Context, tx domainrepo.LedgerTx, sponsorID, taskID uuid.UUID, amount int64) error {
	budget, err := tx.GetBudgetByTaskForUpdate(ctx, taskID)
	if err != nil && !apperror.IsNotFound(err) {
		return err
	}

	if budget == nil {
		thresholds := make(models.AlertThresholds, 0, len(s.policy.DefaultAlertThresholds))
		for _, p := range s.policy.DefaultAlertThresholds {
			thresholds = append(thresholds, models.AlertThreshold{Percentage: p})
		}
		return tx.InsertBudget(ctx, &models.TaskBudget{
			ID:                 uuid.New(),
			TaskID:             taskID,
			SponsorID:          sponsorID,
			TotalBudget:        amount,
			AlertThresholds:    thresholds,
			AutoPauseEnabled:   s.policy.DefaultAutoPauseEnabled,
			AutoPauseThreshold: s.policy.DefaultAutoPauseThreshold,
			SpendingHistory:    models.SpendingHistory{},
			CreatedAt:          s.now(),
		})
	}

	if budget.SponsorID != sponsorID {
		return apperror.New(apperror.ErrCodeForbidden, "задача принадлежит другому спонсору")
	}
	budget.TotalBudget += amount
	return tx.UpdateBudget(ctx, budget)
}

// spendBudget списывает выплату с бюджета задачи, если он есть.
// Перерасход не блокирует выплату, задачу остановит ближайший проход BudgetGuardian.
func (s *EscrowService) spendBudget(ctx context.Context, tx domainrepo.LedgerTx, taskID, workerID uuid.UUID, amount int64) error {
	budget, err := tx.GetBudgetByTaskForUpdate(ctx, taskID)
	if apperror.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if budget.RecordSpend(amount, s.now(), nil, uuidPtr(workerID)) {
		s.log.WithFields(logrus.Fields{
			"task_id":      taskID,
			"total_budget": budget.TotalBudget,
			"spent_budget": budget.SpentBudget,
		}).Warn("выплата превысила бюджет задачи")
	}
	return tx.UpdateBudget(ctx, budget)
}

func optionalUUIDString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
