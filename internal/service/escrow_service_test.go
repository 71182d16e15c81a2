package service

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainrepo "github.com/ignatzorin/reward-ledger/internal/domain/repository"
	"github.com/ignatzorin/reward-ledger/internal/domain/valueobject"
	"github.com/ignatzorin/reward-ledger/internal/models"
	"github.com/ignatzorin/reward-ledger/internal/pkg/apperror"
)

func TestEscrowService_DepositReserveRelease(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	sponsorID := f.sponsor()
	workerID := f.worker()
	taskID := uuid.New()

	escrow, err := f.escrow.Deposit(ctx, sponsorID, 100000, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100000), escrow.Balance)
	assert.Equal(t, int64(100000), escrow.TotalDeposited)

	ok, err := f.escrow.Reserve(ctx, sponsorID, 20000, taskID)
	require.NoError(t, err)
	assert.True(t, ok)

	balance, err := f.escrow.GetBalance(ctx, sponsorID)
	require.NoError(t, err)
	assert.Equal(t, int64(100000), balance.Balance)
	assert.Equal(t, int64(20000), balance.Reserved)
	assert.Equal(t, int64(80000), balance.Available)

	workerPayment, commission, err := f.escrow.Release(ctx, taskID, sponsorID, workerID, 20000)
	require.NoError(t, err)
	assert.Equal(t, int64(17000), workerPayment)
	assert.Equal(t, int64(3000), commission)

	e := f.escrowOf(t, sponsorID)
	assert.Equal(t, int64(80000), e.Balance)
	assert.Equal(t, int64(0), e.ReservedBalance)
	assert.Equal(t, int64(20000), e.TotalWithdrawn)
	assert.Equal(t, int64(17000), f.available(t, workerID))

	txs, err := f.ledger.ListTransactions(ctx, workerID, 0, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, models.TransactionTypeTaskEarning, txs[0].Type)
	assert.Equal(t, int64(0), txs[0].BalanceBefore)
	assert.Equal(t, int64(17000), txs[0].BalanceAfter)

	budget, err := f.store.GetBudgetByTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), budget.TotalBudget)
	assert.Equal(t, int64(20000), budget.SpentBudget)
	require.Len(t, budget.SpendingHistory, 1)
	assert.Equal(t, workerID, *budget.SpendingHistory[0].WorkerRef)

	audit, err := f.store.ListFinancialTransactions(ctx, domainrepo.FinancialFilter{TaskID: &taskID})
	require.NoError(t, err)
	byType := make(map[string]int64)
	for _, ft := range audit {
		byType[ft.Type] += ft.Amount
	}
	assert.Equal(t, int64(20000), byType[models.FinancialTypeEscrowReserve])
	assert.Equal(t, int64(20000), byType[models.FinancialTypeEscrowRelease])
	assert.Equal(t, int64(17000), byType[models.FinancialTypeTaskPayment])
	assert.Equal(t, int64(3000), byType[models.FinancialTypeTaskCommission])

	f.notifier.AssertCalled(t, "NotifyUser", ctx, sponsorID, models.EventEscrowTopup, map[string]interface{}{
		"amount":            int64(100000),
		"balance":           int64(100000),
		"payment_reference": "pay-1",
	})
	assert.Equal(t, 1, f.notifier.countEvents(workerID, models.EventTaskPaymentReceived))
}

func TestEscrowService_Deposit_Rejections(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	_, err := f.escrow.Deposit(ctx, f.sponsor(), 0, "")
	assert.ErrorIs(t, err, apperror.ErrInvalidAmount)

	_, err = f.escrow.Deposit(ctx, f.worker(), 1000, "")
	assert.ErrorIs(t, err, apperror.ErrNotASponsor)

	_, err = f.escrow.Deposit(ctx, f.addUser(models.UserStatusSuspended, models.RoleSponsor), 1000, "")
	assert.ErrorIs(t, err, apperror.ErrAccountInactive)

	_, err = f.escrow.Deposit(ctx, uuid.New(), 1000, "")
	assert.ErrorIs(t, err, apperror.ErrUserNotFound)

	f.notifier.AssertNumberOfCalls(t, "NotifyUser", 0)
}

func TestEscrowService_FrozenEscrow(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	sponsorID := f.fundedSponsor(t, 50000)
	taskID := uuid.New()

	_, err := f.escrow.Reserve(ctx, sponsorID, 10000, taskID)
	require.NoError(t, err)

	_, err = f.escrow.SetEscrowStatus(ctx, sponsorID, models.EscrowStatusFrozen)
	require.NoError(t, err)

	_, err = f.escrow.Deposit(ctx, sponsorID, 1000, "")
	assert.ErrorIs(t, err, apperror.ErrEscrowInactive)

	ok, err := f.escrow.Reserve(ctx, sponsorID, 1000, uuid.New())
	assert.False(t, ok)
	assert.ErrorIs(t, err, apperror.ErrEscrowInactive)

	// Возврат резерва на замороженном счёте разрешён.
	require.NoError(t, f.escrow.Refund(ctx, taskID, sponsorID, 4000))
	e := f.escrowOf(t, sponsorID)
	assert.Equal(t, int64(50000), e.Balance)
	assert.Equal(t, int64(6000), e.ReservedBalance)
	assert.Equal(t, int64(4000), e.TotalRefunded)

	_, err = f.escrow.SetEscrowStatus(ctx, sponsorID, models.EscrowStatusClosed)
	assert.Equal(t, apperror.ErrCodeInvalidState, apperror.CodeOf(err))

	require.NoError(t, f.escrow.Refund(ctx, taskID, sponsorID, 6000))
	closed, err := f.escrow.SetEscrowStatus(ctx, sponsorID, models.EscrowStatusClosed)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusClosed, closed.Status)

	_, err = f.escrow.SetEscrowStatus(ctx, sponsorID, models.EscrowStatusActive)
	assert.Equal(t, apperror.ErrCodeInvalidState, apperror.CodeOf(err))
}

func TestEscrowService_Reserve_Insufficient(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	sponsorID := f.fundedSponsor(t, 10000)

	ok, err := f.escrow.Reserve(ctx, sponsorID, 10001, uuid.New())
	assert.False(t, ok)
	require.ErrorIs(t, err, apperror.ErrInsufficientEscrowBalance)

	var appErr *apperror.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, int64(1), appErr.Details["shortfall"])

	e := f.escrowOf(t, sponsorID)
	assert.Equal(t, int64(0), e.ReservedBalance)
}

func TestEscrowService_Reserve_LowBalanceNotification(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	sponsorID := f.fundedSponsor(t, 10000)

	_, err := f.escrow.Reserve(ctx, sponsorID, 4000, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, 0, f.notifier.countEvents(sponsorID, models.EventEscrowLowBalance))

	_, err = f.escrow.Reserve(ctx, sponsorID, 2000, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, 1, f.notifier.countEvents(sponsorID, models.EventEscrowLowBalance))
}

func TestEscrowService_Reserve_ForeignTask(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	owner := f.fundedSponsor(t, 10000)
	other := f.fundedSponsor(t, 10000)
	taskID := uuid.New()

	_, err := f.escrow.Reserve(ctx, owner, 5000, taskID)
	require.NoError(t, err)

	_, err = f.escrow.Reserve(ctx, other, 5000, taskID)
	assert.True(t, apperror.IsForbidden(err))

	// Резерв другого спонсора откатился вместе с бюджетом.
	assert.Equal(t, int64(0), f.escrowOf(t, other).ReservedBalance)
	budget, err := f.store.GetBudgetByTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), budget.TotalBudget)
}

func TestEscrowService_ConcurrentReservations(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	sponsorID := f.fundedSponsor(t, 100000)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		failures  []error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.escrow.Reserve(ctx, sponsorID, 60000, uuid.New())
			mu.Lock()
			defer mu.Unlock()
			if ok {
				succeeded++
			} else {
				failures = append(failures, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], apperror.ErrInsufficientEscrowBalance)

	e := f.escrowOf(t, sponsorID)
	assert.Equal(t, int64(60000), e.ReservedBalance)
	assert.True(t, e.Valid())
}

func TestEscrowService_Release_NoDoubleSpend(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	sponsorID := f.fundedSponsor(t, 10000)
	workerID := f.worker()
	taskID := uuid.New()

	_, err := f.escrow.Reserve(ctx, sponsorID, 10000, taskID)
	require.NoError(t, err)

	_, _, err = f.escrow.Release(ctx, taskID, sponsorID, workerID, 10000)
	require.NoError(t, err)

	_, _, err = f.escrow.Release(ctx, taskID, sponsorID, workerID, 10000)
	assert.ErrorIs(t, err, apperror.ErrInsufficientReservedBalance)

	err = f.escrow.Refund(ctx, taskID, sponsorID, 1)
	assert.ErrorIs(t, err, apperror.ErrInsufficientReservedBalance)

	e := f.escrowOf(t, sponsorID)
	assert.Equal(t, int64(0), e.Balance)
	assert.Equal(t, int64(8500), f.available(t, workerID))
}

func TestEscrowService_Release_ConcurrentSameReserve(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	sponsorID := f.fundedSponsor(t, 10000)
	taskID := uuid.New()

	_, err := f.escrow.Reserve(ctx, sponsorID, 10000, taskID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, results[i] = f.escrow.Release(ctx, taskID, sponsorID, f.worker(), 10000)
		}(i)
	}
	wg.Wait()

	okCount := 0
	for _, err := range results {
		if err == nil {
			okCount++
			continue
		}
		assert.ErrorIs(t, err, apperror.ErrInsufficientReservedBalance)
	}
	assert.Equal(t, 1, okCount)
	assert.Equal(t, int64(0), f.escrowOf(t, sponsorID).Balance)
}

func TestEscrowService_Release_SmallAmountSplit(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	sponsorID := f.fundedSponsor(t, 100)
	workerID := f.worker()
	taskID := uuid.New()

	_, err := f.escrow.Reserve(ctx, sponsorID, 7, taskID)
	require.NoError(t, err)

	workerPayment, commission, err := f.escrow.Release(ctx, taskID, sponsorID, workerID, 7)
	require.NoError(t, err)
	// floor(7 × 0.15) = 1
	assert.Equal(t, int64(1), commission)
	assert.Equal(t, int64(6), workerPayment)
}

func TestEscrowService_Release_FullCommissionSkipsWallet(t *testing.T) {
	f := newLedgerFixture(t)
	f.policy.CommissionRate = decimal.NewFromInt(1)
	f.escrow = NewEscrowService(f.ledger, f.store, f.notifier, f.policy)
	ctx := context.Background()
	sponsorID := f.fundedSponsor(t, 1000)
	workerID := f.worker()
	taskID := uuid.New()

	_, err := f.escrow.Reserve(ctx, sponsorID, 1000, taskID)
	require.NoError(t, err)

	workerPayment, commission, err := f.escrow.Release(ctx, taskID, sponsorID, workerID, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(0), workerPayment)
	assert.Equal(t, int64(1000), commission)
	assert.Equal(t, 0, f.store.WalletCount(workerID))
}

func TestEscrowService_Refund_ShrinksBudget(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	sponsorID := f.fundedSponsor(t, 30000)
	taskID := uuid.New()

	_, err := f.escrow.Reserve(ctx, sponsorID, 10000, taskID)
	require.NoError(t, err)
	_, err = f.escrow.Reserve(ctx, sponsorID, 5000, taskID)
	require.NoError(t, err)

	require.NoError(t, f.escrow.Refund(ctx, taskID, sponsorID, 6000))

	budget, err := f.store.GetBudgetByTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, int64(9000), budget.TotalBudget)

	e := f.escrowOf(t, sponsorID)
	assert.Equal(t, int64(30000), e.Balance)
	assert.Equal(t, int64(9000), e.ReservedBalance)
}

func TestEscrowService_GetBalance_CreatesAccount(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	sponsorID := f.sponsor()

	balance, err := f.escrow.GetBalance(ctx, sponsorID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Balance)
	assert.Equal(t, models.EscrowStatusActive, balance.Status)

	again, err := f.escrow.GetBalance(ctx, sponsorID)
	require.NoError(t, err)
	assert.Equal(t, balance, again)
}

// Случайная последовательность операций не должна создавать или терять деньги.
func TestEscrowService_ConservationProperty(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	type reservation struct {
		sponsor     uuid.UUID
		outstanding int64
	}
	sponsors := []uuid.UUID{f.sponsor(), f.sponsor(), f.sponsor()}
	workers := []uuid.UUID{f.worker(), f.worker(), f.worker(), f.worker()}
	deposited := make(map[uuid.UUID]int64)
	released := make(map[uuid.UUID]int64)
	reserved := make(map[uuid.UUID]int64)
	tasks := make(map[uuid.UUID]*reservation)
	var taskIDs []uuid.UUID
	var paidOut, commissions int64

	pickOpenTask := func() (uuid.UUID, *reservation, bool) {
		var open []uuid.UUID
		for _, id := range taskIDs {
			if tasks[id].outstanding > 0 {
				open = append(open, id)
			}
		}
		if len(open) == 0 {
			return uuid.Nil, nil, false
		}
		id := open[rng.Intn(len(open))]
		return id, tasks[id], true
	}

	for step := 0; step < 400; step++ {
		switch rng.Intn(4) {
		case 0:
			s := sponsors[rng.Intn(len(sponsors))]
			amount := int64(rng.Intn(50000) + 1)
			_, err := f.escrow.Deposit(ctx, s, amount, "")
			require.NoError(t, err)
			deposited[s] += amount
		case 1:
			s := sponsors[rng.Intn(len(sponsors))]
			amount := int64(rng.Intn(30000) + 1)
			taskID := uuid.New()
			available := deposited[s] - released[s] - reserved[s]
			ok, err := f.escrow.Reserve(ctx, s, amount, taskID)
			if amount > available {
				assert.False(t, ok)
				assert.ErrorIs(t, err, apperror.ErrInsufficientEscrowBalance)
				continue
			}
			require.NoError(t, err)
			require.True(t, ok)
			reserved[s] += amount
			tasks[taskID] = &reservation{sponsor: s, outstanding: amount}
			taskIDs = append(taskIDs, taskID)
		case 2:
			taskID, r, ok := pickOpenTask()
			if !ok {
				continue
			}
			amount := int64(rng.Int63n(r.outstanding) + 1)
			wp, c, err := f.escrow.Release(ctx, taskID, r.sponsor, workers[rng.Intn(len(workers))], amount)
			require.NoError(t, err)
			require.Equal(t, amount, wp+c)
			require.Equal(t, valueobject.ApplyRate(amount, f.policy.CommissionRate), c)
			r.outstanding -= amount
			reserved[r.sponsor] -= amount
			released[r.sponsor] += amount
			paidOut += wp
			commissions += c
		case 3:
			taskID, r, ok := pickOpenTask()
			if !ok {
				continue
			}
			amount := int64(rng.Int63n(r.outstanding) + 1)
			require.NoError(t, f.escrow.Refund(ctx, taskID, r.sponsor, amount))
			r.outstanding -= amount
			reserved[r.sponsor] -= amount
		}

		for _, s := range sponsors {
			if deposited[s] == 0 {
				continue
			}
			e := f.escrowOf(t, s)
			require.Equal(t, deposited[s]-released[s], e.Balance)
			require.Equal(t, reserved[s], e.ReservedBalance)
			require.True(t, e.Valid())
		}
	}

	var walletTotal int64
	for _, w := range workers {
		if f.store.WalletCount(w) == 1 {
			walletTotal += f.available(t, w)
		}
	}
	var totalReleased int64
	for _, s := range sponsors {
		totalReleased += released[s]
	}
	assert.Equal(t, paidOut, walletTotal)
	assert.Equal(t, totalReleased, walletTotal+commissions)

	for _, id := range taskIDs {
		budget, err := f.store.GetBudgetByTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, tasks[id].outstanding, budget.RemainingBudget())
	}
}

func TestEscrowService_Release_OverBudgetCoveredByReserve(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	sponsorID := f.fundedSponsor(t, 100000)
	workerID := f.worker()
	first, second := uuid.New(), uuid.New()

	_, err := f.escrow.Reserve(ctx, sponsorID, 20000, first)
	require.NoError(t, err)
	_, err = f.escrow.Reserve(ctx, sponsorID, 20000, second)
	require.NoError(t, err)

	// Резерв спонсора покрывает выплату, хотя бюджет первой задачи меньше.
	workerPayment, commission, err := f.escrow.Release(ctx, first, sponsorID, workerID, 30000)
	require.NoError(t, err)
	assert.Equal(t, int64(25500), workerPayment)
	assert.Equal(t, int64(4500), commission)

	e := f.escrowOf(t, sponsorID)
	assert.Equal(t, int64(70000), e.Balance)
	assert.Equal(t, int64(10000), e.ReservedBalance)
	assert.True(t, e.Valid())

	budget, err := f.store.GetBudgetByTask(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, int64(30000), budget.SpentBudget)
	assert.Equal(t, int64(-10000), budget.RemainingBudget())

	// Возврат по перерасходованному бюджету не уменьшает его ниже потраченного.
	require.NoError(t, f.escrow.Refund(ctx, first, sponsorID, 5000))
	budget, err = f.store.GetBudgetByTask(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), budget.TotalBudget)

	guardian := NewBudgetGuardian(f.store, f.notifier, f.policy, time.UTC, time.Hour)
	report, err := guardian.RunBudgetCheckPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Paused)

	budget, err = f.store.GetBudgetByTask(ctx, first)
	require.NoError(t, err)
	assert.True(t, budget.IsPaused)
	assert.Equal(t, models.TaskStatusPaused, f.store.TaskStatus(first))
}

// failingBudgetStore подменяет UpdateBudget внутри единиц работы.
type failingBudgetStore struct {
	domainrepo.LedgerStore
	err error
}

func (s *failingBudgetStore) WithinTx(ctx context.Context, fn domainrepo.TxFunc) error {
	return s.LedgerStore.WithinTx(ctx, func(ctx context.Context, tx domainrepo.LedgerTx) error {
		return fn(ctx, &failingBudgetTx{LedgerTx: tx, err: s.err})
	})
}

type failingBudgetTx struct {
	domainrepo.LedgerTx
	err error
}

func (t *failingBudgetTx) UpdateBudget(context.Context, *models.TaskBudget) error {
	return t.err
}

func TestEscrowService_Release_BudgetFailureRollsBack(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	sponsorID := f.fundedSponsor(t, 50000)
	workerID := f.worker()
	taskID := uuid.New()

	_, err := f.escrow.Reserve(ctx, sponsorID, 20000, taskID)
	require.NoError(t, err)

	diskErr := errors.New("disk full")
	failing := NewEscrowService(NewLedgerService(&failingBudgetStore{LedgerStore: f.store, err: diskErr}), f.store, f.notifier, f.policy)

	_, _, err = failing.Release(ctx, taskID, sponsorID, workerID, 10000)
	require.ErrorIs(t, err, diskErr)

	e := f.escrowOf(t, sponsorID)
	assert.Equal(t, int64(50000), e.Balance)
	assert.Equal(t, int64(20000), e.ReservedBalance)
	assert.Equal(t, int64(0), e.TotalWithdrawn)
	assert.Equal(t, 0, f.store.WalletCount(workerID))

	budget, err := f.store.GetBudgetByTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), budget.SpentBudget)
	assert.Empty(t, budget.SpendingHistory)

	released, err := f.store.ListFinancialTransactions(ctx, domainrepo.FinancialFilter{Type: models.FinancialTypeEscrowRelease})
	require.NoError(t, err)
	assert.Empty(t, released)
	assert.Equal(t, 0, f.notifier.countEvents(workerID, models.EventTaskPaymentReceived))
}
