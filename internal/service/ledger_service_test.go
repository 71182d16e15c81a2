package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainrepo "github.com/ignatzorin/reward-ledger/internal/domain/repository"
	"github.com/ignatzorin/reward-ledger/internal/models"
	"github.com/ignatzorin/reward-ledger/internal/pkg/apperror"
)

func TestLedgerService_CreateWallet_Concurrent(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := f.ledger.CreateWallet(ctx, userID)
			require.NoError(t, err)
			ids[i] = w.ID
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.store.WalletCount(userID))
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestLedgerService_CreditDebit(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	credit, err := f.ledger.CreditWallet(ctx, userID, 500, models.TxMeta{
		Type:            models.TransactionTypeDailyBonus,
		Description:     "Бонус",
		LifetimeEarning: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), credit.BalanceBefore)
	assert.Equal(t, int64(500), credit.BalanceAfter)
	assert.Equal(t, models.TransactionStatusCompleted, credit.Status)
	require.NotNil(t, credit.Description)
	assert.Equal(t, "Бонус", *credit.Description)

	debit, err := f.ledger.DebitWallet(ctx, userID, 200, models.TxMeta{Type: models.TransactionTypeWithdrawal})
	require.NoError(t, err)
	assert.Equal(t, int64(-200), debit.Amount)
	assert.Equal(t, int64(500), debit.BalanceBefore)
	assert.Equal(t, int64(300), debit.BalanceAfter)

	wallet, err := f.store.GetWallet(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), wallet.AvailableBalance)
	assert.Equal(t, int64(500), wallet.LifetimeEarnings)
	assert.Equal(t, int64(200), wallet.LifetimeSpending)
}

func TestLedgerService_Debit_InsufficientFunds(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := f.ledger.CreditWallet(ctx, userID, 100, models.TxMeta{Type: models.TransactionTypeTopup})
	require.NoError(t, err)

	_, err = f.ledger.DebitWallet(ctx, userID, 101, models.TxMeta{Type: models.TransactionTypeWithdrawal})
	assert.ErrorIs(t, err, apperror.ErrInsufficientFunds)

	assert.Equal(t, int64(100), f.available(t, userID))
	txs, err := f.ledger.ListTransactions(ctx, userID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestLedgerService_RejectsBadInput(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := f.ledger.CreditWallet(ctx, userID, 0, models.TxMeta{Type: models.TransactionTypeTopup})
	assert.ErrorIs(t, err, apperror.ErrInvalidAmount)

	_, err = f.ledger.DebitWallet(ctx, userID, -5, models.TxMeta{Type: models.TransactionTypeWithdrawal})
	assert.ErrorIs(t, err, apperror.ErrInvalidAmount)

	_, err = f.ledger.CreditWallet(ctx, userID, 10, models.TxMeta{Type: "gift"})
	assert.True(t, apperror.IsValidation(err))

	assert.Equal(t, 0, f.store.WalletCount(userID))
}

func TestLedgerService_ListTransactions_Pagination(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.ledger.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	for i := 1; i <= 25; i++ {
		_, err := f.ledger.CreditWallet(ctx, userID, int64(i), models.TxMeta{Type: models.TransactionTypeTopup})
		require.NoError(t, err)
	}

	page, err := f.ledger.ListTransactions(ctx, userID, 0, 0)
	require.NoError(t, err)
	require.Len(t, page, 20)
	assert.Equal(t, int64(25), page[0].Amount, "новые транзакции идут первыми")

	tail, err := f.ledger.ListTransactions(ctx, userID, 10, 20)
	require.NoError(t, err)
	require.Len(t, tail, 5)
	assert.Equal(t, int64(1), tail[4].Amount)
}

func TestLedgerService_UpdateTransactionStatus(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	pendingID := uuid.New()

	err := f.store.WithinTx(ctx, func(ctx context.Context, tx domainrepo.LedgerTx) error {
		w, err := tx.GetOrCreateWalletForUpdate(ctx, userID, models.DefaultCurrency)
		if err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, &models.Transaction{
			ID:       pendingID,
			WalletID: w.ID,
			UserID:   userID,
			Type:     models.TransactionTypeWithdrawal,
			Amount:   -100,
			Status:   models.TransactionStatusPending,
		})
	})
	require.NoError(t, err)

	updated, err := f.ledger.UpdateTransactionStatus(ctx, pendingID, models.TransactionStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusCompleted, updated.Status)
	assert.NotNil(t, updated.CompletedAt)

	_, err = f.ledger.UpdateTransactionStatus(ctx, pendingID, models.TransactionStatusFailed)
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)

	_, err = f.ledger.UpdateTransactionStatus(ctx, uuid.New(), models.TransactionStatusFailed)
	assert.True(t, apperror.IsNotFound(err))
}

func TestLedgerService_AppendFinancialTransaction(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, f.ledger.AppendFinancialTransaction(ctx, &models.FinancialTransaction{
		ID:     uuid.New(),
		Type:   models.FinancialTypeBonusPayment,
		Amount: 300,
		UserID: &userID,
	}))

	records, err := f.store.ListFinancialTransactions(ctx, domainrepo.FinancialFilter{UserID: &userID})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.FinancialTypeBonusPayment, records[0].Type)
	assert.False(t, records[0].CreatedAt.IsZero())
}

func TestLedgerService_CreditWallet_ConcurrentFirstTouch(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.CreditWallet(ctx, userID, 10, models.TxMeta{Type: models.TransactionTypeReferralBonus})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.store.WalletCount(userID))
	assert.Equal(t, int64(100), f.available(t, userID))
}
