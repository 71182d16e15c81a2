package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	domainrepo "github.com/ignatzorin/reward-ledger/internal/domain/repository"
	"github.com/ignatzorin/reward-ledger/internal/logger"
	"github.com/ignatzorin/reward-ledger/internal/models"
	"github.com/ignatzorin/reward-ledger/internal/pkg/apperror"
)

// LedgerService базовые операции над кошельками, escrow счетами и журналом платформы.
// Методы с суффиксом Tx работают внутри уже открытой единицы работы и используются
// escrow и reward сервисами, чтобы все записи одной операции фиксировались вместе.
type LedgerService struct {
	store domainrepo.LedgerStore
	now   func() time.Time
	log   *logrus.Entry
}

// NewLedgerService создаёт сервис леджера.
func NewLedgerService(store domainrepo.LedgerStore) *LedgerService {
	return &LedgerService{
		store: store,
		now:   time.Now,
		log:   logger.Component("ledger"),
	}
}

// Store возвращает хранилище, с которым работает сервис.
func (s *LedgerService) Store() domainrepo.LedgerStore {
	return s.store
}

// CreateWallet возвращает кошелёк пользователя, создавая его при первом обращении.
func (s *LedgerService) CreateWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	var wallet *models.Wallet
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domainrepo.LedgerTx) error {
		w, err := tx.GetOrCreateWalletForUpdate(ctx, userID, models.DefaultCurrency)
		if err != nil {
			return err
		}
		wallet = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// CreditWallet зачисляет amount на кошелёк владельца и пишет транзакцию.
func (s *LedgerService) CreditWallet(ctx context.Context, userID uuid.UUID, amount int64, meta models.TxMeta) (*models.Transaction, error) {
	var out *models.Transaction
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domainrepo.LedgerTx) error {
		_, t, err := s.CreditWalletTx(ctx, tx, userID, amount, meta)
		out = t
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DebitWallet списывает amount с кошелька владельца.
// При нехватке средств возвращает ErrInsufficientFunds, кошелёк не меняется.
func (s *LedgerService) DebitWallet(ctx context.Context, userID uuid.UUID, amount int64, meta models.TxMeta) (*models.Transaction, error) {
	var out *models.Transaction
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domainrepo.LedgerTx) error {
		_, t, err := s.DebitWalletTx(ctx, tx, userID, amount, meta)
		out = t
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetOrCreateEscrowAccount возвращает escrow счёт спонсора, создавая активный нулевой при первом обращении.
func (s *LedgerService) GetOrCreateEscrowAccount(ctx context.Context, sponsorID uuid.UUID) (*models.EscrowAccount, error) {
	var escrow *models.EscrowAccount
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domainrepo.LedgerTx) error {
		e, err := tx.GetOrCreateEscrowForUpdate(ctx, sponsorID, models.DefaultCurrency)
		if err != nil {
			return err
		}
		escrow = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return escrow, nil
}

// AppendFinancialTransaction добавляет запись в журнал платформы отдельной единицей работы.
func (s *LedgerService) AppendFinancialTransaction(ctx context.Context, ft *models.FinancialTransaction) error {
	return s.store.WithinTx(ctx, func(ctx context.Context, tx domainrepo.LedgerTx) error {
		return s.AppendFinancialTx(ctx, tx, ft)
	})
}

// ListTransactions возвращает историю транзакций.
func (s *LedgerService) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListTransactions(ctx, userID, limit, offset)
}

// UpdateTransactionStatus переводит транзакцию из pending в финальный статус.
func (s *LedgerService) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status string) (*models.Transaction, error) {
	var out *models.Transaction
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domainrepo.LedgerTx) error {
		t, err := tx.GetTransactionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !models.CanTransitionTransaction(t.Status, status) {
			return apperror.ErrInvalidTransition.WithDetails(map[string]interface{}{
				"from": t.Status,
				"to":   status,
			})
		}

		now := s.now()
		if err := tx.UpdateTransactionStatus(ctx, id, status, &now); err != nil {
			return err
		}
		t.Status = status
		t.CompletedAt = &now
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreditWalletTx зачисляет средства внутри открытой единицы работы.
func (s *LedgerService) CreditWalletTx(ctx context.Context, tx domainrepo.LedgerTx, userID uuid.UUID, amount int64, meta models.TxMeta) (*models.Wallet, *models.Transaction, error) {
	if err := validateTxMeta(amount, meta); err != nil {
		return nil, nil, err
	}

	wallet, err := tx.GetOrCreateWalletForUpdate(ctx, userID, models.DefaultCurrency)
	if err != nil {
		return nil, nil, err
	}

	before := wallet.AvailableBalance
	wallet.AvailableBalance += amount
	if meta.LifetimeEarning {
		wallet.LifetimeEarnings += amount
	}
	if err := tx.UpdateWallet(ctx, wallet); err != nil {
		return nil, nil, err
	}

	t := s.newTransaction(wallet, amount, before, meta)
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return nil, nil, err
	}
	return wallet, t, nil
}

// DebitWalletTx списывает средства внутри открытой единицы работы.
func (s *LedgerService) DebitWalletTx(ctx context.Context, tx domainrepo.LedgerTx, userID uuid.UUID, amount int64, meta models.TxMeta) (*models.Wallet, *models.Transaction, error) {
	if err := validateTxMeta(amount, meta); err != nil {
		return nil, nil, err
	}

	wallet, err := tx.GetOrCreateWalletForUpdate(ctx, userID, models.DefaultCurrency)
	if err != nil {
		return nil, nil, err
	}
	if wallet.AvailableBalance < amount {
		return nil, nil, apperror.ErrInsufficientFunds.WithDetails(map[string]interface{}{
			"available": wallet.AvailableBalance,
			"required":  amount,
		})
	}

	before := wallet.AvailableBalance
	wallet.AvailableBalance -= amount
	wallet.LifetimeSpending += amount
	if err := tx.UpdateWallet(ctx, wallet); err != nil {
		return nil, nil, err
	}

	t := s.newTransaction(wallet, -amount, before, meta)
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return nil, nil, err
	}
	return wallet, t, nil
}

// AppendFinancialTx добавляет запись в журнал платформы внутри открытой единицы работы.
func (s *LedgerService) AppendFinancialTx(ctx context.Context, tx domainrepo.LedgerTx, ft *models.FinancialTransaction) error {
	if ft.CreatedAt.IsZero() {
		ft.CreatedAt = s.now()
	}
	return tx.AppendFinancialTransaction(ctx, ft)
}

func (s *LedgerService) newTransaction(wallet *models.Wallet, amount, before int64, meta models.TxMeta) *models.Transaction {
	now := s.now()
	return &models.Transaction{
		ID:            uuid.New(),
		WalletID:      wallet.ID,
		UserID:        wallet.UserID,
		Type:          meta.Type,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  before + amount,
		Status:        models.TransactionStatusCompleted,
		Description:   optionalString(meta.Description),
		ReferenceType: optionalString(meta.ReferenceType),
		ReferenceID:   optionalString(meta.ReferenceID),
		Metadata:      meta.Metadata.Clone(),
		CreatedAt:     now,
		CompletedAt:   &now,
	}
}

func validateTxMeta(amount int64, meta models.TxMeta) error {
	if amount <= 0 {
		return apperror.ErrInvalidAmount
	}
	if !models.IsValidTransactionType(meta.Type) {
		return apperror.New(apperror.ErrCodeValidation, "неизвестный тип транзакции").WithDetails(map[string]interface{}{
			"type": meta.Type,
		})
	}
	return nil
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func uuidPtr(id uuid.UUID) *uuid.UUID {
	return &id
}
