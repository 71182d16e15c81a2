package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/reward-ledger/internal/models"
)

// TxFunc выполняется внутри одной атомарной единицы работы.
type TxFunc func(ctx context.Context, tx LedgerTx) error

// LedgerStore источник истины для балансов. Все изменения проходят через WithinTx:
// либо фиксируются все записи функции, либо ни одна.
type LedgerStore interface {
	WithinTx(ctx context.Context, fn TxFunc) error
	LedgerReader
}

// ActivityReader чтение истории наград для антифрода и статистики.
// Списки наград возвращаются от новых к старым.
type ActivityReader interface {
	LastRewardAt(ctx context.Context, userID uuid.UUID) (*time.Time, error)
	ListRewardsSince(ctx context.Context, userID uuid.UUID, since time.Time, limit int) ([]models.AdMobReward, error)
	CountRewardsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
	SumRewardsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error)
	KnownDevices(ctx context.Context, userID uuid.UUID) ([]string, error)
	KnownIPs(ctx context.Context, userID uuid.UUID) ([]string, error)
	CountUsersByDevice(ctx context.Context, deviceID string, since time.Time) (int, error)
	CountUsersByIP(ctx context.Context, ip string, since time.Time) (int, error)
}

// LedgerReader чтение без блокировок.
type LedgerReader interface {
	ActivityReader
	GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	GetEscrow(ctx context.Context, sponsorID uuid.UUID) (*models.EscrowAccount, error)
	GetBudgetByTask(ctx context.Context, taskID uuid.UUID) (*models.TaskBudget, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Transaction, error)
	ListFinancialTransactions(ctx context.Context, filter FinancialFilter) ([]models.FinancialTransaction, error)
	ListUnpausedBudgetIDs(ctx context.Context) ([]uuid.UUID, error)
}

// LedgerTx операции внутри единицы работы. Методы *ForUpdate блокируют запись
// до конца транзакции.
type LedgerTx interface {
	ActivityReader

	GetOrCreateWalletForUpdate(ctx context.Context, userID uuid.UUID, currency string) (*models.Wallet, error)
	UpdateWallet(ctx context.Context, wallet *models.Wallet) error
	InsertTransaction(ctx context.Context, t *models.Transaction) error
	GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status string, completedAt *time.Time) error

	GetOrCreateEscrowForUpdate(ctx context.Context, sponsorID uuid.UUID, currency string) (*models.EscrowAccount, error)
	UpdateEscrow(ctx context.Context, escrow *models.EscrowAccount) error
	AppendFinancialTransaction(ctx context.Context, ft *models.FinancialTransaction) error

	GetBudgetByTaskForUpdate(ctx context.Context, taskID uuid.UUID) (*models.TaskBudget, error)
	GetBudgetForUpdate(ctx context.Context, id uuid.UUID) (*models.TaskBudget, error)
	InsertBudget(ctx context.Context, budget *models.TaskBudget) error
	UpdateBudget(ctx context.Context, budget *models.TaskBudget) error
	UpdateTaskStatus(ctx context.Context, taskID uuid.UUID, status string) error

	InsertAdReward(ctx context.Context, reward *models.AdMobReward) error
	LinkRewardTransaction(ctx context.Context, rewardID, transactionID uuid.UUID) error
	AddKnownDevice(ctx context.Context, userID uuid.UUID, deviceID string) error
	AddKnownIP(ctx context.Context, userID uuid.UUID, ip string) error
	InsertFraudLog(ctx context.Context, log *models.FraudLog) error
}

// FinancialFilter фильтр журнала финансовых операций.
type FinancialFilter struct {
	Type     string
	UserID   *uuid.UUID
	TaskID   *uuid.UUID
	EscrowID *uuid.UUID
	Limit    int
}
