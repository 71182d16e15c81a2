package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	domainrepo "github.com/ignatzorin/reward-ledger/internal/domain/repository"
	"github.com/ignatzorin/reward-ledger/internal/models"
	"github.com/ignatzorin/reward-ledger/internal/pkg/apperror"
	"github.com/ignatzorin/reward-ledger/internal/repository/common"
)

const (
	walletColumns = `id, user_id, available_balance, pending_balance, escrow_balance,
		lifetime_earnings, lifetime_spending, currency, created_at, updated_at`
	escrowColumns = `id, sponsor_id, balance, reserved_balance, total_deposited, total_withdrawn,
		total_refunded, currency, status, created_at, updated_at`
	budgetColumns = `id, task_id, sponsor_id, total_budget, spent_budget, daily_limit, daily_limit_notified_at, alert_thresholds,
		auto_pause_enabled, auto_pause_threshold, is_paused, paused_at, pause_reason, spending_history,
		created_at, updated_at`
	transactionColumns = `id, wallet_id, user_id, type, amount, balance_before, balance_after, status,
		description, reference_type, reference_id, metadata, created_at, completed_at`
	rewardColumns = `id, user_id, task_id, reward_amount, platform, device_id, ip_address, ad_unit_id,
		verified, fraud_score, transaction_id, metadata, created_at`
)

// LedgerRepository хранилище леджера в PostgreSQL.
// Изменения выполняются в транзакциях с блокировкой строк SELECT ... FOR UPDATE.
type LedgerRepository struct {
	db *sqlx.DB
	activityQueries
}

var _ domainrepo.LedgerStore = (*LedgerRepository)(nil)

// NewLedgerRepository создаёт экземпляр репозитория.
func NewLedgerRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db, activityQueries: activityQueries{q: db}}
}

// WithinTx выполняет fn в одной транзакции БД.
func (r *LedgerRepository) WithinTx(ctx context.Context, fn domainrepo.TxFunc) error {
	return common.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		return fn(ctx, &ledgerTx{tx: tx, activityQueries: activityQueries{q: tx}})
	})
}

// GetWallet возвращает кошелёк пользователя.
func (r *LedgerRepository) GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	return common.GetByField[models.Wallet](ctx, r.db, "wallets", "user_id", userID, apperror.ErrWalletNotFound)
}

// GetEscrow возвращает escrow счёт спонсора.
func (r *LedgerRepository) GetEscrow(ctx context.Context, sponsorID uuid.UUID) (*models.EscrowAccount, error) {
	return common.GetByField[models.EscrowAccount](ctx, r.db, "escrow_accounts", "sponsor_id", sponsorID, apperror.ErrEscrowNotFound)
}

// GetBudgetByTask возвращает бюджет задачи.
func (r *LedgerRepository) GetBudgetByTask(ctx context.Context, taskID uuid.UUID) (*models.TaskBudget, error) {
	return common.GetByField[models.TaskBudget](ctx, r.db, "task_budgets", "task_id", taskID, apperror.ErrBudgetNotFound)
}

// ListTransactions возвращает транзакции пользователя с пагинацией.
func (r *LedgerRepository) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	var txs []models.Transaction
	if err := r.db.SelectContext(ctx, &txs, query, userID, limit, offset); err != nil {
		return nil, fmt.Errorf("ledger repository: list transactions %w", common.MapDBError(err))
	}
	return txs, nil
}

// ListFinancialTransactions возвращает журнал финансовых операций по фильтру.
func (r *LedgerRepository) ListFinancialTransactions(ctx context.Context, filter domainrepo.FinancialFilter) ([]models.FinancialTransaction, error) {
	query := `SELECT id, type, amount, user_id, task_id, escrow_id, metadata, created_at
		FROM financial_transactions WHERE 1=1`
	args := []interface{}{}
	argIndex := 1

	if filter.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIndex)
		args = append(args, filter.Type)
		argIndex++
	}
	if filter.UserID != nil {
		query += fmt.Sprintf(" AND user_id = $%d", argIndex)
		args = append(args, *filter.UserID)
		argIndex++
	}
	if filter.TaskID != nil {
		query += fmt.Sprintf(" AND task_id = $%d", argIndex)
		args = append(args, *filter.TaskID)
		argIndex++
	}
	if filter.EscrowID != nil {
		query += fmt.Sprintf(" AND escrow_id = $%d", argIndex)
		args = append(args, *filter.EscrowID)
		argIndex++
	}

	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
	}

	var items []models.FinancialTransaction
	if err := r.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("ledger repository: list financial transactions %w", common.MapDBError(err))
	}
	return items, nil
}

// ListUnpausedBudgetIDs возвращает бюджеты, которые не на паузе.
func (r *LedgerRepository) ListUnpausedBudgetIDs(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	if err := r.db.SelectContext(ctx, &ids, `SELECT id FROM task_budgets WHERE is_paused = FALSE ORDER BY created_at, id`); err != nil {
		return nil, fmt.Errorf("ledger repository: list unpaused budgets %w", common.MapDBError(err))
	}
	return ids, nil
}

// activityQueries запросы истории наград, общие для чтения вне и внутри транзакции.
type activityQueries struct {
	q sqlx.ExtContext
}

func (a activityQueries) LastRewardAt(ctx context.Context, userID uuid.UUID) (*time.Time, error) {
	var at sql.NullTime
	if err := sqlx.GetContext(ctx, a.q, &at, `SELECT MAX(created_at) FROM ad_rewards WHERE user_id = $1`, userID); err != nil {
		return nil, fmt.Errorf("ledger repository: last reward %w", common.MapDBError(err))
	}
	if !at.Valid {
		return nil, nil
	}
	return &at.Time, nil
}

func (a activityQueries) ListRewardsSince(ctx context.Context, userID uuid.UUID, since time.Time, limit int) ([]models.AdMobReward, error) {
	query := `SELECT ` + rewardColumns + ` FROM ad_rewards
		WHERE user_id = $1 AND created_at >= $2
		ORDER BY created_at DESC`
	args := []interface{}{userID, since}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	var rewards []models.AdMobReward
	if err := sqlx.SelectContext(ctx, a.q, &rewards, query, args...); err != nil {
		return nil, fmt.Errorf("ledger repository: list rewards %w", common.MapDBError(err))
	}
	return rewards, nil
}

func (a activityQueries) CountRewardsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	var count int
	if err := sqlx.GetContext(ctx, a.q, &count, `SELECT COUNT(*) FROM ad_rewards WHERE user_id = $1 AND created_at >= $2`, userID, since); err != nil {
		return 0, fmt.Errorf("ledger repository: count rewards %w", common.MapDBError(err))
	}
	return count, nil
}

func (a activityQueries) SumRewardsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error) {
	var sum int64
	if err := sqlx.GetContext(ctx, a.q, &sum, `SELECT COALESCE(SUM(reward_amount), 0) FROM ad_rewards WHERE user_id = $1 AND created_at >= $2`, userID, since); err != nil {
		return 0, fmt.Errorf("ledger repository: sum rewards %w", common.MapDBError(err))
	}
	return sum, nil
}

func (a activityQueries) KnownDevices(ctx context.Context, userID uuid.UUID) ([]string, error) {
	var devices []string
	if err := sqlx.SelectContext(ctx, a.q, &devices, `SELECT device_id FROM user_devices WHERE user_id = $1 ORDER BY first_seen_at`, userID); err != nil {
		return nil, fmt.Errorf("ledger repository: known devices %w", common.MapDBError(err))
	}
	return devices, nil
}

func (a activityQueries) KnownIPs(ctx context.Context, userID uuid.UUID) ([]string, error) {
	var ips []string
	if err := sqlx.SelectContext(ctx, a.q, &ips, `SELECT ip_address FROM user_ips WHERE user_id = $1 ORDER BY first_seen_at`, userID); err != nil {
		return nil, fmt.Errorf("ledger repository: known ips %w", common.MapDBError(err))
	}
	return ips, nil
}

func (a activityQueries) CountUsersByDevice(ctx context.Context, deviceID string, since time.Time) (int, error) {
	var count int
	if err := sqlx.GetContext(ctx, a.q, &count, `SELECT COUNT(DISTINCT user_id) FROM ad_rewards WHERE device_id = $1 AND created_at >= $2`, deviceID, since); err != nil {
		return 0, fmt.Errorf("ledger repository: count users by device %w", common.MapDBError(err))
	}
	return count, nil
}

func (a activityQueries) CountUsersByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	var count int
	if err := sqlx.GetContext(ctx, a.q, &count, `SELECT COUNT(DISTINCT user_id) FROM ad_rewards WHERE ip_address = $1 AND created_at >= $2`, ip, since); err != nil {
		return 0, fmt.Errorf("ledger repository: count users by ip %w", common.MapDBError(err))
	}
	return count, nil
}

// ledgerTx операции внутри открытой транзакции.
type ledgerTx struct {
	tx *sqlx.Tx
	activityQueries
}

var _ domainrepo.LedgerTx = (*ledgerTx)(nil)

func (t *ledgerTx) GetOrCreateWalletForUpdate(ctx context.Context, userID uuid.UUID, currency string) (*models.Wallet, error) {
	// Первое обращение создаёт кошелёк, параллельные вставки упираются в UNIQUE(user_id).
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO wallets (user_id, currency) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING`,
		userID, currency,
	); err != nil {
		return nil, fmt.Errorf("ledger repository: ensure wallet %w", common.MapDBError(err))
	}

	var wallet models.Wallet
	if err := t.tx.GetContext(ctx, &wallet, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, userID); err != nil {
		return nil, fmt.Errorf("ledger repository: lock wallet %w", common.MapDBError(err))
	}
	return &wallet, nil
}

func (t *ledgerTx) UpdateWallet(ctx context.Context, wallet *models.Wallet) error {
	query := `
		UPDATE wallets
		SET available_balance = $2, pending_balance = $3, escrow_balance = $4,
			lifetime_earnings = $5, lifetime_spending = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	if err := t.tx.QueryRowxContext(ctx, query,
		wallet.ID, wallet.AvailableBalance, wallet.PendingBalance, wallet.EscrowBalance,
		wallet.LifetimeEarnings, wallet.LifetimeSpending,
	).Scan(&wallet.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperror.ErrWalletNotFound
		}
		return fmt.Errorf("ledger repository: update wallet %w", common.MapDBError(err))
	}
	return nil
}

func (t *ledgerTx) InsertTransaction(ctx context.Context, tr *models.Transaction) error {
	if tr.ID == uuid.Nil {
		tr.ID = uuid.New()
	}
	query := `
		INSERT INTO transactions (id, wallet_id, user_id, type, amount, balance_before, balance_after,
			status, description, reference_type, reference_id, metadata, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at
	`
	if err := t.tx.QueryRowxContext(ctx, query,
		tr.ID, tr.WalletID, tr.UserID, tr.Type, tr.Amount, tr.BalanceBefore, tr.BalanceAfter,
		tr.Status, tr.Description, tr.ReferenceType, tr.ReferenceID, tr.Metadata, tr.CompletedAt,
	).Scan(&tr.CreatedAt); err != nil {
		return fmt.Errorf("ledger repository: insert transaction %w", common.MapDBError(err))
	}
	return nil
}

func (t *ledgerTx) GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var tr models.Transaction
	if err := t.tx.GetContext(ctx, &tr, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("ledger repository: lock transaction %w", common.MapDBError(err))
	}
	return &tr, nil
}

func (t *ledgerTx) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status string, completedAt *time.Time) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE transactions SET status = $2, completed_at = $3 WHERE id = $1`, id, status, completedAt)
	if err != nil {
		return fmt.Errorf("ledger repository: update transaction status %w", common.MapDBError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.ErrTransactionNotFound
	}
	return nil
}

func (t *ledgerTx) GetOrCreateEscrowForUpdate(ctx context.Context, sponsorID uuid.UUID, currency string) (*models.EscrowAccount, error) {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO escrow_accounts (sponsor_id, currency, status) VALUES ($1, $2, $3) ON CONFLICT (sponsor_id) DO NOTHING`,
		sponsorID, currency, models.EscrowStatusActive,
	); err != nil {
		return nil, fmt.Errorf("ledger repository: ensure escrow %w", common.MapDBError(err))
	}

	var escrow models.EscrowAccount
	if err := t.tx.GetContext(ctx, &escrow, `SELECT `+escrowColumns+` FROM escrow_accounts WHERE sponsor_id = $1 FOR UPDATE`, sponsorID); err != nil {
		return nil, fmt.Errorf("ledger repository: lock escrow %w", common.MapDBError(err))
	}
	return &escrow, nil
}

func (t *ledgerTx) UpdateEscrow(ctx context.Context, escrow *models.EscrowAccount) error {
	query := `
		UPDATE escrow_accounts
		SET balance = $2, reserved_balance = $3, total_deposited = $4, total_withdrawn = $5,
			total_refunded = $6, status = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	if err := t.tx.QueryRowxContext(ctx, query,
		escrow.ID, escrow.Balance, escrow.ReservedBalance, escrow.TotalDeposited, escrow.TotalWithdrawn,
		escrow.TotalRefunded, escrow.Status,
	).Scan(&escrow.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperror.ErrEscrowNotFound
		}
		return fmt.Errorf("ledger repository: update escrow %w", common.MapDBError(err))
	}
	return nil
}

func (t *ledgerTx) AppendFinancialTransaction(ctx context.Context, ft *models.FinancialTransaction) error {
	if ft.ID == uuid.Nil {
		ft.ID = uuid.New()
	}
	query := `
		INSERT INTO financial_transactions (id, type, amount, user_id, task_id, escrow_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`
	if err := t.tx.QueryRowxContext(ctx, query,
		ft.ID, ft.Type, ft.Amount, ft.UserID, ft.TaskID, ft.EscrowID, ft.Metadata,
	).Scan(&ft.CreatedAt); err != nil {
		return fmt.Errorf("ledger repository: append financial transaction %w", common.MapDBError(err))
	}
	return nil
}

func (t *ledgerTx) GetBudgetByTaskForUpdate(ctx context.Context, taskID uuid.UUID) (*models.TaskBudget, error) {
	return t.lockBudget(ctx, "task_id", taskID)
}

func (t *ledgerTx) GetBudgetForUpdate(ctx context.Context, id uuid.UUID) (*models.TaskBudget, error) {
	return t.lockBudget(ctx, "id", id)
}

func (t *ledgerTx) lockBudget(ctx context.Context, field string, value uuid.UUID) (*models.TaskBudget, error) {
	var budget models.TaskBudget
	query := `SELECT ` + budgetColumns + ` FROM task_budgets WHERE ` + field + ` = $1 FOR UPDATE`
	if err := t.tx.GetContext(ctx, &budget, query, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.ErrBudgetNotFound
		}
		return nil, fmt.Errorf("ledger repository: lock budget %w", common.MapDBError(err))
	}
	return &budget, nil
}

func (t *ledgerTx) InsertBudget(ctx context.Context, budget *models.TaskBudget) error {
	if budget.ID == uuid.Nil {
		budget.ID = uuid.New()
	}
	query := `
		INSERT INTO task_budgets (id, task_id, sponsor_id, total_budget, spent_budget, daily_limit,
			alert_thresholds, auto_pause_enabled, auto_pause_threshold, is_paused, paused_at, pause_reason,
			spending_history, daily_limit_notified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at
	`
	if err := t.tx.QueryRowxContext(ctx, query,
		budget.ID, budget.TaskID, budget.SponsorID, budget.TotalBudget, budget.SpentBudget, budget.DailyLimit,
		budget.AlertThresholds, budget.AutoPauseEnabled, budget.AutoPauseThreshold, budget.IsPaused,
		budget.PausedAt, budget.PauseReason, budget.SpendingHistory, budget.DailyLimitNotifiedAt,
	).Scan(&budget.CreatedAt, &budget.UpdatedAt); err != nil {
		return fmt.Errorf("ledger repository: insert budget %w", common.MapDBError(err))
	}
	return nil
}

func (t *ledgerTx) UpdateBudget(ctx context.Context, budget *models.TaskBudget) error {
	query := `
		UPDATE task_budgets
		SET total_budget = $2, spent_budget = $3, daily_limit = $4, alert_thresholds = $5,
			auto_pause_enabled = $6, auto_pause_threshold = $7, is_paused = $8, paused_at = $9,
			pause_reason = $10, spending_history = $11, daily_limit_notified_at = $12, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	if err := t.tx.QueryRowxContext(ctx, query,
		budget.ID, budget.TotalBudget, budget.SpentBudget, budget.DailyLimit, budget.AlertThresholds,
		budget.AutoPauseEnabled, budget.AutoPauseThreshold, budget.IsPaused, budget.PausedAt,
		budget.PauseReason, budget.SpendingHistory, budget.DailyLimitNotifiedAt,
	).Scan(&budget.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperror.ErrBudgetNotFound
		}
		return fmt.Errorf("ledger repository: update budget %w", common.MapDBError(err))
	}
	return nil
}

func (t *ledgerTx) UpdateTaskStatus(ctx context.Context, taskID uuid.UUID, status string) error {
	query := `
		INSERT INTO tasks (id, status) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()
	`
	if _, err := t.tx.ExecContext(ctx, query, taskID, status); err != nil {
		return fmt.Errorf("ledger repository: update task status %w", common.MapDBError(err))
	}
	return nil
}

func (t *ledgerTx) InsertAdReward(ctx context.Context, reward *models.AdMobReward) error {
	if reward.ID == uuid.Nil {
		reward.ID = uuid.New()
	}
	query := `
		INSERT INTO ad_rewards (id, user_id, task_id, reward_amount, platform, device_id, ip_address,
			ad_unit_id, verified, fraud_score, transaction_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	if _, err := t.tx.ExecContext(ctx, query,
		reward.ID, reward.UserID, reward.TaskID, reward.RewardAmount, reward.Platform, reward.DeviceID,
		reward.IPAddress, reward.AdUnitID, reward.Verified, reward.FraudScore, reward.TransactionID,
		reward.Metadata, reward.CreatedAt,
	); err != nil {
		return fmt.Errorf("ledger repository: insert ad reward %w", common.MapDBError(err))
	}
	return nil
}

func (t *ledgerTx) LinkRewardTransaction(ctx context.Context, rewardID, transactionID uuid.UUID) error {
	if _, err := t.tx.ExecContext(ctx, `UPDATE ad_rewards SET transaction_id = $2 WHERE id = $1`, rewardID, transactionID); err != nil {
		return fmt.Errorf("ledger repository: link reward transaction %w", common.MapDBError(err))
	}
	return nil
}

func (t *ledgerTx) AddKnownDevice(ctx context.Context, userID uuid.UUID, deviceID string) error {
	if deviceID == "" {
		return nil
	}
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO user_devices (user_id, device_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, deviceID,
	); err != nil {
		return fmt.Errorf("ledger repository: add known device %w", common.MapDBError(err))
	}
	return nil
}

func (t *ledgerTx) AddKnownIP(ctx context.Context, userID uuid.UUID, ip string) error {
	if ip == "" {
		return nil
	}
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO user_ips (user_id, ip_address) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, ip,
	); err != nil {
		return fmt.Errorf("ledger repository: add known ip %w", common.MapDBError(err))
	}
	return nil
}

func (t *ledgerTx) InsertFraudLog(ctx context.Context, log *models.FraudLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	query := `
		INSERT INTO fraud_logs (id, user_id, action, device_id, ip_address, score, reasons)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`
	if err := t.tx.QueryRowxContext(ctx, query,
		log.ID, log.UserID, log.Action, log.DeviceID, log.IPAddress, log.Score, pq.Array(log.Reasons),
	).Scan(&log.CreatedAt); err != nil {
		return fmt.Errorf("ledger repository: insert fraud log %w", common.MapDBError(err))
	}
	return nil
}
