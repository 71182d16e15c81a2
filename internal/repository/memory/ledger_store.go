// Package memory реализует хранилище леджера в памяти процесса.
// Используется в тестах и при STORAGE_DRIVER=memory, данные не переживают перезапуск.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	domainrepo "github.com/ignatzorin/reward-ledger/internal/domain/repository"
	"github.com/ignatzorin/reward-ledger/internal/models"
	"github.com/ignatzorin/reward-ledger/internal/pkg/apperror"
)

// Store хранилище в памяти. Каждая единица работы выполняется под общим мьютексом
// над копией состояния; копия подменяет состояние только при успешном завершении.
type Store struct {
	mu    sync.RWMutex
	state *state
}

var _ domainrepo.LedgerStore = (*Store)(nil)

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{state: newState()}
}

// WithinTx выполняет fn атомарно. Ошибка, panic или отменённый контекст откатывают все изменения.
func (s *Store) WithinTx(ctx context.Context, fn domainrepo.TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, &txView{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *Store) read() (*state, func()) {
	s.mu.RLock()
	return s.state, s.mu.RUnlock
}

// GetWallet возвращает кошелёк пользователя.
func (s *Store) GetWallet(_ context.Context, userID uuid.UUID) (*models.Wallet, error) {
	st, unlock := s.read()
	defer unlock()
	w, ok := st.wallets[userID]
	if !ok {
		return nil, apperror.ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

// GetEscrow возвращает escrow счёт спонсора.
func (s *Store) GetEscrow(_ context.Context, sponsorID uuid.UUID) (*models.EscrowAccount, error) {
	st, unlock := s.read()
	defer unlock()
	e, ok := st.escrows[sponsorID]
	if !ok {
		return nil, apperror.ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

// GetBudgetByTask возвращает бюджет задачи.
func (s *Store) GetBudgetByTask(_ context.Context, taskID uuid.UUID) (*models.TaskBudget, error) {
	st, unlock := s.read()
	defer unlock()
	return st.budgetByTask(taskID)
}

// ListTransactions возвращает транзакции пользователя от новых к старым.
func (s *Store) ListTransactions(_ context.Context, userID uuid.UUID, limit, offset int) ([]models.Transaction, error) {
	st, unlock := s.read()
	defer unlock()

	var out []models.Transaction
	for _, t := range st.transactions {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, limit, offset), nil
}

// ListFinancialTransactions возвращает записи аудита по фильтру от новых к старым.
func (s *Store) ListFinancialTransactions(_ context.Context, filter domainrepo.FinancialFilter) ([]models.FinancialTransaction, error) {
	st, unlock := s.read()
	defer unlock()

	var out []models.FinancialTransaction
	for i := len(st.financial) - 1; i >= 0; i-- {
		ft := st.financial[i]
		if filter.Type != "" && ft.Type != filter.Type {
			continue
		}
		if filter.UserID != nil && (ft.UserID == nil || *ft.UserID != *filter.UserID) {
			continue
		}
		if filter.TaskID != nil && (ft.TaskID == nil || *ft.TaskID != *filter.TaskID) {
			continue
		}
		if filter.EscrowID != nil && (ft.EscrowID == nil || *ft.EscrowID != *filter.EscrowID) {
			continue
		}
		out = append(out, ft)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// ListUnpausedBudgetIDs возвращает идентификаторы бюджетов, которые не на паузе.
func (s *Store) ListUnpausedBudgetIDs(_ context.Context) ([]uuid.UUID, error) {
	st, unlock := s.read()
	defer unlock()

	budgets := make([]*models.TaskBudget, 0, len(st.budgets))
	for _, b := range st.budgets {
		if !b.IsPaused {
			budgets = append(budgets, b)
		}
	}
	sort.Slice(budgets, func(i, j int) bool {
		if budgets[i].CreatedAt.Equal(budgets[j].CreatedAt) {
			return budgets[i].ID.String() < budgets[j].ID.String()
		}
		return budgets[i].CreatedAt.Before(budgets[j].CreatedAt)
	})
	ids := make([]uuid.UUID, len(budgets))
	for i, b := range budgets {
		ids[i] = b.ID
	}
	return ids, nil
}

func (s *Store) LastRewardAt(ctx context.Context, userID uuid.UUID) (*time.Time, error) {
	st, unlock := s.read()
	defer unlock()
	return st.lastRewardAt(userID), nil
}

func (s *Store) ListRewardsSince(ctx context.Context, userID uuid.UUID, since time.Time, limit int) ([]models.AdMobReward, error) {
	st, unlock := s.read()
	defer unlock()
	return st.rewardsSince(userID, since, limit), nil
}

func (s *Store) CountRewardsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	st, unlock := s.read()
	defer unlock()
	return len(st.rewardsSince(userID, since, 0)), nil
}

func (s *Store) SumRewardsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error) {
	st, unlock := s.read()
	defer unlock()
	return st.sumRewardsSince(userID, since), nil
}

func (s *Store) KnownDevices(ctx context.Context, userID uuid.UUID) ([]string, error) {
	st, unlock := s.read()
	defer unlock()
	return append([]string(nil), st.devices[userID]...), nil
}

func (s *Store) KnownIPs(ctx context.Context, userID uuid.UUID) ([]string, error) {
	st, unlock := s.read()
	defer unlock()
	return append([]string(nil), st.ips[userID]...), nil
}

func (s *Store) CountUsersByDevice(ctx context.Context, deviceID string, since time.Time) (int, error) {
	st, unlock := s.read()
	defer unlock()
	return st.countUsers(func(r *models.AdMobReward) bool { return r.DeviceID == deviceID }, since), nil
}

func (s *Store) CountUsersByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	st, unlock := s.read()
	defer unlock()
	return st.countUsers(func(r *models.AdMobReward) bool { return r.IPAddress == ip }, since), nil
}

// FraudLogs возвращает журнал антифрода (для операторских выгрузок и тестов).
func (s *Store) FraudLogs() []models.FraudLog {
	st, unlock := s.read()
	defer unlock()
	return append([]models.FraudLog(nil), st.fraudLogs...)
}

// TaskStatus возвращает статус задачи, выставленный леджером.
func (s *Store) TaskStatus(taskID uuid.UUID) string {
	st, unlock := s.read()
	defer unlock()
	return st.taskStatus[taskID]
}

// Rewards возвращает все награды пользователя.
func (s *Store) Rewards(userID uuid.UUID) []models.AdMobReward {
	st, unlock := s.read()
	defer unlock()
	return st.rewardsSince(userID, time.Time{}, 0)
}

// WalletCount возвращает число кошельков пользователя (всегда 0 или 1).
func (s *Store) WalletCount(userID uuid.UUID) int {
	st, unlock := s.read()
	defer unlock()
	if _, ok := st.wallets[userID]; ok {
		return 1
	}
	return 0
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
