package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	domainrepo "github.com/ignatzorin/reward-ledger/internal/domain/repository"
	"github.com/ignatzorin/reward-ledger/internal/models"
	"github.com/ignatzorin/reward-ledger/internal/pkg/apperror"
)

type state struct {
	wallets       map[uuid.UUID]*models.Wallet
	transactions  map[uuid.UUID]*models.Transaction
	escrows       map[uuid.UUID]*models.EscrowAccount
	financial     []models.FinancialTransaction
	budgets       map[uuid.UUID]*models.TaskBudget
	taskBudgets   map[uuid.UUID]uuid.UUID
	taskStatus    map[uuid.UUID]string
	rewards       []models.AdMobReward
	devices       map[uuid.UUID][]string
	ips           map[uuid.UUID][]string
	fraudLogs     []models.FraudLog
	users         map[uuid.UUID]*models.UserAccount
	notifications []models.Notification
}

func newState() *state {
	return &state{
		wallets:      make(map[uuid.UUID]*models.Wallet),
		transactions: make(map[uuid.UUID]*models.Transaction),
		escrows:      make(map[uuid.UUID]*models.EscrowAccount),
		budgets:      make(map[uuid.UUID]*models.TaskBudget),
		taskBudgets:  make(map[uuid.UUID]uuid.UUID),
		taskStatus:   make(map[uuid.UUID]string),
		devices:      make(map[uuid.UUID][]string),
		ips:          make(map[uuid.UUID][]string),
		users:        make(map[uuid.UUID]*models.UserAccount),
	}
}

// clone делает глубокую копию изменяемых записей.
func (s *state) clone() *state {
	c := newState()
	for k, v := range s.wallets {
		cp := *v
		c.wallets[k] = &cp
	}
	for k, v := range s.transactions {
		cp := *v
		c.transactions[k] = &cp
	}
	for k, v := range s.escrows {
		cp := *v
		c.escrows[k] = &cp
	}
	for k, v := range s.budgets {
		c.budgets[k] = cloneBudget(v)
	}
	for k, v := range s.taskBudgets {
		c.taskBudgets[k] = v
	}
	for k, v := range s.taskStatus {
		c.taskStatus[k] = v
	}
	for k, v := range s.devices {
		c.devices[k] = append([]string(nil), v...)
	}
	for k, v := range s.ips {
		c.ips[k] = append([]string(nil), v...)
	}
	for k, v := range s.users {
		c.users[k] = cloneUser(v)
	}
	// Журналы только дополняются, поэтому достаточно ограничить ёмкость копии.
	c.financial = s.financial[:len(s.financial):len(s.financial)]
	c.rewards = append([]models.AdMobReward(nil), s.rewards...)
	c.fraudLogs = s.fraudLogs[:len(s.fraudLogs):len(s.fraudLogs)]
	c.notifications = s.notifications[:len(s.notifications):len(s.notifications)]
	return c
}

func cloneBudget(b *models.TaskBudget) *models.TaskBudget {
	cp := *b
	cp.AlertThresholds = append(models.AlertThresholds(nil), b.AlertThresholds...)
	cp.SpendingHistory = append(models.SpendingHistory(nil), b.SpendingHistory...)
	return &cp
}

func cloneUser(u *models.UserAccount) *models.UserAccount {
	cp := *u
	cp.Roles = append([]string(nil), u.Roles...)
	cp.KnownDevices = append([]string(nil), u.KnownDevices...)
	cp.KnownIPs = append([]string(nil), u.KnownIPs...)
	return &cp
}

func (s *state) budgetByTask(taskID uuid.UUID) (*models.TaskBudget, error) {
	id, ok := s.taskBudgets[taskID]
	if !ok {
		return nil, apperror.ErrBudgetNotFound
	}
	return cloneBudget(s.budgets[id]), nil
}

func (s *state) lastRewardAt(userID uuid.UUID) *time.Time {
	var last *time.Time
	for i := range s.rewards {
		r := &s.rewards[i]
		if r.UserID != userID {
			continue
		}
		if last == nil || r.CreatedAt.After(*last) {
			at := r.CreatedAt
			last = &at
		}
	}
	return last
}

func (s *state) rewardsSince(userID uuid.UUID, since time.Time, limit int) []models.AdMobReward {
	var out []models.AdMobReward
	for _, r := range s.rewards {
		if r.UserID == userID && !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *state) sumRewardsSince(userID uuid.UUID, since time.Time) int64 {
	var sum int64
	for _, r := range s.rewards {
		if r.UserID == userID && !r.CreatedAt.Before(since) {
			sum += r.RewardAmount
		}
	}
	return sum
}

func (s *state) countUsers(match func(*models.AdMobReward) bool, since time.Time) int {
	users := make(map[uuid.UUID]struct{})
	for i := range s.rewards {
		r := &s.rewards[i]
		if !r.CreatedAt.Before(since) && match(r) {
			users[r.UserID] = struct{}{}
		}
	}
	return len(users)
}

// txView реализует LedgerTx поверх рабочей копии состояния.
type txView struct {
	st *state
}

var _ domainrepo.LedgerTx = (*txView)(nil)

func (t *txView) GetOrCreateWalletForUpdate(_ context.Context, userID uuid.UUID, currency string) (*models.Wallet, error) {
	w, ok := t.st.wallets[userID]
	if !ok {
		now := time.Now()
		w = &models.Wallet{
			ID:        uuid.New(),
			UserID:    userID,
			Currency:  currency,
			CreatedAt: now,
			UpdatedAt: now,
		}
		t.st.wallets[userID] = w
	}
	cp := *w
	return &cp, nil
}

func (t *txView) UpdateWallet(_ context.Context, wallet *models.Wallet) error {
	if _, ok := t.st.wallets[wallet.UserID]; !ok {
		return apperror.ErrWalletNotFound
	}
	cp := *wallet
	cp.UpdatedAt = time.Now()
	t.st.wallets[wallet.UserID] = &cp
	return nil
}

func (t *txView) InsertTransaction(_ context.Context, tr *models.Transaction) error {
	if tr.ID == uuid.Nil {
		tr.ID = uuid.New()
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now()
	}
	cp := *tr
	cp.Metadata = tr.Metadata.Clone()
	t.st.transactions[tr.ID] = &cp
	return nil
}

func (t *txView) GetTransactionForUpdate(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	tr, ok := t.st.transactions[id]
	if !ok {
		return nil, apperror.ErrTransactionNotFound
	}
	cp := *tr
	return &cp, nil
}

func (t *txView) UpdateTransactionStatus(_ context.Context, id uuid.UUID, status string, completedAt *time.Time) error {
	tr, ok := t.st.transactions[id]
	if !ok {
		return apperror.ErrTransactionNotFound
	}
	tr.Status = status
	tr.CompletedAt = completedAt
	return nil
}

func (t *txView) GetOrCreateEscrowForUpdate(_ context.Context, sponsorID uuid.UUID, currency string) (*models.EscrowAccount, error) {
	e, ok := t.st.escrows[sponsorID]
	if !ok {
		now := time.Now()
		e = &models.EscrowAccount{
			ID:        uuid.New(),
			SponsorID: sponsorID,
			Currency:  currency,
			Status:    models.EscrowStatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		t.st.escrows[sponsorID] = e
	}
	cp := *e
	return &cp, nil
}

func (t *txView) UpdateEscrow(_ context.Context, escrow *models.EscrowAccount) error {
	if _, ok := t.st.escrows[escrow.SponsorID]; !ok {
		return apperror.ErrEscrowNotFound
	}
	cp := *escrow
	cp.UpdatedAt = time.Now()
	t.st.escrows[escrow.SponsorID] = &cp
	return nil
}

func (t *txView) AppendFinancialTransaction(_ context.Context, ft *models.FinancialTransaction) error {
	if ft.ID == uuid.Nil {
		ft.ID = uuid.New()
	}
	if ft.CreatedAt.IsZero() {
		ft.CreatedAt = time.Now()
	}
	cp := *ft
	cp.Metadata = ft.Metadata.Clone()
	t.st.financial = append(t.st.financial, cp)
	return nil
}

func (t *txView) GetBudgetByTaskForUpdate(_ context.Context, taskID uuid.UUID) (*models.TaskBudget, error) {
	return t.st.budgetByTask(taskID)
}

func (t *txView) GetBudgetForUpdate(_ context.Context, id uuid.UUID) (*models.TaskBudget, error) {
	b, ok := t.st.budgets[id]
	if !ok {
		return nil, apperror.ErrBudgetNotFound
	}
	return cloneBudget(b), nil
}

func (t *txView) InsertBudget(_ context.Context, budget *models.TaskBudget) error {
	if _, exists := t.st.taskBudgets[budget.TaskID]; exists {
		return apperror.New(apperror.ErrCodeConcurrencyConflict, "бюджет задачи уже существует")
	}
	if budget.ID == uuid.Nil {
		budget.ID = uuid.New()
	}
	now := time.Now()
	if budget.CreatedAt.IsZero() {
		budget.CreatedAt = now
	}
	budget.UpdatedAt = now
	t.st.budgets[budget.ID] = cloneBudget(budget)
	t.st.taskBudgets[budget.TaskID] = budget.ID
	return nil
}

func (t *txView) UpdateBudget(_ context.Context, budget *models.TaskBudget) error {
	if _, ok := t.st.budgets[budget.ID]; !ok {
		return apperror.ErrBudgetNotFound
	}
	cp := cloneBudget(budget)
	cp.UpdatedAt = time.Now()
	t.st.budgets[budget.ID] = cp
	return nil
}

func (t *txView) UpdateTaskStatus(_ context.Context, taskID uuid.UUID, status string) error {
	t.st.taskStatus[taskID] = status
	return nil
}

func (t *txView) InsertAdReward(_ context.Context, reward *models.AdMobReward) error {
	if reward.ID == uuid.Nil {
		reward.ID = uuid.New()
	}
	cp := *reward
	cp.Metadata = reward.Metadata.Clone()
	t.st.rewards = append(t.st.rewards, cp)
	return nil
}

func (t *txView) LinkRewardTransaction(_ context.Context, rewardID, transactionID uuid.UUID) error {
	for i := range t.st.rewards {
		if t.st.rewards[i].ID == rewardID {
			id := transactionID
			t.st.rewards[i].TransactionID = &id
			return nil
		}
	}
	return apperror.New(apperror.ErrCodeNotFound, "награда не найдена")
}

func (t *txView) AddKnownDevice(_ context.Context, userID uuid.UUID, deviceID string) error {
	t.st.devices[userID] = appendUnique(t.st.devices[userID], deviceID)
	if u, ok := t.st.users[userID]; ok {
		u.KnownDevices = appendUnique(u.KnownDevices, deviceID)
	}
	return nil
}

func (t *txView) AddKnownIP(_ context.Context, userID uuid.UUID, ip string) error {
	t.st.ips[userID] = appendUnique(t.st.ips[userID], ip)
	if u, ok := t.st.users[userID]; ok {
		u.KnownIPs = appendUnique(u.KnownIPs, ip)
	}
	return nil
}

func (t *txView) InsertFraudLog(_ context.Context, log *models.FraudLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	cp := *log
	cp.Reasons = append([]string(nil), log.Reasons...)
	t.st.fraudLogs = append(t.st.fraudLogs, cp)
	return nil
}

func (t *txView) LastRewardAt(_ context.Context, userID uuid.UUID) (*time.Time, error) {
	return t.st.lastRewardAt(userID), nil
}

func (t *txView) ListRewardsSince(_ context.Context, userID uuid.UUID, since time.Time, limit int) ([]models.AdMobReward, error) {
	return t.st.rewardsSince(userID, since, limit), nil
}

func (t *txView) CountRewardsSince(_ context.Context, userID uuid.UUID, since time.Time) (int, error) {
	return len(t.st.rewardsSince(userID, since, 0)), nil
}

func (t *txView) SumRewardsSince(_ context.Context, userID uuid.UUID, since time.Time) (int64, error) {
	return t.st.sumRewardsSince(userID, since), nil
}

func (t *txView) KnownDevices(_ context.Context, userID uuid.UUID) ([]string, error) {
	return append([]string(nil), t.st.devices[userID]...), nil
}

func (t *txView) KnownIPs(_ context.Context, userID uuid.UUID) ([]string, error) {
	return append([]string(nil), t.st.ips[userID]...), nil
}

func (t *txView) CountUsersByDevice(_ context.Context, deviceID string, since time.Time) (int, error) {
	return t.st.countUsers(func(r *models.AdMobReward) bool { return r.DeviceID == deviceID }, since), nil
}

func (t *txView) CountUsersByIP(_ context.Context, ip string, since time.Time) (int, error) {
	return t.st.countUsers(func(r *models.AdMobReward) bool { return r.IPAddress == ip }, since), nil
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
