package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/reward-ledger/internal/config"
	"github.com/ignatzorin/reward-ledger/internal/models"
	"github.com/ignatzorin/reward-ledger/internal/repository/memory"
)

type mockNotifier struct {
	mock.Mock
}

// newMockNotifier принимает любые уведомления; проверки делаются через AssertCalled и countEvents.
func newMockNotifier() *mockNotifier {
	m := new(mockNotifier)
	m.On("NotifyUser", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return()
	return m
}

func (m *mockNotifier) NotifyUser(ctx context.Context, userID uuid.UUID, event string, payload any) {
	m.Called(ctx, userID, event, payload)
}

func (m *mockNotifier) countEvents(userID uuid.UUID, event string) int {
	n := 0
	for _, call := range m.Calls {
		if call.Method != "NotifyUser" {
			continue
		}
		if call.Arguments.Get(1).(uuid.UUID) == userID && call.Arguments.String(2) == event {
			n++
		}
	}
	return n
}

type ledgerFixture struct {
	store    *memory.Store
	notifier *mockNotifier
	policy   config.Policy
	ledger   *LedgerService
	escrow   *EscrowService
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	store := memory.NewStore()
	notifier := newMockNotifier()
	policy := config.DefaultPolicy()
	ledger := NewLedgerService(store)
	return &ledgerFixture{
		store:    store,
		notifier: notifier,
		policy:   policy,
		ledger:   ledger,
		escrow:   NewEscrowService(ledger, store, notifier, policy),
	}
}

func (f *ledgerFixture) addUser(status string, roles ...string) uuid.UUID {
	id := uuid.New()
	f.store.PutUser(&models.UserAccount{ID: id, Status: status, Roles: roles})
	return id
}

func (f *ledgerFixture) sponsor() uuid.UUID {
	return f.addUser(models.UserStatusActive, models.RoleSponsor)
}

func (f *ledgerFixture) worker() uuid.UUID {
	return f.addUser(models.UserStatusActive, models.RoleWorker)
}

func (f *ledgerFixture) fundedSponsor(t *testing.T, amount int64) uuid.UUID {
	t.Helper()
	id := f.sponsor()
	_, err := f.escrow.Deposit(context.Background(), id, amount, "pay-"+id.String()[:8])
	require.NoError(t, err)
	return id
}

func (f *ledgerFixture) escrowOf(t *testing.T, sponsorID uuid.UUID) *models.EscrowAccount {
	t.Helper()
	e, err := f.store.GetEscrow(context.Background(), sponsorID)
	require.NoError(t, err)
	return e
}

func (f *ledgerFixture) available(t *testing.T, userID uuid.UUID) int64 {
	t.Helper()
	w, err := f.store.GetWallet(context.Background(), userID)
	require.NoError(t, err)
	return w.AvailableBalance
}
