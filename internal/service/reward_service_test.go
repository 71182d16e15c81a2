package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/reward-ledger/internal/config"
	domainrepo "github.com/ignatzorin/reward-ledger/internal/domain/repository"
	"github.com/ignatzorin/reward-ledger/internal/models"
	"github.com/ignatzorin/reward-ledger/internal/pkg/apperror"
)

type rewardFixture struct {
	*ledgerFixture
	rewards *RewardService
	cache   *CacheService
	clock   time.Time
}

func newRewardFixture(t *testing.T, policy config.Policy, risk RiskChecker) *rewardFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	lf := newLedgerFixture(t)
	f := &rewardFixture{
		ledgerFixture: lf,
		cache:         NewCacheService(ctx),
		clock:         time.Date(2026, 3, 10, 0, 5, 0, 0, time.UTC),
	}
	f.rewards = NewRewardService(lf.ledger, lf.store, lf.notifier, risk, f.cache, policy, time.UTC)
	f.rewards.now = func() time.Time { return f.clock }
	f.cache.now = func() time.Time { return f.clock }
	return f
}

func (f *rewardFixture) watch(userID uuid.UUID) models.AdWatchRequest {
	return models.AdWatchRequest{
		UserID:    userID,
		Platform:  models.PlatformAndroid,
		DeviceID:  "device-1",
		IPAddress: "10.0.0.1",
		AdUnitID:  "ca-app-pub/1",
	}
}

func (f *rewardFixture) insertReward(t *testing.T, r models.AdMobReward) {
	t.Helper()
	err := f.store.WithinTx(context.Background(), func(ctx context.Context, tx domainrepo.LedgerTx) error {
		return tx.InsertAdReward(ctx, &r)
	})
	require.NoError(t, err)
}

type mockRiskChecker struct {
	mock.Mock
}

func (m *mockRiskChecker) Check(ctx context.Context, reader domainrepo.ActivityReader, in RiskInput) (models.RiskVerdict, error) {
	args := m.Called(ctx, reader, in)
	return args.Get(0).(models.RiskVerdict), args.Error(1)
}

func TestRewardService_GrantAdReward_Tiers(t *testing.T) {
	f := newRewardFixture(t, config.DefaultPolicy(), nil)
	ctx := context.Background()
	userID := f.worker()

	var last *models.AdRewardResult
	for i := 1; i <= 50; i++ {
		f.clock = f.clock.Add(2 * time.Minute)
		res, err := f.rewards.GrantAdReward(ctx, f.watch(userID))
		require.NoError(t, err, "просмотр %d", i)
		assert.Equal(t, i, res.Ordinal)
		if i <= 20 {
			assert.Equal(t, int64(60), res.Reward)
		} else {
			assert.Equal(t, int64(55), res.Reward)
		}
		assert.Equal(t, 0, res.FraudScore)
		last = res
	}
	assert.Equal(t, int64(2850), last.NewBalance)
	assert.Equal(t, int64(2850), f.available(t, userID))

	f.clock = f.clock.Add(2 * time.Minute)
	_, err := f.rewards.GrantAdReward(ctx, f.watch(userID))
	assert.ErrorIs(t, err, apperror.ErrDailyLimitReached)
	assert.Len(t, f.store.Rewards(userID), 50)

	stats, err := f.rewards.GetAdStats(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 50, stats.TodayCount)
	assert.Equal(t, 0, stats.RemainingToday)
	assert.Equal(t, int64(2850), stats.TodayEarnings)
	assert.Equal(t, int64(0), stats.NextRewardAmount)

	// На следующий день счётчик начинается заново.
	f.clock = f.clock.Add(25 * time.Hour)
	res, err := f.rewards.GrantAdReward(ctx, f.watch(userID))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ordinal)
	assert.Equal(t, int64(60), res.Reward)
	assert.Equal(t, int64(2910), res.NewBalance)

	assert.Equal(t, 51, f.notifier.countEvents(userID, models.EventAdRewardGranted))
}

func TestRewardService_GrantAdReward_WritesAudit(t *testing.T) {
	f := newRewardFixture(t, config.DefaultPolicy(), nil)
	ctx := context.Background()
	userID := f.worker()

	req := f.watch(userID)
	req.Timestamp = time.Date(2026, 3, 9, 23, 59, 0, 0, time.UTC)
	res, err := f.rewards.GrantAdReward(ctx, req)
	require.NoError(t, err)

	rewards := f.store.Rewards(userID)
	require.Len(t, rewards, 1)
	assert.Equal(t, models.AdMobTaskID, rewards[0].TaskID)
	assert.Equal(t, f.clock, rewards[0].CreatedAt)
	assert.Equal(t, "2026-03-09T23:59:00Z", rewards[0].Metadata["client_timestamp"])
	require.NotNil(t, rewards[0].TransactionID)
	assert.Equal(t, res.TransactionID, *rewards[0].TransactionID)

	revenue, err := f.store.ListFinancialTransactions(ctx, domainrepo.FinancialFilter{Type: models.FinancialTypeAdRevenue})
	require.NoError(t, err)
	require.Len(t, revenue, 1)
	assert.Equal(t, int64(100), revenue[0].Amount)

	expense, err := f.store.ListFinancialTransactions(ctx, domainrepo.FinancialFilter{Type: models.FinancialTypeAdExpense})
	require.NoError(t, err)
	require.Len(t, expense, 1)
	assert.Equal(t, int64(60), expense[0].Amount)

	user, err := f.store.Get(ctx, userID)
	require.NoError(t, err)
	assert.Contains(t, user.KnownDevices, "device-1")
	assert.Contains(t, user.KnownIPs, "10.0.0.1")
}

func TestRewardService_GrantAdReward_FraudRejected(t *testing.T) {
	f := newRewardFixture(t, config.DefaultPolicy(), nil)
	ctx := context.Background()

	userID := uuid.New()
	f.store.PutUser(&models.UserAccount{
		ID:           userID,
		Status:       models.UserStatusActive,
		Roles:        []string{models.RoleWorker},
		KnownDevices: []string{"device-1"},
		KnownIPs:     []string{"ip-1", "ip-2", "ip-3", "ip-4", "ip-5"},
	})
	f.insertReward(t, models.AdMobReward{
		UserID:       userID,
		TaskID:       models.AdMobTaskID,
		RewardAmount: 60,
		DeviceID:     "device-1",
		IPAddress:    "ip-1",
		CreatedAt:    f.clock.Add(-30 * time.Second),
	})

	req := f.watch(userID)
	req.IPAddress = "ip-6"
	_, err := f.rewards.GrantAdReward(ctx, req)
	require.Error(t, err)

	score, reasons, ok := apperror.FraudDetails(err)
	require.True(t, ok)
	assert.Equal(t, 60, score)
	assert.ElementsMatch(t, []string{FraudReasonWatchedTooFast, FraudReasonTooManyIPs}, reasons)

	assert.Equal(t, 0, f.store.WalletCount(userID))
	assert.Len(t, f.store.Rewards(userID), 1)
	assert.Empty(t, f.store.FraudLogs())
	known, err := f.store.KnownIPs(ctx, userID)
	require.NoError(t, err)
	assert.NotContains(t, known, "ip-6")
	assert.Equal(t, 0, f.notifier.countEvents(userID, models.EventAdRewardGranted))
}

func TestRewardService_GrantAdReward_SharedDeviceVeto(t *testing.T) {
	f := newRewardFixture(t, config.DefaultPolicy(), nil)
	ctx := context.Background()
	userID := f.worker()

	for i := 0; i < 4; i++ {
		f.insertReward(t, models.AdMobReward{
			UserID:       uuid.New(),
			TaskID:       models.AdMobTaskID,
			RewardAmount: 60,
			DeviceID:     "shared-device",
			IPAddress:    "10.1.0.1",
			CreatedAt:    f.clock.Add(-time.Hour),
		})
	}

	req := f.watch(userID)
	req.DeviceID = "shared-device"
	_, err := f.rewards.GrantAdReward(ctx, req)
	require.Error(t, err)

	score, reasons, ok := apperror.FraudDetails(err)
	require.True(t, ok)
	assert.Equal(t, 4, score)
	assert.Equal(t, []string{RiskReasonSharedDevice}, reasons)

	logs := f.store.FraudLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, userID, logs[0].UserID)
	assert.Equal(t, "ad_reward", logs[0].Action)
	assert.Equal(t, "shared-device", logs[0].DeviceID)
	assert.Equal(t, 0, f.store.WalletCount(userID))
}

func TestRewardService_GrantAdReward_RiskCheckerError(t *testing.T) {
	risk := new(mockRiskChecker)
	boom := errors.New("risk backend unavailable")
	risk.On("Check", mock.Anything, mock.Anything, mock.Anything).Return(models.RiskVerdict{}, boom)

	f := newRewardFixture(t, config.DefaultPolicy(), risk)
	userID := f.worker()

	_, err := f.rewards.GrantAdReward(context.Background(), f.watch(userID))
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, f.store.FraudLogs())
	risk.AssertExpectations(t)
}

func TestRewardService_GrantAdReward_NegativeMargin(t *testing.T) {
	policy := config.DefaultPolicy()
	policy.RewardTiers = []config.RewardTier{{UpToOrdinal: 50, Amount: 150}}
	f := newRewardFixture(t, policy, nil)
	userID := f.worker()

	_, err := f.rewards.GrantAdReward(context.Background(), f.watch(userID))
	assert.ErrorIs(t, err, apperror.ErrNegativeMargin)
	assert.Equal(t, apperror.ErrCodeConfiguration, apperror.CodeOf(err))
	assert.Empty(t, f.store.Rewards(userID))
	assert.Equal(t, 0, f.store.WalletCount(userID))
}

func TestRewardService_GrantAdReward_Validation(t *testing.T) {
	f := newRewardFixture(t, config.DefaultPolicy(), nil)
	ctx := context.Background()
	userID := f.worker()

	tests := []struct {
		name   string
		mutate func(r *models.AdWatchRequest)
	}{
		{"no user", func(r *models.AdWatchRequest) { r.UserID = uuid.Nil }},
		{"unknown platform", func(r *models.AdWatchRequest) { r.Platform = "symbian" }},
		{"no device", func(r *models.AdWatchRequest) { r.DeviceID = "  " }},
		{"no ip", func(r *models.AdWatchRequest) { r.IPAddress = "" }},
		{"foreign task", func(r *models.AdWatchRequest) { r.TaskID = "survey" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.watch(userID)
			tt.mutate(&req)
			_, err := f.rewards.GrantAdReward(ctx, req)
			assert.True(t, apperror.IsValidation(err), "ожидалась ошибка валидации, получено %v", err)
		})
	}
	assert.Equal(t, 0, f.store.WalletCount(userID))
}

func TestRewardService_GrantAdReward_UserChecks(t *testing.T) {
	f := newRewardFixture(t, config.DefaultPolicy(), nil)
	ctx := context.Background()

	_, err := f.rewards.GrantAdReward(ctx, f.watch(uuid.New()))
	assert.ErrorIs(t, err, apperror.ErrUserNotFound)

	suspended := f.addUser(models.UserStatusSuspended, models.RoleWorker)
	_, err = f.rewards.GrantAdReward(ctx, f.watch(suspended))
	assert.ErrorIs(t, err, apperror.ErrAccountInactive)
	assert.Equal(t, 0, f.store.WalletCount(suspended))
}

func TestRewardService_GetAdStats_InvalidatedAfterGrant(t *testing.T) {
	f := newRewardFixture(t, config.DefaultPolicy(), nil)
	ctx := context.Background()
	userID := f.worker()

	stats, err := f.rewards.GetAdStats(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TodayCount)
	assert.Equal(t, 50, stats.RemainingToday)
	assert.Equal(t, int64(60), stats.NextRewardAmount)

	_, found := f.cache.Get(AdStatsCacheKey(userID, "2026-03-10"))
	require.True(t, found)

	_, err = f.rewards.GrantAdReward(ctx, f.watch(userID))
	require.NoError(t, err)

	stats, err = f.rewards.GetAdStats(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TodayCount)
	assert.Equal(t, 49, stats.RemainingToday)
	assert.Equal(t, int64(60), stats.TodayEarnings)
	assert.Equal(t, int64(60), stats.TotalEarnings)
}

func TestRewardService_ConcurrentGrants(t *testing.T) {
	policy := config.DefaultPolicy()
	policy.Fraud.MinInterval = 0
	f := newRewardFixture(t, policy, nil)
	ctx := context.Background()
	userID := f.worker()

	const workers = 8
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			_, err := f.rewards.GrantAdReward(ctx, f.watch(userID))
			errs <- err
		}()
	}
	for i := 0; i < workers; i++ {
		require.NoError(t, <-errs)
	}

	rewards := f.store.Rewards(userID)
	require.Len(t, rewards, workers)
	assert.Equal(t, int64(workers*60), f.available(t, userID))
}
