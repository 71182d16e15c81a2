package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/reward-ledger/internal/config"
	domainrepo "github.com/ignatzorin/reward-ledger/internal/domain/repository"
	"github.com/ignatzorin/reward-ledger/internal/logger"
	"github.com/ignatzorin/reward-ledger/internal/metrics"
	"github.com/ignatzorin/reward-ledger/internal/models"
	"github.com/ignatzorin/reward-ledger/internal/pkg/apperror"
)

const fraudActionAdReward = "ad_reward"

// RewardService начисляет награды за просмотр рекламы.
type RewardService struct {
	ledger   *LedgerService
	store    domainrepo.LedgerStore
	users    UserDirectory
	notifier Notifier
	scorer   *FraudScorer
	risk     RiskChecker
	cache    *CacheService
	policy   config.Policy
	loc      *time.Location
	now      func() time.Time
	log      *logrus.Entry
}

// NewRewardService создаёт сервис наград. Если risk не задан, используется проверка
// общих устройств и IP; cache может быть nil.
func NewRewardService(
	ledger *LedgerService,
	users UserDirectory,
	notifier Notifier,
	risk RiskChecker,
	cache *CacheService,
	policy config.Policy,
	loc *time.Location,
) *RewardService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if risk == nil {
		risk = NewSharedSignalRiskChecker(policy)
	}
	if loc == nil {
		loc = time.Local
	}
	return &RewardService{
		ledger:   ledger,
		store:    ledger.Store(),
		users:    users,
		notifier: notifier,
		scorer:   NewFraudScorer(policy),
		risk:     risk,
		cache:    cache,
		policy:   policy,
		loc:      loc,
		now:      time.Now,
		log:      logger.Component("reward"),
	}
}

// GrantAdReward начисляет награду за просмотр. Сумма зависит от порядкового номера
// просмотра за текущие сутки.
func (s *RewardService) GrantAdReward(ctx context.Context, req models.AdWatchRequest) (*models.AdRewardResult, error) {
	result, err := s.grant(ctx, req)
	metrics.AdRewards.WithLabelValues(rewardOutcome(err)).Inc()
	if err != nil {
		entry := s.log.WithFields(logrus.Fields{
			"user_id":   req.UserID,
			"device_id": req.DeviceID,
			"error":     err,
		})
		if apperror.IsExpected(err) {
			entry.Info("награда не начислена")
		} else {
			entry.Error("ошибка начисления награды")
		}
		return nil, err
	}

	metrics.AdRewardAmount.Add(float64(result.Reward))
	if s.cache != nil {
		s.cache.InvalidateUserCache(req.UserID)
	}
	s.log.WithFields(logrus.Fields{
		"user_id": req.UserID,
		"reward":  result.Reward,
		"ordinal": result.Ordinal,
		"balance": result.NewBalance,
	}).Info("награда начислена")

	s.notifier.NotifyUser(ctx, req.UserID, models.EventAdRewardGranted, map[string]interface{}{
		"reward":         result.Reward,
		"new_balance":    result.NewBalance,
		"transaction_id": result.TransactionID,
		"ordinal":        result.Ordinal,
	})
	return result, nil
}

func (s *RewardService) grant(ctx context.Context, req models.AdWatchRequest) (*models.AdRewardResult, error) {
	if err := validateAdWatch(&req); err != nil {
		return nil, err
	}

	user, err := s.users.Get(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive() {
		return nil, apperror.ErrAccountInactive
	}

	now := s.now()
	verdict, err := s.risk.Check(ctx, s.store, RiskInput{
		UserID:    req.UserID,
		DeviceID:  req.DeviceID,
		IPAddress: req.IPAddress,
		Now:       now,
	})
	if err != nil {
		return nil, err
	}
	if !verdict.Allowed {
		s.recordFraud(ctx, req, verdict.Score, verdict.Reasons, now)
		return nil, apperror.NewFraudRejected(verdict.Score, verdict.Reasons)
	}

	var result *models.AdRewardResult
	err = WithRetry(ctx, s.policy.MaxTxRetries, func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx domainrepo.LedgerTx) error {
			r, err := s.grantTx(ctx, tx, req, now)
			result = r
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *RewardService) grantTx(ctx context.Context, tx domainrepo.LedgerTx, req models.AdWatchRequest, now time.Time) (*models.AdRewardResult, error) {
	// Блокировка кошелька упорядочивает параллельные начисления одному пользователю.
	if _, err := tx.GetOrCreateWalletForUpdate(ctx, req.UserID, models.DefaultCurrency); err != nil {
		return nil, err
	}

	todayCount, err := tx.CountRewardsSince(ctx, req.UserID, startOfDay(now, s.loc))
	if err != nil {
		return nil, err
	}
	if todayCount >= s.policy.MaxAdsPerDay {
		return nil, apperror.ErrDailyLimitReached.WithDetails(map[string]interface{}{
			"today_count": todayCount,
			"limit":       s.policy.MaxAdsPerDay,
		})
	}

	score, err := s.scorer.ScoreAdWatch(ctx, tx, req.UserID, req.DeviceID, req.IPAddress, now)
	if err != nil {
		return nil, err
	}
	metrics.FraudScores.Observe(float64(score.Score))
	if !score.Passed {
		return nil, apperror.NewFraudRejected(score.Score, score.Reasons)
	}

	ordinal := todayCount + 1
	amount := s.policy.RewardForOrdinal(ordinal)
	if amount <= 0 {
		return nil, apperror.New(apperror.ErrCodeConfiguration, "ставка награды не задана")
	}
	if margin := s.policy.ExpectedRevenuePerAd - amount; margin < 0 {
		return nil, apperror.ErrNegativeMargin.WithDetails(map[string]interface{}{
			"expected_revenue": s.policy.ExpectedRevenuePerAd,
			"reward":           amount,
		})
	}

	metadata := req.Metadata.Clone()
	if metadata == nil {
		metadata = models.JSONMap{}
	}
	if !req.Timestamp.IsZero() {
		metadata["client_timestamp"] = req.Timestamp.UTC().Format(time.RFC3339)
	}

	reward := &models.AdMobReward{
		ID:           uuid.New(),
		UserID:       req.UserID,
		TaskID:       req.TaskID,
		RewardAmount: amount,
		Platform:     req.Platform,
		DeviceID:     req.DeviceID,
		IPAddress:    req.IPAddress,
		AdUnitID:     optionalString(req.AdUnitID),
		Verified:     true,
		FraudScore:   score.Score,
		Metadata:     metadata,
		CreatedAt:    now,
	}
	if err := tx.InsertAdReward(ctx, reward); err != nil {
		return nil, err
	}

	wallet, t, err := s.ledger.CreditWalletTx(ctx, tx, req.UserID, amount, models.TxMeta{
		Type:            models.TransactionTypeAdMobReward,
		Description:     "Награда за просмотр рекламы",
		ReferenceType:   "ad_reward",
		ReferenceID:     reward.ID.String(),
		Metadata:        models.JSONMap{"ordinal": ordinal, "platform": req.Platform},
		LifetimeEarning: true,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.LinkRewardTransaction(ctx, reward.ID, t.ID); err != nil {
		return nil, err
	}

	records := []*models.FinancialTransaction{
		{
			Type:     models.FinancialTypeAdRevenue,
			Amount:   s.policy.ExpectedRevenuePerAd,
			UserID:   uuidPtr(req.UserID),
			Metadata: models.JSONMap{"reward_id": reward.ID.String(), "platform": req.Platform},
		},
		{
			Type:     models.FinancialTypeAdExpense,
			Amount:   amount,
			UserID:   uuidPtr(req.UserID),
			Metadata: models.JSONMap{"reward_id": reward.ID.String(), "transaction_id": t.ID.String()},
		},
	}
	for _, ft := range records {
		if err := s.ledger.AppendFinancialTx(ctx, tx, ft); err != nil {
			return nil, err
		}
	}

	if err := tx.AddKnownDevice(ctx, req.UserID, req.DeviceID); err != nil {
		return nil, err
	}
	if err := tx.AddKnownIP(ctx, req.UserID, req.IPAddress); err != nil {
		return nil, err
	}

	return &models.AdRewardResult{
		RewardID:      reward.ID,
		Reward:        amount,
		NewBalance:    wallet.AvailableBalance,
		TransactionID: t.ID,
		Ordinal:       ordinal,
		FraudScore:    score.Score,
	}, nil
}

// GetAdStats возвращает статистику просмотров пользователя за сегодня.
func (s *RewardService) GetAdStats(ctx context.Context, userID uuid.UUID) (*models.AdStats, error) {
	now := s.now()
	if s.cache == nil {
		return s.computeStats(ctx, userID, now)
	}

	key := AdStatsCacheKey(userID, now.In(s.loc).Format("2006-01-02"))
	value, err := s.cache.GetOrSet(ctx, key, s.policy.StatsCacheTTL, func(ctx context.Context) (interface{}, error) {
		return s.computeStats(ctx, userID, now)
	})
	if err != nil {
		return nil, err
	}
	stats := *value.(*models.AdStats)
	return &stats, nil
}

func (s *RewardService) computeStats(ctx context.Context, userID uuid.UUID, now time.Time) (*models.AdStats, error) {
	midnight := startOfDay(now, s.loc)

	todayCount, err := s.store.CountRewardsSince(ctx, userID, midnight)
	if err != nil {
		return nil, err
	}
	todayEarnings, err := s.store.SumRewardsSince(ctx, userID, midnight)
	if err != nil {
		return nil, err
	}
	totalEarnings, err := s.store.SumRewardsSince(ctx, userID, time.Time{})
	if err != nil {
		return nil, err
	}

	stats := &models.AdStats{
		TodayCount:    todayCount,
		TodayEarnings: todayEarnings,
		TotalEarnings: totalEarnings,
	}
	if remaining := s.policy.MaxAdsPerDay - todayCount; remaining > 0 {
		stats.RemainingToday = remaining
		stats.NextRewardAmount = s.policy.RewardForOrdinal(todayCount + 1)
	}
	return stats, nil
}

// recordFraud пишет отказ в журнал антифрода отдельной единицей работы.
// Ошибка записи журнала не меняет результат: запрос всё равно отклоняется.
func (s *RewardService) recordFraud(ctx context.Context, req models.AdWatchRequest, score int, reasons []string, now time.Time) {
	entry := &models.FraudLog{
		ID:        uuid.New(),
		UserID:    req.UserID,
		Action:    fraudActionAdReward,
		DeviceID:  req.DeviceID,
		IPAddress: req.IPAddress,
		Score:     score,
		Reasons:   reasons,
		CreatedAt: now,
	}
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domainrepo.LedgerTx) error {
		return tx.InsertFraudLog(ctx, entry)
	})
	fields := logrus.Fields{
		"user_id":   req.UserID,
		"device_id": req.DeviceID,
		"ip":        req.IPAddress,
		"score":     score,
		"reasons":   strings.Join(reasons, ","),
	}
	if err != nil {
		fields["error"] = err
		s.log.WithFields(fields).Error("не удалось записать журнал антифрода")
		return
	}
	s.log.WithFields(fields).Warn("награда отклонена проверкой риска")
}

func validateAdWatch(req *models.AdWatchRequest) error {
	if req.UserID == uuid.Nil {
		return apperror.New(apperror.ErrCodeValidation, "не указан пользователь")
	}
	if req.TaskID == "" {
		req.TaskID = models.AdMobTaskID
	}
	if req.TaskID != models.AdMobTaskID {
		return apperror.New(apperror.ErrCodeValidation, "неизвестная рекламная задача")
	}
	switch req.Platform {
	case models.PlatformAndroid, models.PlatformIOS, models.PlatformWeb:
	default:
		return apperror.New(apperror.ErrCodeValidation, "неизвестная платформа")
	}
	if strings.TrimSpace(req.DeviceID) == "" || strings.TrimSpace(req.IPAddress) == "" {
		return apperror.New(apperror.ErrCodeValidation, "не указаны устройство или IP адрес")
	}
	return nil
}

func rewardOutcome(err error) string {
	if err == nil {
		return "granted"
	}
	if code := apperror.CodeOf(err); code != "" {
		return strings.ToLower(string(code))
	}
	return "error"
}

// startOfDay возвращает полночь дня t в часовом поясе loc.
func startOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
