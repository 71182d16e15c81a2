package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/reward-ledger/internal/config"
	domainrepo "github.com/ignatzorin/reward-ledger/internal/domain/repository"
	"github.com/ignatzorin/reward-ledger/internal/models"
)

// Причины начисления баллов антифрода.
const (
	FraudReasonWatchedTooFast    = "watched_too_fast"
	FraudReasonTooManyDevices    = "too_many_devices"
	FraudReasonTooManyIPs        = "too_many_ips"
	FraudReasonDailyCapExceeded  = "daily_cap_exceeded"
	FraudReasonSuspiciousPattern = "suspicious_device_ip_pattern"
	RiskReasonSharedDevice       = "device_shared_by_many_users"
	RiskReasonSharedIP           = "ip_shared_by_many_users"
)

const fraudLookback = 24 * time.Hour

// FraudScorer эвристическая проверка запроса на награду. Баллы правил складываются,
// запрос проходит, если сумма ниже порога. Только чтение.
type FraudScorer struct {
	policy       config.FraudPolicy
	maxAdsPerDay int
}

// NewFraudScorer создаёт скорер по политике леджера.
func NewFraudScorer(policy config.Policy) *FraudScorer {
	return &FraudScorer{policy: policy.Fraud, maxAdsPerDay: policy.MaxAdsPerDay}
}

// ScoreAdWatch считает балл для просмотра рекламы пользователем userID с устройства deviceID и адреса ip.
func (f *FraudScorer) ScoreAdWatch(ctx context.Context, reader domainrepo.ActivityReader, userID uuid.UUID, deviceID, ip string, now time.Time) (*models.FraudScore, error) {
	result := &models.FraudScore{Reasons: []string{}}
	add := func(weight int, reason string) {
		result.Score += weight
		result.Reasons = append(result.Reasons, reason)
	}

	last, err := reader.LastRewardAt(ctx, userID)
	if err != nil {
		return nil, err
	}
	if last != nil && now.Sub(*last) < f.policy.MinInterval {
		add(f.policy.WatchedTooFastWeight, FraudReasonWatchedTooFast)
	}

	devices, err := reader.KnownDevices(ctx, userID)
	if err != nil {
		return nil, err
	}
	if distinctWith(devices, deviceID) > f.policy.MaxDevices {
		add(f.policy.TooManyDevicesWeight, FraudReasonTooManyDevices)
	}

	ips, err := reader.KnownIPs(ctx, userID)
	if err != nil {
		return nil, err
	}
	if distinctWith(ips, ip) > f.policy.MaxIPs {
		add(f.policy.TooManyIPsWeight, FraudReasonTooManyIPs)
	}

	since := now.Add(-fraudLookback)
	count, err := reader.CountRewardsSince(ctx, userID, since)
	if err != nil {
		return nil, err
	}
	if count >= f.maxAdsPerDay {
		add(f.policy.DailyCapWeight, FraudReasonDailyCapExceeded)
	}

	recent, err := reader.ListRewardsSince(ctx, userID, since, f.policy.RecentWindow)
	if err != nil {
		return nil, err
	}
	type pair struct{ device, ip string }
	pairs := make(map[pair]struct{}, len(recent))
	for _, r := range recent {
		pairs[pair{r.DeviceID, r.IPAddress}] = struct{}{}
	}
	if len(pairs) > f.policy.MaxRecentPairs {
		add(f.policy.RecentPairsWeight, FraudReasonSuspiciousPattern)
	}

	result.Passed = result.Score < f.policy.RejectThreshold
	return result, nil
}

// distinctWith возвращает число различных значений known вместе с current.
func distinctWith(known []string, current string) int {
	set := make(map[string]struct{}, len(known)+1)
	for _, v := range known {
		set[v] = struct{}{}
	}
	if current != "" {
		set[current] = struct{}{}
	}
	return len(set)
}

// RiskInput данные запроса для расширенной проверки риска.
type RiskInput struct {
	UserID    uuid.UUID
	DeviceID  string
	IPAddress string
	Now       time.Time
}

// RiskChecker расширенная проверка, общая для всех путей выдачи наград.
type RiskChecker interface {
	Check(ctx context.Context, reader domainrepo.ActivityReader, in RiskInput) (models.RiskVerdict, error)
}

// SharedSignalRiskChecker запрещает награду, если устройство или IP за окно
// использовали слишком много разных пользователей.
type SharedSignalRiskChecker struct {
	policy config.RiskPolicy
}

// NewSharedSignalRiskChecker создаёт проверку по политике леджера.
func NewSharedSignalRiskChecker(policy config.Policy) *SharedSignalRiskChecker {
	return &SharedSignalRiskChecker{policy: policy.Risk}
}

func (c *SharedSignalRiskChecker) Check(ctx context.Context, reader domainrepo.ActivityReader, in RiskInput) (models.RiskVerdict, error) {
	verdict := models.RiskVerdict{Allowed: true, Reasons: []string{}}
	since := in.Now.Add(-c.policy.Window)

	if in.DeviceID != "" {
		users, err := reader.CountUsersByDevice(ctx, in.DeviceID, since)
		if err != nil {
			return models.RiskVerdict{}, err
		}
		if users > c.policy.MaxUsersPerDevice {
			verdict.Allowed = false
			verdict.Score += users
			verdict.Reasons = append(verdict.Reasons, RiskReasonSharedDevice)
		}
	}

	if in.IPAddress != "" {
		users, err := reader.CountUsersByIP(ctx, in.IPAddress, since)
		if err != nil {
			return models.RiskVerdict{}, err
		}
		if users > c.policy.MaxUsersPerIP {
			verdict.Allowed = false
			verdict.Score += users
			verdict.Reasons = append(verdict.Reasons, RiskReasonSharedIP)
		}
	}

	return verdict, nil
}
