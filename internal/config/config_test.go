package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_RewardForOrdinal(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, int64(60), p.RewardForOrdinal(1))
	assert.Equal(t, int64(60), p.RewardForOrdinal(20))
	assert.Equal(t, int64(55), p.RewardForOrdinal(21))
	assert.Equal(t, int64(55), p.RewardForOrdinal(50))
	assert.Equal(t, int64(55), p.RewardForOrdinal(80))

	p.RewardTiers = nil
	assert.Equal(t, int64(0), p.RewardForOrdinal(1))
}

func TestPolicy_Validate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	tests := []struct {
		name   string
		mutate func(p *Policy)
	}{
		{"negative commission", func(p *Policy) { p.CommissionRate = decimal.RequireFromString("-0.1") }},
		{"commission above one", func(p *Policy) { p.CommissionRate = decimal.RequireFromString("1.01") }},
		{"no daily limit", func(p *Policy) { p.MaxAdsPerDay = 0 }},
		{"no tiers", func(p *Policy) { p.RewardTiers = nil }},
		{"negative tier", func(p *Policy) { p.RewardTiers = []RewardTier{{UpToOrdinal: 10, Amount: -1}} }},
		{"unordered tiers", func(p *Policy) {
			p.RewardTiers = []RewardTier{{UpToOrdinal: 20, Amount: 60}, {UpToOrdinal: 20, Amount: 55}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestParseRewardTiers(t *testing.T) {
	tiers, err := parseRewardTiers("50:55, 20:60")
	require.NoError(t, err)
	assert.Equal(t, []RewardTier{{UpToOrdinal: 20, Amount: 60}, {UpToOrdinal: 50, Amount: 55}}, tiers)

	_, err = parseRewardTiers("20-60")
	assert.Error(t, err)
	_, err = parseRewardTiers("x:60")
	assert.Error(t, err)
	_, err = parseRewardTiers("20:y")
	assert.Error(t, err)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("STORAGE_DRIVER", StorageDriverMemory)
	t.Setenv("LEDGER_TIMEZONE", "UTC")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StorageDriverMemory, cfg.StorageDriver)
	assert.NotEmpty(t, cfg.JWTSecret)
	assert.Equal(t, "UTC", cfg.Location.String())
	assert.True(t, cfg.Policy.CommissionRate.Equal(decimal.RequireFromString("0.15")))
	assert.Equal(t, 50, cfg.Policy.MaxAdsPerDay)
	assert.Equal(t, 25, cfg.DBMaxOpenConns)
	assert.Equal(t, 10, cfg.DBMaxIdleConns)
	assert.Equal(t, 30*time.Minute, cfg.DBConnMaxLifetime)
}

func TestLoad_PolicyOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("STORAGE_DRIVER", StorageDriverMemory)
	t.Setenv("COMMISSION_RATE", "0.2")
	t.Setenv("REWARD_TIERS", "10:80,30:40")
	t.Setenv("BUDGET_ALERT_THRESHOLDS", "80,25")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Policy.CommissionRate.Equal(decimal.RequireFromString("0.2")))
	assert.Equal(t, int64(40), cfg.Policy.RewardForOrdinal(11))
	assert.Equal(t, []int{25, 80}, cfg.Policy.DefaultAlertThresholds)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
}

func TestLoad_Rejects(t *testing.T) {
	t.Run("memory storage in production", func(t *testing.T) {
		t.Setenv("APP_ENV", "production")
		t.Setenv("STORAGE_DRIVER", StorageDriverMemory)
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("unknown storage", func(t *testing.T) {
		t.Setenv("STORAGE_DRIVER", "mongo")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("short production secret", func(t *testing.T) {
		t.Setenv("APP_ENV", "production")
		t.Setenv("STORAGE_DRIVER", StorageDriverPostgres)
		t.Setenv("JWT_SECRET", "short")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("idle pool larger than open pool", func(t *testing.T) {
		t.Setenv("APP_ENV", "test")
		t.Setenv("STORAGE_DRIVER", StorageDriverMemory)
		t.Setenv("DB_MAX_OPEN_CONNS", "5")
		t.Setenv("DB_MAX_IDLE_CONNS", "10")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("invalid commission", func(t *testing.T) {
		t.Setenv("APP_ENV", "test")
		t.Setenv("STORAGE_DRIVER", StorageDriverMemory)
		t.Setenv("COMMISSION_RATE", "1.5")
		_, err := Load()
		assert.Error(t, err)
	})
}
