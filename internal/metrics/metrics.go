// Package metrics метрики Prometheus для леджера.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EscrowOperations считает операции escrow по типу и исходу.
	EscrowOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_escrow_operations_total",
		Help: "Escrow operations by kind and outcome",
	}, []string{"operation", "outcome"})

	// EscrowAmount сумма проведённых escrow операций в минимальных единицах.
	EscrowAmount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_escrow_amount_minor_total",
		Help: "Escrow amounts moved in minor units",
	}, []string{"operation"})

	// PlatformCommission сумма удержанной комиссии.
	PlatformCommission = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_platform_commission_minor_total",
		Help: "Platform commission retained in minor units",
	})

	// AdRewards считает попытки начисления наград по исходу.
	AdRewards = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_ad_rewards_total",
		Help: "Ad reward grant attempts by outcome",
	}, []string{"outcome"})

	// AdRewardAmount сумма выданных наград.
	AdRewardAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_ad_reward_amount_minor_total",
		Help: "Ad rewards paid in minor units",
	})

	// FraudScores распределение баллов антифрода.
	FraudScores = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_fraud_score",
		Help:    "Fraud scores of ad watch requests",
		Buckets: []float64{0, 20, 25, 40, 50, 75, 100, 150},
	})

	// BudgetPassDuration длительность прохода контроля бюджетов.
	BudgetPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_budget_pass_duration_seconds",
		Help:    "Budget guardian pass duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// BudgetEvents события контроля бюджетов: пауза, порог, дневной лимит, ошибка.
	BudgetEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_budget_events_total",
		Help: "Budget guardian events by kind",
	}, []string{"event"})

	// TxRetries повторы единиц работы после конфликтов.
	TxRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_tx_retries_total",
		Help: "Units of work retried after a concurrency conflict",
	})

	// WebSocketClients число подключённых WebSocket клиентов.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal считает HTTP запросы.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration длительность HTTP запросов.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Outcome переводит ошибку в метку исхода.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler возвращает HTTP обработчик метрик.
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinMiddleware записывает метрики HTTP запросов. Метка path берётся из шаблона маршрута.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
