package router

import (
	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"

	"github.com/ignatzorin/reward-ledger/internal/config"
	"github.com/ignatzorin/reward-ledger/internal/http/handlers"
	"github.com/ignatzorin/reward-ledger/internal/http/middleware"
	"github.com/ignatzorin/reward-ledger/internal/metrics"
)

// Handlers набор хэндлеров процесса.
type Handlers struct {
	Health *handlers.HealthHandler
	WS     *handlers.WSHandler
	Ledger *handlers.LedgerHandler
}

func SetupRouter(
	cfg *config.Config,
	h Handlers,
	tokens middleware.AccessTokenParser,
	rateLimiter *limiter.Limiter,
) *gin.Engine {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(middleware.ErrorHandler())

	r.GET("/health", h.Health.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")
	api.Use(middleware.RateLimitMiddleware(rateLimiter))

	api.GET("/ws", h.WS.Handle)

	me := api.Group("/me")
	me.Use(middleware.AuthMiddleware(tokens))
	{
		me.GET("/escrow", h.Ledger.EscrowBalance)
		me.GET("/ad-stats", h.Ledger.AdStats)
		me.GET("/transactions", h.Ledger.Transactions)
	}

	return r
}
