package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ignatzorin/reward-ledger/internal/http/handlers/common"
	"github.com/ignatzorin/reward-ledger/internal/models"
	"github.com/ignatzorin/reward-ledger/internal/pkg/apperror"
	"github.com/ignatzorin/reward-ledger/internal/service"
)

// LedgerHandler отдаёт пользователю его балансы и историю. Только чтение:
// изменения денег идут через сервисы вызывающей системы.
type LedgerHandler struct {
	ledger  *service.LedgerService
	escrow  *service.EscrowService
	rewards *service.RewardService
	users   service.UserDirectory
}

// NewLedgerHandler создаёт хэндлер.
func NewLedgerHandler(ledger *service.LedgerService, escrow *service.EscrowService, rewards *service.RewardService, users service.UserDirectory) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, escrow: escrow, rewards: rewards, users: users}
}

// EscrowBalance обрабатывает GET /api/me/escrow.
// Escrow счёт есть только у спонсоров, остальным отвечаем 403 без создания счёта.
func (h *LedgerHandler) EscrowBalance(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	user, err := h.users.Get(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if !user.HasRole(models.RoleSponsor) {
		_ = c.Error(apperror.ErrNotASponsor)
		return
	}

	balance, err := h.escrow.GetBalance(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

// AdStats обрабатывает GET /api/me/ad-stats.
func (h *LedgerHandler) AdStats(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	stats, err := h.rewards.GetAdStats(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Transactions обрабатывает GET /api/me/transactions?limit=&offset=.
func (h *LedgerHandler) Transactions(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	limit, offset := common.GetPagination(c)
	txs, err := h.ledger.ListTransactions(c.Request.Context(), userID, limit, offset)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items":  txs,
		"limit":  limit,
		"offset": offset,
	})
}
