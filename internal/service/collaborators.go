package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/ignatzorin/reward-ledger/internal/models"
)

// UserDirectory источник статуса и ролей пользователей.
type UserDirectory interface {
	Get(ctx context.Context, userID uuid.UUID) (*models.UserAccount, error)
}

// Notifier доставляет уведомления пользователям. Доставка не влияет на исход операции.
type Notifier interface {
	NotifyUser(ctx context.Context, userID uuid.UUID, event string, payload any)
}

// NopNotifier отбрасывает уведомления.
type NopNotifier struct{}

func (NopNotifier) NotifyUser(context.Context, uuid.UUID, string, any) {}
