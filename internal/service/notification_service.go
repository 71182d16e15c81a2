package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/reward-ledger/internal/goroutine"
	"github.com/ignatzorin/reward-ledger/internal/logger"
	"github.com/ignatzorin/reward-ledger/internal/models"
)

const notificationDeliveryTimeout = 10 * time.Second

// NotificationRepository описывает взаимодействие сервиса с хранилищем уведомлений.
type NotificationRepository interface {
	Create(ctx context.Context, notification *models.Notification) error
}

// Broadcaster доставляет событие подключённым клиентам пользователя.
type Broadcaster interface {
	BroadcastToUser(userID uuid.UUID, event string, data any) error
}

// EventPublisher публикует событие во внешнюю шину.
type EventPublisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// NotificationService сохраняет уведомления, отправляет их в WebSocket и публикует в шину.
// Доставка асинхронная: ошибки логируются и не влияют на вызывающую операцию.
type NotificationService struct {
	repo      NotificationRepository
	hub       Broadcaster
	publisher EventPublisher
	handler   *goroutine.RecoveryHandler
	log       *logrus.Entry
}

// NewNotificationService создаёт новый сервис уведомлений. hub и publisher могут быть nil.
func NewNotificationService(repo NotificationRepository, hub Broadcaster, publisher EventPublisher) *NotificationService {
	return &NotificationService{
		repo:      repo,
		hub:       hub,
		publisher: publisher,
		handler:   goroutine.NewRecoveryHandler(logger.RecoveryLogger{}),
		log:       logger.Component("notifications"),
	}
}

// NotifyUser ставит уведомление в доставку и сразу возвращает управление.
func (s *NotificationService) NotifyUser(ctx context.Context, userID uuid.UUID, event string, payload any) {
	// Доставка переживает отмену запроса, но не дольше таймаута.
	base := context.WithoutCancel(ctx)
	s.handler.SafeGo(func() {
		ctx, cancel := context.WithTimeout(base, notificationDeliveryTimeout)
		defer cancel()
		if err := s.Deliver(ctx, userID, event, payload); err != nil {
			s.log.WithFields(logrus.Fields{
				"user_id": userID,
				"event":   event,
				"error":   err,
			}).Warn("не удалось доставить уведомление")
		}
	})
}

// Deliver синхронно сохраняет и рассылает уведомление. Возвращает первую ошибку,
// остальные каналы доставки всё равно пробуются.
func (s *NotificationService) Deliver(ctx context.Context, userID uuid.UUID, event string, payload any) error {
	raw, err := json.Marshal(map[string]interface{}{
		"type": event,
		"data": payload,
	})
	if err != nil {
		return fmt.Errorf("notification service: marshal payload: %w", err)
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	notification := &models.Notification{
		UserID:  userID,
		Event:   event,
		Payload: raw,
	}
	if err := s.repo.Create(ctx, notification); err != nil {
		keep(fmt.Errorf("notification service: save %w", err))
	}

	if s.hub != nil {
		if err := s.hub.BroadcastToUser(userID, event, payload); err != nil {
			keep(fmt.Errorf("notification service: broadcast %w", err))
		}
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, userID.String(), raw); err != nil {
			keep(fmt.Errorf("notification service: publish %w", err))
		}
	}

	return firstErr
}

// Wait дожидается завершения начатых доставок (при остановке сервера и в тестах).
func (s *NotificationService) Wait() {
	s.handler.Wait()
}
