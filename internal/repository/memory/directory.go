package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/reward-ledger/internal/models"
	"github.com/ignatzorin/reward-ledger/internal/pkg/apperror"
)

// Get возвращает пользователя из справочника вместе с известными устройствами и IP.
func (s *Store) Get(_ context.Context, userID uuid.UUID) (*models.UserAccount, error) {
	st, unlock := s.read()
	defer unlock()
	u, ok := st.users[userID]
	if !ok {
		return nil, apperror.ErrUserNotFound
	}
	return cloneUser(u), nil
}

// PutUser добавляет или заменяет пользователя в справочнике.
func (s *Store) PutUser(user *models.UserAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneUser(user)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if cp.Status == "" {
		cp.Status = models.UserStatusActive
	}
	for _, d := range user.KnownDevices {
		s.state.devices[user.ID] = appendUnique(s.state.devices[user.ID], d)
	}
	for _, ip := range user.KnownIPs {
		s.state.ips[user.ID] = appendUnique(s.state.ips[user.ID], ip)
	}
	cp.KnownDevices = append([]string(nil), s.state.devices[user.ID]...)
	cp.KnownIPs = append([]string(nil), s.state.ips[user.ID]...)
	s.state.users[user.ID] = cp
}

// Create сохраняет уведомление.
func (s *Store) Create(_ context.Context, n *models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	s.state.notifications = append(s.state.notifications, *n)
	return nil
}

// Notifications возвращает сохранённые уведомления пользователя.
func (s *Store) Notifications(userID uuid.UUID) []models.Notification {
	st, unlock := s.read()
	defer unlock()
	var out []models.Notification
	for _, n := range st.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}
