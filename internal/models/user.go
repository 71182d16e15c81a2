package models

import (
	"time"

	"github.com/google/uuid"
)

// Статусы аккаунта
const (
	UserStatusActive    = "active"
	UserStatusSuspended = "suspended"
	UserStatusBanned    = "banned"
)

// Роли пользователей
const (
	RoleWorker  = "worker"
	RoleSponsor = "sponsor"
	RoleAdmin   = "admin"
)

// UserAccount описывает пользователя с точки зрения леджера: статус, роли и
// известные устройства/IP, на которых он получал награды.
type UserAccount struct {
	ID           uuid.UUID `db:"id" json:"id"`
	Status       string    `db:"status" json:"status"`
	Roles        []string  `db:"-" json:"roles"`
	KnownDevices []string  `db:"-" json:"known_devices,omitempty"`
	KnownIPs     []string  `db:"-" json:"known_ips,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// IsActive сообщает, может ли пользователь совершать операции.
func (u *UserAccount) IsActive() bool {
	return u.Status == UserStatusActive
}

// HasRole проверяет наличие роли.
func (u *UserAccount) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}
