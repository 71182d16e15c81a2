package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ignatzorin/reward-ledger/internal/models"
	"github.com/ignatzorin/reward-ledger/internal/pkg/apperror"
)

// UserRepository справочник пользователей: статус, роли, известные устройства и IP.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository создаёт экземпляр репозитория.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

type userRow struct {
	models.UserAccount
	Roles pq.StringArray `db:"roles"`
}

// Get возвращает пользователя по идентификатору.
func (r *UserRepository) Get(ctx context.Context, userID uuid.UUID) (*models.UserAccount, error) {
	var row userRow
	query := `SELECT id, status, roles, created_at FROM users WHERE id = $1`
	if err := r.db.GetContext(ctx, &row, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.ErrUserNotFound
		}
		return nil, fmt.Errorf("user repository: get %w", err)
	}

	user := row.UserAccount
	user.Roles = []string(row.Roles)

	if err := r.db.SelectContext(ctx, &user.KnownDevices, `SELECT device_id FROM user_devices WHERE user_id = $1 ORDER BY first_seen_at`, userID); err != nil {
		return nil, fmt.Errorf("user repository: known devices %w", err)
	}
	if err := r.db.SelectContext(ctx, &user.KnownIPs, `SELECT ip_address FROM user_ips WHERE user_id = $1 ORDER BY first_seen_at`, userID); err != nil {
		return nil, fmt.Errorf("user repository: known ips %w", err)
	}

	return &user, nil
}
