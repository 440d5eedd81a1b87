package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"portalchat/internal/domain"
)

type UserRepo struct {
	db *DB
}

func NewUserRepo(db *DB) *UserRepo {
	return &UserRepo{db: db}
}

var _ domain.UserRepository = (*UserRepo)(nil)

const userColumns = `id, username, display_name, email, hashed_password, role, avatar_url, status,
	timezone, locale, is_active, is_online, created_at, last_seen`

func (r *UserRepo) Create(ctx context.Context, u *domain.User) error {
	now := time.Now().UTC()
	if u.Role == "" {
		u.Role = domain.RoleStudent
	}
	err := r.db.queryRow(ctx, r.db, `
		INSERT INTO users (username, display_name, email, hashed_password, role, avatar_url, status,
			timezone, locale, is_active, is_online, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, u.Username, u.DisplayName, u.Email, u.HashedPassword, string(u.Role), u.AvatarURL, u.Status,
		u.Timezone, u.Locale, true, false, now, now,
	).Scan(&u.ID)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	u.IsActive = true
	u.CreatedAt = now
	u.LastSeen = now
	return nil
}

func (r *UserRepo) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	u, err := selectOne[domain.User](ctx, r.db, r.db,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, err
}

func (r *UserRepo) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	u, err := selectOne[domain.User](ctx, r.db, r.db,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("get user by username: %w", err)
	}
	return u, err
}

func (r *UserRepo) ListByIDs(ctx context.Context, ids []int64) ([]*domain.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in, args := inClause(ids)
	users, err := selectAll[domain.User](ctx, r.db, r.db,
		`SELECT `+userColumns+` FROM users WHERE id IN `+in+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

func (r *UserRepo) SetOnlineStatus(ctx context.Context, id int64, isOnline bool, at time.Time) error {
	_, err := r.db.exec(ctx, r.db,
		`UPDATE users SET is_online = ?, last_seen = ? WHERE id = ?`,
		isOnline, at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set online status: %w", err)
	}
	return nil
}
