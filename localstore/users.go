package localstore

import (
	"context"

	"github.com/google/uuid"

	"github.com/migadu/listd/subscriptions"
)

const userColumns = "id, email, display_name, preferred_language, created_at"

func scanUser(row scanner) (*subscriptions.User, error) {
	var (
		u       subscriptions.User
		created int64
	)
	if err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PreferredLanguage, &created); err != nil {
		return nil, err
	}
	u.CreatedAt = fromUnixNano(created)
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*subscriptions.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if err != nil {
		return nil, translate("user "+id.String(), err)
	}
	return u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*subscriptions.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE email = ?", email))
	if err != nil {
		return nil, translate("user "+email, err)
	}
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, u *subscriptions.User) error {
	_, err := s.exec(ctx, "create_user",
		"INSERT INTO users ("+userColumns+") VALUES (?, ?, ?, ?, ?)",
		u.ID, u.Email, u.DisplayName, u.PreferredLanguage, unixNano(u.CreatedAt))
	return translate("create user "+u.Email, err)
}
