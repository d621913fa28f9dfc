package db

import (
	"context"

	"github.com/google/uuid"

	"github.com/migadu/listd/subscriptions"
)

const userColumns = "id, email, display_name, preferred_language, created_at"

func (db *Database) GetUser(ctx context.Context, id uuid.UUID) (*subscriptions.User, error) {
	var u subscriptions.User
	err := db.queryRow(ctx, "get_user", "SELECT "+userColumns+" FROM users WHERE id = $1", []any{id},
		&u.ID, &u.Email, &u.DisplayName, &u.PreferredLanguage, &u.CreatedAt)
	if err != nil {
		return nil, translate("user "+id.String(), err)
	}
	return &u, nil
}

func (db *Database) GetUserByEmail(ctx context.Context, email string) (*subscriptions.User, error) {
	var u subscriptions.User
	err := db.queryRow(ctx, "get_user_by_email", "SELECT "+userColumns+" FROM users WHERE LOWER(email) = LOWER($1)", []any{email},
		&u.ID, &u.Email, &u.DisplayName, &u.PreferredLanguage, &u.CreatedAt)
	if err != nil {
		return nil, translate("user "+email, err)
	}
	return &u, nil
}

func (db *Database) CreateUser(ctx context.Context, u *subscriptions.User) error {
	_, err := db.exec(ctx, "create_user",
		"INSERT INTO users ("+userColumns+") VALUES ($1, $2, $3, $4, $5)",
		u.ID, u.Email, u.DisplayName, u.PreferredLanguage, u.CreatedAt)
	return translate("create user "+u.Email, err)
}
