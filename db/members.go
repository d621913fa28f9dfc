package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/migadu/listd/consts"
	"github.com/migadu/listd/helpers"
	"github.com/migadu/listd/mailinglist"
	"github.com/migadu/listd/subscriptions"
)

const memberColumns = "id, list_id, email, role, user_id, display_name, delivery_mode, language, moderation_action, created_at"

func scanMember(row pgx.Row) (*subscriptions.Member, error) {
	var (
		m          subscriptions.Member
		role, mode int16
		action     *string
	)
	if err := row.Scan(&m.ID, &m.ListID, &m.Email, &role, &m.UserID, &m.DisplayName,
		&mode, &m.Language, &action, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Role, m.DeliveryMode = subscriptions.MemberRole(role), subscriptions.DeliveryMode(mode)
	if action != nil {
		parsed, err := mailinglist.ParseAction(*action)
		if err != nil {
			return nil, fmt.Errorf("member %s: %w", m.ID, err)
		}
		m.ModerationAction = &parsed
	}
	return &m, nil
}

func actionColumn(action *mailinglist.Action) *string {
	if action == nil {
		return nil
	}
	name := action.String()
	return &name
}

// FindMembers returns memberships matching query. The subscriber pattern is
// matched with LIKE after translating "*" wildcards.
func (db *Database) FindMembers(ctx context.Context, query subscriptions.MemberQuery) ([]*subscriptions.Member, error) {
	var (
		where []string
		args  []any
	)
	if query.Subscriber != "" {
		args = append(args, helpers.WildcardToLike(query.Subscriber))
		where = append(where, fmt.Sprintf(`LOWER(email) LIKE $%d ESCAPE '\'`, len(args)))
	}
	if query.ListID != "" {
		args = append(args, strings.ToLower(query.ListID))
		where = append(where, fmt.Sprintf("list_id = $%d", len(args)))
	}
	if query.Role != nil {
		args = append(args, int(*query.Role))
		where = append(where, fmt.Sprintf("role = $%d", len(args)))
	}

	sql := "SELECT " + memberColumns + " FROM members"
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY list_id, email, role"

	var members []*subscriptions.Member
	err := db.query(ctx, "find_members", sql, args, func(rows pgx.Rows) error {
		m, err := scanMember(rows)
		if err != nil {
			return err
		}
		members = append(members, m)
		return nil
	})
	if err != nil {
		return nil, translate("find members", err)
	}
	return members, nil
}

func (db *Database) GetMember(ctx context.Context, id uuid.UUID) (*subscriptions.Member, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	pool := db.GetReadPoolWithContext(ctx)
	m, err := scanMember(pool.QueryRow(ctx, "SELECT "+memberColumns+" FROM members WHERE id = $1", id))
	if err != nil {
		return nil, translate("member "+id.String(), err)
	}
	return m, nil
}

func (db *Database) AddMember(ctx context.Context, m *subscriptions.Member) error {
	_, err := db.exec(ctx, "add_member", `
		INSERT INTO members (`+memberColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, m.ID, m.ListID, m.Email, int(m.Role), m.UserID, m.DisplayName,
		int(m.DeliveryMode), m.Language, actionColumn(m.ModerationAction), m.CreatedAt)
	return translate("add member "+m.Email, err)
}

func (db *Database) RemoveMember(ctx context.Context, id uuid.UUID) error {
	n, err := db.exec(ctx, "remove_member", "DELETE FROM members WHERE id = $1", id)
	if err != nil {
		return translate("remove member "+id.String(), err)
	}
	if n == 0 {
		return fmt.Errorf("member %s: %w", id, consts.ErrDBNotFound)
	}
	return nil
}

func (db *Database) SetModerationAction(ctx context.Context, id uuid.UUID, action *mailinglist.Action) error {
	n, err := db.exec(ctx, "set_moderation_action",
		"UPDATE members SET moderation_action = $2 WHERE id = $1", id, actionColumn(action))
	if err != nil {
		return translate("member "+id.String(), err)
	}
	if n == 0 {
		return fmt.Errorf("member %s: %w", id, consts.ErrDBNotFound)
	}
	return nil
}
