package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/migadu/listd/consts"
	"github.com/migadu/listd/helpers"
	"github.com/migadu/listd/mailinglist"
	"github.com/migadu/listd/subscriptions"
)

const memberColumns = "id, list_id, email, role, user_id, display_name, delivery_mode, language, moderation_action, created_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanMember(row scanner) (*subscriptions.Member, error) {
	var (
		m          subscriptions.Member
		role, mode int
		action     sql.NullString
		created    int64
	)
	if err := row.Scan(&m.ID, &m.ListID, &m.Email, &role, &m.UserID, &m.DisplayName,
		&mode, &m.Language, &action, &created); err != nil {
		return nil, err
	}
	m.Role = subscriptions.MemberRole(role)
	m.DeliveryMode = subscriptions.DeliveryMode(mode)
	m.CreatedAt = fromUnixNano(created)
	if action.Valid {
		parsed, err := mailinglist.ParseAction(action.String)
		if err != nil {
			return nil, fmt.Errorf("member %s: %w", m.ID, err)
		}
		m.ModerationAction = &parsed
	}
	return &m, nil
}

func actionColumn(action *mailinglist.Action) sql.NullString {
	if action == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: action.String(), Valid: true}
}

func (s *Store) FindMembers(ctx context.Context, query subscriptions.MemberQuery) ([]*subscriptions.Member, error) {
	var (
		where []string
		args  []any
	)
	if query.Subscriber != "" {
		where = append(where, `LOWER(email) LIKE ? ESCAPE '\'`)
		args = append(args, helpers.WildcardToLike(query.Subscriber))
	}
	if query.ListID != "" {
		where = append(where, "list_id = ?")
		args = append(args, strings.ToLower(query.ListID))
	}
	if query.Role != nil {
		where = append(where, "role = ?")
		args = append(args, int(*query.Role))
	}

	q := "SELECT " + memberColumns + " FROM members"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY list_id, email, role"

	var members []*subscriptions.Member
	err := s.query(ctx, "find_members", q, args, func(rows *sql.Rows) error {
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

func (s *Store) GetMember(ctx context.Context, id uuid.UUID) (*subscriptions.Member, error) {
	m, err := scanMember(s.db.QueryRowContext(ctx, "SELECT "+memberColumns+" FROM members WHERE id = ?", id))
	if err != nil {
		return nil, translate("member "+id.String(), err)
	}
	return m, nil
}

func (s *Store) AddMember(ctx context.Context, m *subscriptions.Member) error {
	_, err := s.exec(ctx, "add_member",
		"INSERT INTO members ("+memberColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		m.ID, m.ListID, m.Email, int(m.Role), m.UserID, m.DisplayName,
		int(m.DeliveryMode), m.Language, actionColumn(m.ModerationAction), unixNano(m.CreatedAt))
	return translate("add member "+m.Email, err)
}

func (s *Store) RemoveMember(ctx context.Context, id uuid.UUID) error {
	n, err := s.exec(ctx, "remove_member", `DELETE FROM members WHERE id = ?`, id)
	if err != nil {
		return translate("remove member "+id.String(), err)
	}
	if n == 0 {
		return fmt.Errorf("member %s: %w", id, consts.ErrDBNotFound)
	}
	return nil
}

func (s *Store) SetModerationAction(ctx context.Context, id uuid.UUID, action *mailinglist.Action) error {
	n, err := s.exec(ctx, "set_moderation_action",
		`UPDATE members SET moderation_action = ? WHERE id = ?`, actionColumn(action), id)
	if err != nil {
		return translate("member "+id.String(), err)
	}
	if n == 0 {
		return fmt.Errorf("member %s: %w", id, consts.ErrDBNotFound)
	}
	return nil
}
