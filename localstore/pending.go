package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/migadu/listd/consts"
	"github.com/migadu/listd/subscriptions"
)

const pendingColumns = "token, kind, list_id, email, user_id, display_name, delivery_mode, language, owner, state, created_at, updated_at"

func scanPending(row scanner) (*subscriptions.PendingRequest, error) {
	var (
		p                        subscriptions.PendingRequest
		kind, mode, owner, state int
		userID                   sql.NullString
		created, updated         int64
	)
	if err := row.Scan(&p.Token, &kind, &p.ListID, &p.Email, &userID,
		&p.Record.DisplayName, &mode, &p.Record.Language,
		&owner, &state, &created, &updated); err != nil {
		return nil, err
	}
	if userID.Valid {
		id, err := uuid.Parse(userID.String)
		if err != nil {
			return nil, fmt.Errorf("pending request %s: bad user id: %w", p.Token, err)
		}
		p.UserID = &id
	}
	p.Kind = subscriptions.RequestKind(kind)
	p.Record.Email = p.Email
	p.Record.DeliveryMode = subscriptions.DeliveryMode(mode)
	p.Owner = subscriptions.TokenOwner(owner)
	p.State = subscriptions.RequestState(state)
	p.CreatedAt, p.UpdatedAt = fromUnixNano(created), fromUnixNano(updated)
	return &p, nil
}

func (s *Store) CreatePending(ctx context.Context, p *subscriptions.PendingRequest) error {
	var userID sql.NullString
	if p.UserID != nil {
		userID = sql.NullString{String: p.UserID.String(), Valid: true}
	}
	_, err := s.exec(ctx, "create_pending",
		"INSERT INTO pending_requests ("+pendingColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		p.Token, int(p.Kind), p.ListID, p.Email, userID,
		p.Record.DisplayName, int(p.Record.DeliveryMode), p.Record.Language,
		int(p.Owner), int(p.State), unixNano(p.CreatedAt), unixNano(p.UpdatedAt))
	return translate("create pending request", err)
}

func (s *Store) GetPending(ctx context.Context, token string) (*subscriptions.PendingRequest, error) {
	p, err := scanPending(s.db.QueryRowContext(ctx, "SELECT "+pendingColumns+" FROM pending_requests WHERE token = ?", token))
	if err != nil {
		return nil, translate("pending request", err)
	}
	return p, nil
}

// TransitionPending is a compare-and-set on the request state.
func (s *Store) TransitionPending(ctx context.Context, token string, from, to subscriptions.RequestState, owner subscriptions.TokenOwner) (bool, error) {
	n, err := s.exec(ctx, "transition_pending",
		`UPDATE pending_requests SET state = ?, owner = ?, updated_at = ? WHERE token = ? AND state = ?`,
		int(to), int(owner), unixNano(time.Now()), token, int(from))
	if err != nil {
		return false, translate("transition pending request", err)
	}
	if n == 1 {
		return true, nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_requests WHERE token = ?`, token).Scan(&exists); err != nil {
		return false, translate("transition pending request", err)
	}
	if exists == 0 {
		return false, fmt.Errorf("pending request: %w", consts.ErrDBNotFound)
	}
	return false, nil
}

func (s *Store) listPending(ctx context.Context, operation, where string, arg any) ([]*subscriptions.PendingRequest, error) {
	q := "SELECT " + pendingColumns + " FROM pending_requests WHERE state BETWEEN ? AND ? AND " + where +
		" ORDER BY created_at, token"
	args := []any{int(subscriptions.StatePendingConfirmation), int(subscriptions.StatePendingConfirmationAndApproval), arg}

	var out []*subscriptions.PendingRequest
	err := s.query(ctx, operation, q, args, func(rows *sql.Rows) error {
		p, err := scanPending(rows)
		if err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, translate("list pending requests", err)
	}
	return out, nil
}

func (s *Store) ListOlderThan(ctx context.Context, cutoff time.Time) ([]*subscriptions.PendingRequest, error) {
	return s.listPending(ctx, "list_pending_older_than", "created_at < ?", unixNano(cutoff))
}

func (s *Store) ListPending(ctx context.Context, listID string) ([]*subscriptions.PendingRequest, error) {
	return s.listPending(ctx, "list_pending", "list_id = ?", listID)
}
