package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/migadu/listd/subscriptions"
)

const pendingColumns = "token, kind, list_id, email, user_id, display_name, delivery_mode, language, owner, state, created_at, updated_at"

func scanPending(row pgx.Row) (*subscriptions.PendingRequest, error) {
	var (
		p                        subscriptions.PendingRequest
		kind, mode, owner, state int16
	)
	if err := row.Scan(&p.Token, &kind, &p.ListID, &p.Email, &p.UserID,
		&p.Record.DisplayName, &mode, &p.Record.Language,
		&owner, &state, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Kind = subscriptions.RequestKind(kind)
	p.Record.Email = p.Email
	p.Record.DeliveryMode = subscriptions.DeliveryMode(mode)
	p.Owner = subscriptions.TokenOwner(owner)
	p.State = subscriptions.RequestState(state)
	return &p, nil
}

func (db *Database) CreatePending(ctx context.Context, p *subscriptions.PendingRequest) error {
	_, err := db.exec(ctx, "create_pending", `
		INSERT INTO pending_requests (`+pendingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, p.Token, int(p.Kind), p.ListID, p.Email, p.UserID,
		p.Record.DisplayName, int(p.Record.DeliveryMode), p.Record.Language,
		int(p.Owner), int(p.State), p.CreatedAt, p.UpdatedAt)
	return translate("create pending request", err)
}

// GetPending reads from the primary: a token is usually looked up right
// after it was written or transitioned.
func (db *Database) GetPending(ctx context.Context, token string) (*subscriptions.PendingRequest, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	p, err := scanPending(db.WritePool.QueryRow(ctx, "SELECT "+pendingColumns+" FROM pending_requests WHERE token = $1", token))
	observe("get_pending", "write", start, err)
	if err != nil {
		return nil, translate("pending request", err)
	}
	return p, nil
}

// TransitionPending is a compare-and-set on the request state. Exactly one
// of several concurrent callers moving the same token out of `from` wins.
func (db *Database) TransitionPending(ctx context.Context, token string, from, to subscriptions.RequestState, owner subscriptions.TokenOwner) (bool, error) {
	n, err := db.exec(ctx, "transition_pending", `
		UPDATE pending_requests SET state = $3, owner = $4, updated_at = now()
		WHERE token = $1 AND state = $2
	`, token, int(from), int(to), int(owner))
	if err != nil {
		return false, translate("transition pending request", err)
	}
	if n == 1 {
		return true, nil
	}

	// Distinguish a lost race from an unknown token.
	var exists bool
	if err := db.WritePool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM pending_requests WHERE token = $1)", token).Scan(&exists); err != nil {
		return false, translate("transition pending request", err)
	}
	if !exists {
		return false, translate("pending request", pgx.ErrNoRows)
	}
	return false, nil
}

func (db *Database) listPending(ctx context.Context, operation, where string, args ...any) ([]*subscriptions.PendingRequest, error) {
	sql := "SELECT " + pendingColumns + " FROM pending_requests WHERE state BETWEEN $1 AND $2 AND " + where +
		" ORDER BY created_at, token"
	args = append([]any{int(subscriptions.StatePendingConfirmation), int(subscriptions.StatePendingConfirmationAndApproval)}, args...)

	var out []*subscriptions.PendingRequest
	err := db.query(ctx, operation, sql, args, func(rows pgx.Rows) error {
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

func (db *Database) ListOlderThan(ctx context.Context, cutoff time.Time) ([]*subscriptions.PendingRequest, error) {
	return db.listPending(ctx, "list_pending_older_than", "created_at < $3", cutoff)
}

func (db *Database) ListPending(ctx context.Context, listID string) ([]*subscriptions.PendingRequest, error) {
	return db.listPending(ctx, "list_pending", "list_id = $3", listID)
}
