package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/migadu/listd/consts"
	"github.com/migadu/listd/moderation"
)

const heldColumns = "id, list_id, message_id, envelope_from, sender, subject, hit_rules, reasons, content_hash, size, created_at"

func scanHeld(row pgx.Row) (*moderation.HeldMessage, error) {
	var h moderation.HeldMessage
	if err := row.Scan(&h.ID, &h.ListID, &h.MessageID, &h.EnvelopeFrom, &h.Sender, &h.Subject,
		&h.HitRules, &h.Reasons, &h.ContentHash, &h.Size, &h.CreatedAt); err != nil {
		return nil, err
	}
	return &h, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (db *Database) CreateHeld(ctx context.Context, h *moderation.HeldMessage) error {
	_, err := db.exec(ctx, "create_held", `
		INSERT INTO held_messages (`+heldColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, h.ID, h.ListID, h.MessageID, h.EnvelopeFrom, h.Sender, h.Subject,
		nonNil(h.HitRules), nonNil(h.Reasons), h.ContentHash, h.Size, h.CreatedAt)
	return translate("create held message", err)
}

func (db *Database) GetHeld(ctx context.Context, id uuid.UUID) (*moderation.HeldMessage, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	pool := db.GetReadPoolWithContext(ctx)
	h, err := scanHeld(pool.QueryRow(ctx, "SELECT "+heldColumns+" FROM held_messages WHERE id = $1", id))
	if err != nil {
		return nil, translate("held message "+id.String(), err)
	}
	return h, nil
}

func (db *Database) ListHeld(ctx context.Context, listID string) ([]*moderation.HeldMessage, error) {
	var out []*moderation.HeldMessage
	err := db.query(ctx, "list_held",
		"SELECT "+heldColumns+" FROM held_messages WHERE list_id = $1 ORDER BY created_at, id",
		[]any{listID}, func(rows pgx.Rows) error {
			h, err := scanHeld(rows)
			if err != nil {
				return err
			}
			out = append(out, h)
			return nil
		})
	if err != nil {
		return nil, translate("list held messages", err)
	}
	return out, nil
}

func (db *Database) DeleteHeld(ctx context.Context, id uuid.UUID) error {
	n, err := db.exec(ctx, "delete_held", "DELETE FROM held_messages WHERE id = $1", id)
	if err != nil {
		return translate("delete held message", err)
	}
	if n == 0 {
		return fmt.Errorf("held message %s: %w", id, consts.ErrDBNotFound)
	}
	return nil
}
