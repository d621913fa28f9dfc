package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/migadu/listd/consts"
	"github.com/migadu/listd/moderation"
)

const heldColumns = "id, list_id, message_id, envelope_from, sender, subject, hit_rules, reasons, content_hash, size, created_at"

func scanHeld(row scanner) (*moderation.HeldMessage, error) {
	var (
		h             moderation.HeldMessage
		rules, reason string
		created       int64
	)
	if err := row.Scan(&h.ID, &h.ListID, &h.MessageID, &h.EnvelopeFrom, &h.Sender, &h.Subject,
		&rules, &reason, &h.ContentHash, &h.Size, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rules), &h.HitRules); err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrSerializationFailed, err)
	}
	if err := json.Unmarshal([]byte(reason), &h.Reasons); err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrSerializationFailed, err)
	}
	h.CreatedAt = fromUnixNano(created)
	return &h, nil
}

func jsonList(s []string) string {
	if s == nil {
		s = []string{}
	}
	raw, _ := json.Marshal(s)
	return string(raw)
}

func (s *Store) CreateHeld(ctx context.Context, h *moderation.HeldMessage) error {
	_, err := s.exec(ctx, "create_held",
		"INSERT INTO held_messages ("+heldColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		h.ID, h.ListID, h.MessageID, h.EnvelopeFrom, h.Sender, h.Subject,
		jsonList(h.HitRules), jsonList(h.Reasons), h.ContentHash, h.Size, unixNano(h.CreatedAt))
	return translate("create held message", err)
}

func (s *Store) GetHeld(ctx context.Context, id uuid.UUID) (*moderation.HeldMessage, error) {
	h, err := scanHeld(s.db.QueryRowContext(ctx, "SELECT "+heldColumns+" FROM held_messages WHERE id = ?", id))
	if err != nil {
		return nil, translate("held message "+id.String(), err)
	}
	return h, nil
}

func (s *Store) ListHeld(ctx context.Context, listID string) ([]*moderation.HeldMessage, error) {
	var out []*moderation.HeldMessage
	err := s.query(ctx, "list_held",
		"SELECT "+heldColumns+" FROM held_messages WHERE list_id = ? ORDER BY created_at, id",
		[]any{listID}, func(rows *sql.Rows) error {
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

func (s *Store) DeleteHeld(ctx context.Context, id uuid.UUID) error {
	n, err := s.exec(ctx, "delete_held", `DELETE FROM held_messages WHERE id = ?`, id)
	if err != nil {
		return translate("delete held message", err)
	}
	if n == 0 {
		return fmt.Errorf("held message %s: %w", id, consts.ErrDBNotFound)
	}
	return nil
}
