package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/migadu/listd/consts"
	"github.com/migadu/listd/mailinglist"
)

func (s *Store) LoadLists(ctx context.Context) ([]*mailinglist.MailingList, error) {
	var lists []*mailinglist.MailingList
	err := s.query(ctx, "load_lists", `SELECT data FROM mailing_lists ORDER BY list_id`, nil,
		func(rows *sql.Rows) error {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				return err
			}
			ml := &mailinglist.MailingList{}
			if err := json.Unmarshal([]byte(raw), ml); err != nil {
				return fmt.Errorf("%w: %v", consts.ErrSerializationFailed, err)
			}
			lists = append(lists, ml)
			return nil
		})
	if err != nil {
		return nil, translate("load lists", err)
	}
	return lists, nil
}

func (s *Store) SaveList(ctx context.Context, ml *mailinglist.MailingList) error {
	raw, err := json.Marshal(ml)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrSerializationFailed, err)
	}
	_, err = s.exec(ctx, "save_list", `
		INSERT INTO mailing_lists (list_id, version, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (list_id) DO UPDATE SET version = excluded.version, data = excluded.data, updated_at = excluded.updated_at
	`, ml.ListID, ml.Version, string(raw), unixNano(time.Now()))
	return translate("save list "+ml.ListID, err)
}

func (s *Store) DeleteList(ctx context.Context, listID string) error {
	n, err := s.exec(ctx, "delete_list", `DELETE FROM mailing_lists WHERE list_id = ?`, listID)
	if err != nil {
		return translate("delete list "+listID, err)
	}
	if n == 0 {
		return fmt.Errorf("delete list %s: %w", listID, consts.ErrDBNotFound)
	}
	return nil
}
