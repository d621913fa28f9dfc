package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/migadu/listd/consts"
	"github.com/migadu/listd/mailinglist"
)

// LoadLists returns every stored list.
func (db *Database) LoadLists(ctx context.Context) ([]*mailinglist.MailingList, error) {
	var lists []*mailinglist.MailingList
	err := db.query(ctx, "load_lists", "SELECT data FROM mailing_lists ORDER BY list_id", nil,
		func(rows pgx.Rows) error {
			var raw []byte
			if err := rows.Scan(&raw); err != nil {
				return err
			}
			ml := &mailinglist.MailingList{}
			if err := json.Unmarshal(raw, ml); err != nil {
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

// SaveList inserts or replaces a list.
func (db *Database) SaveList(ctx context.Context, ml *mailinglist.MailingList) error {
	raw, err := json.Marshal(ml)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrSerializationFailed, err)
	}
	_, err = db.exec(ctx, "save_list", `
		INSERT INTO mailing_lists (list_id, version, data, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (list_id) DO UPDATE SET
			version = EXCLUDED.version,
			data = EXCLUDED.data,
			updated_at = now()
	`, ml.ListID, ml.Version, raw)
	return translate("save list "+ml.ListID, err)
}

// DeleteList removes a list; memberships, requests and held records go with it.
func (db *Database) DeleteList(ctx context.Context, listID string) error {
	n, err := db.exec(ctx, "delete_list", "DELETE FROM mailing_lists WHERE list_id = $1", listID)
	if err != nil {
		return translate("delete list "+listID, err)
	}
	if n == 0 {
		return fmt.Errorf("delete list %s: %w", listID, consts.ErrDBNotFound)
	}
	return nil
}
