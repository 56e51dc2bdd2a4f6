package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/vigie/notify"
)

// PutPreference replaces the routes of a recipient.
func (s *Store) PutPreference(ctx context.Context, p *notify.Preference) error {
	routes := p.Routes
	if routes == nil {
		routes = []notify.Route{}
	}
	data, err := json.Marshal(routes)
	if err != nil {
		return fmt.Errorf("store: marshal routes: %w", err)
	}
	p.UpdatedAt = s.nowMs()
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO notification_preferences (recipient_id, channels_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(recipient_id) DO UPDATE SET channels_json = excluded.channels_json,
		updated_at = excluded.updated_at`,
		p.RecipientID, string(data), p.UpdatedAt)
	return err
}

// GetPreference implements notify.PreferenceStore.
func (s *Store) GetPreference(ctx context.Context, recipientID string) (*notify.Preference, error) {
	var data string
	p := &notify.Preference{RecipientID: recipientID}
	err := s.DB.QueryRowContext(ctx,
		`SELECT channels_json, updated_at FROM notification_preferences WHERE recipient_id = ?`,
		recipientID).Scan(&data, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &p.Routes); err != nil {
		return nil, fmt.Errorf("store: decode routes for %s: %w", recipientID, err)
	}
	return p, nil
}
