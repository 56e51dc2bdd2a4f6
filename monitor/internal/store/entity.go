package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hazyhaar/vigie/dbopen"
	"github.com/hazyhaar/vigie/idgen"
	"github.com/hazyhaar/vigie/monitor/internal/delta"
)

const entityColumns = `id, source_id, natural_key, status, current_hash, title, url,
	first_seen_at, last_seen_at, last_changed_at, removed_at`

// EntityID returns the id an entity with the given natural key has, or will
// have, under sourceID.
func EntityID(sourceID, naturalKey string) string {
	return idgen.FromKey(sourceID, naturalKey)
}

// Upsert records one observation in a single transaction: it compares the
// observed hash with the entity's current hash and writes an entity row and
// a snapshot only when the entity is new or its content changed. Re-running
// Upsert with the same input is a no-op apart from last_seen_at.
func (s *Store) Upsert(ctx context.Context, in UpsertInput) (*Delta, error) {
	if in.SourceID == "" || in.NaturalKey == "" {
		return nil, fmt.Errorf("store: upsert: source id and natural key are required")
	}
	if in.ObservedAt == 0 {
		in.ObservedAt = s.nowMs()
	}

	var d *Delta
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		cur, err := scanEntity(tx.QueryRowContext(ctx,
			`SELECT `+entityColumns+` FROM entities WHERE source_id = ? AND natural_key = ?`,
			in.SourceID, in.NaturalKey))
		if err != nil {
			return err
		}

		var prior *delta.Prior
		if cur != nil {
			prior = &delta.Prior{Hash: cur.CurrentHash, Removed: cur.Status == StatusRemoved}
		}
		kind := delta.Classify(prior, in.Hash)
		d = &Delta{Kind: kind}

		switch kind {
		case delta.New:
			e := &Entity{
				ID:            EntityID(in.SourceID, in.NaturalKey),
				SourceID:      in.SourceID,
				NaturalKey:    in.NaturalKey,
				Status:        StatusActive,
				CurrentHash:   in.Hash,
				Title:         in.Title,
				URL:           in.URL,
				FirstSeenAt:   in.ObservedAt,
				LastSeenAt:    in.ObservedAt,
				LastChangedAt: in.ObservedAt,
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO entities (`+entityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
				e.ID, e.SourceID, e.NaturalKey, e.Status, e.CurrentHash, e.Title, e.URL,
				e.FirstSeenAt, e.LastSeenAt, e.LastChangedAt,
			); err != nil {
				return fmt.Errorf("insert entity: %w", err)
			}
			snap, err := s.insertSnapshot(ctx, tx, e.ID, in)
			if err != nil {
				return err
			}
			d.Entity, d.Current = e, snap

		case delta.Changed:
			prev, err := latestSnapshot(ctx, tx, cur.ID)
			if err != nil {
				return err
			}
			snap, err := s.insertSnapshot(ctx, tx, cur.ID, in)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE entities SET status = ?, current_hash = ?, title = ?, url = ?,
				last_seen_at = ?, last_changed_at = ?, removed_at = NULL
				WHERE id = ?`,
				StatusActive, in.Hash, in.Title, in.URL, in.ObservedAt, in.ObservedAt, cur.ID,
			); err != nil {
				return fmt.Errorf("update entity: %w", err)
			}
			cur.Status, cur.CurrentHash, cur.Title, cur.URL = StatusActive, in.Hash, in.Title, in.URL
			cur.LastSeenAt, cur.LastChangedAt, cur.RemovedAt = in.ObservedAt, in.ObservedAt, nil
			d.Entity, d.Previous, d.Current = cur, prev, snap

		default:
			if _, err := tx.ExecContext(ctx,
				`UPDATE entities SET status = ?, last_seen_at = ?, removed_at = NULL WHERE id = ?`,
				StatusActive, in.ObservedAt, cur.ID,
			); err != nil {
				return fmt.Errorf("touch entity: %w", err)
			}
			cur.Status, cur.LastSeenAt, cur.RemovedAt = StatusActive, in.ObservedAt, nil
			d.Entity = cur
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: upsert %s/%s: %w", in.SourceID, in.NaturalKey, err)
	}
	return d, nil
}

func (s *Store) insertSnapshot(ctx context.Context, tx *sql.Tx, entityID string, in UpsertInput) (*Snapshot, error) {
	snap := &Snapshot{
		ID:         "snap_" + s.newID(),
		EntityID:   entityID,
		Hash:       in.Hash,
		Value:      in.Value,
		CapturedAt: in.ObservedAt,
	}
	if len(snap.Value) == 0 {
		snap.Value = []byte("{}")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (id, entity_id, hash, value_json, captured_at) VALUES (?, ?, ?, ?, ?)`,
		snap.ID, snap.EntityID, snap.Hash, string(snap.Value), snap.CapturedAt,
	); err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}
	return snap, nil
}

// GetEntity returns an entity by id, or nil.
func (s *Store) GetEntity(ctx context.Context, id string) (*Entity, error) {
	return scanEntity(s.DB.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = ?`, id))
}

// GetEntityByKey returns the entity for a natural key under a source, or nil.
func (s *Store) GetEntityByKey(ctx context.Context, sourceID, naturalKey string) (*Entity, error) {
	return scanEntity(s.DB.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE source_id = ? AND natural_key = ?`,
		sourceID, naturalKey))
}

// ListEntities returns the entities of a source. An empty status returns all.
func (s *Store) ListEntities(ctx context.Context, sourceID, status string) ([]*Entity, error) {
	q := `SELECT ` + entityColumns + ` FROM entities WHERE source_id = ?`
	args := []any{sourceID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY first_seen_at, natural_key`
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkRemoved transitions every active entity of sourceID whose natural key
// is not in currentKeys to removed. Entities already removed are left alone,
// so repeated calls report each disappearance once.
func (s *Store) MarkRemoved(ctx context.Context, sourceID string, currentKeys []string, at int64) ([]*Entity, error) {
	if at == 0 {
		at = s.nowMs()
	}
	seen := make(map[string]struct{}, len(currentKeys))
	for _, k := range currentKeys {
		seen[k] = struct{}{}
	}

	var removed []*Entity
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		removed = nil
		rows, err := tx.QueryContext(ctx,
			`SELECT `+entityColumns+` FROM entities WHERE source_id = ? AND status = ?`,
			sourceID, StatusActive)
		if err != nil {
			return err
		}
		var gone []*Entity
		for rows.Next() {
			e, err := scanEntity(rows)
			if err != nil {
				rows.Close()
				return err
			}
			if _, ok := seen[e.NaturalKey]; !ok {
				gone = append(gone, e)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, e := range gone {
			if _, err := tx.ExecContext(ctx,
				`UPDATE entities SET status = ?, removed_at = ? WHERE id = ? AND status = ?`,
				StatusRemoved, at, e.ID, StatusActive,
			); err != nil {
				return fmt.Errorf("mark removed: %w", err)
			}
			ts := at
			e.Status, e.RemovedAt = StatusRemoved, &ts
			removed = append(removed, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: mark removed %s: %w", sourceID, err)
	}
	return removed, nil
}

// SourcesWithActiveKey returns the ids of sources other than excludeSource
// that hold an active entity with the given natural key.
func (s *Store) SourcesWithActiveKey(ctx context.Context, naturalKey, excludeSource string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT source_id FROM entities WHERE natural_key = ? AND status = ? AND source_id != ?
		ORDER BY source_id`, naturalKey, StatusActive, excludeSource)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanEntity(row rowScanner) (*Entity, error) {
	var e Entity
	err := row.Scan(&e.ID, &e.SourceID, &e.NaturalKey, &e.Status, &e.CurrentHash, &e.Title,
		&e.URL, &e.FirstSeenAt, &e.LastSeenAt, &e.LastChangedAt, &e.RemovedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan entity: %w", err)
	}
	return &e, nil
}
