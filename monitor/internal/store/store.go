// Package store is the versioned entity store: sources, entities with their
// append-only snapshot history, scrape runs, watches and notification
// preferences, all in one SQLite database.
package store

import (
	"database/sql"
	"time"

	"github.com/hazyhaar/vigie/idgen"
)

// Store wraps the monitor database.
type Store struct {
	DB    *sql.DB
	newID func() string
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now for every timestamp the store writes.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store from an opened database. ApplySchema must have
// been run on db.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		DB:    db,
		newID: idgen.New,
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) nowMs() int64 { return s.now().UnixMilli() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
