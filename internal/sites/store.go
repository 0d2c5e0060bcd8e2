package sites

import (
	"time"

	"sitepipe/internal/database"
)

// Store is the durable site record store. Every mutation is a single-row
// conditional update; there is no in-process locking.
type Store struct {
	db  *database.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for updated_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New wraps an open database.
func New(db *database.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying database for components sharing it.
func (s *Store) DB() *database.DB { return s.db }

func (s *Store) stamp() string {
	return database.FormatTime(s.now())
}
